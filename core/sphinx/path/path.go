// path.go - Path selection routines.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package path turns a selected relay list into Sphinx path hops.
package path

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/nike"

	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	"github.com/katzenpost/mixclient/core/sphinx/commands"
	"github.com/katzenpost/mixclient/core/sphinx/constants"
)

var (
	errNoTerminus  = errors.New("path: missing terminal gateway")
	errNoRecipient = errors.New("path: missing recipient")
)

// DelaySampler samples per-hop mixing delays in milliseconds.
type DelaySampler interface {
	Exp(lambda float64, max uint64) uint64
}

// New creates a path through route ending at terminus, suitable for use
// in creating a Sphinx packet or SURB.  Every hop before the terminus
// carries a NodeDelay drawn from Exp(Mu) clamped to MuMaxDelay.  The
// terminus carries a Recipient command, and a SURBReply command iff
// surbID is set.  The summed delays are returned as the expected transit
// time.
func New(sampler DelaySampler,
	scheme nike.Scheme,
	doc *pki.Document,
	route []*pki.MixDescriptor,
	terminus *pki.MixDescriptor,
	recipient *[constants.RecipientIDLength]byte,
	surbID *[constants.SURBIDLength]byte) ([]*sphinx.PathHop, time.Duration, error) {

	if terminus == nil {
		return nil, 0, errNoTerminus
	}
	if recipient == nil {
		return nil, 0, errNoRecipient
	}
	descs := make([]*pki.MixDescriptor, 0, len(route)+1)
	descs = append(descs, route...)
	descs = append(descs, terminus)

	var total time.Duration
	path := make([]*sphinx.PathHop, 0, len(descs))
	for idx, desc := range descs {
		h := &sphinx.PathHop{ID: desc.IDHash()}
		pub, err := desc.UnmarshalMixKey(scheme)
		if err != nil {
			return nil, 0, fmt.Errorf("path: node '%v' mix key: %w", desc.Name, err)
		}
		h.PublicKey = pub

		if idx != len(descs)-1 {
			delay := sampler.Exp(doc.Mu, doc.MuMaxDelay) + 1
			if doc.MuMaxDelay > 0 && delay > doc.MuMaxDelay {
				delay = doc.MuMaxDelay
			}
			total += time.Duration(delay) * time.Millisecond
			h.Commands = append(h.Commands, &commands.NodeDelay{Delay: uint32(delay)})
		} else {
			recipCmd := &commands.Recipient{}
			copy(recipCmd.ID[:], recipient[:])
			h.Commands = append(h.Commands, recipCmd)

			if surbID != nil {
				surbCmd := &commands.SURBReply{}
				copy(surbCmd.ID[:], surbID[:])
				h.Commands = append(h.Commands, surbCmd)
			}
		}

		path = append(path, h)
	}

	return path, total, nil
}

// FirstHop returns the node ID of the first hop of a path.
func FirstHop(p []*sphinx.PathHop) *[constants.NodeIDLength]byte {
	if len(p) == 0 {
		return nil
	}
	id := p[0].ID
	return &id
}
