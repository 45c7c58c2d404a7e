// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/sphinx/path"
)

// replyBlock is a single use reply block.  The SURB bytes travel inside a
// payload, the keys stay behind to decrypt the reply.
type replyBlock struct {
	ID       [sConstants.SURBIDLength]byte
	SURB     []byte
	Keys     []byte
	FirstHop [sConstants.NodeIDLength]byte

	// ETA is the expected transit time of the reply.
	ETA time.Duration
}

type surbFactory struct {
	sphinx   *sphinx.Sphinx
	selector *pki.Selector
	mixHops  int
}

func routeError(err error) error {
	var topoErr *pki.InsufficientTopologyError
	if errors.As(err, &topoErr) || errors.Is(err, pki.ErrNoSuchNode) {
		return fmt.Errorf("%w: %w", ErrNoRouteAvailable, err)
	}
	return err
}

// build creates a fresh reply block that routes back to self through a
// freshly selected route.  Every call draws a new SURB ID.
func (f *surbFactory) build(self address.Address) (*replyBlock, error) {
	if self.IsSelf() {
		return nil, address.ErrUnresolvedSelf
	}
	doc := f.selector.Document()
	if doc == nil {
		return nil, fmt.Errorf("%w: no topology document", ErrNoRouteAvailable)
	}
	gateway, err := doc.GetGatewayByKeyHash(&self.Gateway)
	if err != nil {
		return nil, routeError(err)
	}
	route, err := f.selector.SelectRoute(f.mixHops)
	if err != nil {
		return nil, routeError(err)
	}

	rb := new(replyBlock)
	if _, err := io.ReadFull(rand.Reader, rb.ID[:]); err != nil {
		return nil, err
	}
	p, eta, err := path.New(f.selector, f.sphinx.Scheme(), doc, route, gateway, &self.Recipient, &rb.ID)
	if err != nil {
		return nil, err
	}
	if rb.SURB, rb.Keys, err = f.sphinx.NewSURB(rand.Reader, p); err != nil {
		return nil, err
	}
	rb.FirstHop = p[0].ID
	rb.ETA = eta
	return rb, nil
}
