// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/sphinx/path"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/internal/instrument"
)

const (
	// DefaultMaxFragmentsPerMessage is the default message size bound, in
	// fragments.
	DefaultMaxFragmentsPerMessage = 4 * fragment.MaxFragmentsPerSet

	// RoutePerFragment selects a fresh route for every fragment.
	RoutePerFragment = "per-fragment"

	// RoutePerMessage reuses one route for all fragments of a message.
	RoutePerMessage = "per-message"
)

var (
	// ErrNoRouteAvailable is returned when the topology can not supply a
	// route to the destination or back to self.
	ErrNoRouteAvailable = errors.New("client: no route available")

	// ErrOversizeMessage is returned when a message needs more fragments
	// than the configured maximum.
	ErrOversizeMessage = errors.New("client: message too large")
)

// OutboundPacket is a Sphinx packet ready to be handed to the gateway.
type OutboundPacket struct {
	// MessageID is the message the packet carries a fragment of, the zero
	// value for acks and decoys.
	MessageID arq.MessageID

	// FirstHop is the node ID of the first mix of the packet's route.
	FirstHop [sConstants.NodeIDLength]byte

	Packet []byte

	kind byte

	// surbID is the reply block a data packet's ack will ride.
	surbID arq.SURBID
}

// IsDecoy returns true iff the packet is cover traffic.
func (p *OutboundPacket) IsDecoy() bool {
	return p.kind == kindLoop || p.kind == kindDrop
}

// PreparedMessage is a message turned into a batch of packets.
type PreparedMessage struct {
	ID      arq.MessageID
	Packets []*OutboundPacket
}

type preparerConfig struct {
	mixHops      int
	maxFragments int
	routePolicy  string
}

// preparer turns messages into packets.  It performs no network I/O.
type preparer struct {
	sync.Mutex

	log        *logging.Logger
	sphinx     *sphinx.Sphinx
	selector   *pki.Selector
	surbs      *surbFactory
	arq        *arq.ARQ
	fragmenter *fragment.Fragmenter
	cfg        preparerConfig
	self       address.Address

	dests map[arq.MessageID]address.Address
}

func newPreparer(log *logging.Logger, s *sphinx.Sphinx, selector *pki.Selector, a *arq.ARQ, self address.Address, cfg preparerConfig) (*preparer, error) {
	fragmenter, err := fragment.NewFragmenter(fragmentCapacity(s.Geometry()))
	if err != nil {
		return nil, err
	}
	if cfg.maxFragments <= 0 {
		cfg.maxFragments = DefaultMaxFragmentsPerMessage
	}
	return &preparer{
		log:        log,
		sphinx:     s,
		selector:   selector,
		surbs:      &surbFactory{sphinx: s, selector: selector, mixHops: cfg.mixHops},
		arq:        a,
		fragmenter: fragmenter,
		cfg:        cfg,
		self:       self,
		dests:      make(map[arq.MessageID]address.Address),
	}, nil
}

// Prepare fragments msg, and builds and registers one packet per fragment.
func (p *preparer) Prepare(msg []byte, dst address.Address) (*PreparedMessage, error) {
	dst, err := dst.Resolve(p.self)
	if err != nil {
		return nil, err
	}
	if n := p.fragmenter.Count(len(msg)); n > p.cfg.maxFragments {
		return nil, fmt.Errorf("%w: %d fragments, at most %d", ErrOversizeMessage, n, p.cfg.maxFragments)
	}
	frags, err := p.fragmenter.Fragment(msg)
	if err != nil {
		return nil, err
	}

	var route []*pki.MixDescriptor
	if p.cfg.routePolicy == RoutePerMessage {
		if route, err = p.selector.SelectRoute(p.cfg.mixHops); err != nil {
			return nil, routeError(err)
		}
	}

	prepared := new(PreparedMessage)
	if _, err := io.ReadFull(rand.Reader, prepared.ID[:]); err != nil {
		return nil, err
	}
	if err := p.arq.Track(prepared.ID, len(frags)); err != nil {
		return nil, err
	}

	p.Lock()
	p.dests[prepared.ID] = dst
	p.Unlock()

	prepared.Packets = make([]*OutboundPacket, 0, len(frags))
	for _, frag := range frags {
		pkt, err := p.prepareFragment(prepared.ID, frag, dst, route)
		if err != nil {
			p.arq.Abandon(prepared.ID)
			p.forget(prepared.ID)
			return nil, err
		}
		prepared.Packets = append(prepared.Packets, pkt)
	}

	p.log.Debugf("Prepared message %s: %d bytes in %d fragments to %s", prepared.ID, len(msg), len(frags), dst)
	return prepared, nil
}

// Reprepare builds a retransmission of a pending fragment with a fresh
// SURB and a fresh route.
func (p *preparer) Reprepare(rt *arq.Retransmission) (*OutboundPacket, error) {
	p.Lock()
	dst, ok := p.dests[rt.MessageID]
	p.Unlock()
	if !ok {
		return nil, arq.ErrUnknownMessage
	}
	pkt, err := p.prepareFragment(rt.MessageID, rt.Fragment, dst, nil)
	if err != nil {
		return nil, err
	}
	instrument.Retransmission()
	p.log.Debugf("Retransmitting %s of message %s, retry %d", rt.Fragment.ID(), rt.MessageID, rt.Retries)
	return pkt, nil
}

// forget releases the destination of a message that is no longer tracked.
func (p *preparer) forget(id arq.MessageID) {
	p.Lock()
	defer p.Unlock()
	delete(p.dests, id)
}

func (p *preparer) prepareFragment(msgID arq.MessageID, frag *fragment.Fragment, dst address.Address, route []*pki.MixDescriptor) (*OutboundPacket, error) {
	rb, err := p.surbs.build(p.self)
	if err != nil {
		return nil, err
	}
	body, err := frag.MarshalBinary()
	if err != nil {
		return nil, err
	}
	payload, err := encodeReplyCarrying(p.sphinx.Geometry(), kindData, rb, body)
	if err != nil {
		return nil, err
	}
	pkt, rtt, err := p.forwardPacket(route, dst, payload)
	if err != nil {
		return nil, err
	}
	pkt.MessageID = msgID
	pkt.kind = kindData
	pkt.surbID = rb.ID

	attempt := &arq.Attempt{
		SURBID:   rb.ID,
		SURBKeys: rb.Keys,
		RTT:      rtt + rb.ETA,
	}
	if _, err := p.arq.OnFragmentSent(frag, msgID, attempt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// forwardPacket wraps payload in a packet routed through route, or a fresh
// route if nil, to dst's gateway.  It returns the packet and the expected
// transit time.
func (p *preparer) forwardPacket(route []*pki.MixDescriptor, dst address.Address, payload []byte) (*OutboundPacket, time.Duration, error) {
	doc := p.selector.Document()
	if doc == nil {
		return nil, 0, fmt.Errorf("%w: no topology document", ErrNoRouteAvailable)
	}
	terminus, err := doc.GetGatewayByKeyHash(&dst.Gateway)
	if err != nil {
		return nil, 0, routeError(err)
	}
	return p.forwardPacketVia(doc, route, terminus, &dst.Recipient, payload)
}

func (p *preparer) forwardPacketVia(doc *pki.Document, route []*pki.MixDescriptor, terminus *pki.MixDescriptor, recipient *[sConstants.RecipientIDLength]byte, payload []byte) (*OutboundPacket, time.Duration, error) {
	var err error
	if route == nil {
		if route, err = p.selector.SelectRoute(p.cfg.mixHops); err != nil {
			return nil, 0, routeError(err)
		}
	}
	fwdPath, rtt, err := path.New(p.selector, p.sphinx.Scheme(), doc, route, terminus, recipient, nil)
	if err != nil {
		return nil, 0, err
	}
	pkt, err := p.sphinx.NewPacket(rand.Reader, fwdPath, payload)
	if err != nil {
		return nil, 0, err
	}
	return &OutboundPacket{FirstHop: fwdPath[0].ID, Packet: pkt}, rtt, nil
}
