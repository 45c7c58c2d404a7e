// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"errors"
	mRand "math/rand"
	"sync"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/sphinx"
	"github.com/katzenpost/mixclient/core/sphinx/commands"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/worker"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("gateway: transport closed")

const loopbackQueueLength = 4096

type mailbox struct {
	gateway   [sConstants.NodeIDLength]byte
	recipient [sConstants.RecipientIDLength]byte
}

type forward struct {
	firstHop [sConstants.NodeIDLength]byte
	pkt      []byte
}

// DropFunc decides whether the Loopback loses a delivery.
type DropFunc func(d *Delivery) bool

// Loopback is an in-memory mix network.  Every packet is unwrapped hop by
// hop with the nodes' private keys, and final payloads are pushed to the
// transport connected for the addressed recipient.  No mixing delay is
// applied.
type Loopback struct {
	worker.Worker
	sync.Mutex

	log    *logging.Logger
	sphinx *sphinx.Sphinx
	keys   map[[sConstants.NodeIDLength]byte]nike.PrivateKey

	mailboxes map[mailbox]*LoopbackTransport
	queue     chan *forward

	mRng     *mRand.Rand
	lossRate float64
	dropFn   DropFunc
}

// NewLoopback starts a Loopback over the nodes with the given private
// keys.
func NewLoopback(log *logging.Logger, s *sphinx.Sphinx, keys map[[sConstants.NodeIDLength]byte]nike.PrivateKey) *Loopback {
	l := &Loopback{
		log:       log,
		sphinx:    s,
		keys:      keys,
		mailboxes: make(map[mailbox]*LoopbackTransport),
		queue:     make(chan *forward, loopbackQueueLength),
		mRng:      rand.NewMath(),
	}
	l.Go(l.worker)
	return l
}

// SetLossRate makes the network lose each delivery with probability p.
func (l *Loopback) SetLossRate(p float64) {
	l.Lock()
	defer l.Unlock()
	l.lossRate = p
}

// SetDropFunc installs fn to choose deliveries to lose.
func (l *Loopback) SetDropFunc(fn DropFunc) {
	l.Lock()
	defer l.Unlock()
	l.dropFn = fn
}

// Connect returns the transport of the recipient on gateway.  A second
// Connect for the same mailbox replaces the first.
func (l *Loopback) Connect(gateway *[sConstants.NodeIDLength]byte, recipient *[sConstants.RecipientIDLength]byte) *LoopbackTransport {
	t := &LoopbackTransport{
		network: l,
		box:     mailbox{gateway: *gateway, recipient: *recipient},
		recvCh:  make(chan *Delivery, recvQueueLength),
		closeCh: make(chan struct{}),
	}
	l.Lock()
	l.mailboxes[t.box] = t
	l.Unlock()
	return t
}

func (l *Loopback) disconnect(t *LoopbackTransport) {
	l.Lock()
	defer l.Unlock()
	if l.mailboxes[t.box] == t {
		delete(l.mailboxes, t.box)
	}
}

func (l *Loopback) worker() {
	for {
		select {
		case <-l.HaltCh():
			l.log.Debugf("Terminating gracefully.")
			return
		case f := <-l.queue:
			l.route(f)
		}
	}
}

func (l *Loopback) route(f *forward) {
	hop := f.firstHop
	pkt := f.pkt
	for {
		key, ok := l.keys[hop]
		if !ok {
			l.log.Debugf("Dropping packet for unknown node %x", hop)
			return
		}
		payload, _, cmds, err := l.sphinx.Unwrap(key, pkt)
		if err != nil {
			l.log.Debugf("Dropping packet at %x: %v", hop, err)
			return
		}

		var (
			nextHop   *commands.NextNodeHop
			recipient *commands.Recipient
			surbReply *commands.SURBReply
		)
		for _, cmd := range cmds {
			switch c := cmd.(type) {
			case *commands.NextNodeHop:
				nextHop = c
			case *commands.Recipient:
				recipient = c
			case *commands.SURBReply:
				surbReply = c
			}
		}
		if nextHop != nil {
			hop = nextHop.ID
			continue
		}
		if recipient == nil {
			l.log.Debugf("Dropping terminal packet at %x without a recipient", hop)
			return
		}

		d := &Delivery{Payload: payload}
		if surbReply != nil {
			d.SURBID = new([sConstants.SURBIDLength]byte)
			*d.SURBID = surbReply.ID
		}
		l.deliver(mailbox{gateway: hop, recipient: recipient.ID}, d)
		return
	}
}

func (l *Loopback) deliver(box mailbox, d *Delivery) {
	l.Lock()
	t, ok := l.mailboxes[box]
	lost := (l.lossRate > 0 && l.mRng.Float64() < l.lossRate) || (l.dropFn != nil && l.dropFn(d))
	l.Unlock()

	switch {
	case !ok:
		// Drop decoys, and recipients that are not connected.
		return
	case lost:
		l.log.Debugf("Losing delivery to %x", box.recipient)
		return
	}
	select {
	case t.recvCh <- d:
	case <-t.closeCh:
	default:
		l.log.Warningf("Receive queue of %x full, dropping delivery", box.recipient)
	}
}

// LoopbackTransport is one client's Transport on a Loopback.
type LoopbackTransport struct {
	network *Loopback
	box     mailbox

	recvCh    chan *Delivery
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Send implements Transport.  The packet is routed asynchronously.
func (t *LoopbackTransport) Send(ctx context.Context, firstHop *[sConstants.NodeIDLength]byte, pkt []byte) error {
	select {
	case <-t.closeCh:
		return ErrClosed
	default:
	}
	f := &forward{firstHop: *firstHop, pkt: append([]byte{}, pkt...)}
	select {
	case t.network.queue <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return ErrClosed
	case <-t.network.HaltCh():
		return ErrClosed
	}
}

// Receive implements Transport.
func (t *LoopbackTransport) Receive() <-chan *Delivery {
	return t.recvCh
}

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.network.disconnect(t)
	})
	return nil
}
