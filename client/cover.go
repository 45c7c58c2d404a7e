// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/pki"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/internal/instrument"
)

// Rates are the Poisson process rates, per millisecond, along with their
// maximum delays in milliseconds.
type Rates struct {
	LambdaP         float64
	LambdaPMaxDelay uint64
	LambdaL         float64
	LambdaLMaxDelay uint64
	LambdaD         float64
	LambdaDMaxDelay uint64
}

// ratesFromPKIDoc returns the document's rates with every non-zero
// override applied.
func ratesFromPKIDoc(doc *pki.Document, overrides *Rates) *Rates {
	r := new(Rates)
	if doc != nil {
		*r = Rates{
			LambdaP:         doc.LambdaP,
			LambdaPMaxDelay: doc.LambdaPMaxDelay,
			LambdaL:         doc.LambdaL,
			LambdaLMaxDelay: doc.LambdaLMaxDelay,
			LambdaD:         doc.LambdaD,
			LambdaDMaxDelay: doc.LambdaDMaxDelay,
		}
	}
	if overrides == nil {
		return r
	}
	if overrides.LambdaP != 0 {
		r.LambdaP = overrides.LambdaP
	}
	if overrides.LambdaPMaxDelay != 0 {
		r.LambdaPMaxDelay = overrides.LambdaPMaxDelay
	}
	if overrides.LambdaL != 0 {
		r.LambdaL = overrides.LambdaL
	}
	if overrides.LambdaLMaxDelay != 0 {
		r.LambdaLMaxDelay = overrides.LambdaLMaxDelay
	}
	if overrides.LambdaD != 0 {
		r.LambdaD = overrides.LambdaD
	}
	if overrides.LambdaDMaxDelay != 0 {
		r.LambdaDMaxDelay = overrides.LambdaDMaxDelay
	}
	return r
}

type coverConfig struct {
	overrides Rates

	// disableDecoys stops the loop and drop processes, and leaves empty
	// LambdaP ticks silent.
	disableDecoys bool

	// unpaced sends real packets as soon as they are queued, with no
	// LambdaP process at all.
	unpaced bool

	loopSlop time.Duration
}

type loopCtx struct {
	id   [loopIDLength]byte
	eta  time.Time
	node *avl.Node
}

// cover runs the LambdaP, loop and drop processes.  Each has an
// independent exponential schedule, real traffic is only ever sent on a
// LambdaP tick, and the loop and drop processes never look at the egress
// queue.
type cover struct {
	worker.Worker
	sync.Mutex

	log      *logging.Logger
	clock    clockwork.Clock
	selector *pki.Selector
	preparer *preparer
	egress   *egressQueue
	out      chan<- *OutboundPacket
	cfg      coverConfig

	onLoopsLost func(n int)

	sendReal *ExpDist
	sendLoop *ExpDist
	sendDrop *ExpDist

	loops    map[[loopIDLength]byte]*loopCtx
	loopETAs *avl.Tree
}

func newCover(log *logging.Logger, clock clockwork.Clock, selector *pki.Selector, p *preparer, egress *egressQueue, out chan<- *OutboundPacket, cfg coverConfig) *cover {
	return &cover{
		log:      log,
		clock:    clock,
		selector: selector,
		preparer: p,
		egress:   egress,
		out:      out,
		cfg:      cfg,
		loops:    make(map[[loopIDLength]byte]*loopCtx),
		loopETAs: avl.New(func(a, b interface{}) int {
			ctxA, ctxB := a.(*loopCtx), b.(*loopCtx)
			switch {
			case ctxA.eta.Before(ctxB.eta):
				return -1
			case ctxA.eta.After(ctxB.eta):
				return 1
			default:
				return bytes.Compare(ctxA.id[:], ctxB.id[:])
			}
		}),
	}
}

func (c *cover) start() {
	r := c.rates(c.selector.Document())
	if !c.cfg.unpaced {
		c.sendReal = NewExpDist(c.clock, r.LambdaP, r.LambdaPMaxDelay)
		c.sendLoop = NewExpDist(c.clock, r.LambdaL, r.LambdaLMaxDelay)
		c.sendDrop = NewExpDist(c.clock, r.LambdaD, r.LambdaDMaxDelay)
	}
	c.Go(c.worker)
}

// Halt stops the cover worker and its schedules.
func (c *cover) Halt() {
	c.Worker.Halt()
	for _, e := range []*ExpDist{c.sendReal, c.sendLoop, c.sendDrop} {
		if e != nil {
			e.Halt()
		}
	}
}

func (c *cover) rates(doc *pki.Document) *Rates {
	r := ratesFromPKIDoc(doc, &c.cfg.overrides)
	if c.cfg.disableDecoys {
		r.LambdaL, r.LambdaD = 0, 0
	}
	return r
}

// UpdateRates retunes the processes to a new topology document.
func (c *cover) UpdateRates(doc *pki.Document) {
	if c.cfg.unpaced || c.sendReal == nil {
		return
	}
	r := c.rates(doc)
	c.sendReal.UpdateRate(r.LambdaP, r.LambdaPMaxDelay)
	c.sendLoop.UpdateRate(r.LambdaL, r.LambdaLMaxDelay)
	c.sendDrop.UpdateRate(r.LambdaD, r.LambdaDMaxDelay)
	c.log.Debugf("Rates updated: P %v L %v D %v", r.LambdaP, r.LambdaL, r.LambdaD)
}

func outCh(e *ExpDist) <-chan struct{} {
	if e == nil {
		return nil
	}
	return e.OutCh()
}

func (c *cover) worker() {
	var unpacedCh <-chan struct{}
	if c.cfg.unpaced {
		unpacedCh = c.egress.signal
	}

	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case <-outCh(c.sendReal):
			pkt := c.egress.pop()
			if pkt == nil {
				if c.cfg.disableDecoys {
					continue
				}
				var err error
				if pkt, err = c.loopDecoy(); err != nil {
					c.log.Warningf("Failed to build loop decoy: %v", err)
					continue
				}
			}
			c.emit(pkt)
		case <-outCh(c.sendLoop):
			pkt, err := c.loopDecoy()
			if err != nil {
				c.log.Warningf("Failed to build loop decoy: %v", err)
				continue
			}
			c.emit(pkt)
		case <-outCh(c.sendDrop):
			pkt, err := c.dropDecoy()
			if err != nil {
				c.log.Warningf("Failed to build drop decoy: %v", err)
				continue
			}
			c.emit(pkt)
		case <-unpacedCh:
			for pkt := c.egress.pop(); pkt != nil; pkt = c.egress.pop() {
				c.emit(pkt)
			}
		}
	}
}

func (c *cover) emit(pkt *OutboundPacket) {
	select {
	case <-c.HaltCh():
	case c.out <- pkt:
	}
}

// loopDecoy builds a packet that travels a full length route back to
// ourselves, carrying a SURB exactly like a data packet.
func (c *cover) loopDecoy() (*OutboundPacket, error) {
	p := c.preparer
	rb, err := p.surbs.build(p.self)
	if err != nil {
		return nil, err
	}
	var id [loopIDLength]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}
	payload, err := encodeReplyCarrying(p.sphinx.Geometry(), kindLoop, rb, id[:])
	if err != nil {
		return nil, err
	}
	pkt, rtt, err := p.forwardPacket(nil, p.self, payload)
	if err != nil {
		return nil, err
	}
	pkt.kind = kindLoop
	c.trackLoop(id, c.clock.Now().Add(rtt))
	return pkt, nil
}

// dropDecoy builds a packet to a random recipient on a random gateway,
// which the gateway discards.
func (c *cover) dropDecoy() (*OutboundPacket, error) {
	p := c.preparer
	doc := c.selector.Document()
	gateway, err := c.selector.RandomGateway()
	if err != nil {
		return nil, routeError(err)
	}
	var recipient [sConstants.RecipientIDLength]byte
	if _, err := io.ReadFull(rand.Reader, recipient[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, p.sphinx.Geometry().ForwardPayloadLength)
	if _, err := io.ReadFull(rand.Reader, payload[1:]); err != nil {
		return nil, err
	}
	payload[0] = kindDrop
	pkt, _, err := p.forwardPacketVia(doc, nil, gateway, &recipient, payload)
	if err != nil {
		return nil, err
	}
	pkt.kind = kindDrop
	return pkt, nil
}

func (c *cover) trackLoop(id [loopIDLength]byte, eta time.Time) {
	c.Lock()
	defer c.Unlock()

	ctx := &loopCtx{id: id, eta: eta}
	ctx.node = c.loopETAs.Insert(ctx)
	if ctx.node.Value.(*loopCtx) != ctx {
		// Random 128 bit IDs with identical ETAs.
		c.log.Errorf("BUG: duplicate loop ID %x", id)
		return
	}
	c.loops[id] = ctx
}

func (c *cover) loopReturned(id [loopIDLength]byte) bool {
	c.Lock()
	defer c.Unlock()

	ctx, ok := c.loops[id]
	if !ok {
		return false
	}
	delete(c.loops, id)
	c.loopETAs.Remove(ctx.node)
	ctx.node = nil
	return true
}

// sweepLoops counts every loop whose ETA plus slop is before now as lost,
// and returns the number lost.
func (c *cover) sweepLoops(now time.Time) int {
	c.Lock()
	nowMinusSlop := now.Add(-c.cfg.loopSlop)
	lost := 0
	iter := c.loopETAs.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ctx := node.Value.(*loopCtx)
		if ctx.eta.After(nowMinusSlop) {
			break
		}
		delete(c.loops, ctx.id)
		c.log.Debugf("Sweep: Lost loop %x ETA: %v (DeltaT: %v)", ctx.id, ctx.eta, now.Sub(ctx.eta))
		lost++
		c.loopETAs.Remove(node)
	}
	outstanding := len(c.loops)
	c.Unlock()

	if lost > 0 {
		instrument.LoopsLost(lost)
		c.log.Warningf("Sweep: %d loop decoys lost, %d outstanding", lost, outstanding)
		if c.onLoopsLost != nil {
			c.onLoopsLost(lost)
		}
	}
	return lost
}
