// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package client provides reliable, unobservable message transport over a
// mix network: messages are fragmented into fixed size packets, every
// fragment is acknowledged through a single use reply block, and all
// traffic is paced and padded with decoys.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
)

const (
	outQueueLength   = 64
	eventQueueLength = 256
)

var (
	// ErrAbandoned is the reason reported for an abandoned message.
	ErrAbandoned = errors.New("client: message abandoned")

	// ErrShutdown is returned when using a client that was shut down.
	ErrShutdown = errors.New("client: shut down")
)

// DeliveryFailedError reports a message that will not be delivered.
type DeliveryFailedError struct {
	MessageID  arq.MessageID
	FragmentID fragment.ID
	Reason     error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("client: delivery of message %s failed: %v", e.MessageID, e.Reason)
}

func (e *DeliveryFailedError) Unwrap() error {
	return e.Reason
}

func reasonString(err error) string {
	switch {
	case errors.Is(err, arq.ErrRetryCeiling):
		return "retry_ceiling"
	case errors.Is(err, arq.ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	default:
		return "other"
	}
}

// DeliveryHandle tracks the delivery of one sent message.
type DeliveryHandle struct {
	ID arq.MessageID

	once   sync.Once
	doneCh chan struct{}
	err    error
}

func newDeliveryHandle(id arq.MessageID) *DeliveryHandle {
	return &DeliveryHandle{ID: id, doneCh: make(chan struct{})}
}

func (h *DeliveryHandle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.doneCh)
	})
}

// Done returns a channel that is closed once the message was delivered or
// failed.
func (h *DeliveryHandle) Done() <-chan struct{} {
	return h.doneCh
}

// Err returns nil while the message is in flight or after it was
// delivered, and a *DeliveryFailedError after it failed.
func (h *DeliveryHandle) Err() error {
	select {
	case <-h.doneCh:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the message was delivered or failed, or ctx is done.
func (h *DeliveryHandle) Wait(ctx context.Context) error {
	select {
	case <-h.doneCh:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is a mix network client.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	clock      clockwork.Clock

	transport gateway.Transport
	sphinx    *sphinx.Sphinx
	selector  *pki.Selector
	self      address.Address

	arq        *arq.ARQ
	preparer   *preparer
	receiver   *receiver
	egress     *egressQueue
	cover      *cover
	mixTraffic *mixTraffic
	inbox      *Inbox

	handlesLock sync.Mutex
	handles     map[arq.MessageID]*DeliveryHandle

	pendingLock   sync.Mutex
	pending       []*Message
	pendingSignal chan struct{}
	recvCh        chan *Message

	eventCh chan Event

	startOnce sync.Once
	haltOnce  sync.Once
}

// New creates a client for the recipient identified by identity, on the
// configured gateway of doc.  The client owns transport from here on.
func New(cfg *config.Config, logBackend *log.Backend, transport gateway.Transport, doc *pki.Document, identity nike.PublicKey, clock clockwork.Clock) (*Client, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scheme := schemes.ByName(cfg.Sphinx.NIKE)
	if scheme == nil {
		return nil, fmt.Errorf("client: unsupported NIKE '%v'", cfg.Sphinx.NIKE)
	}
	gw, err := doc.GetGateway(cfg.Gateway.Name)
	if err != nil {
		return nil, err
	}
	gwID := gw.IDHash()
	recipient := address.RecipientFromKey(identity)

	c := &Client{
		cfg:           cfg,
		logBackend:    logBackend,
		log:           logBackend.GetLogger("client"),
		clock:         clock,
		transport:     transport,
		sphinx:        sphinx.NewSphinx(scheme, sphinx.GeometryFromForwardPayloadLength(scheme, cfg.Sphinx.ForwardPayloadLength, cfg.Sphinx.Hops)),
		selector:      pki.NewSelector(doc),
		self:          address.New(&recipient, &gwID),
		egress:        newEgressQueue(),
		handles:       make(map[arq.MessageID]*DeliveryHandle),
		pendingSignal: make(chan struct{}, 1),
		recvCh:        make(chan *Message),
		eventCh:       make(chan Event, eventQueueLength),
	}

	rCfg := cfg.Reliability
	c.arq = arq.New(arq.Config{
		MaxRetransmissions: rCfg.MaxRetransmissions,
		RoundTripSlop:      time.Duration(rCfg.AckRoundTripSlop) * time.Millisecond,
		Backoff:            rCfg.BackoffPolicy(),
		MaxPending:         rCfg.MaxPending,
	}, c, clock, logBackend.GetLogger("arq"))

	c.preparer, err = newPreparer(logBackend.GetLogger("preparer"), c.sphinx, c.selector, c.arq, c.self, preparerConfig{
		mixHops:      cfg.Sphinx.Hops - 1,
		maxFragments: rCfg.MaxFragmentsPerMessage,
		routePolicy:  rCfg.RoutePolicy,
	})
	if err != nil {
		return nil, err
	}

	outCh := make(chan *OutboundPacket, outQueueLength)
	cCfg := cfg.Cover
	c.cover = newCover(logBackend.GetLogger("cover"), clock, c.selector, c.preparer, c.egress, outCh, coverConfig{
		overrides: Rates{
			LambdaP:         cCfg.LambdaP,
			LambdaPMaxDelay: cCfg.LambdaPMaxDelay,
			LambdaL:         cCfg.LambdaL,
			LambdaLMaxDelay: cCfg.LambdaLMaxDelay,
			LambdaD:         cCfg.LambdaD,
			LambdaDMaxDelay: cCfg.LambdaDMaxDelay,
		},
		disableDecoys: cCfg.DisableDecoyTraffic || cfg.Debug.DisableCoverTraffic,
		unpaced:       cfg.Debug.DisableCoverTraffic,
		loopSlop:      time.Duration(cCfg.LoopSlop) * time.Millisecond,
	})
	c.cover.onLoopsLost = func(n int) {
		c.emit(&LoopLostEvent{Count: n})
	}

	c.receiver, err = newReceiver(logBackend.GetLogger("receiver"), clock, c.sphinx, c.arq, fragment.BuffersConfig{
		StaleAfter:        time.Duration(cfg.Reassembly.StaleAfter) * time.Millisecond,
		MaxBuffers:        cfg.Reassembly.MaxBuffers,
		TombstoneLifetime: time.Duration(cfg.Reassembly.TombstoneLifetime) * time.Millisecond,
	}, c.cover)
	if err != nil {
		return nil, err
	}

	c.mixTraffic = newMixTraffic(logBackend.GetLogger("mixtraffic"), transport, outCh, cfg.Gateway.MaxBatch, cfg.Gateway.MaxFailureCount)
	c.mixTraffic.onTransportFailed = func(failures int, err error) {
		c.emit(&TransportFailedEvent{Failures: failures, Err: err})
	}
	c.mixTraffic.onDataSent = func(pkt *OutboundPacket) {
		c.arq.Transmitted(&pkt.surbID)
	}

	if cfg.Inbox.Path != "" && !cfg.Inbox.Disable {
		if c.inbox, err = OpenInbox(cfg.Inbox.Path); err != nil {
			return nil, err
		}
	}

	if cfg.Debug.IsUnsafe() {
		c.log.Warning("Unsafe debug options are set, traffic is not unobservable")
	}
	c.log.Noticef("Client %s, %s", c.self, c.sphinx.Geometry())
	return c, nil
}

// Start starts the client's workers.  Messages left in the inbox are
// queued for Receive first.
func (c *Client) Start() error {
	var err error
	c.startOnce.Do(func() {
		if c.inbox != nil {
			var msgs []*Message
			if msgs, err = c.inbox.List(); err != nil {
				return
			}
			if len(msgs) > 0 {
				c.log.Noticef("Replaying %d messages from the inbox", len(msgs))
				c.pendingLock.Lock()
				c.pending = append(c.pending, msgs...)
				c.pendingLock.Unlock()
				c.signalPending()
			}
		}

		c.mixTraffic.start()
		c.cover.start()
		c.Go(c.arqWorker)
		c.Go(c.inboundWorker)
		c.Go(c.sweepWorker)
		c.Go(c.receiveWorker)
	})
	return err
}

// Shutdown stops the client, and closes its transport and inbox.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() {
		c.log.Notice("Shutting down.")
		c.cover.Halt()
		c.mixTraffic.Halt()
		c.Halt()
		if err := c.transport.Close(); err != nil {
			c.log.Warningf("Failed to close the transport: %v", err)
		}
		if c.inbox != nil {
			if err := c.inbox.Close(); err != nil {
				c.log.Warningf("Failed to close the inbox: %v", err)
			}
		}
	})
}

// Self returns the client's own network address.
func (c *Client) Self() address.Address {
	return c.self
}

// UpdateDocument installs a new topology document.
func (c *Client) UpdateDocument(doc *pki.Document) {
	c.selector.SetDocument(doc)
	c.cover.UpdateRates(doc)
}

// Send prepares payload for dst, and queues its packets.  The returned
// handle reports the outcome of the delivery.
func (c *Client) Send(ctx context.Context, payload []byte, dst address.Address) (*DeliveryHandle, error) {
	if c.IsHalted() {
		return nil, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prepared, err := c.preparer.Prepare(payload, dst)
	if err != nil {
		return nil, err
	}

	h := newDeliveryHandle(prepared.ID)
	c.handlesLock.Lock()
	c.handles[prepared.ID] = h
	c.handlesLock.Unlock()

	// Another Send may have evicted this message before the handle
	// existed to hear about it.
	if !c.arq.Tracked(prepared.ID) {
		c.DeliveryFailed(&arq.DeliveryFailure{MessageID: prepared.ID, Reason: arq.ErrEvicted})
		return h, nil
	}

	c.egress.push(prepared.Packets...)
	return h, nil
}

// Abandon stops the delivery of a message.  Its pending acks are
// cancelled, its queued packets dropped, and its handle fails with
// ErrAbandoned.
func (c *Client) Abandon(id arq.MessageID) error {
	n := c.arq.Abandon(id)
	h := c.takeHandle(id)
	if n == 0 && h == nil {
		return arq.ErrUnknownMessage
	}
	dropped := c.egress.cancel(id)
	c.preparer.forget(id)
	if h != nil {
		h.finish(&DeliveryFailedError{MessageID: id, Reason: ErrAbandoned})
	}
	c.log.Debugf("Abandoned message %s: %d pending fragments, %d queued packets", id, n, dropped)
	return nil
}

// AbandonInbound releases the reassembly state of a partially received
// message, and returns the number of buffers released.
func (c *Client) AbandonInbound(id fragment.SetID) int {
	return c.receiver.Abandon(id)
}

// Receive returns the stream of received messages.
func (c *Client) Receive() <-chan *Message {
	return c.recvCh
}

// DeleteMessage removes a received message from the inbox.
func (c *Client) DeleteMessage(id fragment.SetID) error {
	if c.inbox == nil {
		return nil
	}
	_, err := c.inbox.Delete(id)
	return err
}

// Events returns the channel of client events.  Events are dropped when
// the channel is full.
func (c *Client) Events() <-chan Event {
	return c.eventCh
}

func (c *Client) emit(e Event) {
	select {
	case c.eventCh <- e:
	default:
		c.log.Debugf("Event queue full, dropping %v", e)
	}
}

func (c *Client) takeHandle(id arq.MessageID) *DeliveryHandle {
	c.handlesLock.Lock()
	defer c.handlesLock.Unlock()
	h, ok := c.handles[id]
	if ok {
		delete(c.handles, id)
	}
	return h
}

// Delivered implements arq.EventSink.
func (c *Client) Delivered(id arq.MessageID) {
	c.preparer.forget(id)
	h := c.takeHandle(id)
	if h == nil {
		return
	}
	instrument.MessageDelivered()
	c.log.Debugf("Message %s delivered", id)
	h.finish(nil)
	c.emit(&MessageDeliveredEvent{MessageID: id})
}

// DeliveryFailed implements arq.EventSink.
func (c *Client) DeliveryFailed(f *arq.DeliveryFailure) {
	c.egress.cancel(f.MessageID)
	c.preparer.forget(f.MessageID)
	h := c.takeHandle(f.MessageID)
	if h == nil {
		return
	}
	err := &DeliveryFailedError{MessageID: f.MessageID, FragmentID: f.FragmentID, Reason: f.Reason}
	instrument.DeliveryFailed(reasonString(f.Reason))
	c.log.Warningf("%v", err)
	h.finish(err)
	c.emit(&DeliveryFailedEvent{Err: err})
}

func (c *Client) arqWorker() {
	timer := c.clock.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	for {
		if deadline, ok := c.arq.NextDeadline(); ok {
			d := deadline.Sub(c.clock.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			armed = true
		}

		select {
		case <-c.HaltCh():
			timer.Stop()
			c.log.Debugf("ARQ worker terminating gracefully.")
			return
		case <-c.arq.Wakeup():
		case <-timer.Chan():
			armed = false
			c.onTimeouts()
		}

		if armed && !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		armed = false
	}
}

func (c *Client) onTimeouts() {
	rts := c.arq.PollTimeouts(c.clock.Now())
	pkts := make([]*OutboundPacket, 0, len(rts))
	for _, rt := range rts {
		pkt, err := c.preparer.Reprepare(rt)
		if err != nil {
			if !errors.Is(err, arq.ErrUnknownMessage) {
				c.log.Warningf("Failed to retransmit %s: %v", rt.Fragment.ID(), err)
			}
			continue
		}
		pkts = append(pkts, pkt)
	}
	if len(pkts) > 0 {
		c.egress.push(pkts...)
	}
}

func (c *Client) inboundWorker() {
	ch := c.transport.Receive()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Inbound worker terminating gracefully.")
			return
		case d, ok := <-ch:
			if !ok {
				c.log.Error("Transport receive channel closed")
				return
			}
			c.onDelivery(d)
		}
	}
}

func (c *Client) onDelivery(d *gateway.Delivery) {
	var in Inbound
	if d.SURBID != nil {
		in = &ReplyPayload{SURBID: *d.SURBID, Payload: d.Payload}
	} else {
		in = &DataPayload{Payload: d.Payload}
	}

	res := c.receiver.OnPacket(in)
	if res.Ack != nil {
		c.egress.push(res.Ack)
	}
	if res.Kind != Completed {
		return
	}

	msg := res.Message
	if c.inbox != nil {
		if err := c.inbox.Put(msg); err != nil {
			c.log.Errorf("Failed to store message %s: %v", msg.ID, err)
		}
	}
	c.pendingLock.Lock()
	c.pending = append(c.pending, msg)
	c.pendingLock.Unlock()
	c.signalPending()
	c.emit(&MessageReceivedEvent{ID: msg.ID, Length: len(msg.Payload)})
}

func (c *Client) signalPending() {
	select {
	case c.pendingSignal <- struct{}{}:
	default:
	}
}

// receiveWorker feeds Receive in arrival order, so a slow reader never
// stalls acknowledgements.
func (c *Client) receiveWorker() {
	for {
		c.pendingLock.Lock()
		var msg *Message
		if len(c.pending) > 0 {
			msg = c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
		}
		c.pendingLock.Unlock()

		if msg == nil {
			select {
			case <-c.HaltCh():
				return
			case <-c.pendingSignal:
			}
			continue
		}
		select {
		case <-c.HaltCh():
			return
		case c.recvCh <- msg:
		}
	}
}

func (c *Client) sweepWorker() {
	ticker := c.clock.NewTicker(time.Duration(c.cfg.Reassembly.SweepInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.Chan():
			now := c.clock.Now()
			c.receiver.Sweep(now)
			c.cover.sweepLoops(now)
		}
	}
}
