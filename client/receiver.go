// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/core/sphinx"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/internal/instrument"
)

// Inbound is a payload pushed to the client by its gateway, either a
// DataPayload or a ReplyPayload.
type Inbound interface {
	isInbound()
}

// DataPayload is the decrypted final hop payload of a forward packet.
type DataPayload struct {
	Payload []byte
}

// ReplyPayload is the still encrypted payload of a packet sent with one of
// our SURBs.
type ReplyPayload struct {
	SURBID  [sConstants.SURBIDLength]byte
	Payload []byte
}

func (*DataPayload) isInbound()  {}
func (*ReplyPayload) isInbound() {}

// ResultKind is the outcome of processing an inbound payload.
type ResultKind int

const (
	// Pending means a fragment was accepted and its message is incomplete.
	Pending ResultKind = iota

	// Completed means a fragment completed a message.
	Completed

	// AckProcessed means a reply acknowledged one of our fragments.
	AckProcessed

	// Dropped means the payload was discarded.
	Dropped
)

func (k ResultKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case AckProcessed:
		return "ack"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Message is a reassembled inbound message.
type Message struct {
	// ID is the message's chain head set ID.
	ID fragment.SetID

	Payload    []byte
	ReceivedAt time.Time
}

// Result is returned by OnPacket.
type Result struct {
	Kind ResultKind

	// Message is set iff Kind is Completed.
	Message *Message

	// Ack is the acknowledgement to send for an accepted fragment.
	Ack *OutboundPacket
}

const (
	// repliedFilterEntries is the capacity of one generation of the filter
	// of SURB IDs we have replied through.
	repliedFilterEntries = 1 << 16

	repliedFalsePositiveRate = 0.0001
)

// repliedFilter remembers the SURB IDs that carried an ack, in two
// generations of bloom filters.  A false positive only withholds the ack
// for a duplicate, which the sender then retransmits with a fresh SURB.
type repliedFilter struct {
	sync.Mutex

	cur, prev *bloom.Filter
}

func newBloom() (*bloom.Filter, error) {
	return bloom.New(rand.Reader, bloom.DeriveSize(repliedFilterEntries, repliedFalsePositiveRate), repliedFalsePositiveRate)
}

func newRepliedFilter() (*repliedFilter, error) {
	f, err := newBloom()
	if err != nil {
		return nil, err
	}
	return &repliedFilter{cur: f}, nil
}

// testAndSet records id, and returns true iff it was already recorded.
func (r *repliedFilter) testAndSet(id *[sConstants.SURBIDLength]byte) bool {
	r.Lock()
	defer r.Unlock()
	if r.prev != nil && r.prev.Test(id[:]) {
		return true
	}
	if r.cur.Entries() >= r.cur.MaxEntries() {
		f, err := newBloom()
		if err == nil {
			r.prev, r.cur = r.cur, f
		}
	}
	return r.cur.TestAndSet(id[:])
}

type loopTracker interface {
	loopReturned(id [loopIDLength]byte) bool
}

type receiver struct {
	log     *logging.Logger
	clock   clockwork.Clock
	sphinx  *sphinx.Sphinx
	arq     *arq.ARQ
	buffers *fragment.Buffers
	loops   loopTracker
	replied *repliedFilter
}

func newReceiver(log *logging.Logger, clock clockwork.Clock, s *sphinx.Sphinx, a *arq.ARQ, cfg fragment.BuffersConfig, loops loopTracker) (*receiver, error) {
	buffers, err := fragment.NewBuffers(cfg)
	if err != nil {
		return nil, err
	}
	replied, err := newRepliedFilter()
	if err != nil {
		return nil, err
	}
	return &receiver{
		log:     log,
		clock:   clock,
		sphinx:  s,
		arq:     a,
		buffers: buffers,
		loops:   loops,
		replied: replied,
	}, nil
}

func (r *receiver) drop(reason string, err error) *Result {
	if err != nil {
		r.log.Debugf("Dropping inbound payload (%s): %v", reason, err)
	} else {
		r.log.Debugf("Dropping inbound payload (%s)", reason)
	}
	instrument.PacketDropped(reason)
	return &Result{Kind: Dropped}
}

// OnPacket processes one inbound payload.  Malformed input is dropped
// without touching any state.
func (r *receiver) OnPacket(in Inbound) *Result {
	switch p := in.(type) {
	case *DataPayload:
		return r.onData(p)
	case *ReplyPayload:
		return r.onReply(p)
	default:
		return r.drop("unknown", nil)
	}
}

func (r *receiver) onData(p *DataPayload) *Result {
	if len(p.Payload) == 0 {
		return r.drop("empty", nil)
	}
	switch p.Payload[0] {
	case kindData:
	case kindLoop:
		return r.onLoop(p)
	case kindDrop:
		return &Result{Kind: Dropped}
	default:
		return r.drop("malformed", errMalformedPayload)
	}

	rc, err := decodeReplyCarrying(r.sphinx.Geometry(), p.Payload)
	if err != nil {
		return r.drop("malformed", err)
	}
	frag, err := fragment.FromBytes(rc.body)
	if err != nil {
		return r.drop("malformed", err)
	}
	ack, firstHop, err := r.sphinx.NewPacketFromSURB(rc.surb, encodeAck(frag.ID()))
	if err != nil {
		return r.drop("malformed", err)
	}
	if *firstHop != rc.firstHop {
		return r.drop("malformed", errMalformedPayload)
	}
	ackPkt := &OutboundPacket{FirstHop: *firstHop, Packet: ack, kind: kindAck}

	now := r.clock.Now()
	res := r.buffers.Insert(frag, now)
	if res.Status == fragment.Pending || res.Status == fragment.Completed {
		r.replied.testAndSet(&rc.surbID)
	}
	switch res.Status {
	case fragment.Discarded:
		return r.drop("discarded", nil)
	case fragment.Duplicate:
		// A retransmission carries a fresh SURB and is acked again, a
		// copy of a packet we already answered is not.
		if r.replied.testAndSet(&rc.surbID) {
			return r.drop("duplicate", nil)
		}
		r.log.Debugf("Duplicate fragment %s, acking again", frag.ID())
		return &Result{Kind: Pending, Ack: ackPkt}
	case fragment.Completed:
		instrument.FragmentReceived()
		instrument.MessageReceived()
		r.log.Debugf("Completed message %s, %d bytes", res.Head, len(res.Message))
		return &Result{
			Kind: Completed,
			Ack:  ackPkt,
			Message: &Message{
				ID:         res.Head,
				Payload:    res.Message,
				ReceivedAt: now,
			},
		}
	default:
		instrument.FragmentReceived()
		return &Result{Kind: Pending, Ack: ackPkt}
	}
}

func (r *receiver) onLoop(p *DataPayload) *Result {
	rc, err := decodeReplyCarrying(r.sphinx.Geometry(), p.Payload)
	if err != nil {
		return r.drop("malformed", err)
	}
	if len(rc.body) < loopIDLength {
		return r.drop("malformed", errMalformedPayload)
	}
	var id [loopIDLength]byte
	copy(id[:], rc.body)
	if r.loops != nil && r.loops.loopReturned(id) {
		instrument.LoopReturned()
	}
	return &Result{Kind: Dropped}
}

func (r *receiver) onReply(p *ReplyPayload) *Result {
	keys, ok := r.arq.SURBKeys(&p.SURBID)
	if !ok {
		return r.drop("unknown_surb", nil)
	}
	plaintext, err := r.sphinx.DecryptSURBPayload(p.Payload, keys)
	if err != nil {
		return r.drop("malformed", err)
	}
	token, err := decodeAck(plaintext)
	if err != nil {
		return r.drop("malformed", err)
	}
	if !r.arq.OnAckReceived(&p.SURBID, token) {
		return r.drop("stale_ack", nil)
	}
	instrument.AckReceived()
	return &Result{Kind: AckProcessed}
}

// Sweep evicts stale reassembly buffers.
func (r *receiver) Sweep(now time.Time) int {
	n := r.buffers.Sweep(now)
	if n > 0 {
		r.log.Debugf("Swept %d stale reassembly buffers", n)
	}
	return n
}

// Abandon releases the reassembly state of a set and its chain.
func (r *receiver) Abandon(id fragment.SetID) int {
	return r.buffers.Abandon(id)
}
