// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package arq implements the fragment acknowledgement subsystem, a simple
// Automatic Repeat reQuest scheme: every fragment is sent with a fresh
// single use reply block, and fragments whose ack does not arrive before
// their deadline are retransmitted until a retry ceiling is reached.
package arq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/queue"
	"github.com/katzenpost/mixclient/core/retry"
	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/fragment"
)

const (
	// MessageIDLength is the length of a message ID in bytes.
	MessageIDLength = 16

	// RoundTripTimeSlop is the default slop added to the expected packet
	// round trip timeout threshold.
	RoundTripTimeSlop = 10 * time.Second

	// DefaultMaxRetransmissions is the default retry ceiling.
	DefaultMaxRetransmissions = 5

	// DefaultMaxPending is the default pending table bound.
	DefaultMaxPending = 4096
)

var (
	// ErrRetryCeiling is the reason reported when a fragment exhausted its
	// retransmissions.
	ErrRetryCeiling = errors.New("arq: retry ceiling reached")

	// ErrEvicted is the reason reported when a message was evicted to
	// bound the pending table.
	ErrEvicted = errors.New("arq: evicted from pending table")

	// ErrUnknownMessage is returned when registering a fragment of a
	// message that is not tracked, or no longer tracked.
	ErrUnknownMessage = errors.New("arq: unknown message")

	// ErrDuplicateMessage is returned when tracking a message ID twice.
	ErrDuplicateMessage = errors.New("arq: message already tracked")

	// ErrDuplicateSURB is returned when a SURB ID is registered twice.
	ErrDuplicateSURB = errors.New("arq: SURB ID reuse")

	// ErrTableFull is returned when the pending table is full of the
	// registering message's own fragments.
	ErrTableFull = errors.New("arq: pending table full")
)

// MessageID identifies a message across all of its fragments.
type MessageID [MessageIDLength]byte

func (m MessageID) String() string {
	return fmt.Sprintf("%x", m[:])
}

// SURBID identifies a reply block.
type SURBID = [sConstants.SURBIDLength]byte

// Attempt describes one transmission of a fragment.
type Attempt struct {
	SURBID   SURBID
	SURBKeys []byte

	// RTT is the expected round trip of this attempt.
	RTT time.Duration
}

// AckHandle is returned when a fragment is registered.
type AckHandle struct {
	MessageID  MessageID
	FragmentID fragment.ID
	SURBID     SURBID
}

// DeliveryFailure reports a fragment that will not be delivered.
type DeliveryFailure struct {
	MessageID  MessageID
	FragmentID fragment.ID
	Reason     error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("arq: message %s fragment %s: %v", f.MessageID, f.FragmentID, f.Reason)
}

func (f *DeliveryFailure) Unwrap() error {
	return f.Reason
}

// Retransmission is a fragment whose ack deadline expired.
type Retransmission struct {
	MessageID MessageID
	Fragment  *fragment.Fragment
	Retries   int
}

// EventSink receives message level outcomes.  It is always called without
// any ARQ lock held.
type EventSink interface {
	Delivered(id MessageID)
	DeliveryFailed(f *DeliveryFailure)
}

// Config configures the ARQ.
type Config struct {
	// MaxRetransmissions is the retry ceiling per fragment.
	MaxRetransmissions int

	// RoundTripSlop is added to every attempt's expected round trip.
	RoundTripSlop time.Duration

	// Backoff grows the deadline with the retry count.
	Backoff retry.Policy

	// MaxPending bounds the number of unacknowledged fragments.
	MaxPending int
}

type surbEntry struct {
	e    *entry
	keys []byte
	rtt  time.Duration
	sent bool
}

type entry struct {
	id       fragment.ID
	frag     *fragment.Fragment
	msg      *message
	surbIDs  []SURBID
	unsent   int
	sentAt   time.Time
	retries  int
	deadline time.Time
	gen      uint64
}

type message struct {
	id          MessageID
	seq         uint64
	total       int
	acked       int
	outstanding map[fragment.ID]*entry
	node        *avl.Node
}

type timer struct {
	e   *entry
	gen uint64
}

// ARQ is the pending acknowledgement table.
type ARQ struct {
	sync.Mutex

	log   *logging.Logger
	clock clockwork.Clock
	cfg   Config
	sink  EventSink

	pending  map[fragment.ID]*entry
	surbs    map[SURBID]*surbEntry
	messages map[MessageID]*message
	byAge    *avl.Tree
	timers   *queue.PriorityQueue
	seq      uint64
	gen      uint64

	wakeCh chan struct{}
}

// New creates a new ARQ.
func New(cfg Config, sink EventSink, clock clockwork.Clock, log *logging.Logger) *ARQ {
	if cfg.MaxRetransmissions < 0 {
		cfg.MaxRetransmissions = 0
	}
	if cfg.RoundTripSlop <= 0 {
		cfg.RoundTripSlop = RoundTripTimeSlop
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Backoff.Kind == "" {
		cfg.Backoff.Kind = retry.Fixed
	}
	return &ARQ{
		log:      log,
		clock:    clock,
		cfg:      cfg,
		sink:     sink,
		pending:  make(map[fragment.ID]*entry),
		surbs:    make(map[SURBID]*surbEntry),
		messages: make(map[MessageID]*message),
		byAge: avl.New(func(a, b interface{}) int {
			x, y := a.(*message).seq, b.(*message).seq
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}),
		timers: queue.New(),
		wakeCh: make(chan struct{}, 1),
	}
}

// Wakeup returns a channel that is signaled when an earlier deadline may
// have been armed.
func (a *ARQ) Wakeup() <-chan struct{} {
	return a.wakeCh
}

func (a *ARQ) wake() {
	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

// Track registers a message that will be sent as n fragments.
func (a *ARQ) Track(id MessageID, n int) error {
	a.Lock()
	defer a.Unlock()
	if _, ok := a.messages[id]; ok {
		return ErrDuplicateMessage
	}
	a.seq++
	m := &message{
		id:          id,
		seq:         a.seq,
		total:       n,
		outstanding: make(map[fragment.ID]*entry),
	}
	m.node = a.byAge.Insert(m)
	a.messages[id] = m
	return nil
}

func (a *ARQ) backoff(retries int) time.Duration {
	if retries == 0 {
		return 0
	}
	return a.cfg.Backoff.Delay(retries - 1)
}

func (a *ARQ) armLocked(e *entry, deadline time.Time) {
	a.gen++
	e.gen = a.gen
	e.deadline = deadline
	a.timers.Enqueue(uint64(deadline.UnixNano()), &timer{e: e, gen: e.gen})
}

func (a *ARQ) disarmLocked(e *entry) {
	a.gen++
	e.gen = a.gen
	e.deadline = time.Time{}
}

// OnFragmentSent registers an attempt of frag, either a new fragment or a
// retransmission of a pending one.  The fragment has no ack deadline while
// an attempt is waiting to be sent, the deadline is armed by Transmitted.
func (a *ARQ) OnFragmentSent(frag *fragment.Fragment, msgID MessageID, attempt *Attempt) (*AckHandle, error) {
	var failures []*DeliveryFailure
	defer func() { a.emitFailures(failures) }()

	a.Lock()
	defer a.Unlock()

	m, ok := a.messages[msgID]
	if !ok {
		return nil, ErrUnknownMessage
	}
	if _, ok := a.surbs[attempt.SURBID]; ok {
		return nil, ErrDuplicateSURB
	}

	id := frag.ID()
	e, ok := a.pending[id]
	if ok && e.msg != m {
		return nil, fmt.Errorf("%w: fragment %s belongs to message %s", ErrUnknownMessage, id, e.msg.id)
	}
	if !ok {
		for len(a.pending) >= a.cfg.MaxPending {
			victim := a.oldestOtherLocked(m)
			if victim == nil {
				return nil, ErrTableFull
			}
			failures = append(failures, a.evictLocked(victim)...)
		}
		e = &entry{id: id, frag: frag, msg: m}
		a.pending[id] = e
		m.outstanding[id] = e
	}

	e.surbIDs = append(e.surbIDs, attempt.SURBID)
	e.unsent++
	a.surbs[attempt.SURBID] = &surbEntry{e: e, keys: attempt.SURBKeys, rtt: attempt.RTT}
	a.disarmLocked(e)

	a.log.Debugf("OnFragmentSent %s message %s retries %d", id, msgID, e.retries)
	return &AckHandle{
		MessageID:  msgID,
		FragmentID: id,
		SURBID:     attempt.SURBID,
	}, nil
}

// Transmitted arms the ack deadline of the attempt that surbID was issued
// for, once its packet left for the gateway.  A fragment with another
// attempt still waiting to be sent stays unarmed.  Unknown, resolved or
// already transmitted SURB IDs are a no-op returning false.
func (a *ARQ) Transmitted(surbID *SURBID) bool {
	a.Lock()
	defer a.Unlock()

	s, ok := a.surbs[*surbID]
	if !ok || s.sent {
		return false
	}
	s.sent = true
	e := s.e
	e.unsent--
	now := a.clock.Now()
	e.sentAt = now
	if e.unsent > 0 {
		return true
	}
	a.armLocked(e, now.Add(s.rtt+a.cfg.RoundTripSlop+a.backoff(e.retries)))
	a.wake()
	return true
}

func (a *ARQ) oldestOtherLocked(m *message) *message {
	var victim *message
	a.byAge.ForEach(avl.Forward, func(n *avl.Node) bool {
		c := n.Value.(*message)
		if c != m && len(c.outstanding) > 0 {
			victim = c
			return false
		}
		return true
	})
	return victim
}

func (a *ARQ) evictLocked(m *message) []*DeliveryFailure {
	failures := make([]*DeliveryFailure, 0, len(m.outstanding))
	for id := range m.outstanding {
		failures = append(failures, &DeliveryFailure{MessageID: m.id, FragmentID: id, Reason: ErrEvicted})
	}
	a.log.Warningf("Evicting message %s with %d pending fragments", m.id, len(m.outstanding))
	a.removeMessageLocked(m)
	return failures
}

func (a *ARQ) removeEntryLocked(e *entry) {
	for _, s := range e.surbIDs {
		delete(a.surbs, s)
	}
	delete(a.pending, e.id)
	delete(e.msg.outstanding, e.id)
	e.gen = 0
}

func (a *ARQ) removeMessageLocked(m *message) int {
	n := len(m.outstanding)
	for _, e := range m.outstanding {
		a.removeEntryLocked(e)
	}
	if _, ok := a.messages[m.id]; ok {
		a.byAge.Remove(m.node)
		delete(a.messages, m.id)
	}
	return n
}

// SURBKeys returns the decryption keys of a pending reply block.
func (a *ARQ) SURBKeys(surbID *SURBID) ([]byte, bool) {
	a.Lock()
	defer a.Unlock()
	s, ok := a.surbs[*surbID]
	if !ok {
		return nil, false
	}
	return s.keys, true
}

// OnAckReceived resolves the pending fragment that surbID was issued for,
// iff token names that fragment.  Acks carried by any attempt's reply
// block resolve the fragment, unknown or already resolved SURB IDs are a
// no-op returning false.
func (a *ARQ) OnAckReceived(surbID *SURBID, token fragment.ID) bool {
	delivered := false
	var msgID MessageID

	a.Lock()
	s, ok := a.surbs[*surbID]
	if !ok {
		a.Unlock()
		return false
	}
	e := s.e
	if e.id != token {
		a.Unlock()
		a.log.Debugf("Ignoring ack with mismatched token %s for %s", token, e.id)
		return false
	}
	m := e.msg
	a.removeEntryLocked(e)
	m.acked++
	if m.acked >= m.total && len(m.outstanding) == 0 {
		a.removeMessageLocked(m)
		delivered = true
		msgID = m.id
	}
	a.Unlock()

	a.log.Debugf("Ack %s message %s", token, m.id)
	if delivered && a.sink != nil {
		a.sink.Delivered(msgID)
	}
	return true
}

// PollTimeouts returns the fragments whose deadline is at or before now and
// that are below the retry ceiling, after bumping their retry count and
// arming a fallback deadline, which holds until the retransmission is
// registered.  A fragment at the ceiling is removed, and
// its message fails with exactly one ErrRetryCeiling failure, cancelling
// the message's remaining fragments.
func (a *ARQ) PollTimeouts(now time.Time) []*Retransmission {
	var failures []*DeliveryFailure
	defer func() { a.emitFailures(failures) }()

	a.Lock()
	defer a.Unlock()

	var expired []*entry
	for _, ent := range a.timers.DequeueUntil(uint64(now.UnixNano())) {
		t := ent.Value.(*timer)
		if t.gen != t.e.gen {
			continue
		}
		e := t.e
		if e.retries >= a.cfg.MaxRetransmissions {
			m := e.msg
			failures = append(failures, &DeliveryFailure{MessageID: m.id, FragmentID: e.id, Reason: ErrRetryCeiling})
			cancelled := a.removeMessageLocked(m)
			a.log.Warningf("Fragment %s hit the retry ceiling, cancelled %d fragments of message %s", e.id, cancelled, m.id)
			continue
		}
		e.retries++
		a.armLocked(e, now.Add(a.cfg.RoundTripSlop+a.backoff(e.retries)))
		expired = append(expired, e)
	}

	out := make([]*Retransmission, 0, len(expired))
	for _, e := range expired {
		if a.pending[e.id] != e {
			continue
		}
		out = append(out, &Retransmission{MessageID: e.msg.id, Fragment: e.frag, Retries: e.retries})
	}
	return out
}

// Abandon removes every pending fragment of the message, along with all
// of their SURB IDs, and returns the number removed.  It reports nothing
// to the EventSink.
func (a *ARQ) Abandon(id MessageID) int {
	a.Lock()
	defer a.Unlock()
	m, ok := a.messages[id]
	if !ok {
		return 0
	}
	return a.removeMessageLocked(m)
}

// NextDeadline returns the earliest armed deadline.  Fragments waiting to
// be sent have none.
func (a *ARQ) NextDeadline() (time.Time, bool) {
	a.Lock()
	defer a.Unlock()
	for {
		ent := a.timers.Peek()
		if ent == nil {
			return time.Time{}, false
		}
		t := ent.Value.(*timer)
		if t.gen != t.e.gen {
			a.timers.Dequeue()
			continue
		}
		return t.e.deadline, true
	}
}

// Len returns the number of pending fragments.
func (a *ARQ) Len() int {
	a.Lock()
	defer a.Unlock()
	return len(a.pending)
}

// Tracked returns true iff the message is still tracked.
func (a *ARQ) Tracked(id MessageID) bool {
	a.Lock()
	defer a.Unlock()
	_, ok := a.messages[id]
	return ok
}

func (a *ARQ) emitFailures(failures []*DeliveryFailure) {
	if a.sink == nil {
		return
	}
	for _, f := range failures {
		a.sink.DeliveryFailed(f)
	}
}
