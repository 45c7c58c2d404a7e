// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package arq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/retry"
	"github.com/katzenpost/mixclient/fragment"
)

type recordingSink struct {
	sync.Mutex
	delivered []MessageID
	failures  []*DeliveryFailure
}

func (s *recordingSink) Delivered(id MessageID) {
	s.Lock()
	defer s.Unlock()
	s.delivered = append(s.delivered, id)
}

func (s *recordingSink) DeliveryFailed(f *DeliveryFailure) {
	s.Lock()
	defer s.Unlock()
	s.failures = append(s.failures, f)
}

const (
	testRTT  = 2 * time.Second
	testSlop = time.Second
)

func newTestARQ(t *testing.T, maxRetries, maxPending int) (*ARQ, *recordingSink, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := new(recordingSink)
	a := New(Config{
		MaxRetransmissions: maxRetries,
		RoundTripSlop:      testSlop,
		Backoff:            retry.Policy{Kind: retry.Fixed},
		MaxPending:         maxPending,
	}, sink, clock, logging.MustGetLogger("arq_test"))
	return a, sink, clock
}

func newMessage(t *testing.T, a *ARQ, n int) (MessageID, []*fragment.Fragment) {
	var id MessageID
	_, err := rand.Reader.Read(id[:])
	require.NoError(t, err)
	frags, err := fragment.Split(make([]byte, n*10), fragment.HeaderLength+10)
	require.NoError(t, err)
	require.Len(t, frags, n)
	require.NoError(t, a.Track(id, n))
	return id, frags
}

func newAttempt(t *testing.T) *Attempt {
	at := &Attempt{RTT: testRTT, SURBKeys: []byte("keys")}
	_, err := rand.Reader.Read(at.SURBID[:])
	require.NoError(t, err)
	return at
}

// transmit registers an attempt and hands it to the network.
func transmit(t *testing.T, a *ARQ, f *fragment.Fragment, id MessageID, at *Attempt) *AckHandle {
	h, err := a.OnFragmentSent(f, id, at)
	require.NoError(t, err)
	require.True(t, a.Transmitted(&at.SURBID))
	return h
}

func nextDeadline(t *testing.T, a *ARQ) time.Time {
	deadline, ok := a.NextDeadline()
	require.True(t, ok)
	return deadline
}

func TestDelivered(t *testing.T) {
	a, sink, clock := newTestARQ(t, 3, 0)
	id, frags := newMessage(t, a, 3)

	attempts := make([]*Attempt, len(frags))
	for i, f := range frags {
		attempts[i] = newAttempt(t)
		h := transmit(t, a, f, id, attempts[i])
		require.Equal(t, f.ID(), h.FragmentID)
		require.Equal(t, attempts[i].SURBID, h.SURBID)
	}
	require.Equal(t, 3, a.Len())
	require.Equal(t, clock.Now().Add(testRTT+testSlop), nextDeadline(t, a))

	keys, ok := a.SURBKeys(&attempts[0].SURBID)
	require.True(t, ok)
	require.Equal(t, []byte("keys"), keys)

	// A token that does not match the SURB's fragment is ignored.
	require.False(t, a.OnAckReceived(&attempts[0].SURBID, frags[1].ID()))

	for i, f := range frags {
		require.True(t, a.OnAckReceived(&attempts[i].SURBID, f.ID()))
		require.False(t, a.OnAckReceived(&attempts[i].SURBID, f.ID()))
	}
	require.Equal(t, []MessageID{id}, sink.delivered)
	require.Empty(t, sink.failures)
	require.Equal(t, 0, a.Len())
	require.False(t, a.Tracked(id))

	_, ok = a.NextDeadline()
	require.False(t, ok)
	require.Empty(t, a.PollTimeouts(clock.Now().Add(time.Hour)))
	require.False(t, a.Transmitted(&attempts[0].SURBID))
}

func TestDeadlineArmedOnTransmit(t *testing.T) {
	a, sink, clock := newTestARQ(t, 1, 0)
	id, frags := newMessage(t, a, 1)

	// A fragment sitting in the egress queue never times out.
	first := newAttempt(t)
	_, err := a.OnFragmentSent(frags[0], id, first)
	require.NoError(t, err)
	_, ok := a.NextDeadline()
	require.False(t, ok)
	clock.Advance(time.Hour)
	require.Empty(t, a.PollTimeouts(clock.Now()))
	require.Empty(t, sink.failures)

	// The deadline runs from the moment the packet left.
	require.True(t, a.Transmitted(&first.SURBID))
	require.False(t, a.Transmitted(&first.SURBID))
	require.Equal(t, clock.Now().Add(testRTT+testSlop), nextDeadline(t, a))

	clock.Advance(testRTT + testSlop)
	rt := a.PollTimeouts(clock.Now())
	require.Len(t, rt, 1)
	require.Equal(t, clock.Now().Add(testSlop), nextDeadline(t, a))

	// Once the retransmission is queued the fallback is disarmed, and the
	// fragment is not retried again while the copy waits its turn.
	second := newAttempt(t)
	_, err = a.OnFragmentSent(rt[0].Fragment, id, second)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.Empty(t, a.PollTimeouts(clock.Now()))
	require.Empty(t, sink.failures)
	require.Equal(t, 1, a.Len())

	require.True(t, a.Transmitted(&second.SURBID))
	require.Equal(t, clock.Now().Add(testRTT+testSlop), nextDeadline(t, a))
	require.True(t, a.OnAckReceived(&second.SURBID, frags[0].ID()))
	require.Equal(t, []MessageID{id}, sink.delivered)

	var unknown SURBID
	require.False(t, a.Transmitted(&unknown))
}

func TestLateAckAfterRetry(t *testing.T) {
	a, sink, clock := newTestARQ(t, 3, 0)
	id, frags := newMessage(t, a, 1)

	first := newAttempt(t)
	transmit(t, a, frags[0], id, first)

	require.Empty(t, a.PollTimeouts(clock.Now().Add(testRTT)))
	clock.Advance(testRTT + testSlop)
	rt := a.PollTimeouts(clock.Now())
	require.Len(t, rt, 1)
	require.Equal(t, frags[0], rt[0].Fragment)
	require.Equal(t, id, rt[0].MessageID)
	require.Equal(t, 1, rt[0].Retries)

	second := newAttempt(t)
	transmit(t, a, frags[0], id, second)
	require.Equal(t, 1, a.Len())

	// The superseded attempt's SURB still resolves the fragment, once.
	require.True(t, a.OnAckReceived(&first.SURBID, frags[0].ID()))
	require.False(t, a.OnAckReceived(&second.SURBID, frags[0].ID()))
	require.False(t, a.OnAckReceived(&first.SURBID, frags[0].ID()))
	require.Equal(t, []MessageID{id}, sink.delivered)
	require.Equal(t, 0, a.Len())

	_, ok := a.SURBKeys(&second.SURBID)
	require.False(t, ok)
	require.Empty(t, a.PollTimeouts(clock.Now().Add(time.Hour)))
}

func TestRetryCeiling(t *testing.T) {
	const maxRetries = 3
	a, sink, clock := newTestARQ(t, maxRetries, 0)
	id, frags := newMessage(t, a, 2)

	for _, f := range frags {
		transmit(t, a, f, id, newAttempt(t))
	}

	retransmits := 0
	for i := 0; i < 10; i++ {
		deadline, ok := a.NextDeadline()
		if !ok {
			break
		}
		clock.Advance(deadline.Sub(clock.Now()))
		for _, rt := range a.PollTimeouts(clock.Now()) {
			retransmits++
			transmit(t, a, rt.Fragment, rt.MessageID, newAttempt(t))
		}
	}

	require.Equal(t, 2*maxRetries, retransmits)
	require.Len(t, sink.failures, 1)
	require.Equal(t, id, sink.failures[0].MessageID)
	require.True(t, errors.Is(sink.failures[0], ErrRetryCeiling))
	require.Empty(t, sink.delivered)
	require.Equal(t, 0, a.Len())
	require.False(t, a.Tracked(id))

	_, ok := a.NextDeadline()
	require.False(t, ok)

	// Retransmissions of a failed message are refused.
	_, err := a.OnFragmentSent(frags[0], id, newAttempt(t))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestFallbackDeadline(t *testing.T) {
	a, sink, clock := newTestARQ(t, 1, 0)
	id, frags := newMessage(t, a, 1)
	transmit(t, a, frags[0], id, newAttempt(t))

	clock.Advance(testRTT + testSlop)
	require.Len(t, a.PollTimeouts(clock.Now()), 1)

	// The retransmission never happened, the fallback deadline fires and
	// the ceiling is reached.
	require.Equal(t, clock.Now().Add(testSlop), nextDeadline(t, a))
	clock.Advance(testSlop)
	require.Empty(t, a.PollTimeouts(clock.Now()))
	require.Len(t, sink.failures, 1)
}

func TestAbandon(t *testing.T) {
	a, sink, clock := newTestARQ(t, 3, 0)
	id, frags := newMessage(t, a, 3)
	other, otherFrags := newMessage(t, a, 1)

	var attempts []*Attempt
	for _, f := range frags {
		at := newAttempt(t)
		attempts = append(attempts, at)
		transmit(t, a, f, id, at)
	}
	otherAttempt := newAttempt(t)
	transmit(t, a, otherFrags[0], other, otherAttempt)

	require.Equal(t, 3, a.Abandon(id))
	require.Equal(t, 0, a.Abandon(id))
	require.Equal(t, 1, a.Len())
	require.False(t, a.OnAckReceived(&attempts[0].SURBID, frags[0].ID()))
	require.False(t, a.Transmitted(&attempts[1].SURBID))
	require.Empty(t, a.PollTimeouts(clock.Now().Add(testRTT+testSlop-time.Nanosecond)))

	require.True(t, a.OnAckReceived(&otherAttempt.SURBID, otherFrags[0].ID()))
	require.Equal(t, []MessageID{other}, sink.delivered)
	require.Empty(t, sink.failures)
}

func TestEviction(t *testing.T) {
	a, sink, _ := newTestARQ(t, 3, 3)
	oldest, oldFrags := newMessage(t, a, 2)
	for _, f := range oldFrags {
		transmit(t, a, f, oldest, newAttempt(t))
	}
	id, frags := newMessage(t, a, 2)
	for _, f := range frags {
		transmit(t, a, f, id, newAttempt(t))
	}

	require.Len(t, sink.failures, 2)
	for _, f := range sink.failures {
		require.Equal(t, oldest, f.MessageID)
		require.ErrorIs(t, f, ErrEvicted)
	}
	require.Equal(t, 2, a.Len())
	require.False(t, a.Tracked(oldest))

	// A message can not evict itself.
	big, bigFrags := newMessage(t, a, 4)
	var lastErr error
	for _, f := range bigFrags {
		if _, err := a.OnFragmentSent(f, big, newAttempt(t)); err != nil {
			lastErr = err
		}
	}
	require.ErrorIs(t, lastErr, ErrTableFull)
	require.Len(t, sink.failures, 4)
}

func TestRegistrationErrors(t *testing.T) {
	a, _, _ := newTestARQ(t, 3, 0)
	id, frags := newMessage(t, a, 1)
	require.ErrorIs(t, a.Track(id, 1), ErrDuplicateMessage)

	var unknown MessageID
	_, err := a.OnFragmentSent(frags[0], unknown, newAttempt(t))
	require.ErrorIs(t, err, ErrUnknownMessage)

	at := newAttempt(t)
	_, err = a.OnFragmentSent(frags[0], id, at)
	require.NoError(t, err)
	_, err = a.OnFragmentSent(frags[0], id, at)
	require.ErrorIs(t, err, ErrDuplicateSURB)
}

func TestExponentialBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := New(Config{
		MaxRetransmissions: 5,
		RoundTripSlop:      testSlop,
		Backoff:            retry.Policy{Kind: retry.Exponential, Base: time.Second, Max: 4 * time.Second},
	}, nil, clock, logging.MustGetLogger("arq_test"))
	id, frags := newMessage(t, a, 1)

	transmit(t, a, frags[0], id, newAttempt(t))
	deadline := nextDeadline(t, a)
	require.Equal(t, clock.Now().Add(testRTT+testSlop), deadline)

	for retries, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		clock.Advance(deadline.Sub(clock.Now()))
		rt := a.PollTimeouts(clock.Now())
		require.Len(t, rt, 1)
		require.Equal(t, retries+1, rt[0].Retries)
		transmit(t, a, frags[0], id, newAttempt(t))
		deadline = nextDeadline(t, a)
		require.Equal(t, clock.Now().Add(testRTT+testSlop+want), deadline)
	}
}
