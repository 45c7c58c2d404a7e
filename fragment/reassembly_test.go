// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBuffers(t require.TestingT, stale time.Duration, max int) *Buffers {
	b, err := NewBuffers(BuffersConfig{StaleAfter: stale, MaxBuffers: max})
	require.NoError(t, err)
	return b
}

func TestScenarioReverseDelivery(t *testing.T) {
	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	f, err := NewFragmenter(1024)
	require.NoError(t, err)
	frags, err := f.Fragment(payload)
	require.NoError(t, err)

	capacity := 1024 - HeaderLength
	expected := (len(payload) + capacity - 1) / capacity
	require.Len(t, frags, expected)
	require.Equal(t, 11, expected)

	b := newTestBuffers(t, time.Minute, 16)
	for i := len(frags) - 1; i >= 1; i-- {
		res := b.Insert(frags[i], epoch)
		require.Equal(t, Pending, res.Status, "index %d", i)

		if i == 3 {
			res = b.Insert(frags[3], epoch)
			require.Equal(t, Duplicate, res.Status)
		}
	}
	res := b.Insert(frags[0], epoch)
	require.Equal(t, Completed, res.Status)
	require.Equal(t, payload, res.Message)
	require.Equal(t, frags[0].SetID, res.Head)
	require.Equal(t, 0, b.Len())

	// Stragglers of a completed set are re-acked but never resurrected.
	res = b.Insert(frags[3], epoch)
	require.Equal(t, Duplicate, res.Status)
	require.Nil(t, res.Message)
	require.Equal(t, 0, b.Len())
}

func TestInsertIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 600).Draw(t, "payload")
		frags, err := Split(payload, HeaderLength+8)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}

		b := newTestBuffers(t, time.Hour, 64)
		var out []byte
		completions := 0
		n := rapid.IntRange(len(frags), 3*len(frags)).Draw(t, "inserts")
		for i := 0; i < n; i++ {
			idx := rapid.IntRange(0, len(frags)-1).Draw(t, "index")
			res := b.Insert(frags[idx], epoch)
			if res.Status == Completed {
				completions++
				out = res.Message
			}
		}
		// Deliver everything to finish, duplicates included.
		for _, f := range frags {
			res := b.Insert(f, epoch)
			if res.Status == Completed {
				completions++
				out = res.Message
			}
		}
		if completions != 1 {
			t.Fatalf("completed %d times", completions)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("reassembled message mismatch")
		}
		if b.Len() != 0 {
			t.Fatalf("%d buffers left behind", b.Len())
		}
	})
}

func TestChainedInsert(t *testing.T) {
	payload := make([]byte, MaxFragmentsPerSet+20)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags, err := Split(payload, HeaderLength+1)
	require.NoError(t, err)

	b := newTestBuffers(t, time.Hour, 16)

	// The continuation set completes first and waits for its head.
	for _, f := range frags[MaxFragmentsPerSet:] {
		require.Equal(t, Pending, b.Insert(f, epoch).Status)
	}
	require.Equal(t, 1, b.Len())
	require.Equal(t, Duplicate, b.Insert(frags[MaxFragmentsPerSet], epoch).Status)

	var res InsertResult
	for _, f := range frags[:MaxFragmentsPerSet] {
		res = b.Insert(f, epoch)
	}
	require.Equal(t, Completed, res.Status)
	require.Equal(t, payload, res.Message)
	require.Equal(t, 0, b.Len())
}

func TestStaleEviction(t *testing.T) {
	frags, err := Split(make([]byte, 100), HeaderLength+10)
	require.NoError(t, err)

	b := newTestBuffers(t, time.Minute, 16)
	require.Equal(t, Pending, b.Insert(frags[0], epoch).Status)
	require.Equal(t, 0, b.Sweep(epoch.Add(59*time.Second)))
	require.Equal(t, 1, b.Sweep(epoch.Add(time.Minute)))
	require.Equal(t, 0, b.Len())

	// A late fragment must not resurrect the evicted set.
	for _, f := range frags {
		require.Equal(t, Discarded, b.Insert(f, epoch.Add(2*time.Minute)).Status)
	}
	require.Equal(t, 0, b.Len())
}

func TestCapacityEviction(t *testing.T) {
	b := newTestBuffers(t, time.Hour, 2)
	var sets [][]*Fragment
	for i := 0; i < 3; i++ {
		frags, err := Split(make([]byte, 20), HeaderLength+10)
		require.NoError(t, err)
		sets = append(sets, frags)
		require.Equal(t, Pending, b.Insert(frags[0], epoch.Add(time.Duration(i)*time.Second)).Status)
	}
	require.Equal(t, 2, b.Len())

	// The oldest set was evicted to make room.
	require.Equal(t, Discarded, b.Insert(sets[0][1], epoch).Status)
	require.Equal(t, Completed, b.Insert(sets[2][1], epoch).Status)
	require.Equal(t, Completed, b.Insert(sets[1][1], epoch).Status)
}

func TestTotalMismatch(t *testing.T) {
	frags, err := Split(make([]byte, 20), HeaderLength+10)
	require.NoError(t, err)
	b := newTestBuffers(t, time.Hour, 4)
	require.Equal(t, Pending, b.Insert(frags[0], epoch).Status)

	bad := *frags[1]
	bad.Total = 3
	require.Equal(t, Discarded, b.Insert(&bad, epoch).Status)
	require.Equal(t, Completed, b.Insert(frags[1], epoch).Status)
}

func TestAbandon(t *testing.T) {
	payload := make([]byte, MaxFragmentsPerSet+20)
	frags, err := Split(payload, HeaderLength+1)
	require.NoError(t, err)
	head := frags[0].SetID
	tail := frags[MaxFragmentsPerSet].SetID

	b := newTestBuffers(t, time.Hour, 16)
	for _, f := range frags[:MaxFragmentsPerSet] {
		require.Equal(t, Pending, b.Insert(f, epoch).Status)
	}
	require.Equal(t, Pending, b.Insert(frags[MaxFragmentsPerSet], epoch).Status)
	require.Equal(t, 2, b.Len())

	// Abandoning the completed head releases the linked tail too.
	require.Equal(t, 2, b.Abandon(head))
	require.Equal(t, 0, b.Len())
	require.Equal(t, Discarded, b.Insert(frags[MaxFragmentsPerSet+1], epoch).Status)
	require.Equal(t, Discarded, b.Insert(frags[0], epoch).Status)

	require.Equal(t, 0, b.Abandon(tail))
}

func TestCompletedSetsStayTombstoned(t *testing.T) {
	b := newTestBuffers(t, time.Minute, 1)

	var sets [][]*Fragment
	for i := 0; i < 200; i++ {
		frags, err := Split([]byte{byte(i), byte(i >> 8)}, HeaderLength+1)
		require.NoError(t, err)
		require.Len(t, frags, 2)
		sets = append(sets, frags)

		now := epoch.Add(time.Duration(i) * time.Millisecond)
		require.Equal(t, Pending, b.Insert(frags[0], now).Status)
		require.Equal(t, Completed, b.Insert(frags[1], now).Status)

		// Late copies of every earlier set are recognized, however many
		// sets completed since.
		for j, prev := range sets {
			res := b.Insert(prev[j%2], now)
			require.Equal(t, Duplicate, res.Status, "set %d after set %d", j, i)
			require.Nil(t, res.Message)
		}
	}
	require.Equal(t, 0, b.Len())
	require.Equal(t, 200, b.Tombstones())
}

func TestTombstoneExpiry(t *testing.T) {
	b, err := NewBuffers(BuffersConfig{StaleAfter: time.Minute, MaxBuffers: 4, TombstoneLifetime: time.Hour})
	require.NoError(t, err)

	done, err := Split([]byte("done"), HeaderLength+4)
	require.NoError(t, err)
	require.Equal(t, Completed, b.Insert(done[0], epoch).Status)

	stale, err := Split(make([]byte, 20), HeaderLength+10)
	require.NoError(t, err)
	require.Equal(t, Pending, b.Insert(stale[0], epoch).Status)
	require.Equal(t, 1, b.Sweep(epoch.Add(time.Minute)))
	require.Equal(t, 2, b.Tombstones())

	// Tombstones outlive StaleAfter.
	require.Equal(t, 0, b.Sweep(epoch.Add(59*time.Minute)))
	require.Equal(t, 2, b.Tombstones())
	require.Equal(t, Duplicate, b.Insert(done[0], epoch.Add(59*time.Minute)).Status)
	require.Equal(t, Discarded, b.Insert(stale[1], epoch.Add(59*time.Minute)).Status)

	// The completed set's tombstone expires first.
	b.Sweep(epoch.Add(time.Hour))
	require.Equal(t, 1, b.Tombstones())
	b.Sweep(epoch.Add(time.Hour + time.Minute))
	require.Equal(t, 0, b.Tombstones())

	// A lifetime shorter than StaleAfter is raised.
	b, err = NewBuffers(BuffersConfig{StaleAfter: time.Minute, TombstoneLifetime: time.Second})
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, b.cfg.TombstoneLifetime)
}
