// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package fragment

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
)

const (
	// DefaultStaleAfter is the default reassembly buffer lifetime.
	DefaultStaleAfter = 10 * time.Minute

	// DefaultMaxBuffers is the default reassembly buffer table size.
	DefaultMaxBuffers = 4096
)

// Status is the outcome of inserting a fragment.
type Status int

const (
	// Pending means the fragment was stored and the message is incomplete.
	Pending Status = iota

	// Completed means the fragment completed a message.
	Completed

	// Duplicate means the fragment was already accounted for, either in a
	// live buffer or in an already completed message.
	Duplicate

	// Discarded means the fragment was dropped without changing any state.
	Discarded
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Duplicate:
		return "duplicate"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// InsertResult is returned by Buffers.Insert.
type InsertResult struct {
	Status Status

	// Head is the set ID of the chain head of a completed message.
	Head SetID

	// Message is the reassembled message iff Status is Completed.
	Message []byte
}

// BuffersConfig configures Buffers.
type BuffersConfig struct {
	// StaleAfter is the age at which an incomplete buffer is evicted.
	StaleAfter time.Duration

	// MaxBuffers bounds the number of live buffers, the oldest is evicted
	// to make room.
	MaxBuffers int

	// TombstoneLifetime is how long the ID of a completed, evicted or
	// abandoned set is remembered.  It must cover the sender's whole
	// retransmission window, and defaults to twice StaleAfter.
	TombstoneLifetime time.Duration
}

type buffer struct {
	id           SetID
	total        uint8
	continuation bool
	link         Link
	firstSeen    time.Time
	seq          uint64

	parts map[uint8][]byte

	// done is set once every fragment of the set is present, data then
	// holds the set's bytes while the rest of the chain arrives.
	done bool
	data []byte

	node *avl.Node
}

type tombstone struct {
	id       SetID
	expires  time.Time
	complete bool
}

// tombstones remembers the IDs of finished sets until they expire.  The
// expiry queue is in insertion order, and insertion times never go
// backwards.
type tombstones struct {
	lifetime time.Duration
	byID     map[SetID]*tombstone
	queue    []*tombstone
}

func newTombstones(lifetime time.Duration) *tombstones {
	return &tombstones{
		lifetime: lifetime,
		byID:     make(map[SetID]*tombstone),
	}
}

func (t *tombstones) add(id SetID, complete bool, now time.Time) {
	if ts, ok := t.byID[id]; ok {
		ts.complete = ts.complete || complete
		return
	}
	ts := &tombstone{id: id, expires: now.Add(t.lifetime), complete: complete}
	t.byID[id] = ts
	t.queue = append(t.queue, ts)
}

// lookup returns whether id is tombstoned, and whether its set completed.
func (t *tombstones) lookup(id SetID) (found, complete bool) {
	ts, ok := t.byID[id]
	if !ok {
		return false, false
	}
	return true, ts.complete
}

func (t *tombstones) prune(now time.Time) int {
	n := 0
	for n < len(t.queue) && !now.Before(t.queue[n].expires) {
		delete(t.byID, t.queue[n].id)
		t.queue[n] = nil
		n++
	}
	t.queue = t.queue[n:]
	return n
}

func (t *tombstones) len() int {
	return len(t.byID)
}

// Buffers is the reassembly buffer table.  It is safe for concurrent use.
type Buffers struct {
	sync.Mutex

	cfg BuffersConfig

	buffers map[SetID]*buffer
	prev    map[SetID]SetID
	byAge   *avl.Tree
	seq     uint64

	tombstones *tombstones

	// now is the latest time the table was told about.
	now time.Time
}

// NewBuffers returns an empty reassembly buffer table.
func NewBuffers(cfg BuffersConfig) (*Buffers, error) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = DefaultMaxBuffers
	}
	if cfg.TombstoneLifetime < cfg.StaleAfter {
		cfg.TombstoneLifetime = 2 * cfg.StaleAfter
	}
	b := &Buffers{
		cfg:     cfg,
		buffers: make(map[SetID]*buffer),
		prev:    make(map[SetID]SetID),
		byAge: avl.New(func(a, b interface{}) int {
			x, y := a.(*buffer), b.(*buffer)
			switch {
			case x.firstSeen.Before(y.firstSeen):
				return -1
			case x.firstSeen.After(y.firstSeen):
				return 1
			case x.seq < y.seq:
				return -1
			case x.seq > y.seq:
				return 1
			default:
				return 0
			}
		}),
		tombstones: newTombstones(cfg.TombstoneLifetime),
	}
	return b, nil
}

// Len returns the number of live buffers, including completed chain
// segments awaiting the rest of their chain.
func (b *Buffers) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.buffers)
}

// Tombstones returns the number of remembered finished set IDs.
func (b *Buffers) Tombstones() int {
	b.Lock()
	defer b.Unlock()
	return b.tombstones.len()
}

func (b *Buffers) advanceLocked(now time.Time) {
	if now.After(b.now) {
		b.now = now
	}
}

// Insert adds a fragment.  Insertion is idempotent, and fragments of sets
// that were completed, evicted or abandoned never recreate a buffer.
func (b *Buffers) Insert(f *Fragment, now time.Time) InsertResult {
	if f.validate() != nil {
		return InsertResult{Status: Discarded}
	}

	b.Lock()
	defer b.Unlock()
	b.advanceLocked(now)

	buf, ok := b.buffers[f.SetID]
	if !ok {
		if found, complete := b.tombstones.lookup(f.SetID); found {
			if complete {
				return InsertResult{Status: Duplicate}
			}
			return InsertResult{Status: Discarded}
		}
		for len(b.buffers) >= b.cfg.MaxBuffers {
			b.evictLocked(b.byAge.First().Value.(*buffer))
		}
		b.seq++
		buf = &buffer{
			id:           f.SetID,
			total:        f.Total,
			continuation: f.Continuation,
			firstSeen:    now,
			seq:          b.seq,
			parts:        make(map[uint8][]byte),
		}
		buf.node = b.byAge.Insert(buf)
		b.buffers[f.SetID] = buf
	}

	if buf.total != f.Total || buf.continuation != f.Continuation {
		return InsertResult{Status: Discarded}
	}
	if buf.done {
		return InsertResult{Status: Duplicate}
	}
	if _, ok := buf.parts[f.Index]; ok {
		return InsertResult{Status: Duplicate}
	}

	buf.parts[f.Index] = f.Payload
	if f.Link.Kind == LinkMore {
		buf.link = f.Link
	}
	if len(buf.parts) < int(buf.total) {
		return InsertResult{Status: Pending}
	}

	// The set is complete, collapse it into a chain segment.
	for i := 0; i < int(buf.total); i++ {
		buf.data = append(buf.data, buf.parts[uint8(i)]...)
	}
	buf.parts = nil
	buf.done = true
	if buf.link.Kind == LinkMore {
		b.prev[buf.link.Next] = buf.id
	}

	return b.tryChainLocked(buf)
}

func (b *Buffers) tryChainLocked(buf *buffer) InsertResult {
	// Walk back to the head.
	head := buf
	for steps := 0; head.continuation; steps++ {
		p, ok := b.prev[head.id]
		if !ok || steps > len(b.buffers) {
			return InsertResult{Status: Pending}
		}
		pb, ok := b.buffers[p]
		if !ok || !pb.done {
			return InsertResult{Status: Pending}
		}
		head = pb
	}

	// Walk forward to the terminal set.
	chain := []*buffer{head}
	for cur := head; cur.link.Kind == LinkMore; {
		next, ok := b.buffers[cur.link.Next]
		if !ok || !next.done || len(chain) > len(b.buffers) {
			return InsertResult{Status: Pending}
		}
		chain = append(chain, next)
		cur = next
	}

	var msg []byte
	for _, c := range chain {
		msg = append(msg, c.data...)
		b.removeLocked(c)
		b.tombstones.add(c.id, true, b.now)
	}
	if msg == nil {
		msg = []byte{}
	}
	return InsertResult{Status: Completed, Head: head.id, Message: msg}
}

func (b *Buffers) removeLocked(buf *buffer) {
	b.byAge.Remove(buf.node)
	delete(b.buffers, buf.id)
	if buf.link.Kind == LinkMore {
		if p, ok := b.prev[buf.link.Next]; ok && p == buf.id {
			delete(b.prev, buf.link.Next)
		}
	}
	delete(b.prev, buf.id)
}

func (b *Buffers) evictLocked(buf *buffer) {
	b.removeLocked(buf)
	b.tombstones.add(buf.id, false, b.now)
}

// Sweep evicts every buffer first seen at least StaleAfter before now, and
// forgets expired tombstones.  It returns the number of buffers evicted.
func (b *Buffers) Sweep(now time.Time) int {
	b.Lock()
	defer b.Unlock()
	b.advanceLocked(now)
	b.tombstones.prune(now)

	n := 0
	for node := b.byAge.First(); node != nil; node = b.byAge.First() {
		buf := node.Value.(*buffer)
		if now.Sub(buf.firstSeen) < b.cfg.StaleAfter {
			break
		}
		b.evictLocked(buf)
		n++
	}
	return n
}

// Abandon releases the buffer for id along with every completed chain
// segment linked to it, and returns the number released.  Later fragments
// of released sets are discarded.
func (b *Buffers) Abandon(id SetID) int {
	b.Lock()
	defer b.Unlock()

	buf, ok := b.buffers[id]
	if !ok {
		b.tombstones.add(id, false, b.now)
		return 0
	}

	seen := map[SetID]bool{buf.id: true}
	victims := []*buffer{buf}
	for cur, ok := b.prev[buf.id]; ok && !seen[cur]; cur, ok = b.prev[cur] {
		pb, found := b.buffers[cur]
		if !found {
			break
		}
		seen[cur] = true
		victims = append(victims, pb)
	}
	for cur := buf; cur.done && cur.link.Kind == LinkMore && !seen[cur.link.Next]; {
		next, found := b.buffers[cur.link.Next]
		if !found {
			break
		}
		seen[next.id] = true
		victims = append(victims, next)
		cur = next
	}

	for _, v := range victims {
		b.evictLocked(v)
	}
	return len(victims)
}
