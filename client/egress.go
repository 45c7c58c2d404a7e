// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"

	"github.com/katzenpost/mixclient/client/arq"
	"github.com/katzenpost/mixclient/core/queue"
	"github.com/katzenpost/mixclient/internal/instrument"
)

// egressQueue is the FIFO of real packets waiting for a LambdaP tick.
// Packets of cancelled messages are skipped when they reach the head.
type egressQueue struct {
	sync.Mutex

	q         *queue.PriorityQueue
	seq       uint64
	queued    map[arq.MessageID]int
	cancelled map[arq.MessageID]bool

	signal chan struct{}
}

func newEgressQueue() *egressQueue {
	return &egressQueue{
		q:         queue.New(),
		queued:    make(map[arq.MessageID]int),
		cancelled: make(map[arq.MessageID]bool),
		signal:    make(chan struct{}, 1),
	}
}

func (e *egressQueue) push(pkts ...*OutboundPacket) {
	e.Lock()
	for _, pkt := range pkts {
		e.seq++
		e.q.Enqueue(e.seq, pkt)
		e.queued[pkt.MessageID]++
	}
	instrument.EgressQueueSize(e.q.Len())
	e.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// pop returns the oldest live packet, or nil.
func (e *egressQueue) pop() *OutboundPacket {
	e.Lock()
	defer e.Unlock()
	for e.q.Len() > 0 {
		pkt := e.q.Dequeue().Value.(*OutboundPacket)
		e.releaseLocked(pkt.MessageID)
		if e.cancelled[pkt.MessageID] {
			if e.queued[pkt.MessageID] == 0 {
				delete(e.cancelled, pkt.MessageID)
			}
			continue
		}
		return pkt
	}
	return nil
}

func (e *egressQueue) releaseLocked(id arq.MessageID) {
	e.queued[id]--
	if e.queued[id] <= 0 {
		delete(e.queued, id)
	}
}

// cancel drops every queued packet of a message, and returns the number
// dropped.
func (e *egressQueue) cancel(id arq.MessageID) int {
	if id == (arq.MessageID{}) {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	n := e.queued[id]
	if n > 0 {
		e.cancelled[id] = true
	}
	return n
}

func (e *egressQueue) len() int {
	e.Lock()
	defer e.Unlock()
	n := 0
	for id, c := range e.queued {
		if !e.cancelled[id] {
			n += c
		}
	}
	return n
}
