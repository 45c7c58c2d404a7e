// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a min-heap priority queue, keyed by a uint64
// priority, typically a deadline in nanoseconds.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64

	seq uint64
}

// PriorityQueue is a priority queue instance.  It is not safe for concurrent
// use, callers are expected to hold their own lock.
type PriorityQueue struct {
	heap []*Entry
	seq  uint64
}

// Less implements sort.Interface Less method.  Entries with equal priority
// are ordered by insertion.
func (q PriorityQueue) Less(i, j int) bool {
	if q.heap[i].Priority == q.heap[j].Priority {
		return q.heap[i].seq < q.heap[j].seq
	}
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface Swap method
func (q PriorityQueue) Swap(i, j int) {
	if i < 0 || j < 0 {
		return
	}
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface Push method
func (q *PriorityQueue) Push(x interface{}) {
	entry := x.(*Entry)
	q.heap = append(q.heap, entry)
}

// Pop implements heap.Interface Pop method.  Use Dequeue instead.
func (q *PriorityQueue) Pop() interface{} {
	if q.Len() <= 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the 0th entry (lowest priority) if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	q.seq++
	ent := &Entry{
		Value:    value,
		Priority: priority,
		seq:      q.seq,
	}
	heap.Push(q, ent)
}

// Dequeue removes and returns the lowest priority entry, or nil.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// DequeueUntil removes and returns, in order, every entry with a priority
// less than or equal to limit.
func (q *PriorityQueue) DequeueUntil(limit uint64) []*Entry {
	var out []*Entry
	for {
		ent := q.Peek()
		if ent == nil || ent.Priority > limit {
			return out
		}
		out = append(out, q.Dequeue())
	}
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
