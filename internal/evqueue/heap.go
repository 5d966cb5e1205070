// Package evqueue implements the timed-event scheduler used by the runtime
// loop (spec.md §3 "Timed events", §9): a min-heap keyed by absolute
// simulated time in picoseconds, with O(log n) cancellation by identity.
package evqueue

import "container/heap"

// ID identifies a scheduled event for cancellation.
type ID uint64

// Callback is invoked when an event's time has arrived.
type Callback func()

type entry struct {
	time     uint64
	seq      uint64
	id       ID
	cb       Callback
	index    int
	canceled bool
}

type innerHeap []*entry

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}

	return h[i].seq < h[j].seq
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}

// Queue is a min-heap of armed events plus a lazily-cancelled index so
// Cancel is O(log n) without rebuilding the heap.
type Queue struct {
	h       innerHeap
	byID    map[ID]*entry
	nextID  ID
	nextSeq uint64
}

// New returns an empty event queue.
func New() *Queue {
	return &Queue{byID: make(map[ID]*entry)}
}

// Schedule arms cb to run at absolute time t (picoseconds) and returns an ID
// that can later be passed to Cancel.
func (q *Queue) Schedule(t uint64, cb Callback) ID {
	q.nextID++
	id := q.nextID

	e := &entry{time: t, seq: q.nextSeq, id: id, cb: cb}
	q.nextSeq++

	heap.Push(&q.h, e)
	q.byID[id] = e

	return id
}

// Cancel removes an armed event by identity. It is a no-op if the event
// already fired or was never scheduled.
func (q *Queue) Cancel(id ID) {
	e, ok := q.byID[id]
	if !ok {
		return
	}

	e.canceled = true
	delete(q.byID, id)
}

// Armed reports whether id still refers to a pending, non-canceled event.
func (q *Queue) Armed(id ID) bool {
	_, ok := q.byID[id]
	return ok
}

// NextTime returns the time of the earliest still-armed event and true, or
// (0, false) if the queue is empty of live events.
func (q *Queue) NextTime() (uint64, bool) {
	for len(q.h) > 0 {
		top := q.h[0]
		if top.canceled {
			heap.Pop(&q.h)
			continue
		}

		return top.time, true
	}

	return 0, false
}

// RunDue pops and invokes every armed event whose time is <= now, in
// increasing time order (ties broken by schedule order).
func (q *Queue) RunDue(now uint64) {
	for len(q.h) > 0 {
		top := q.h[0]
		if top.canceled {
			heap.Pop(&q.h)
			continue
		}

		if top.time > now {
			return
		}

		heap.Pop(&q.h)
		delete(q.byID, top.id)
		top.cb()
	}
}

// Len reports the number of entries still in the heap, including lazily
// canceled ones pending removal.
func (q *Queue) Len() int { return len(q.h) }
