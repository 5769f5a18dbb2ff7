package scheduler

import (
	"container/heap"
	"time"
)

// entry is one armed job. slot is the nominal fire time from the trigger;
// at is when the loop will dispatch it (later than slot after a dispatch
// retry).
type entry struct {
	id    string
	at    time.Time
	slot  time.Time
	index int
}

// timerQueue is a min-heap on entry.at with an id index.
type timerQueue struct {
	items []*entry
	byID  map[string]*entry
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: map[string]*entry{}}
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	if q.items[i].at.Equal(q.items[j].at) {
		return q.items[i].id < q.items[j].id
	}
	return q.items[i].at.Before(q.items[j].at)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *timerQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	e.index = -1
	return e
}

// arm inserts or moves id.
func (q *timerQueue) arm(id string, slot, at time.Time) {
	if e, ok := q.byID[id]; ok {
		e.slot, e.at = slot, at
		heap.Fix(q, e.index)
		return
	}
	e := &entry{id: id, slot: slot, at: at}
	heap.Push(q, e)
	q.byID[id] = e
}

func (q *timerQueue) disarm(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	delete(q.byID, id)
	return true
}

func (q *timerQueue) peek() *entry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popDue removes and returns the earliest entry if it is due at now.
func (q *timerQueue) popDue(now time.Time) *entry {
	top := q.peek()
	if top == nil || top.at.After(now) {
		return nil
	}
	heap.Pop(q)
	delete(q.byID, top.id)
	return top
}

func (q *timerQueue) get(id string) (*entry, bool) {
	e, ok := q.byID[id]
	return e, ok
}
