package scheduler

import (
	"container/heap"
	"time"
)

type entry struct {
	id        string
	priority  int
	createdAt time.Time
	seq       uint64
	index     int
}

// entries orders by priority desc, then created_at asc, then insertion order.
type entries []*entry

func (q entries) Len() int { return len(q) }

func (q entries) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func (q entries) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entries) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entries) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// runQueue is the ready queue. Not safe for concurrent use; the registry lock guards it.
type runQueue struct {
	items entries
	byID  map[string]*entry
}

func newRunQueue() *runQueue {
	return &runQueue{byID: map[string]*entry{}}
}

// push is a no-op when id is already queued.
func (q *runQueue) push(id string, priority int, createdAt time.Time, seq uint64) bool {
	if _, ok := q.byID[id]; ok {
		return false
	}
	e := &entry{id: id, priority: priority, createdAt: createdAt, seq: seq}
	heap.Push(&q.items, e)
	q.byID[id] = e
	return true
}

func (q *runQueue) remove(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, id)
	return true
}

func (q *runQueue) pop() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.byID, e.id)
	return e, true
}

// restore puts back an entry taken by pop, keeping its original tie-break.
func (q *runQueue) restore(e *entry) {
	if _, ok := q.byID[e.id]; ok {
		return
	}
	heap.Push(&q.items, e)
	q.byID[e.id] = e
}

func (q *runQueue) reprioritize(id string, priority int) {
	if e, ok := q.byID[id]; ok {
		e.priority = priority
		heap.Fix(&q.items, e.index)
	}
}

func (q *runQueue) contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *runQueue) len() int { return len(q.items) }

// ids returns queued ids in run order without disturbing the heap.
func (q *runQueue) ids() []string {
	cp := make(entries, len(q.items))
	for i, e := range q.items {
		c := *e
		cp[i] = &c
	}
	out := make([]string, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*entry).id)
	}
	return out
}
