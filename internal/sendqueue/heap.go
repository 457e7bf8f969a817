package sendqueue

import (
	"container/heap"
	"time"
)

type entry struct {
	id        string
	accountID string
	queuedAt  time.Time
	dueAt     time.Time
}

// readyHeap orders due entries by queue time, oldest first.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].queuedAt.Equal(h[j].queuedAt) {
		return h[i].id < h[j].id
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// waitingHeap orders retried entries by when they become due.
type waitingHeap []*entry

func (h waitingHeap) Len() int { return len(h) }
func (h waitingHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].queuedAt.Before(h[j].queuedAt)
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waitingHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// schedule is the two-level queue: entries wait by due time and, once due,
// are served strictly by queue time. A retried entry that is not yet due
// never holds back younger entries that are.
type schedule struct {
	waiting waitingHeap
	ready   readyHeap
	known   map[string]bool
}

func newSchedule() *schedule {
	return &schedule{known: make(map[string]bool)}
}

func (s *schedule) add(e *entry, now time.Time) {
	if s.known[e.id] {
		return
	}
	s.known[e.id] = true
	if e.dueAt.After(now) {
		heap.Push(&s.waiting, e)
		return
	}
	heap.Push(&s.ready, e)
}

// next returns the oldest due entry, promoting waiting entries that came due.
func (s *schedule) next(now time.Time) (*entry, bool) {
	for s.waiting.Len() > 0 && !s.waiting[0].dueAt.After(now) {
		heap.Push(&s.ready, heap.Pop(&s.waiting))
	}
	if s.ready.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&s.ready).(*entry)
	delete(s.known, e.id)
	return e, true
}

// nextDue is when the earliest waiting entry becomes due.
func (s *schedule) nextDue() (time.Time, bool) {
	if s.waiting.Len() == 0 {
		return time.Time{}, false
	}
	return s.waiting[0].dueAt, true
}

func (s *schedule) len() int {
	return s.waiting.Len() + s.ready.Len()
}
