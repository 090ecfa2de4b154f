// Package pqueue implements a min-priority queue of backend keys ordered by
// outstanding request count, with lazy invalidation: entries that no longer
// reflect the current count, or whose key has been removed entirely, are
// skipped on pop rather than fixed up in place.
//
// This is the data structure behind ConnectionPool.allocate's
// least-outstanding-requests routing: popping always yields the backend with
// the fewest in-flight requests among those still valid.
package pqueue

import "container/heap"

// Queue is a min-heap of (key, count) pairs; entries with equal counts pop
// in key order. It does not support in-place key updates; callers push a
// fresh (key, count) pair on every change and rely on Pop to skip stale
// entries via the supplied validity check.
type Queue struct {
	h entryHeap
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts a (key, count) observation. O(log n).
func (q *Queue) Push(key string, count int) {
	heap.Push(&q.h, entry{key: key, count: count})
}

// Pop repeatedly removes the minimum-count entry until it finds one for
// which valid(key) returns true, returning that key. valid is expected to
// check both that the key is still present and that this entry isn't a
// stale observation (the caller typically tracks the current count
// per-key and compares).
//
// Returns ok=false if the queue is exhausted before a valid entry is found.
func (q *Queue) Pop(valid func(key string, count int) bool) (key string, ok bool) {
	for q.h.Len() > 0 {
		e := heap.Pop(&q.h).(entry)
		if valid(e.key, e.count) {
			return e.key, true
		}
	}
	return "", false
}

// Len returns the number of entries currently held, including stale ones.
func (q *Queue) Len() int {
	return q.h.Len()
}

type entry struct {
	key   string
	count int
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count < h[j].count
	}
	return h[i].key < h[j].key
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
