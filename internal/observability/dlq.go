package observability

import "sync"

// DeadLetterQueue keeps the most recent undeliverable items for inspection.
type DeadLetterQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	dropped  uint64
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue[T any](capacity int) *DeadLetterQueue[T] {
	queue := new(DeadLetterQueue[T])
	queue.capacity = capacity
	queue.items = make([]T, 0)
	return queue
}

// Offer records an item in the DLQ, evicting the oldest one when full.
func (q *DeadLetterQueue[T]) Offer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		copy(q.items[0:], q.items[1:])
		q.items[len(q.items)-1] = item
		q.dropped++
		return
	}
	q.items = append(q.items, item)
}

// Snapshot returns a copy of the queued items without draining them.
func (q *DeadLetterQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Drain retrieves and clears all queued items.
func (q *DeadLetterQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]T, len(q.items))
	copy(drained, q.items)
	q.items = q.items[:0]
	return drained
}

// Len returns the number of queued items.
func (q *DeadLetterQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evicted returns how many items were pushed out by capacity pressure.
func (q *DeadLetterQueue[T]) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
