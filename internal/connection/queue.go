package connection

import (
	"fmt"
	"sync"
)

// OverflowPolicy decides what a full Queue does with a new item.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room for the new item.
	DropOldest OverflowPolicy = iota
	// RejectNew refuses the new item.
	RejectNew
)

// String returns the config spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses "drop_oldest" or "reject_new".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop_oldest", "":
		return DropOldest, nil
	case "reject_new":
		return RejectNew, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

// Queue is a thread-safe bounded FIFO ring buffer.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	policy   OverflowPolicy

	// Stats
	totalPushed int64
	dropped     int64
	rejected    int64
	cleared     int64
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count       int
	Capacity    int
	TotalPushed int64
	Dropped     int64 // Evicted to stay within capacity
	Rejected    int64 // Refused by RejectNew
	Cleared     int64 // Discarded by Clear
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// Push appends item. When the queue is full, DropOldest evicts the head and
// reports evicted=true; RejectNew leaves the queue untouched and returns
// ErrQueueFull.
func (q *Queue[T]) Push(item T) (evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.capacity {
		if q.policy == RejectNew {
			q.rejected++
			return false, ErrQueueFull
		}
		q.popLocked()
		q.dropped++
		evicted = true
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++

	return evicted, nil
}

// Drain removes and returns all items in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	result := make([]T, 0, q.count)
	for q.count > 0 {
		result = append(result, q.popLocked())
	}
	return result
}

// Requeue puts items back in front of whatever is queued, preserving their
// order. If the result exceeds capacity the oldest items are dropped.
func (q *Queue[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rest := make([]T, 0, q.count)
	for q.count > 0 {
		rest = append(rest, q.popLocked())
	}

	all := append(append(make([]T, 0, len(items)+len(rest)), items...), rest...)
	if over := len(all) - q.capacity; over > 0 {
		q.dropped += int64(over)
		all = all[over:]
	}

	for _, item := range all {
		q.buf[q.tail] = item
		q.tail = (q.tail + 1) % q.capacity
		q.count++
	}
}

// Clear discards every item and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		q.popLocked()
	}
	q.head, q.tail = 0, 0
	q.cleared += int64(n)
	return n
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:       q.count,
		Capacity:    q.capacity,
		TotalPushed: q.totalPushed,
		Dropped:     q.dropped,
		Rejected:    q.rejected,
		Cleared:     q.cleared,
	}
}

// popLocked removes the head. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	return item
}
