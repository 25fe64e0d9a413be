// Package spill holds audit events that could not be persisted under the
// fail-open policy until the drain worker can re-record them.
package spill

import (
	"sync"
	"time"

	audit "ledger/pkg/platform/audit"
)

// Item is a parked event plus the time it was first attempted.
type Item struct {
	Event        audit.Event
	AttemptAt    time.Time
	RequestID    string
	Redeliveries int
}

// RingBuffer is a bounded, thread-safe FIFO. When full, the oldest item is
// dropped to make room for the newest.
type RingBuffer struct {
	mu       sync.Mutex
	items    []Item
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingBuffer{
		items:    make([]Item, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an item, dropping the oldest if necessary. It reports whether
// an item was dropped.
func (b *RingBuffer) Enqueue(item Item) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.items[b.tail] = Item{}
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		dropped = true
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.count++
	return dropped
}

// DequeueBatch removes up to n items in FIFO order.
func (b *RingBuffer) DequeueBatch(n int) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || n <= 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	result := make([]Item, n)
	for i := 0; i < n; i++ {
		result[i] = b.items[b.tail]
		b.items[b.tail] = Item{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return result
}

// Len returns the current number of items.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of items lost to overflow.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
