package eventbus

import (
	"sync"
	"time"
)

// BufferedEvent is an event held in memory until the broker is reachable.
type BufferedEvent struct {
	Queue      Queue
	Envelope   Envelope
	BufferedAt time.Time
}

// OfflineBuffer is a bounded FIFO ring. Pushing into a full buffer evicts the
// oldest entry. Push and evict happen under one lock.
type OfflineBuffer struct {
	mu       sync.Mutex
	entries  []BufferedEvent
	head     int
	size     int
	evicted  uint64
	capacity int
}

// NewOfflineBuffer creates a buffer holding at most capacity entries.
func NewOfflineBuffer(capacity int) *OfflineBuffer {
	capacity = max(capacity, 1)
	return &OfflineBuffer{
		entries:  make([]BufferedEvent, capacity),
		capacity: capacity,
	}
}

// Push appends ev. When the buffer was full, the evicted oldest entry is
// returned with ok set.
func (b *OfflineBuffer) Push(ev BufferedEvent) (evicted BufferedEvent, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == b.capacity {
		evicted = b.entries[b.head]
		b.entries[b.head] = ev
		b.head = (b.head + 1) % b.capacity
		b.evicted++
		return evicted, true
	}
	b.entries[(b.head+b.size)%b.capacity] = ev
	b.size++
	return BufferedEvent{}, false
}

// Drain removes and returns every entry, oldest first.
func (b *OfflineBuffer) Drain() []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedEvent, b.size)
	for i := range out {
		idx := (b.head + i) % b.capacity
		out[i] = b.entries[idx]
		b.entries[idx] = BufferedEvent{}
	}
	b.head, b.size = 0, 0
	return out
}

// Snapshot returns the entries oldest first without removing them.
func (b *OfflineBuffer) Snapshot() []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedEvent, b.size)
	for i := range out {
		out[i] = b.entries[(b.head+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *OfflineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *OfflineBuffer) Cap() int { return b.capacity }

// Evicted returns how many entries were dropped to make room.
func (b *OfflineBuffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
