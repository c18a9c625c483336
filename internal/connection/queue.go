package connection

import (
	"sync"

	"github.com/creditpath/realtime/internal/protocol"
)

// OutboundQueue is a thread-safe bounded FIFO for envelopes awaiting a
// transport. When full, the oldest entry is dropped to make room.
type OutboundQueue struct {
	mu       sync.Mutex
	buf      []*protocol.Envelope
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalQueued  int64
	totalDropped int64
}

// NewOutboundQueue creates a queue with the given capacity.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &OutboundQueue{
		buf:      make([]*protocol.Envelope, capacity),
		capacity: capacity,
	}
}

// Push appends an envelope. Returns true if an older entry was dropped
// to make room.
func (q *OutboundQueue) Push(env *protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count == q.capacity {
		// Drop oldest
		q.buf[q.head] = nil
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.totalDropped++
		dropped = true
	}

	q.buf[q.tail] = env
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalQueued++
	return dropped
}

// Drain removes and returns all queued envelopes in FIFO order.
func (q *OutboundQueue) Drain() []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	out := make([]*protocol.Envelope, q.count)
	for i := 0; i < len(out); i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % q.capacity
	}
	q.count = 0
	return out
}

// Len returns the current number of queued envelopes.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the total number of envelopes dropped on overflow.
func (q *OutboundQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDropped
}
