package session

import (
	"sync"

	"github.com/worldmesh/worldcore/internal/protocol"
)

// Outbound is one message queued for delivery to a session's socket. The
// payload is marshaled once by the producer so fan-out can share one buffer
// across sessions.
type Outbound struct {
	Type       protocol.MessageType
	TickNumber int64
	Payload    []byte
}

// PushResult reports what Push had to do to make room.
type PushResult int

const (
	// PushOK means the message was queued without eviction.
	PushOK PushResult = iota
	// PushEvicted means the oldest non-critical message was dropped to make
	// room. The dropped message is returned alongside.
	PushEvicted
	// PushStalled means the queue is saturated with critical messages. A
	// critical push is still queued (critical messages are never dropped);
	// a non-critical push is discarded. Either way the session should be
	// marked stalled.
	PushStalled
	// PushClosed means the queue was already closed and the message
	// discarded.
	PushClosed
)

// Queue is the bounded outbound FIFO owned by one session. Producers (the
// fan-out router, the read loop) push; the session's write pump pops. Push
// never blocks: overflow evicts the oldest non-critical message first and
// stalls only when nothing is evictable.
type Queue struct {
	mu       sync.Mutex
	items    []Outbound
	capacity int
	closed   bool

	// signal wakes the write pump; capacity 1 so a burst of pushes
	// coalesces into one wakeup.
	signal chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]Outbound, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues a message, applying the overflow policy. The evicted message
// is returned when the result is PushEvicted.
func (q *Queue) Push(msg Outbound) (PushResult, Outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return PushClosed, Outbound{}
	}

	if len(q.items) < q.capacity {
		q.items = append(q.items, msg)
		q.wake()
		return PushOK, Outbound{}
	}

	// Full: evict the oldest non-critical message.
	for i, queued := range q.items {
		if !protocol.Critical(queued.Type) {
			evicted := q.items[i]
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = msg
			q.wake()
			return PushEvicted, evicted
		}
	}

	// Full of critical messages. Never drop those: let a critical push
	// exceed capacity and report the stall so the reaper can close the
	// session if it does not recover.
	if protocol.Critical(msg.Type) {
		q.items = append(q.items, msg)
		q.wake()
	}
	return PushStalled, Outbound{}
}

// Pop removes the head of the queue without blocking.
func (q *Queue) Pop() (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Outbound{}, false
	}
	msg := q.items[0]
	// Slide rather than reslice so the backing array never grows past the
	// critical overflow bound.
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return msg, true
}

// Wakeup returns the channel the write pump selects on.
func (q *Queue) Wakeup() <-chan struct{} { return q.signal }

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Saturated reports whether the queue is at or past capacity with only
// critical messages queued.
func (q *Queue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		return false
	}
	for _, queued := range q.items {
		if !protocol.Critical(queued.Type) {
			return false
		}
	}
	return true
}

// Close discards everything and rejects further pushes. Returns the number
// of messages discarded.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	q.wake()
	return n
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
