package notify

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the buffer size for version signal channels.
// The channel only ever carries "a newer version exists" hints, so dropping
// signals under pressure is safe: the sync listener's fallback poll catches up.
const defaultBufferSize = 16

// Notifier is the best-effort metadata version channel. Publishes may be
// lost; consumers must pair it with a periodic poll of the durable store.
type Notifier interface {
	// Publish announces that the given metadata version was committed
	Publish(version int64)
	// Subscribe returns a buffered channel of announced versions and an
	// idempotent cancel function
	Subscribe() (<-chan int64, func())
	// Close releases the notifier's resources
	Close() error
}

// subscription represents a single subscriber
type subscription struct {
	id     uint64
	ch     chan int64
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is the in-process Notifier used by single-instance deployments and
// tests. Thread-safe, non-blocking fan-out.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new in-process version notification hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends a version signal to all subscribers (non-blocking)
func (h *Hub) Publish(version int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- version:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription. The cancel function is idempotent.
func (h *Hub) Subscribe() (<-chan int64, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan int64, defaultBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Close drops all subscriptions
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
