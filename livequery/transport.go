package livequery

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// LocalTransport delivers pushes to in-process listener channels. Embedding
// servers register a channel per listener before subscribing and receive
// serialized results on it.
type LocalTransport struct {
	listeners *xsync.MapOf[string, chan []byte]
	closed    atomic.Bool
}

// NewLocalTransport creates an in-process push transport
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{listeners: xsync.NewMapOf[string, chan []byte]()}
}

// Register creates the delivery channel for a listener. The cancel function
// removes and closes it; call it after unsubscribing.
func (t *LocalTransport) Register(listenerID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	t.listeners.Store(listenerID, ch)

	var cancelled atomic.Bool
	cancel := func() {
		if !cancelled.CompareAndSwap(false, true) {
			return
		}
		if cur, ok := t.listeners.LoadAndDelete(listenerID); ok {
			close(cur)
		}
	}
	return ch, cancel
}

// Send delivers one result to a registered listener. A full channel drops the
// push rather than stalling the cohort cycle; the next changed result catches
// the listener up.
func (t *LocalTransport) Send(listenerID string, payload []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("transport is closed")
	}

	ch, ok := t.listeners.Load(listenerID)
	if !ok {
		return fmt.Errorf("listener %q is not registered", listenerID)
	}

	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("listener %q channel is full", listenerID)
	}
}

// Close tears down every listener channel
func (t *LocalTransport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.listeners.Range(func(id string, ch chan []byte) bool {
		if cur, ok := t.listeners.LoadAndDelete(id); ok {
			close(cur)
		}
		return true
	})
}
