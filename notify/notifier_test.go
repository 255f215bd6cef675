package notify

import (
	"sync"
	"testing"
	"time"
)

func TestHub_BasicPublishSubscribe(t *testing.T) {
	hub := NewHub()

	versions, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(42)

	select {
	case v := <-versions:
		if v != 42 {
			t.Errorf("expected version 42, got %d", v)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for version signal")
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish(7)

	for name, ch := range map[string]<-chan int64{"a": a, "b": b} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Errorf("subscriber %s: expected 7, got %d", name, v)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %s: timeout waiting for signal", name)
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()

	versions, cancel := hub.Subscribe()
	cancel()

	// Cancel is idempotent
	cancel()

	hub.Publish(1)

	// Channel is closed after cancel
	select {
	case _, ok := <-versions:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected closed channel, got no signal")
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()

	versions, cancel := hub.Subscribe()
	defer cancel()

	// Overfill the buffer; publishes past capacity must not block
	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= defaultBufferSize*2; i++ {
			hub.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}

	received := 0
	for {
		select {
		case <-versions:
			received++
			continue
		default:
		}
		break
	}
	if received != defaultBufferSize {
		t.Errorf("expected %d buffered signals, got %d", defaultBufferSize, received)
	}
}

func TestHub_CloseClosesAllSubscribers(t *testing.T) {
	hub := NewHub()

	versions, cancel := hub.Subscribe()
	defer cancel()

	if err := hub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case _, ok := <-versions:
		if ok {
			t.Error("expected closed channel after hub close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected closed channel after hub close")
	}

	// Cancel after close must not panic
	cancel()
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, cancel := hub.Subscribe()
		defer cancel()

		wg.Add(1)
		go func(ch <-chan int64) {
			defer wg.Done()
			for range ch {
			}
		}(ch)
	}

	for i := int64(0); i < 100; i++ {
		hub.Publish(i)
	}
	hub.Close()
	wg.Wait()
}
