package eventbus

import (
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch := make(chan int, 10)
	if err := bus.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(7)

	select {
	case got := <-ch:
		if got != 7 {
			t.Errorf("Expected 7, got %d", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish never blocks on a full subscriber.
func TestNonBlockingPublish(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch := make(chan int, 1)
	if err := bus.Subscribe("slow", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(1)
		bus.Publish(2) // buffer full, dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if got := <-ch; got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}

	stats, err := bus.Stats("slow")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("Expected sent=1 dropped=1, got %+v", stats)
	}
	if bus.TotalPublished() != 2 {
		t.Errorf("Expected 2 published, got %d", bus.TotalPublished())
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New[string]()

	if err := bus.Subscribe("a", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}

	ch := make(chan string, 1)
	if err := bus.Subscribe("a", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Subscribe("a", ch); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if err := bus.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}

	bus.Close()
	bus.Close()

	if err := bus.Subscribe("b", ch); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	bus.Publish("ignored")
	if len(ch) != 0 {
		t.Error("Publish after Close must not deliver")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch := make(chan int, 4)
	bus.Subscribe("x", ch)
	bus.Publish(1)
	if err := bus.Unsubscribe("x"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	bus.Publish(2)

	if len(ch) != 1 {
		t.Errorf("Expected 1 buffered event, got %d", len(ch))
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch := make(chan int, 1000)
	bus.Subscribe("sink", ch)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(i)
			}
		}()
	}
	wg.Wait()

	stats, _ := bus.Stats("sink")
	if stats.Sent+stats.Dropped != 1000 {
		t.Errorf("Sent+Dropped = %d, want 1000", stats.Sent+stats.Dropped)
	}
}
