package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(StudioLaunched)
	defer sub.Unsubscribe()

	bus.Publish(Event{Name: StudioLaunched, Source: "registry", Port: 3002})

	select {
	case ev := <-sub.Events():
		if ev.Name != StudioLaunched {
			t.Errorf("Name = %v, want %v", ev.Name, StudioLaunched)
		}
		if ev.ID == "" {
			t.Error("ID was not stamped")
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp was not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterExcludesOtherNames(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(StudioUnhealthy)
	defer sub.Unsubscribe()

	bus.Publish(Event{Name: StudioLaunched, Source: "registry", Port: 3002})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
		// expected: filtered subscriber receives nothing
	}
}

func TestUnfilteredSubscriberReceivesEverything(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Name: StudioLaunched, Source: "registry", Port: 3002})
	bus.Publish(Event{Name: RecoveryFailed, Source: "health", Port: 3002})

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe(HealthCheck)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Name: HealthCheck, Source: "health"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}
