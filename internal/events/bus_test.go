package events

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventHealthChange, 1)
	defer unsub()

	bus.Publish(EventHealthChange, HealthChange{HP: 15, MaxHP: 20})

	got := (<-ch).(HealthChange)
	if got.HP != 15 {
		t.Fatalf("HP = %d, want 15", got.HP)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventJobCompleted, 1)
	defer unsub()

	bus.Publish(EventJobCompleted, JobOutcome{JobID: "a"})
	bus.Publish(EventJobCompleted, JobOutcome{JobID: "b"})

	if bus.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", bus.Dropped())
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventShutdown, 0)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventShutdown, nil)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventHealthChange, nil)
}
