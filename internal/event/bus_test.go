package event

import (
	"sync"
	"testing"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	token := bus.Subscribe("scheduler.started", func(e Event) {
		called = true
	})

	if token == 0 {
		t.Error("Subscribe should return a non-zero token")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var received Event
	bus.Subscribe("scheduler.task_assigned", func(e Event) {
		received = e
	})

	bus.Publish(NewTaskAssignedEvent("task-1", "task-1", "/worker-1"))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	if received.EventType() != "scheduler.task_assigned" {
		t.Errorf("Expected event type 'scheduler.task_assigned', got '%s'", received.EventType())
	}
	assigned, ok := received.(TaskAssignedEvent)
	if !ok {
		t.Fatalf("Expected TaskAssignedEvent, got %T", received)
	}
	if assigned.TaskID != "task-1" {
		t.Errorf("Expected task ID task-1, got %s", assigned.TaskID)
	}
}

func TestBus_PublishMultipleHandlers(t *testing.T) {
	bus := NewBus()

	callCount := 0
	bus.Subscribe("scheduler.completed", func(e Event) { callCount++ })
	bus.Subscribe("scheduler.completed", func(e Event) { callCount++ })

	bus.Publish(NewRunCompletedEvent(3))

	if callCount != 2 {
		t.Errorf("Expected both handlers to be called, got %d calls", callCount)
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("channel.message", func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})

	bus.Publish(NewRunStartedEvent(1))
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var types []string
	bus.SubscribeAll(func(e Event) {
		types = append(types, e.EventType())
	})

	bus.Publish(NewRunStartedEvent(2))
	bus.Publish(NewRateLimitExceededEvent("anthropic", 100, 90))

	if len(types) != 2 {
		t.Fatalf("Expected wildcard handler to see 2 events, got %d", len(types))
	}
	if types[0] != "scheduler.started" || types[1] != "ratelimit.exceeded" {
		t.Errorf("Unexpected event order: %v", types)
	}
}

func TestBus_DispatchInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe("scheduler.started", func(e Event) { order = append(order, "specific") })
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard-2") })

	bus.Publish(NewRunStartedEvent(1))

	want := []string{"wildcard", "specific", "wildcard-2"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d deliveries, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected registration order %v, got %v", want, order)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	called := false
	token := bus.Subscribe("scheduler.started", func(e Event) { called = true })

	if !bus.Unsubscribe(token) {
		t.Error("Unsubscribe should return true for a live subscription")
	}
	if bus.Unsubscribe(token) {
		t.Error("Unsubscribe should return false the second time")
	}

	bus.Publish(NewRunStartedEvent(1))
	if called {
		t.Error("Unsubscribed handler should not be called")
	}
}

func TestBus_HandlerPanicDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	secondCalled := false
	bus.Subscribe("scheduler.started", func(e Event) { panic("boom") })
	bus.Subscribe("scheduler.started", func(e Event) { secondCalled = true })

	bus.Publish(NewRunStartedEvent(1))

	if !secondCalled {
		t.Error("Second handler should run even when the first panics")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(e Event) {})
	bus.Subscribe("b", func(e Event) {})

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after Clear, got %d", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe("scheduler.task_completed", func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewTaskCompletedEvent("t"))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("Expected 20 deliveries, got %d", count)
	}
}
