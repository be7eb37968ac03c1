package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestEvent(eventType string) *events.Event {
	return events.New(eventType, events.SourceAgent, events.CategoryStream, events.IntentNotification, nil)
}

func TestMemoryBus_EmitDeliversSynchronously(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var got *events.Event
	b.On([]string{"text_delta"}, func(e *events.Event) {
		got = e
	}, nil)

	event := newTestEvent("text_delta")
	b.Emit(event)

	if got == nil {
		t.Fatal("expected handler to run before Emit returned")
	}
	if got.UUID != event.UUID {
		t.Errorf("expected event %s, got %s", event.UUID, got.UUID)
	}
}

func TestMemoryBus_TypeFiltering(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var count int
	b.On([]string{"message_stop"}, func(e *events.Event) { count++ }, nil)

	b.Emit(newTestEvent("text_delta"))
	b.Emit(newTestEvent("message_stop"))
	b.Emit(newTestEvent("message_start"))

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestMemoryBus_PriorityOrdering(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var order []string
	b.On([]string{"x"}, func(e *events.Event) { order = append(order, "low") }, &SubscribeOptions{Priority: -1})
	b.On([]string{"x"}, func(e *events.Event) { order = append(order, "default-a") }, nil)
	b.On([]string{"x"}, func(e *events.Event) { order = append(order, "high") }, &SubscribeOptions{Priority: 10})
	b.On([]string{"x"}, func(e *events.Event) { order = append(order, "default-b") }, nil)

	b.Emit(newTestEvent("x"))

	want := []string{"high", "default-a", "default-b", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestMemoryBus_Filter(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var count int
	b.On([]string{"x"}, func(e *events.Event) { count++ }, &SubscribeOptions{
		Filter: func(e *events.Event) bool {
			return e.Context != nil && e.Context.SessionID == "sess_1"
		},
	})

	b.Emit(newTestEvent("x"))
	b.Emit(newTestEvent("x").WithContext(&events.Context{SessionID: "sess_2"}))
	b.Emit(newTestEvent("x").WithContext(&events.Context{SessionID: "sess_1"}))

	if count != 1 {
		t.Errorf("expected 1 filtered delivery, got %d", count)
	}
}

func TestMemoryBus_Once(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var count int
	sub := b.Once("x", func(e *events.Event) { count++ })

	b.Emit(newTestEvent("x"))
	b.Emit(newTestEvent("x"))

	if count != 1 {
		t.Errorf("expected once handler to fire exactly once, got %d", count)
	}
	if sub.IsActive() {
		t.Error("expected once subscription to be inactive after delivery")
	}
}

func TestMemoryBus_OnAny(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var types []string
	b.OnAny(func(e *events.Event) { types = append(types, e.Type) })

	b.Emit(newTestEvent("a"))
	b.Emit(newTestEvent("b"))

	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("expected [a b], got %v", types)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var count int
	sub := b.On([]string{"x"}, func(e *events.Event) { count++ }, nil)

	b.Emit(newTestEvent("x"))
	sub.Unsubscribe()
	b.Emit(newTestEvent("x"))

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestMemoryBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var delivered bool
	b.On([]string{"x"}, func(e *events.Event) { panic("boom") }, &SubscribeOptions{Priority: 1})
	b.On([]string{"x"}, func(e *events.Event) { delivered = true }, nil)

	b.Emit(newTestEvent("x"))

	if !delivered {
		t.Error("expected second handler to run despite earlier panic")
	}
}

func TestMemoryBus_ReentrantEmitIsQueuedFIFO(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var order []string
	b.On([]string{"first"}, func(e *events.Event) {
		order = append(order, "first-high")
		b.Emit(newTestEvent("second"))
		// The nested emit must not run before remaining handlers
		// for the current event.
	}, &SubscribeOptions{Priority: 1})
	b.On([]string{"first"}, func(e *events.Event) { order = append(order, "first-low") }, nil)
	b.On([]string{"second"}, func(e *events.Event) { order = append(order, "second") }, nil)

	b.Emit(newTestEvent("first"))

	want := []string{"first-high", "first-low", "second"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestMemoryBus_EmitBatchPreservesOrder(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var order []string
	b.OnAny(func(e *events.Event) { order = append(order, e.Type) })

	b.EmitBatch([]*events.Event{newTestEvent("a"), newTestEvent("b"), newTestEvent("c")})

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected [a b c], got %v", order)
	}
}

func TestMemoryBus_Destroy(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))

	var count int
	sub := b.On([]string{"x"}, func(e *events.Event) { count++ }, nil)

	b.Destroy()
	b.Emit(newTestEvent("x"))

	if count != 0 {
		t.Errorf("expected no deliveries after destroy, got %d", count)
	}
	if sub.IsActive() {
		t.Error("expected subscription to be inactive after destroy")
	}
}

func TestMemoryBus_ConcurrentEmit(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Destroy()

	var count int64
	b.On([]string{"x"}, func(e *events.Event) { atomic.AddInt64(&count, 1) }, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(newTestEvent("x"))
			}
		}()
	}
	wg.Wait()

	// A concurrent Emit may return while another goroutine drains the
	// queue, so allow a short window for the tail of the queue.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&count) != 1000 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt64(&count); got != 1000 {
		t.Errorf("expected 1000 deliveries, got %d", got)
	}
}
