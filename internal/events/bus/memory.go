package bus

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
)

// MemoryBus implements Bus with synchronous in-process fan-out.
//
// The subscriber list is copy-on-write: Emit reads an immutable snapshot, so
// the emit path takes no lock while handlers run. Nested emits from handlers
// are queued and drained FIFO by the outermost Emit call, which keeps event
// ordering deterministic and prevents reentrancy loops.
type MemoryBus struct {
	mu      sync.Mutex
	snap    atomic.Pointer[[]*subscription]
	subs    []*subscription
	nextSeq uint64
	closed  atomic.Bool

	emitMu   sync.Mutex
	queue    []*events.Event
	draining bool

	logger *logger.Logger
}

type subscription struct {
	bus      *MemoryBus
	types    map[string]bool // nil matches any type
	handler  Handler
	filter   func(*events.Event) bool
	priority int
	once     bool
	seq      uint64
	active   atomic.Bool
	fired    atomic.Bool // guards once semantics under queued delivery
}

// Unsubscribe removes the subscription from the bus.
func (s *subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// IsActive returns whether the subscription still receives events.
func (s *subscription) IsActive() bool {
	return s.active.Load()
}

func (s *subscription) matches(e *events.Event) bool {
	if s.types != nil && !s.types[e.Type] {
		return false
	}
	if s.filter != nil && !s.filter(e) {
		return false
	}
	return true
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	b := &MemoryBus{logger: log}
	empty := make([]*subscription, 0)
	b.snap.Store(&empty)
	return b
}

// On subscribes a handler to the given event types.
func (b *MemoryBus) On(types []string, handler Handler, opts *SubscribeOptions) Subscription {
	var typeSet map[string]bool
	if len(types) > 0 {
		typeSet = make(map[string]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}

	sub := &subscription{
		bus:     b,
		types:   typeSet,
		handler: handler,
	}
	if opts != nil {
		sub.filter = opts.Filter
		sub.priority = opts.Priority
		sub.once = opts.Once
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		sub.active.Store(false)
		return sub
	}
	sub.seq = b.nextSeq
	b.nextSeq++
	b.subs = append(b.subs, sub)
	b.publishSnapshot()
	return sub
}

// Once subscribes a handler that fires at most once for eventType.
func (b *MemoryBus) Once(eventType string, handler Handler) Subscription {
	return b.On([]string{eventType}, handler, &SubscribeOptions{Once: true})
}

// OnAny subscribes a handler to every event on the bus.
func (b *MemoryBus) OnAny(handler Handler) Subscription {
	return b.On(nil, handler, nil)
}

// Emit delivers the event to all matching subscribers in descending priority
// order. Nested emits are queued and drained FIFO by the outermost call.
func (b *MemoryBus) Emit(event *events.Event) {
	if event == nil || b.closed.Load() {
		return
	}

	b.emitMu.Lock()
	b.queue = append(b.queue, event)
	if b.draining {
		b.emitMu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.emitMu.Unlock()
		b.dispatch(next)
		b.emitMu.Lock()
	}
	b.draining = false
	b.emitMu.Unlock()
}

// EmitBatch emits the events in order.
func (b *MemoryBus) EmitBatch(batch []*events.Event) {
	for _, e := range batch {
		b.Emit(e)
	}
}

// Destroy drops all subscriptions and makes subsequent emits no-ops.
func (b *MemoryBus) Destroy() {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.publishSnapshot()
}

func (b *MemoryBus) dispatch(event *events.Event) {
	snap := *b.snap.Load()
	for _, sub := range snap {
		if !sub.active.Load() || !sub.matches(event) {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
		}
		b.invoke(sub, event)
		if sub.once {
			sub.Unsubscribe()
		}
	}
}

// invoke runs one handler with panic isolation so a failing handler never
// prevents later handlers from seeing the event.
func (b *MemoryBus) invoke(sub *subscription, event *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.String("event_uuid", event.UUID),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// remove deletes a subscription; called with sub already deactivated.
func (b *MemoryBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.publishSnapshot()
}

// publishSnapshot rebuilds the immutable, priority-sorted dispatch order.
// Callers hold b.mu.
func (b *MemoryBus) publishSnapshot() {
	snap := make([]*subscription, len(b.subs))
	copy(snap, b.subs)
	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].priority != snap[j].priority {
			return snap[i].priority > snap[j].priority
		}
		return snap[i].seq < snap[j].seq
	})
	b.snap.Store(&snap)
}
