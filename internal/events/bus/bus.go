// Package bus provides the in-process typed pub/sub used by the runtime.
package bus

import (
	"github.com/agentx/agentx/internal/events"
)

// Handler processes a single event. Handlers run synchronously on the
// emitting goroutine; a slow handler delays later handlers for the same event.
type Handler func(event *events.Event)

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// Filter drops events the handler should not see. Nil accepts everything.
	Filter func(*events.Event) bool

	// Priority orders handlers for a given event: higher priorities run
	// first, ties resolve in subscription order. Default 0.
	Priority int

	// Once unsubscribes the handler after its first delivery.
	Once bool
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
	IsActive() bool
}

// Bus is the in-process event bus contract.
type Bus interface {
	// Emit delivers an event to all matching subscribers before returning.
	// Handlers that emit further events never re-enter Emit: nested emits
	// are queued and drained FIFO after the current fan-out completes.
	Emit(event *events.Event)

	// EmitBatch emits events in order.
	EmitBatch(batch []*events.Event)

	// On subscribes a handler to one or more event types.
	On(types []string, handler Handler, opts *SubscribeOptions) Subscription

	// Once subscribes a handler that fires at most once.
	Once(eventType string, handler Handler) Subscription

	// OnAny subscribes a handler to every event.
	OnAny(handler Handler) Subscription

	// Destroy drops all subscriptions; subsequent emits are no-ops.
	Destroy()
}
