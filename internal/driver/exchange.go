package driver

import (
	"context"
	"sync"
)

// Exchange implements the single-flight and interrupt plumbing shared by the
// concrete drivers: one active Receive at a time, Interrupt cancels its
// context, Dispose cancels and blocks further calls.
type Exchange struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewExchange creates an idle exchange guard.
func NewExchange() *Exchange {
	return &Exchange{state: StateIdle}
}

// CurrentState reports the driver state the guard tracks.
func (x *Exchange) CurrentState() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Begin claims the driver for one exchange. The returned done func releases
// the claim; callers run it exactly once when the stream terminates.
func (x *Exchange) Begin(parent context.Context) (context.Context, func(), error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case StateDisposed:
		return nil, nil, ErrDriverDisposed
	case StateActive:
		return nil, nil, ErrDriverBusy
	}

	ctx, cancel := context.WithCancel(parent)
	x.state = StateActive
	x.cancel = cancel

	done := func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		cancel()
		if x.state == StateActive {
			x.state = StateIdle
		}
		x.cancel = nil
	}
	return ctx, done, nil
}

// Interrupt cancels the active exchange, if any. The streaming goroutine
// observes the cancellation and emits the terminal interrupted event.
func (x *Exchange) Interrupt() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancel != nil {
		x.cancel()
	}
}

// Dispose cancels any active exchange and marks the driver unusable.
func (x *Exchange) Dispose() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	x.state = StateDisposed
}
