package presentation

import (
	"encoding/json"
	"sync"

	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
)

// Presenter holds the live projection for one agent and applies events as
// they arrive. All methods are safe for concurrent use.
type Presenter struct {
	mu    sync.RWMutex
	state State
	subs  []bus.Subscription
}

// NewPresenter returns a presenter in the initial state.
func NewPresenter() *Presenter {
	return &Presenter{state: NewState()}
}

// State returns a snapshot of the current projection.
func (p *Presenter) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clone(p.state)
}

// Apply folds one event into the projection.
func (p *Presenter) Apply(ev *events.Event) {
	p.mu.Lock()
	p.state = Reduce(p.state, ev)
	p.mu.Unlock()
}

// ApplyRaw folds an event that arrived as JSON, as stream.event payloads do.
func (p *Presenter) ApplyRaw(raw json.RawMessage) error {
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	p.Apply(&ev)
	return nil
}

// Watch subscribes the presenter to every bus event scoped to the session.
func (p *Presenter) Watch(b bus.Bus, sessionID string) {
	sub := b.OnAny(func(ev *events.Event) {
		if ev.Context == nil || ev.Context.SessionID != sessionID {
			return
		}
		p.Apply(ev)
	})
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
}

// Close detaches the presenter from every bus it watches.
func (p *Presenter) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
