// Package agent implements the live runtime object that connects one session
// to one driver: it serializes receive calls, funnels the driver stream
// through the engine fold, publishes every event on the bus, and persists the
// turn's messages in a single atomic batch when the turn closes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/engine"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

// Lifecycle states of a live agent.
type Lifecycle string

const (
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleReady        Lifecycle = "ready"
	LifecycleBusy         Lifecycle = "busy"
	LifecycleDestroyed    Lifecycle = "destroyed"
)

// Sentinel errors.
var (
	// ErrAgentBusy is returned when receive is called while a turn is in
	// flight. Turns are strictly serialized per agent.
	ErrAgentBusy = errors.New("agent busy")

	// ErrAgentDestroyed is returned for any call after Destroy.
	ErrAgentDestroyed = errors.New("agent destroyed")
)

const defaultTurnIdleTimeout = 5 * time.Minute

// Config assembles an agent from its collaborators.
type Config struct {
	AgentID     string
	ContainerID string
	SessionID   string

	SystemPrompt string
	Model        string

	Driver  driver.Driver
	Tools   tools.Executor // nil when the agent exposes no tools
	Bus     bus.Bus
	Store   store.Store
	Pricing engine.Pricing

	// TurnIdleTimeout bounds the gap between driver events before the turn
	// fails with a synthetic timeout error. Zero uses the default (5 min).
	TurnIdleTimeout time.Duration

	Logger *logger.Logger
}

// Agent is a transient runtime object owned by one container.
type Agent struct {
	cfg    Config
	logger *logger.Logger

	busy      atomic.Bool
	mu        sync.Mutex
	lifecycle Lifecycle
}

// New assembles an agent. Initialize must be called before the first receive.
func New(cfg Config) (*Agent, error) {
	if cfg.AgentID == "" || cfg.SessionID == "" {
		return nil, errors.New("agent: agent and session IDs are required")
	}
	if cfg.Driver == nil || cfg.Bus == nil || cfg.Store == nil {
		return nil, errors.New("agent: driver, bus, and store are required")
	}
	if cfg.TurnIdleTimeout <= 0 {
		cfg.TurnIdleTimeout = defaultTurnIdleTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		cfg:       cfg,
		logger:    log.WithAgentID(cfg.AgentID).WithSessionID(cfg.SessionID),
		lifecycle: LifecycleInitializing,
	}, nil
}

func (a *Agent) ID() string          { return a.cfg.AgentID }
func (a *Agent) ContainerID() string { return a.cfg.ContainerID }
func (a *Agent) SessionID() string   { return a.cfg.SessionID }

// Lifecycle reports the current lifecycle state.
func (a *Agent) Lifecycle() Lifecycle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifecycle
}

// Initialize boots the driver and announces the agent on the bus.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.lifecycle == LifecycleDestroyed {
		a.mu.Unlock()
		return ErrAgentDestroyed
	}
	a.mu.Unlock()

	if err := a.cfg.Driver.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize driver: %w", err)
	}

	a.setLifecycle(LifecycleReady)
	a.emit(events.TypeAgentCreated, events.CategoryLifecycle, events.IntentNotification,
		map[string]any{"agentId": a.cfg.AgentID})
	a.logger.Info("agent initialized", zap.String("driver", a.cfg.Driver.Name()))
	return nil
}

// Receive runs one turn: it emits the user message, streams the driver
// response through the engine, and persists the turn's messages atomically
// once the turn closes. A second concurrent call fails with ErrAgentBusy.
func (a *Agent) Receive(ctx context.Context, content store.Content) error {
	a.mu.Lock()
	if a.lifecycle == LifecycleDestroyed {
		a.mu.Unlock()
		return ErrAgentDestroyed
	}
	a.mu.Unlock()

	if !a.busy.CompareAndSwap(false, true) {
		return ErrAgentBusy
	}
	a.setLifecycle(LifecycleBusy)
	defer func() {
		a.busy.Store(false)
		if a.Lifecycle() == LifecycleBusy {
			a.setLifecycle(LifecycleReady)
		}
	}()

	history, err := a.cfg.Store.Messages().ListBySession(ctx, a.cfg.SessionID, store.ListMessagesOptions{})
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}

	userMsg := store.NewMessage(a.cfg.SessionID, store.RoleUser, content)
	a.emit(events.TypeUserMessage, events.CategoryMessage, events.IntentNotification, userMsg)

	turn := engine.NewTurn(a.cfg.SessionID, a.cfg.AgentID, a.cfg.Model, a.cfg.Pricing)
	pend := &pendingTurn{messages: []*store.Message{userMsg}}
	a.handleOutputs(turn.Begin(), pend)

	req := driver.Request{
		SessionID:    a.cfg.SessionID,
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     append(history, userMsg),
		Tools:        a.cfg.Tools,
		Model:        a.cfg.Model,
	}

	stream, err := a.cfg.Driver.Receive(ctx, req)
	if err != nil {
		if errors.Is(err, driver.ErrDriverBusy) {
			err = ErrAgentBusy
		}
		a.handleOutputs(turn.Process(driver.Event{Type: events.TypeError, Message: err.Error()}), pend)
		a.persistTurn(ctx, pend)
		return err
	}

	turnErr := a.consumeStream(ctx, stream, turn, pend)
	a.persistTurn(ctx, pend)
	return turnErr
}

// consumeStream folds driver events until the turn closes, enforcing the
// idle window between events.
func (a *Agent) consumeStream(ctx context.Context, stream <-chan driver.Event, turn *engine.Turn, pend *pendingTurn) error {
	idle := time.NewTimer(a.cfg.TurnIdleTimeout)
	defer idle.Stop()

	var turnErr error
	for !turn.Closed() {
		select {
		case ev, ok := <-stream:
			if !ok {
				if !turn.Closed() {
					// A stream that ends after producing content closes
					// normally; not every provider emits a stop reason.
					if turn.HasContent() {
						a.handleOutputs(turn.Process(driver.Event{
							Type:       events.TypeMessageStop,
							StopReason: "end_turn",
						}), pend)
					} else {
						a.handleOutputs(turn.Process(driver.Event{
							Type:    events.TypeError,
							Message: "driver stream ended without a terminal event",
						}), pend)
						turnErr = errors.New("driver stream ended without a terminal event")
					}
				}
				return turnErr
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.cfg.TurnIdleTimeout)

			a.emitStream(ev)
			if ev.Type == events.TypeError && turnErr == nil {
				turnErr = errors.New(ev.Message)
			}
			a.handleOutputs(turn.Process(ev), pend)

		case <-idle.C:
			a.logger.Warn("turn idle timeout, interrupting driver")
			_ = a.cfg.Driver.Interrupt(context.Background())
			a.handleOutputs(turn.Process(driver.Event{
				Type:    events.TypeError,
				Message: "timeout: no driver event within idle window",
			}), pend)
			turnErr = errors.New("turn idle timeout")
		}
	}

	// The turn is closed; drain whatever the driver still emits so its
	// goroutine can exit. Late events are dropped by the closed fold.
	go func() {
		for range stream {
		}
	}()
	return turnErr
}

// pendingTurn buffers the messages and turn record accumulated during a fold
// so persistence happens once, atomically, at turn end.
type pendingTurn struct {
	messages []*store.Message
	turn     *store.Turn
}

// handleOutputs publishes engine outputs on the bus and buffers their
// persistent payloads.
func (a *Agent) handleOutputs(outputs []engine.Output, pend *pendingTurn) {
	for _, out := range outputs {
		switch {
		case out.Message != nil:
			pend.messages = append(pend.messages, out.Message)
			a.emit(out.Type, events.CategoryMessage, events.IntentNotification, out.Message)

		case out.Type == events.TypeTurnRequest:
			pend.turn = out.Turn
			a.emit(out.Type, events.CategoryTurn, events.IntentRequest, out.Turn)

		case out.Type == events.TypeTurnResponse:
			pend.turn = out.Turn
			a.emit(out.Type, events.CategoryTurn, events.IntentResult, out.Turn)

		case out.Type == events.TypeError:
			if out.Turn != nil {
				pend.turn = out.Turn
			}
			a.emit(out.Type, events.CategoryError, events.IntentNotification,
				map[string]any{"message": out.Error})

		case out.State != "":
			a.emit(out.Type, events.CategoryState, events.IntentNotification,
				map[string]any{"state": out.State})
		}
	}
}

// persistTurn writes the buffered messages in one atomic batch and upserts
// the turn record. Persistence survives caller cancellation.
func (a *Agent) persistTurn(ctx context.Context, pend *pendingTurn) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if len(pend.messages) > 0 {
		if err := a.cfg.Store.Messages().Append(writeCtx, pend.messages...); err != nil {
			a.logger.Error("persist turn messages", zap.Error(err),
				zap.Int("count", len(pend.messages)))
		}
	}
	if pend.turn != nil {
		if err := a.cfg.Store.Turns().Upsert(writeCtx, pend.turn); err != nil {
			a.logger.Error("persist turn record", zap.Error(err),
				zap.String("turn_id", pend.turn.TurnID))
		}
	}
}

// Interrupt aborts the in-flight turn, if any. The driver stream terminates
// with an interrupted event and the receive call completes cleanly.
func (a *Agent) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	if a.lifecycle == LifecycleDestroyed {
		a.mu.Unlock()
		return ErrAgentDestroyed
	}
	a.mu.Unlock()
	return a.cfg.Driver.Interrupt(ctx)
}

// Destroy disposes the driver and tool connections and announces the
// teardown. Safe to call more than once.
func (a *Agent) Destroy() error {
	a.mu.Lock()
	if a.lifecycle == LifecycleDestroyed {
		a.mu.Unlock()
		return nil
	}
	a.lifecycle = LifecycleDestroyed
	a.mu.Unlock()

	var errs []string
	if err := a.cfg.Driver.Dispose(); err != nil {
		errs = append(errs, err.Error())
	}
	if a.cfg.Tools != nil {
		if err := a.cfg.Tools.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	a.emit(events.TypeAgentDestroyed, events.CategoryLifecycle, events.IntentNotification,
		map[string]any{"agentId": a.cfg.AgentID})
	a.logger.Info("agent destroyed")

	if len(errs) > 0 {
		return errors.New("destroy agent: " + strings.Join(errs, "; "))
	}
	return nil
}

func (a *Agent) setLifecycle(state Lifecycle) {
	a.mu.Lock()
	a.lifecycle = state
	a.mu.Unlock()
}

func (a *Agent) eventContext() *events.Context {
	return &events.Context{
		AgentID:     a.cfg.AgentID,
		SessionID:   a.cfg.SessionID,
		ContainerID: a.cfg.ContainerID,
	}
}

func (a *Agent) emit(eventType string, category events.Category, intent events.Intent, data any) {
	a.cfg.Bus.Emit(events.New(eventType, events.SourceAgent, category, intent, data).
		WithContext(a.eventContext()))
}

func (a *Agent) emitStream(ev driver.Event) {
	a.emit(ev.Type, events.CategoryStream, events.IntentNotification, ev)
}
