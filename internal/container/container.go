// Package container implements the isolation namespace that owns live
// agents: spawning them from images, resuming sessions, and tearing the
// whole namespace down in one call.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/engine"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

// ErrAgentNotFound is returned when an agent ID does not resolve in this
// container.
var ErrAgentNotFound = errors.New("agent not found")

// Deps are the collaborators a container needs to spawn agents.
type Deps struct {
	Store   store.Store
	Bus     bus.Bus
	Drivers DriverFactory
	Tools   ToolsFactory // nil disables tool wiring

	Pricing         engine.Pricing
	TurnIdleTimeout time.Duration
	DriverBoot      time.Duration // driver initialization timeout
	Logger          *logger.Logger
}

// Container owns a set of live agents sharing one sandbox.
type Container struct {
	id      string
	sandbox Sandbox
	deps    Deps
	logger  *logger.Logger

	mu     sync.RWMutex
	agents map[string]*agent.Agent
}

func newContainer(containerID string, sandbox Sandbox, deps Deps) *Container {
	return &Container{
		id:      containerID,
		sandbox: sandbox,
		deps:    deps,
		logger:  deps.Logger.WithContainerID(containerID),
		agents:  make(map[string]*agent.Agent),
	}
}

func (c *Container) ID() string       { return c.id }
func (c *Container) Sandbox() Sandbox { return c.sandbox }

// Run spawns a fresh agent from an image: a new empty session is created,
// then the agent is built with the image's system prompt and tools.
func (c *Container) Run(ctx context.Context, img *store.Image) (*agent.Agent, error) {
	sess := &store.Session{
		SessionID:   id.NewSession(),
		ImageID:     img.ImageID,
		ContainerID: c.id,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := c.deps.Store.Sessions().Upsert(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return c.spawn(ctx, img, sess.SessionID)
}

// Resume re-materializes an agent over an existing session. The session's
// history is replayed into the driver context on the next receive; ownership
// moves to this container.
func (c *Container) Resume(ctx context.Context, img *store.Image, sessionID string) (*agent.Agent, error) {
	sess, err := c.deps.Store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	if sess.ContainerID != c.id {
		sess.ContainerID = c.id
		sess.UpdatedAt = time.Now().UTC()
		if err := c.deps.Store.Sessions().Upsert(ctx, sess); err != nil {
			return nil, fmt.Errorf("reassign session %s: %w", sessionID, err)
		}
	}
	return c.spawn(ctx, img, sessionID)
}

func (c *Container) spawn(ctx context.Context, img *store.Image, sessionID string) (*agent.Agent, error) {
	var (
		executor tools.Executor
		err      error
	)
	if c.deps.Tools != nil && len(img.MCPServers) > 0 {
		executor, err = c.deps.Tools.CreateTools(ctx, img.MCPServers)
		if err != nil {
			return nil, fmt.Errorf("connect tools: %w", err)
		}
	}

	drv, err := c.deps.Drivers.CreateDriver(ctx, DriverSpec{
		SessionID:    sessionID,
		SystemPrompt: img.SystemPrompt,
		Workspace:    c.sandbox.WorkspacePath(),
	})
	if err != nil {
		if executor != nil {
			_ = executor.Close()
		}
		return nil, fmt.Errorf("create driver: %w", err)
	}

	a, err := agent.New(agent.Config{
		AgentID:         id.NewAgent(),
		ContainerID:     c.id,
		SessionID:       sessionID,
		SystemPrompt:    img.SystemPrompt,
		Driver:          drv,
		Tools:           executor,
		Bus:             c.deps.Bus,
		Store:           c.deps.Store,
		Pricing:         c.deps.Pricing,
		TurnIdleTimeout: c.deps.TurnIdleTimeout,
		Logger:          c.deps.Logger,
	})
	if err != nil {
		_ = drv.Dispose()
		if executor != nil {
			_ = executor.Close()
		}
		return nil, err
	}

	boot := c.deps.DriverBoot
	if boot <= 0 {
		boot = time.Minute
	}
	bootCtx, cancel := context.WithTimeout(ctx, boot)
	defer cancel()
	if err := a.Initialize(bootCtx); err != nil {
		_ = a.Destroy()
		return nil, err
	}

	c.mu.Lock()
	c.agents[a.ID()] = a
	c.mu.Unlock()

	c.logger.Info("agent spawned",
		zap.String("agent_id", a.ID()),
		zap.String("session_id", sessionID),
		zap.String("image_id", img.ImageID))
	return a, nil
}

// Get returns a live agent by ID.
func (c *Container) Get(agentID string) (*agent.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// Has reports whether the agent is live in this container.
func (c *Container) Has(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.agents[agentID]
	return ok
}

// List returns all live agents.
func (c *Container) List() []*agent.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// FindBySession returns the live agent bound to a session, if any.
func (c *Container) FindBySession(sessionID string) (*agent.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.agents {
		if a.SessionID() == sessionID {
			return a, true
		}
	}
	return nil, false
}

// Destroy tears down one agent.
func (c *Container) Destroy(agentID string) error {
	c.mu.Lock()
	a, ok := c.agents[agentID]
	delete(c.agents, agentID)
	c.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}
	return a.Destroy()
}

// DestroyAll tears down every agent in the container.
func (c *Container) DestroyAll() error {
	c.mu.Lock()
	agents := c.agents
	c.agents = make(map[string]*agent.Agent)
	c.mu.Unlock()

	var firstErr error
	for _, a := range agents {
		if err := a.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Container) emitLifecycle(eventType string) {
	c.deps.Bus.Emit(events.New(eventType, events.SourceContainer, events.CategoryLifecycle,
		events.IntentNotification, map[string]any{"containerId": c.id}).
		WithContext(&events.Context{ContainerID: c.id}))
}
