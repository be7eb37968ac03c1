package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
)

// ErrContainerNotFound is returned when a container ID does not resolve.
var ErrContainerNotFound = errors.New("container not found")

// Manager creates and tracks containers for one runtime process.
type Manager struct {
	deps      Deps
	sandboxes SandboxFactory

	mu         sync.RWMutex
	containers map[string]*Container
}

// NewManager builds a container manager.
func NewManager(deps Deps, sandboxes SandboxFactory) *Manager {
	return &Manager{
		deps:       deps,
		sandboxes:  sandboxes,
		containers: make(map[string]*Container),
	}
}

// Create makes a new container, or returns the existing one when the ID is
// already live (creation is idempotent per ID).
func (m *Manager) Create(ctx context.Context, containerID string) (*Container, error) {
	if containerID == "" {
		containerID = id.NewContainer()
	}

	m.mu.Lock()
	if existing, ok := m.containers[containerID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	sandbox, err := m.sandboxes.CreateSandbox(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if err := sandbox.Start(ctx); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	record := &store.Container{ContainerID: containerID, CreatedAt: time.Now().UTC()}
	if err := m.deps.Store.Containers().Upsert(ctx, record); err != nil {
		_ = sandbox.Destroy(ctx)
		return nil, fmt.Errorf("persist container: %w", err)
	}

	c := newContainer(containerID, sandbox, m.deps)

	m.mu.Lock()
	if racing, ok := m.containers[containerID]; ok {
		m.mu.Unlock()
		_ = sandbox.Destroy(ctx)
		return racing, nil
	}
	m.containers[containerID] = c
	m.mu.Unlock()

	c.emitLifecycle(events.TypeContainerCreated)
	m.deps.Logger.Info("container created", zap.String("container_id", containerID))
	return c, nil
}

// Get returns a live container.
func (m *Manager) Get(containerID string) (*Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[containerID]
	if !ok {
		return nil, ErrContainerNotFound
	}
	return c, nil
}

// List returns all live containers.
func (m *Manager) List() []*Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	return out
}

// Delete destroys every agent and session the container owns, tears down its
// sandbox, and removes the record.
func (m *Manager) Delete(ctx context.Context, containerID string) error {
	m.mu.Lock()
	c, ok := m.containers[containerID]
	delete(m.containers, containerID)
	m.mu.Unlock()
	if !ok {
		return ErrContainerNotFound
	}

	if err := c.DestroyAll(); err != nil {
		m.deps.Logger.Warn("destroy agents", zap.Error(err), zap.String("container_id", containerID))
	}

	// The store is the authority on ownership: sessions of agents destroyed
	// earlier still cascade.
	sessions, err := m.deps.Store.Sessions().List(ctx)
	if err != nil {
		m.deps.Logger.Warn("list sessions", zap.Error(err), zap.String("container_id", containerID))
	}
	for _, sess := range sessions {
		if sess.ContainerID != containerID {
			continue
		}
		if err := m.deps.Store.Messages().DeleteBySession(ctx, sess.SessionID); err != nil {
			m.deps.Logger.Warn("delete session messages", zap.Error(err), zap.String("session_id", sess.SessionID))
		}
		if err := m.deps.Store.Sessions().Delete(ctx, sess.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.deps.Logger.Warn("delete session", zap.Error(err), zap.String("session_id", sess.SessionID))
		}
	}
	if err := c.sandbox.Destroy(ctx); err != nil {
		m.deps.Logger.Warn("destroy sandbox", zap.Error(err), zap.String("container_id", containerID))
	}
	if err := m.deps.Store.Containers().Delete(ctx, containerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete container record: %w", err)
	}

	c.emitLifecycle(events.TypeContainerDeleted)
	m.deps.Logger.Info("container deleted", zap.String("container_id", containerID))
	return nil
}

// Shutdown destroys every live container's agents without deleting records,
// used on graceful process exit. Containers tear down concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	containers := m.containers
	m.containers = make(map[string]*Container)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		c := c
		g.Go(func() error {
			if err := c.DestroyAll(); err != nil {
				m.deps.Logger.Warn("shutdown agents", zap.Error(err), zap.String("container_id", c.ID()))
			}
			if err := c.sandbox.Destroy(ctx); err != nil {
				m.deps.Logger.Warn("shutdown sandbox", zap.Error(err), zap.String("container_id", c.ID()))
			}
			return nil
		})
	}
	_ = g.Wait()
}
