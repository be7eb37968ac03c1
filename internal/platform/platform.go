// Package platform exposes the unified AgentX façade: five namespaces over
// containers, images, agents, sessions and presentations, plus an event
// subscription API. The façade is identical in local and remote modes; only
// the backing differs.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentx/agentx/internal/common/config"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/runtime"
)

// Options selects the mode and its credentials. A server URL means remote;
// otherwise the local runtime boots in-process and the API key (when set)
// overrides the configured provider key.
type Options struct {
	ServerURL  string
	Token      string
	APIKey     string
	ConfigPath string
	Logger     *logger.Logger
}

// AgentX is the platform façade.
type AgentX struct {
	Containers    *Containers
	Images        *Images
	Agents        *Agents
	Sessions      *Sessions
	Presentations *Presentations

	local  *runtime.Runtime
	remote *runtime.Remote
	logger *logger.Logger
}

// New boots the façade in the mode the options select.
func New(ctx context.Context, opts Options) (*AgentX, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	ax := &AgentX{logger: log}
	switch {
	case opts.ServerURL != "":
		remote, err := runtime.NewRemote(ctx, opts.ServerURL, opts.Token, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		ax.remote = remote

	default:
		cfg, err := config.LoadWithPath(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		if opts.APIKey != "" {
			cfg.Provider.APIKey = opts.APIKey
		}
		local, err := runtime.NewLocal(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		ax.local = local
	}

	ax.Containers = &Containers{ax: ax}
	ax.Images = &Images{ax: ax}
	ax.Agents = &Agents{ax: ax}
	ax.Sessions = &Sessions{ax: ax}
	ax.Presentations = &Presentations{ax: ax}
	return ax, nil
}

// IsRemote reports whether the façade is backed by a server connection.
func (ax *AgentX) IsRemote() bool { return ax.remote != nil }

// Close shuts the backing runtime down.
func (ax *AgentX) Close() error {
	if ax.remote != nil {
		return ax.remote.Close()
	}
	return ax.local.Close()
}

// On registers a handler for specific event types. Remotely the handler
// fires for events on subscribed topics only.
func (ax *AgentX) On(types []string, handler func(*events.Event)) (bus.Subscription, error) {
	if ax.local != nil {
		return ax.local.Bus.On(types, handler, nil), nil
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	remove := ax.remote.RPC.OnAnyEvent(func(_ string, raw json.RawMessage) {
		if ev, ok := decodeEvent(raw); ok && wanted[ev.Type] {
			handler(ev)
		}
	})
	return newRemoteSub(remove), nil
}

// OnAny registers a handler for every event.
func (ax *AgentX) OnAny(handler func(*events.Event)) (bus.Subscription, error) {
	if ax.local != nil {
		return ax.local.Bus.OnAny(handler), nil
	}
	remove := ax.remote.RPC.OnAnyEvent(func(_ string, raw json.RawMessage) {
		if ev, ok := decodeEvent(raw); ok {
			handler(ev)
		}
	})
	return newRemoteSub(remove), nil
}

// remoteSub adapts a client-side handler removal to the subscription surface
// the local bus returns, so callers unsubscribe the same way in both modes.
type remoteSub struct {
	mu     sync.Mutex
	active bool
	cancel func()
}

func newRemoteSub(cancel func()) *remoteSub {
	return &remoteSub{active: true, cancel: cancel}
}

func (s *remoteSub) Unsubscribe() {
	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()
	if active && s.cancel != nil {
		s.cancel()
	}
}

func (s *remoteSub) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Subscribe scopes remote event delivery to a topic, typically a session
// ID. Local mode sees every event already; Subscribe is a no-op there.
func (ax *AgentX) Subscribe(topic string) error {
	if ax.remote != nil {
		return ax.remote.RPC.Subscribe(topic, nil)
	}
	return nil
}

// Unsubscribe drops a remote topic subscription.
func (ax *AgentX) Unsubscribe(topic string) error {
	if ax.remote != nil {
		return ax.remote.RPC.Unsubscribe(topic)
	}
	return nil
}

func decodeEvent(raw json.RawMessage) (*events.Event, bool) {
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}
