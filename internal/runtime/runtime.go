// Package runtime assembles the platform services for one process. It is
// the only place vendor-specific wiring lives: the local runtime builds
// real LLM drivers and a local repository, the remote runtime builds RPC
// stubs that forward to an AgentX server.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/config"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/db"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/driver/anthropic"
	"github.com/agentx/agentx/internal/driver/openai"
	"github.com/agentx/agentx/internal/engine"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/image"
	"github.com/agentx/agentx/internal/session"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/store/sqlite"
	"github.com/agentx/agentx/internal/tools"
)

// Runtime carries the assembled platform services.
type Runtime struct {
	Config   *config.Config
	Logger   *logger.Logger
	Store    store.Store
	Bus      bus.Bus
	Manager  *container.Manager
	Images   *image.Registry
	Sessions *session.Service
	Pricing  engine.Pricing

	natsMirror *bus.NATSMirror
	closers    []func() error
}

// NewLocal builds a runtime backed by a local repository and in-process
// drivers selected by the provider configuration.
func NewLocal(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  log,
		Pricing: engine.NewTablePricing(),
	}

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)

	st, err := sqlite.New(pool, log)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	rt.Store = st

	rt.Bus = bus.NewMemoryBus(log)
	rt.closers = append(rt.closers, func() error {
		rt.Bus.Destroy()
		return nil
	})

	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, rt.Bus, log)
		if err != nil {
			log.Warn("NATS mirror unavailable, continuing in-process only", zap.Error(err))
		} else {
			rt.natsMirror = mirror
			rt.closers = append(rt.closers, func() error {
				mirror.Close()
				return nil
			})
		}
	}

	sandboxes, err := rt.createSandboxFactory()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	factory := &providerFactory{cfg: cfg.Provider, logger: log}
	deps := container.Deps{
		Store:           rt.Store,
		Bus:             rt.Bus,
		Drivers:         factory,
		Tools:           factory,
		Pricing:         rt.Pricing,
		TurnIdleTimeout: cfg.Timeouts.TurnIdleTimeout(),
		DriverBoot:      cfg.Timeouts.DriverBootTimeout(),
		Logger:          log,
	}
	rt.Manager = container.NewManager(deps, sandboxes)
	rt.Images = image.NewRegistry(rt.Store, rt.Manager, log)
	rt.Sessions = session.NewService(rt.Store, rt.Bus, rt.Manager, log)

	if err := rt.bootstrapDefinitions(ctx); err != nil {
		log.Warn("definitions bootstrap failed", zap.Error(err))
	}

	log.Info("local runtime ready",
		zap.String("provider", cfg.Provider.Name),
		zap.String("database", cfg.Database.Driver),
		zap.String("sandbox", cfg.Sandbox.Backend))
	return rt, nil
}

// NATSMirror returns the NATS event mirror, or nil when disabled.
func (rt *Runtime) NATSMirror() *bus.NATSMirror { return rt.natsMirror }

// Close shuts the runtime down: agents, sandboxes, bus, store.
func (rt *Runtime) Close() error {
	if rt.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rt.Manager.Shutdown(ctx)
		cancel()
	}
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.closers = nil
	return firstErr
}

func (rt *Runtime) createSandboxFactory() (container.SandboxFactory, error) {
	switch rt.Config.Sandbox.Backend {
	case "docker":
		return container.NewDockerSandboxFactory(
			rt.Config.Sandbox.WorkspacesPath,
			rt.Config.Sandbox.DockerImage,
			rt.Config.Sandbox.DockerHost,
			rt.Logger,
		), nil
	case "local", "":
		return container.NewLocalSandboxFactory(rt.Config.Sandbox.WorkspacesPath), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", rt.Config.Sandbox.Backend)
	}
}

// providerFactory builds drivers and tool executors for local agents.
type providerFactory struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

var _ container.DriverFactory = (*providerFactory)(nil)
var _ container.ToolsFactory = (*providerFactory)(nil)

// CreateDriver selects the vendor driver from the provider name. The model
// in the spec wins over the configured default.
func (f *providerFactory) CreateDriver(_ context.Context, spec container.DriverSpec) (driver.Driver, error) {
	model := spec.Model
	if model == "" {
		model = f.cfg.Model
	}

	switch strings.ToLower(f.cfg.Name) {
	case "anthropic":
		return anthropic.New(spec.SessionID, anthropic.Options{
			APIKey:  f.cfg.APIKey,
			Model:   model,
			BaseURL: f.cfg.BaseURL,
		}, f.logger)

	case "openai", "google", "xai", "deepseek", "mistral", "openai-compatible":
		return openai.New(spec.SessionID, openai.Options{
			Provider: f.cfg.Name,
			APIKey:   f.cfg.APIKey,
			Model:    model,
			BaseURL:  f.cfg.BaseURL,
		}, f.logger)

	case "echo":
		return driver.NewEchoDriver(spec.SessionID), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", f.cfg.Name)
	}
}

// CreateTools connects the MCP servers an image declares.
func (f *providerFactory) CreateTools(ctx context.Context, servers []store.MCPServerConfig) (tools.Executor, error) {
	if len(servers) == 0 {
		return nil, nil
	}
	return tools.NewMCPExecutor(ctx, servers, f.logger)
}
