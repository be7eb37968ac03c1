package container

import (
	"context"

	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

// DriverSpec describes the driver a new agent needs. The runtime decides how
// to satisfy it: a vendor SDK locally, an RPC stub remotely.
type DriverSpec struct {
	SessionID    string
	SystemPrompt string
	Model        string
	Workspace    string
}

// DriverFactory builds drivers. Implemented by the runtime so vendor code
// never leaks into the container layer.
type DriverFactory interface {
	CreateDriver(ctx context.Context, spec DriverSpec) (driver.Driver, error)
}

// ToolsFactory builds the tool executor for an agent from its image's MCP
// server configs. A nil executor means the agent exposes no tools.
type ToolsFactory interface {
	CreateTools(ctx context.Context, configs []store.MCPServerConfig) (tools.Executor, error)
}
