package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/store"
)

// MCPExecutor aggregates the tools of one or more MCP servers behind the
// Executor interface. Tool names are routed to the server that advertised
// them; name collisions resolve to the first server in config order.
type MCPExecutor struct {
	mu      sync.RWMutex
	clients []*mcpServer
	routes  map[string]*mcpServer
	defs    []Definition
	logger  *logger.Logger
}

type mcpServer struct {
	name   string
	client *mcpclient.Client
}

var _ Executor = (*MCPExecutor)(nil)

// NewMCPExecutor connects to every configured server, initializes the MCP
// handshake, and lists each server's tools. A server that fails to connect
// fails the whole constructor: a partially available tool set would make the
// agent silently weaker.
func NewMCPExecutor(ctx context.Context, configs []store.MCPServerConfig, log *logger.Logger) (*MCPExecutor, error) {
	e := &MCPExecutor{
		routes: make(map[string]*mcpServer),
		logger: log.WithFields(zap.String("component", "mcp_executor")),
	}

	for _, cfg := range configs {
		client, err := connectMCP(ctx, cfg)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, err)
		}
		srv := &mcpServer{name: cfg.Name, client: client}
		e.clients = append(e.clients, srv)

		if err := e.registerTools(ctx, srv); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, err)
		}
	}
	return e, nil
}

func connectMCP(ctx context.Context, cfg store.MCPServerConfig) (*mcpclient.Client, error) {
	var (
		client *mcpclient.Client
		err    error
	)
	switch {
	case cfg.Command != "":
		client, err = mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	case cfg.URL != "" && cfg.Type == "sse":
		client, err = mcpclient.NewSSEMCPClient(cfg.URL)
	case cfg.URL != "":
		client, err = mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("config needs a command or url")
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentx", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return client, nil
}

func (e *MCPExecutor) registerTools(ctx context.Context, srv *mcpServer) error {
	result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tool := range result.Tools {
		if _, taken := e.routes[tool.Name]; taken {
			e.logger.Warn("duplicate MCP tool name, keeping first",
				zap.String("tool", tool.Name),
				zap.String("server", srv.name))
			continue
		}
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("encode schema for %s: %w", tool.Name, err)
		}
		e.routes[tool.Name] = srv
		e.defs = append(e.defs, Definition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return nil
}

func (e *MCPExecutor) List(_ context.Context) ([]Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, len(e.defs))
	copy(out, e.defs)
	return out, nil
}

func (e *MCPExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	e.mu.RLock()
	srv, ok := e.routes[name]
	e.mu.RUnlock()
	if !ok {
		return "", true, fmt.Errorf("unknown tool: %s", name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", true, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	result, err := srv.client.CallTool(ctx, req)
	if err != nil {
		return "", true, fmt.Errorf("call %s on %s: %w", name, srv.name, err)
	}
	return flattenContent(result.Content), result.IsError, nil
}

// flattenContent joins the text parts of an MCP result. Non-text content is
// summarized by type so the model sees that something came back.
func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			sb.WriteString(tc.Text)
		case mcp.ImageContent:
			sb.WriteString("[image ")
			sb.WriteString(tc.MIMEType)
			sb.WriteString("]")
		default:
			sb.WriteString("[non-text content]")
		}
	}
	return sb.String()
}

// Close disconnects every server.
func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, srv := range e.clients {
		if err := srv.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.clients = nil
	e.routes = make(map[string]*mcpServer)
	e.defs = nil
	return firstErr
}
