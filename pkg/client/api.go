package client

import (
	"context"

	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

// AgentInfo is the wire shape of a live agent.
type AgentInfo struct {
	AgentID     string `json:"agentId"`
	ContainerID string `json:"containerId"`
	SessionID   string `json:"sessionId"`
	Lifecycle   string `json:"lifecycle"`
}

// CreateContainer creates (or returns) a container. An empty ID lets the
// server assign one.
func (c *Client) CreateContainer(ctx context.Context, containerID string) (string, error) {
	var result struct {
		ContainerID string `json:"containerId"`
	}
	err := c.Call(ctx, jsonrpc.MethodContainerCreate, map[string]string{"containerId": containerID}, &result)
	return result.ContainerID, err
}

// ListContainers returns the IDs of all live containers.
func (c *Client) ListContainers(ctx context.Context) ([]string, error) {
	var result struct {
		Containers []string `json:"containers"`
	}
	err := c.Call(ctx, jsonrpc.MethodContainerList, nil, &result)
	return result.Containers, err
}

// DeleteContainer destroys a container, its agents and their sessions.
func (c *Client) DeleteContainer(ctx context.Context, containerID string) error {
	return c.Call(ctx, jsonrpc.MethodContainerDelete, map[string]string{"containerId": containerID}, nil)
}

// RegisterDefinition registers a definition and returns its meta image.
func (c *Client) RegisterDefinition(ctx context.Context, def *store.Definition) (*store.Image, error) {
	var img store.Image
	if err := c.Call(ctx, jsonrpc.MethodDefinitionRegister, def, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// UnregisterDefinition removes a definition and its meta images.
func (c *Client) UnregisterDefinition(ctx context.Context, name string) error {
	return c.Call(ctx, jsonrpc.MethodDefinitionUnregister, map[string]string{"name": name}, nil)
}

// ListDefinitions returns all registered definitions.
func (c *Client) ListDefinitions(ctx context.Context) ([]*store.Definition, error) {
	var result struct {
		Definitions []*store.Definition `json:"definitions"`
	}
	err := c.Call(ctx, jsonrpc.MethodDefinitionList, nil, &result)
	return result.Definitions, err
}

// GetImage fetches one image by ID.
func (c *Client) GetImage(ctx context.Context, imageID string) (*store.Image, error) {
	var img store.Image
	if err := c.Call(ctx, jsonrpc.MethodImageGet, map[string]string{"imageId": imageID}, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// ListImages lists images, optionally filtered by definition name.
func (c *Client) ListImages(ctx context.Context, definitionName string) ([]*store.Image, error) {
	var result struct {
		Images []*store.Image `json:"images"`
	}
	err := c.Call(ctx, jsonrpc.MethodImageList, map[string]string{"definitionName": definitionName}, &result)
	return result.Images, err
}

// RunImage materializes an image into a live agent.
func (c *Client) RunImage(ctx context.Context, imageID, containerID string) (*AgentInfo, error) {
	var info AgentInfo
	err := c.Call(ctx, jsonrpc.MethodImageRun, map[string]string{
		"imageId":     imageID,
		"containerId": containerID,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteImage removes an image record.
func (c *Client) DeleteImage(ctx context.Context, imageID string) error {
	return c.Call(ctx, jsonrpc.MethodImageDelete, map[string]string{"imageId": imageID}, nil)
}

// SendMessage delivers a user message to a session's agent. The call
// returns when the resulting turn has completed.
func (c *Client) SendMessage(ctx context.Context, sessionID string, content store.Content) error {
	return c.Call(ctx, jsonrpc.MethodMessageSend, map[string]any{
		"sessionId": sessionID,
		"content":   content,
	}, nil)
}

// SendMessageToAgent delivers a user message to a live agent by ID.
func (c *Client) SendMessageToAgent(ctx context.Context, agentID string, content store.Content) error {
	return c.Call(ctx, jsonrpc.MethodMessageSend, map[string]any{
		"agentId": agentID,
		"content": content,
	}, nil)
}

// InterruptAgent cancels an agent's in-flight turn.
func (c *Client) InterruptAgent(ctx context.Context, agentID string) error {
	return c.Call(ctx, jsonrpc.MethodAgentInterrupt, map[string]string{"agentId": agentID}, nil)
}

// DestroyAgent tears down a live agent.
func (c *Client) DestroyAgent(ctx context.Context, agentID string) error {
	return c.Call(ctx, jsonrpc.MethodAgentDestroy, map[string]string{"agentId": agentID}, nil)
}

// GetAgent returns a live agent's info.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	var info AgentInfo
	if err := c.Call(ctx, jsonrpc.MethodAgentGet, map[string]string{"agentId": agentID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListAgents lists live agents, optionally scoped to one container.
func (c *Client) ListAgents(ctx context.Context, containerID string) ([]AgentInfo, error) {
	var result struct {
		Agents []AgentInfo `json:"agents"`
	}
	err := c.Call(ctx, jsonrpc.MethodAgentList, map[string]string{"containerId": containerID}, &result)
	return result.Agents, err
}

// GetSession fetches one session by ID.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	if err := c.Call(ctx, jsonrpc.MethodSessionGet, map[string]string{"sessionId": sessionID}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists sessions, optionally filtered by image.
func (c *Client) ListSessions(ctx context.Context, imageID string) ([]*store.Session, error) {
	var result struct {
		Sessions []*store.Session `json:"sessions"`
	}
	err := c.Call(ctx, jsonrpc.MethodSessionList, map[string]string{"imageId": imageID}, &result)
	return result.Sessions, err
}

// GetSessionMessages pages through a session's history.
func (c *Client) GetSessionMessages(ctx context.Context, sessionID string, opts store.ListMessagesOptions) ([]*store.Message, error) {
	var result struct {
		Messages []*store.Message `json:"messages"`
	}
	err := c.Call(ctx, jsonrpc.MethodSessionMessages, map[string]any{
		"sessionId": sessionID,
		"limit":     opts.Limit,
		"before":    opts.Before,
		"after":     opts.After,
	}, &result)
	return result.Messages, err
}

// ForkSession copies a session's prefix into a new session.
func (c *Client) ForkSession(ctx context.Context, sessionID, atMessageID string) (*store.Session, error) {
	var sess store.Session
	err := c.Call(ctx, jsonrpc.MethodSessionFork, map[string]string{
		"sessionId":   sessionID,
		"atMessageId": atMessageID,
	}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessionTurns returns a session's turn records.
func (c *Client) ListSessionTurns(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	var result struct {
		Turns []*store.Turn `json:"turns"`
	}
	err := c.Call(ctx, jsonrpc.MethodSessionTurns, map[string]string{"sessionId": sessionID}, &result)
	return result.Turns, err
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.Call(ctx, jsonrpc.MethodHealthCheck, nil, nil)
}
