package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/image"
	"github.com/agentx/agentx/internal/presentation"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/client"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

// AgentView is the mode-independent description of a live agent.
type AgentView struct {
	AgentID     string `json:"agentId"`
	ContainerID string `json:"containerId"`
	SessionID   string `json:"sessionId"`
	Lifecycle   string `json:"lifecycle"`
}

func viewOfLocal(a *agent.Agent) AgentView {
	return AgentView{
		AgentID:     a.ID(),
		ContainerID: a.ContainerID(),
		SessionID:   a.SessionID(),
		Lifecycle:   string(a.Lifecycle()),
	}
}

func viewOfRemote(info client.AgentInfo) AgentView {
	return AgentView(info)
}

// Containers manages container lifecycle.
type Containers struct{ ax *AgentX }

// Create creates a container; an empty ID lets the runtime assign one.
func (n *Containers) Create(ctx context.Context, containerID string) (string, error) {
	if n.ax.local != nil {
		ctr, err := n.ax.local.Manager.Create(ctx, containerID)
		if err != nil {
			return "", err
		}
		return ctr.ID(), nil
	}
	return n.ax.remote.RPC.CreateContainer(ctx, containerID)
}

// List returns the IDs of live containers.
func (n *Containers) List(ctx context.Context) ([]string, error) {
	if n.ax.local != nil {
		ids := make([]string, 0)
		for _, ctr := range n.ax.local.Manager.List() {
			ids = append(ids, ctr.ID())
		}
		return ids, nil
	}
	return n.ax.remote.RPC.ListContainers(ctx)
}

// Delete destroys a container, its agents, and their sessions.
func (n *Containers) Delete(ctx context.Context, containerID string) error {
	if n.ax.local != nil {
		return n.ax.local.Manager.Delete(ctx, containerID)
	}
	return n.ax.remote.RPC.DeleteContainer(ctx, containerID)
}

// Images manages definitions and images.
type Images struct{ ax *AgentX }

// Register registers a definition and returns its meta image.
func (n *Images) Register(ctx context.Context, def *store.Definition) (*store.Image, error) {
	if n.ax.local != nil {
		return n.ax.local.Images.RegisterDefinition(ctx, def)
	}
	return n.ax.remote.RPC.RegisterDefinition(ctx, def)
}

// Unregister removes a definition and its meta images.
func (n *Images) Unregister(ctx context.Context, name string) error {
	if n.ax.local != nil {
		return n.ax.local.Images.UnregisterDefinition(ctx, name)
	}
	return n.ax.remote.RPC.UnregisterDefinition(ctx, name)
}

// Create snapshots a live agent's conversation into a new image.
func (n *Images) Create(ctx context.Context, req image.SnapshotRequest) (*store.Image, error) {
	if n.ax.local != nil {
		return n.ax.local.Images.Create(ctx, req)
	}
	var img store.Image
	if err := n.ax.remote.RPC.Call(ctx, jsonrpc.MethodImageCreate, req, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Get fetches one image.
func (n *Images) Get(ctx context.Context, imageID string) (*store.Image, error) {
	if n.ax.local != nil {
		return n.ax.local.Images.Get(ctx, imageID)
	}
	return n.ax.remote.RPC.GetImage(ctx, imageID)
}

// List lists images, optionally filtered by definition name.
func (n *Images) List(ctx context.Context, definitionName string) ([]*store.Image, error) {
	if n.ax.local != nil {
		return n.ax.local.Images.List(ctx, definitionName)
	}
	return n.ax.remote.RPC.ListImages(ctx, definitionName)
}

// Delete removes an image record.
func (n *Images) Delete(ctx context.Context, imageID string) error {
	if n.ax.local != nil {
		return n.ax.local.Images.Delete(ctx, imageID)
	}
	return n.ax.remote.RPC.DeleteImage(ctx, imageID)
}

// Run materializes an image into a live agent.
func (n *Images) Run(ctx context.Context, imageID, containerID string) (AgentView, error) {
	if n.ax.local != nil {
		a, err := n.ax.local.Images.Run(ctx, imageID, containerID)
		if err != nil {
			return AgentView{}, err
		}
		return viewOfLocal(a), nil
	}
	info, err := n.ax.remote.RPC.RunImage(ctx, imageID, containerID)
	if err != nil {
		return AgentView{}, err
	}
	return viewOfRemote(*info), nil
}

// Update patches an image's name or custom data.
func (n *Images) Update(ctx context.Context, imageID string, patch image.UpdatePatch) (*store.Image, error) {
	if n.ax.local != nil {
		return n.ax.local.Images.Update(ctx, imageID, patch)
	}
	params := map[string]any{"imageId": imageID, "customData": patch.CustomData}
	if patch.Name != nil {
		params["name"] = *patch.Name
	}
	var img store.Image
	if err := n.ax.remote.RPC.Call(ctx, jsonrpc.MethodImageUpdate, params, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Agents manages live agents.
type Agents struct{ ax *AgentX }

// Get returns one live agent.
func (n *Agents) Get(ctx context.Context, agentID string) (AgentView, error) {
	if n.ax.local != nil {
		a, err := n.findLocal(agentID)
		if err != nil {
			return AgentView{}, err
		}
		return viewOfLocal(a), nil
	}
	info, err := n.ax.remote.RPC.GetAgent(ctx, agentID)
	if err != nil {
		return AgentView{}, err
	}
	return viewOfRemote(*info), nil
}

// List lists live agents, optionally scoped to a container.
func (n *Agents) List(ctx context.Context, containerID string) ([]AgentView, error) {
	if n.ax.local != nil {
		views := make([]AgentView, 0)
		for _, ctr := range n.ax.local.Manager.List() {
			if containerID != "" && ctr.ID() != containerID {
				continue
			}
			for _, a := range ctr.List() {
				views = append(views, viewOfLocal(a))
			}
		}
		return views, nil
	}
	infos, err := n.ax.remote.RPC.ListAgents(ctx, containerID)
	if err != nil {
		return nil, err
	}
	views := make([]AgentView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOfRemote(info))
	}
	return views, nil
}

// Send delivers a user message to a live agent and waits for the turn.
func (n *Agents) Send(ctx context.Context, agentID string, content store.Content) error {
	if n.ax.local != nil {
		a, err := n.findLocal(agentID)
		if err != nil {
			return err
		}
		return a.Receive(ctx, content)
	}
	return n.ax.remote.RPC.SendMessageToAgent(ctx, agentID, content)
}

// Interrupt aborts an agent's in-flight turn.
func (n *Agents) Interrupt(ctx context.Context, agentID string) error {
	if n.ax.local != nil {
		a, err := n.findLocal(agentID)
		if err != nil {
			return err
		}
		return a.Interrupt(ctx)
	}
	return n.ax.remote.RPC.InterruptAgent(ctx, agentID)
}

// Destroy tears down a live agent.
func (n *Agents) Destroy(ctx context.Context, agentID string) error {
	if n.ax.local != nil {
		for _, ctr := range n.ax.local.Manager.List() {
			if ctr.Has(agentID) {
				return ctr.Destroy(agentID)
			}
		}
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return n.ax.remote.RPC.DestroyAgent(ctx, agentID)
}

// DestroyAll tears down every agent, optionally scoped to a container.
func (n *Agents) DestroyAll(ctx context.Context, containerID string) error {
	if n.ax.local != nil {
		for _, ctr := range n.ax.local.Manager.List() {
			if containerID != "" && ctr.ID() != containerID {
				continue
			}
			if err := ctr.DestroyAll(); err != nil {
				return err
			}
		}
		return nil
	}
	params := map[string]string{"containerId": containerID}
	return n.ax.remote.RPC.Call(ctx, jsonrpc.MethodAgentDestroyAll, params, nil)
}

func (n *Agents) findLocal(agentID string) (*agent.Agent, error) {
	for _, ctr := range n.ax.local.Manager.List() {
		if a, err := ctr.Get(agentID); err == nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent not found: %s", agentID)
}

// Sessions manages conversation history.
type Sessions struct{ ax *AgentX }

// Get fetches one session.
func (n *Sessions) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	if n.ax.local != nil {
		return n.ax.local.Sessions.Get(ctx, sessionID)
	}
	return n.ax.remote.RPC.GetSession(ctx, sessionID)
}

// List lists sessions, optionally filtered by image.
func (n *Sessions) List(ctx context.Context, imageID string) ([]*store.Session, error) {
	if n.ax.local != nil {
		return n.ax.local.Sessions.List(ctx, imageID)
	}
	return n.ax.remote.RPC.ListSessions(ctx, imageID)
}

// Messages pages through a session's history.
func (n *Sessions) Messages(ctx context.Context, sessionID string, opts store.ListMessagesOptions) ([]*store.Message, error) {
	if n.ax.local != nil {
		return n.ax.local.Sessions.GetMessages(ctx, sessionID, opts)
	}
	return n.ax.remote.RPC.GetSessionMessages(ctx, sessionID, opts)
}

// Send resumes the session's agent if needed and delivers a user message.
// Remotely the message goes through the session's RPC driver stub, so a
// concurrent send on the same session is rejected client-side.
func (n *Sessions) Send(ctx context.Context, sessionID string, content store.Content) error {
	if n.ax.local != nil {
		return n.ax.local.Sessions.Send(ctx, sessionID, content)
	}
	return n.ax.remote.Send(ctx, sessionID, content)
}

// Fork copies a session's prefix up to a message into a new session.
func (n *Sessions) Fork(ctx context.Context, sessionID, atMessageID string) (*store.Session, error) {
	if n.ax.local != nil {
		return n.ax.local.Sessions.Fork(ctx, sessionID, atMessageID)
	}
	return n.ax.remote.RPC.ForkSession(ctx, sessionID, atMessageID)
}

// Turns returns a session's turn records.
func (n *Sessions) Turns(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	if n.ax.local != nil {
		return n.ax.local.Sessions.ListTurns(ctx, sessionID)
	}
	return n.ax.remote.RPC.ListSessionTurns(ctx, sessionID)
}

// Presentations builds live UI projections of sessions.
type Presentations struct{ ax *AgentX }

// Attach returns a presenter that folds the session's events as they
// arrive. Close the presenter to detach.
func (n *Presentations) Attach(sessionID string) (*presentation.Presenter, error) {
	p := presentation.NewPresenter()
	if n.ax.local != nil {
		p.Watch(n.ax.local.Bus, sessionID)
		return p, nil
	}
	err := n.ax.remote.RPC.Subscribe(sessionID, func(_ string, raw json.RawMessage) {
		if err := p.ApplyRaw(raw); err != nil {
			n.ax.logger.Warn("failed to apply stream event", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
