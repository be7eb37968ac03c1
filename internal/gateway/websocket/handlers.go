package websocket

import (
	"context"
	"errors"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/image"
	"github.com/agentx/agentx/internal/session"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

// Handlers binds the platform services to RPC methods.
type Handlers struct {
	store    store.Store
	manager  *container.Manager
	images   *image.Registry
	sessions *session.Service
	logger   *logger.Logger
}

// NewHandlers creates the platform RPC handlers.
func NewHandlers(st store.Store, manager *container.Manager, images *image.Registry, sessions *session.Service, log *logger.Logger) *Handlers {
	return &Handlers{store: st, manager: manager, images: images, sessions: sessions, logger: log}
}

// Register binds every platform method on the dispatcher.
func (h *Handlers) Register(d *Dispatcher) {
	d.RegisterFunc(jsonrpc.MethodContainerCreate, h.containerCreate)
	d.RegisterFunc(jsonrpc.MethodContainerGet, h.containerGet)
	d.RegisterFunc(jsonrpc.MethodContainerList, h.containerList)
	d.RegisterFunc(jsonrpc.MethodContainerDelete, h.containerDelete)

	d.RegisterFunc(jsonrpc.MethodDefinitionRegister, h.definitionRegister)
	d.RegisterFunc(jsonrpc.MethodDefinitionUnregister, h.definitionUnregister)
	d.RegisterFunc(jsonrpc.MethodDefinitionList, h.definitionList)

	d.RegisterFunc(jsonrpc.MethodImageCreate, h.imageCreate)
	d.RegisterFunc(jsonrpc.MethodImageGet, h.imageGet)
	d.RegisterFunc(jsonrpc.MethodImageList, h.imageList)
	d.RegisterFunc(jsonrpc.MethodImageDelete, h.imageDelete)
	d.RegisterFunc(jsonrpc.MethodImageRun, h.imageRun)
	d.RegisterFunc(jsonrpc.MethodImageStop, h.imageStop)
	d.RegisterFunc(jsonrpc.MethodImageUpdate, h.imageUpdate)
	d.RegisterFunc(jsonrpc.MethodImageMessages, h.imageMessages)

	d.RegisterFunc(jsonrpc.MethodAgentGet, h.agentGet)
	d.RegisterFunc(jsonrpc.MethodAgentList, h.agentList)
	d.RegisterFunc(jsonrpc.MethodAgentDestroy, h.agentDestroy)
	d.RegisterFunc(jsonrpc.MethodAgentDestroyAll, h.agentDestroyAll)
	d.RegisterFunc(jsonrpc.MethodAgentInterrupt, h.agentInterrupt)

	d.RegisterFunc(jsonrpc.MethodMessageSend, h.messageSend)

	d.RegisterFunc(jsonrpc.MethodSessionGet, h.sessionGet)
	d.RegisterFunc(jsonrpc.MethodSessionList, h.sessionList)
	d.RegisterFunc(jsonrpc.MethodSessionMessages, h.sessionMessages)
	d.RegisterFunc(jsonrpc.MethodSessionFork, h.sessionFork)
	d.RegisterFunc(jsonrpc.MethodSessionTurns, h.sessionTurns)

	d.RegisterFunc(jsonrpc.MethodHealthCheck, h.healthCheck)
}

// rpcError maps service errors onto wire codes.
func rpcError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, container.ErrContainerNotFound),
		errors.Is(err, container.ErrAgentNotFound),
		errors.Is(err, session.ErrMessageNotInSession):
		return &jsonrpc.Error{Code: jsonrpc.NotFound, Message: err.Error()}
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, image.ErrImageInUse),
		errors.Is(err, agent.ErrAgentBusy):
		return &jsonrpc.Error{Code: jsonrpc.Conflict, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &jsonrpc.Error{Code: jsonrpc.Timeout, Message: err.Error()}
	default:
		return &jsonrpc.Error{Code: jsonrpc.ServerError, Message: err.Error()}
	}
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "invalid params: " + err.Error()}
}

// agentView is the wire shape of a live agent.
type agentView struct {
	AgentID     string `json:"agentId"`
	ContainerID string `json:"containerId"`
	SessionID   string `json:"sessionId"`
	Lifecycle   string `json:"lifecycle"`
}

func viewOf(a *agent.Agent) agentView {
	return agentView{
		AgentID:     a.ID(),
		ContainerID: a.ContainerID(),
		SessionID:   a.SessionID(),
		Lifecycle:   string(a.Lifecycle()),
	}
}

// findAgent resolves an agent ID across all live containers.
func (h *Handlers) findAgent(agentID string) (*agent.Agent, *jsonrpc.Error) {
	for _, ctr := range h.manager.List() {
		if a, err := ctr.Get(agentID); err == nil {
			return a, nil
		}
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.NotFound, Message: "agent not found: " + agentID}
}

func (h *Handlers) containerCreate(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	ctr, err := h.manager.Create(ctx, params.ContainerID)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"containerId": ctr.ID()}, nil
}

func (h *Handlers) containerGet(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	ctr, err := h.manager.Get(params.ContainerID)
	if err != nil {
		return nil, rpcError(err)
	}
	agents := make([]agentView, 0)
	for _, a := range ctr.List() {
		agents = append(agents, viewOf(a))
	}
	return map[string]any{"containerId": ctr.ID(), "agents": agents}, nil
}

func (h *Handlers) containerList(_ context.Context, _ *jsonrpc.Message) (any, *jsonrpc.Error) {
	ids := make([]string, 0)
	for _, ctr := range h.manager.List() {
		ids = append(ids, ctr.ID())
	}
	return map[string]any{"containers": ids}, nil
}

func (h *Handlers) containerDelete(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	if err := h.manager.Delete(ctx, params.ContainerID); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handlers) definitionRegister(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var def store.Definition
	if err := msg.ParseParams(&def); err != nil {
		return nil, invalidParams(err)
	}
	if def.Name == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "name is required"}
	}
	meta, err := h.images.RegisterDefinition(ctx, &def)
	if err != nil {
		return nil, rpcError(err)
	}
	return meta, nil
}

func (h *Handlers) definitionUnregister(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	if err := h.images.UnregisterDefinition(ctx, params.Name); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handlers) definitionList(ctx context.Context, _ *jsonrpc.Message) (any, *jsonrpc.Error) {
	defs, err := h.store.Definitions().List(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"definitions": defs}, nil
}

func (h *Handlers) imageCreate(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		DefinitionName string                  `json:"definitionName"`
		ContainerID    string                  `json:"containerId"`
		AgentID        string                  `json:"agentId"`
		Name           string                  `json:"name"`
		SystemPrompt   string                  `json:"systemPrompt"`
		MCPServers     []store.MCPServerConfig `json:"mcpServers"`
		CustomData     map[string]any          `json:"customData"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	img, err := h.images.Create(ctx, image.SnapshotRequest{
		DefinitionName: params.DefinitionName,
		ContainerID:    params.ContainerID,
		AgentID:        params.AgentID,
		Name:           params.Name,
		SystemPrompt:   params.SystemPrompt,
		MCPServers:     params.MCPServers,
		CustomData:     params.CustomData,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return img, nil
}

func (h *Handlers) imageGet(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID string `json:"imageId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	img, err := h.images.Get(ctx, params.ImageID)
	if err != nil {
		return nil, rpcError(err)
	}
	return img, nil
}

func (h *Handlers) imageList(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		DefinitionName string `json:"definitionName"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	images, err := h.images.List(ctx, params.DefinitionName)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"images": images}, nil
}

func (h *Handlers) imageDelete(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID string `json:"imageId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	if err := h.images.Delete(ctx, params.ImageID); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handlers) imageRun(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID     string `json:"imageId"`
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	a, err := h.images.Run(ctx, params.ImageID, params.ContainerID)
	if err != nil {
		return nil, rpcError(err)
	}
	return viewOf(a), nil
}

// imageStop destroys the live agent whose session was materialized from the
// image.
func (h *Handlers) imageStop(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID string `json:"imageId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	for _, ctr := range h.manager.List() {
		for _, a := range ctr.List() {
			sess, err := h.store.Sessions().FindByID(ctx, a.SessionID())
			if err != nil || sess.ImageID != params.ImageID {
				continue
			}
			if err := ctr.Destroy(a.ID()); err != nil {
				return nil, rpcError(err)
			}
			return map[string]any{"ok": true, "agentId": a.ID()}, nil
		}
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.NotFound, Message: "no live agent for image " + params.ImageID}
}

func (h *Handlers) imageUpdate(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID    string         `json:"imageId"`
		Name       *string        `json:"name"`
		CustomData map[string]any `json:"customData"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	img, err := h.images.Update(ctx, params.ImageID, image.UpdatePatch{
		Name:       params.Name,
		CustomData: params.CustomData,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return img, nil
}

// imageMessages returns the history a snapshot image would restore.
func (h *Handlers) imageMessages(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID string `json:"imageId"`
		Limit   int    `json:"limit"`
		Before  string `json:"before"`
		After   string `json:"after"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	img, err := h.images.Get(ctx, params.ImageID)
	if err != nil {
		return nil, rpcError(err)
	}
	if !img.IsSnapshot() {
		return map[string]any{"messages": []*store.Message{}}, nil
	}
	msgs, err := h.sessions.GetMessages(ctx, img.SessionID, store.ListMessagesOptions{
		Limit:  params.Limit,
		Before: params.Before,
		After:  params.After,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"messages": msgs}, nil
}

func (h *Handlers) agentGet(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	a, rpcErr := h.findAgent(params.AgentID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return viewOf(a), nil
}

func (h *Handlers) agentList(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	agents := make([]agentView, 0)
	for _, ctr := range h.manager.List() {
		if params.ContainerID != "" && ctr.ID() != params.ContainerID {
			continue
		}
		for _, a := range ctr.List() {
			agents = append(agents, viewOf(a))
		}
	}
	return map[string]any{"agents": agents}, nil
}

func (h *Handlers) agentDestroy(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	for _, ctr := range h.manager.List() {
		if ctr.Has(params.AgentID) {
			if err := ctr.Destroy(params.AgentID); err != nil {
				return nil, rpcError(err)
			}
			return map[string]any{"ok": true}, nil
		}
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.NotFound, Message: "agent not found: " + params.AgentID}
}

func (h *Handlers) agentDestroyAll(_ context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ContainerID string `json:"containerId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	if params.ContainerID != "" {
		ctr, err := h.manager.Get(params.ContainerID)
		if err != nil {
			return nil, rpcError(err)
		}
		if err := ctr.DestroyAll(); err != nil {
			return nil, rpcError(err)
		}
		return map[string]any{"ok": true}, nil
	}
	for _, ctr := range h.manager.List() {
		if err := ctr.DestroyAll(); err != nil {
			return nil, rpcError(err)
		}
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handlers) agentInterrupt(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	a, rpcErr := h.findAgent(params.AgentID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := a.Interrupt(ctx); err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"ok": true}, nil
}

// messageSend delivers one user message, addressed by agent or by session.
// The response is sent when the turn completes.
func (h *Handlers) messageSend(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		AgentID   string        `json:"agentId"`
		SessionID string        `json:"sessionId"`
		Content   store.Content `json:"content"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	if len(params.Content) == 0 {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "content is required"}
	}

	switch {
	case params.AgentID != "":
		a, rpcErr := h.findAgent(params.AgentID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := a.Receive(ctx, params.Content); err != nil {
			return nil, rpcError(err)
		}
	case params.SessionID != "":
		if err := h.sessions.Send(ctx, params.SessionID, params.Content); err != nil {
			return nil, rpcError(err)
		}
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "agentId or sessionId is required"}
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handlers) sessionGet(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	sess, err := h.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return nil, rpcError(err)
	}
	return sess, nil
}

func (h *Handlers) sessionList(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		ImageID string `json:"imageId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	sessions, err := h.sessions.List(ctx, params.ImageID)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"sessions": sessions}, nil
}

func (h *Handlers) sessionMessages(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
		Before    string `json:"before"`
		After     string `json:"after"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	msgs, err := h.sessions.GetMessages(ctx, params.SessionID, store.ListMessagesOptions{
		Limit:  params.Limit,
		Before: params.Before,
		After:  params.After,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"messages": msgs}, nil
}

func (h *Handlers) sessionFork(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		SessionID   string `json:"sessionId"`
		AtMessageID string `json:"atMessageId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	forked, err := h.sessions.Fork(ctx, params.SessionID, params.AtMessageID)
	if err != nil {
		return nil, rpcError(err)
	}
	return forked, nil
}

func (h *Handlers) sessionTurns(ctx context.Context, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := msg.ParseParams(&params); err != nil {
		return nil, invalidParams(err)
	}
	turns, err := h.sessions.ListTurns(ctx, params.SessionID)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]any{"turns": turns}, nil
}

func (h *Handlers) healthCheck(_ context.Context, _ *jsonrpc.Message) (any, *jsonrpc.Error) {
	return map[string]any{
		"status":     "ok",
		"service":    "agentx",
		"containers": len(h.manager.List()),
	}, nil
}
