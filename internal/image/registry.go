// Package image implements the image registry: definitions materialize into
// meta images, live agents snapshot into session-carrying images, and images
// run back into agents.
package image

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/agent"
	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/store"
)

// Sentinel errors.
var (
	// ErrImageInUse is returned when deleting a meta image a live agent
	// still runs from.
	ErrImageInUse = errors.New("image referenced by a live agent")

	// ErrNoLiveAgent is returned when a snapshot request cannot resolve a
	// live agent to capture.
	ErrNoLiveAgent = errors.New("no live agent to snapshot")
)

// Registry manages images and their definitions.
type Registry struct {
	store   store.Store
	manager *container.Manager
	logger  *logger.Logger
}

// NewRegistry builds an image registry.
func NewRegistry(st store.Store, manager *container.Manager, log *logger.Logger) *Registry {
	return &Registry{store: st, manager: manager, logger: log}
}

// RegisterDefinition stores a definition and materializes its meta image.
// Re-registering an identical definition returns the existing meta image;
// registering a different definition under a taken name conflicts.
func (r *Registry) RegisterDefinition(ctx context.Context, def *store.Definition) (*store.Image, error) {
	existing, err := r.store.Definitions().FindByName(ctx, def.Name)
	switch {
	case err == nil:
		if !sameDefinition(existing, def) {
			return nil, fmt.Errorf("definition %q: %w", def.Name, store.ErrConflict)
		}
		return r.GetMetaImage(ctx, def.Name)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Definitions().Upsert(ctx, def); err != nil {
		return nil, fmt.Errorf("register definition: %w", err)
	}

	now := time.Now().UTC()
	meta := &store.Image{
		ImageID:        id.NewImage(),
		DefinitionName: def.Name,
		Name:           def.Name,
		SystemPrompt:   def.SystemPrompt,
		MCPServers:     def.MCPServers,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Images().Upsert(ctx, meta); err != nil {
		return nil, fmt.Errorf("materialize meta image: %w", err)
	}

	r.logger.Info("definition registered",
		zap.String("definition", def.Name),
		zap.String("image_id", meta.ImageID))
	return meta, nil
}

func sameDefinition(a, b *store.Definition) bool {
	return a.Description == b.Description &&
		a.SystemPrompt == b.SystemPrompt &&
		reflect.DeepEqual(a.MCPServers, b.MCPServers)
}

// UnregisterDefinition removes a definition and its meta images. Fails when
// a live agent still runs from one of them.
func (r *Registry) UnregisterDefinition(ctx context.Context, name string) error {
	images, err := r.store.Images().ListByDefinition(ctx, name)
	if err != nil {
		return err
	}
	for _, img := range images {
		if !img.IsSnapshot() && r.referenced(img.ImageID) {
			return fmt.Errorf("definition %q: %w", name, ErrImageInUse)
		}
	}
	for _, img := range images {
		if img.IsSnapshot() {
			continue
		}
		if err := r.store.Images().Delete(ctx, img.ImageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := r.store.Definitions().Delete(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.logger.Info("definition unregistered", zap.String("definition", name))
	return nil
}

// GetMetaImage returns the auto-built meta image of a definition.
func (r *Registry) GetMetaImage(ctx context.Context, definitionName string) (*store.Image, error) {
	images, err := r.store.Images().ListByDefinition(ctx, definitionName)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if !img.IsSnapshot() {
			return img, nil
		}
	}
	return nil, fmt.Errorf("meta image for %q: %w", definitionName, store.ErrNotFound)
}

// Get returns an image by ID.
func (r *Registry) Get(ctx context.Context, imageID string) (*store.Image, error) {
	return r.store.Images().FindByID(ctx, imageID)
}

// List returns images, optionally filtered by definition name.
func (r *Registry) List(ctx context.Context, definitionName string) ([]*store.Image, error) {
	if definitionName != "" {
		return r.store.Images().ListByDefinition(ctx, definitionName)
	}
	return r.store.Images().List(ctx)
}

// SnapshotRequest captures a live agent into a snapshot image.
type SnapshotRequest struct {
	DefinitionName string
	ContainerID    string
	// AgentID selects the agent to capture; empty picks the container's
	// sole agent for the definition's sessions.
	AgentID      string
	Name         string
	SystemPrompt string
	MCPServers   []store.MCPServerConfig
	CustomData   map[string]any
}

// Create builds a snapshot image from a live agent. The snapshot carries the
// agent's session ID so running it restores the conversation.
func (r *Registry) Create(ctx context.Context, req SnapshotRequest) (*store.Image, error) {
	ctr, err := r.manager.Get(req.ContainerID)
	if err != nil {
		return nil, err
	}

	var live *agent.Agent
	if req.AgentID != "" {
		live, err = ctr.Get(req.AgentID)
		if err != nil {
			return nil, err
		}
	} else {
		agents := ctr.List()
		if len(agents) != 1 {
			return nil, fmt.Errorf("%w: container has %d agents, specify agentId",
				ErrNoLiveAgent, len(agents))
		}
		live = agents[0]
	}

	def, err := r.store.Definitions().FindByName(ctx, req.DefinitionName)
	if err != nil {
		return nil, fmt.Errorf("snapshot definition: %w", err)
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = def.SystemPrompt
	}
	servers := req.MCPServers
	if servers == nil {
		servers = def.MCPServers
	}

	now := time.Now().UTC()
	img := &store.Image{
		ImageID:        id.NewImage(),
		DefinitionName: def.Name,
		ContainerID:    req.ContainerID,
		Name:           req.Name,
		SystemPrompt:   systemPrompt,
		MCPServers:     servers,
		SessionID:      live.SessionID(),
		CustomData:     req.CustomData,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Images().Upsert(ctx, img); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	r.logger.Info("snapshot image created",
		zap.String("image_id", img.ImageID),
		zap.String("session_id", img.SessionID))
	return img, nil
}

// Run materializes an image into a live agent inside a container: snapshots
// resume their session, meta images start fresh.
func (r *Registry) Run(ctx context.Context, imageID, containerID string) (*agent.Agent, error) {
	img, err := r.store.Images().FindByID(ctx, imageID)
	if err != nil {
		return nil, err
	}

	if containerID == "" {
		containerID = img.ContainerID
	}
	ctr, err := r.manager.Create(ctx, containerID)
	if err != nil {
		return nil, err
	}

	if img.IsSnapshot() {
		return ctr.Resume(ctx, img, img.SessionID)
	}
	return ctr.Run(ctx, img)
}

// UpdatePatch is the mutable surface of an image.
type UpdatePatch struct {
	Name       *string
	CustomData map[string]any
}

// Update modifies an image's name and custom data. Everything else is
// immutable after creation.
func (r *Registry) Update(ctx context.Context, imageID string, patch UpdatePatch) (*store.Image, error) {
	img, err := r.store.Images().FindByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		img.Name = *patch.Name
	}
	if patch.CustomData != nil {
		img.CustomData = patch.CustomData
	}
	img.UpdatedAt = time.Now().UTC()
	if err := r.store.Images().Upsert(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// Delete removes an image. Meta images are only removed when no live agent
// runs a session created from them.
func (r *Registry) Delete(ctx context.Context, imageID string) error {
	img, err := r.store.Images().FindByID(ctx, imageID)
	if err != nil {
		return err
	}
	if !img.IsSnapshot() && r.referenced(imageID) {
		return fmt.Errorf("image %s: %w", imageID, ErrImageInUse)
	}
	return r.store.Images().Delete(ctx, imageID)
}

// referenced reports whether a live agent's session was created from the
// image.
func (r *Registry) referenced(imageID string) bool {
	for _, ctr := range r.manager.List() {
		for _, a := range ctr.List() {
			sess, err := r.store.Sessions().FindByID(context.Background(), a.SessionID())
			if err != nil {
				continue
			}
			if sess.ImageID == imageID {
				return true
			}
		}
	}
	return false
}
