package platform

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/presentation"
	"github.com/agentx/agentx/internal/runtime"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/client"
)

// newLocalFacade boots a local façade with the echo provider and throwaway
// state directories.
func newLocalFacade(t *testing.T) *AgentX {
	t.Helper()
	root := t.TempDir()
	t.Setenv("AGENTX_HOME", root)
	t.Setenv("AGENTX_PROVIDER_NAME", "echo")
	t.Setenv("AGENTX_DATABASE_DATAPATH", filepath.Join(root, "agentx.db"))
	t.Setenv("AGENTX_SANDBOX_WORKSPACESPATH", filepath.Join(root, "workspaces"))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	ax, err := New(context.Background(), Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ax.Close() })
	require.False(t, ax.IsRemote())
	return ax
}

func TestPlatform_LocalEndToEnd(t *testing.T) {
	ax := newLocalFacade(t)
	ctx := context.Background()

	containerID, err := ax.Containers.Create(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, containerID)

	meta, err := ax.Images.Register(ctx, &store.Definition{
		Name:         "assistant",
		SystemPrompt: "You are helpful.",
	})
	require.NoError(t, err)
	require.False(t, meta.IsSnapshot())

	view, err := ax.Images.Run(ctx, meta.ImageID, containerID)
	require.NoError(t, err)
	assert.Equal(t, containerID, view.ContainerID)
	require.NotEmpty(t, view.SessionID)

	pres, err := ax.Presentations.Attach(view.SessionID)
	require.NoError(t, err)
	defer pres.Close()

	require.NoError(t, ax.Agents.Send(ctx, view.AgentID, store.TextContent("hello world")))

	msgs, err := ax.Sessions.Messages(ctx, view.SessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello world", msgs[1].Content.Text())

	turns, err := ax.Sessions.Turns(ctx, view.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnCompleted, turns[0].Status)

	// The presenter observed the full turn.
	require.Eventually(t, func() bool {
		state := pres.State()
		return state.Streaming == nil && len(state.Conversations) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	state := pres.State()
	assert.Equal(t, presentation.StatusIdle, state.Status)
}

func TestPlatform_EventSubscription(t *testing.T) {
	ax := newLocalFacade(t)
	ctx := context.Background()

	seen := make(chan string, 64)
	_, err := ax.On([]string{events.TypeTurnResponse}, func(ev *events.Event) {
		seen <- ev.Type
	})
	require.NoError(t, err)

	containerID, err := ax.Containers.Create(ctx, "")
	require.NoError(t, err)
	meta, err := ax.Images.Register(ctx, &store.Definition{Name: "echo-def"})
	require.NoError(t, err)
	view, err := ax.Images.Run(ctx, meta.ImageID, containerID)
	require.NoError(t, err)

	require.NoError(t, ax.Sessions.Send(ctx, view.SessionID, store.TextContent("ping")))

	select {
	case got := <-seen:
		assert.Equal(t, events.TypeTurnResponse, got)
	case <-time.After(2 * time.Second):
		t.Fatal("turn_response event not observed")
	}
}

func TestPlatform_RemoteSubscriptionLifecycle(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	ax := &AgentX{
		remote: &runtime.Remote{
			RPC:    client.New(client.Options{URL: "ws://localhost:0/ws", Logger: log}),
			Logger: log,
		},
		logger: log,
	}

	sub, err := ax.OnAny(func(*events.Event) {})
	require.NoError(t, err)
	require.NotNil(t, sub, "remote subscriptions must be unsubscribable")
	assert.True(t, sub.IsActive())
	sub.Unsubscribe()
	assert.False(t, sub.IsActive())
	sub.Unsubscribe() // repeat is a no-op

	typed, err := ax.On([]string{events.TypeTurnResponse}, func(*events.Event) {})
	require.NoError(t, err)
	require.NotNil(t, typed)
	assert.True(t, typed.IsActive())
	typed.Unsubscribe()
	assert.False(t, typed.IsActive())
}

func TestPlatform_ForkThroughFacade(t *testing.T) {
	ax := newLocalFacade(t)
	ctx := context.Background()

	containerID, err := ax.Containers.Create(ctx, "")
	require.NoError(t, err)
	meta, err := ax.Images.Register(ctx, &store.Definition{Name: "fork-def"})
	require.NoError(t, err)
	view, err := ax.Images.Run(ctx, meta.ImageID, containerID)
	require.NoError(t, err)
	require.NoError(t, ax.Sessions.Send(ctx, view.SessionID, store.TextContent("first")))

	msgs, err := ax.Sessions.Messages(ctx, view.SessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	forked, err := ax.Sessions.Fork(ctx, view.SessionID, msgs[0].MessageID)
	require.NoError(t, err)
	assert.NotEqual(t, view.SessionID, forked.SessionID)

	forkedMsgs, err := ax.Sessions.Messages(ctx, forked.SessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, forkedMsgs, 1)
	assert.Equal(t, "first", forkedMsgs[0].Content.Text())
}
