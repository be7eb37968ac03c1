package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/engine"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type echoFactory struct{}

func (echoFactory) CreateDriver(_ context.Context, spec container.DriverSpec) (driver.Driver, error) {
	return driver.NewEchoDriver(spec.SessionID), nil
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, bus.Bus) {
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(newTestLogger(t))
	t.Cleanup(b.Destroy)

	manager := container.NewManager(container.Deps{
		Store:   st,
		Bus:     b,
		Drivers: echoFactory{},
		Pricing: engine.NewTablePricing(),
		Logger:  newTestLogger(t),
	}, container.NewLocalSandboxFactory(t.TempDir()))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return NewService(st, b, manager, newTestLogger(t)), st, b
}

// seedSession creates a session with alternating user/assistant messages and
// returns the message IDs in order.
func seedSession(t *testing.T, st *store.MemoryStore, texts ...string) (string, []string) {
	ctx := context.Background()

	img := &store.Image{
		ImageID:        id.NewImage(),
		DefinitionName: "test",
		SystemPrompt:   "be helpful",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.Images().Upsert(ctx, img))

	sess := &store.Session{
		SessionID: id.NewSession(),
		ImageID:   img.ImageID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Sessions().Upsert(ctx, sess))

	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]string, len(texts))
	msgs := make([]*store.Message, len(texts))
	for i, text := range texts {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		msgs[i] = &store.Message{
			MessageID: id.NewMessage(),
			SessionID: sess.SessionID,
			Role:      role,
			Content:   store.TextContent(text),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		ids[i] = msgs[i].MessageID
	}
	if len(msgs) > 0 {
		require.NoError(t, st.Messages().Append(ctx, msgs...))
	}
	return sess.SessionID, ids
}

func TestService_ForkPreservesPrefix(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	sessionID, ids := seedSession(t, st, "u1", "a1", "u2", "a2", "u3", "a3")

	forked, err := svc.Fork(ctx, sessionID, ids[3]) // fork at a2
	require.NoError(t, err)
	require.NotEqual(t, sessionID, forked.SessionID)

	forkedMsgs, err := svc.GetMessages(ctx, forked.SessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, forkedMsgs, 4)
	for i, want := range []string{"u1", "a1", "u2", "a2"} {
		assert.Equal(t, want, forkedMsgs[i].Content.Text())
		assert.Equal(t, forked.SessionID, forkedMsgs[i].SessionID)
		assert.NotEqual(t, ids[i], forkedMsgs[i].MessageID)
	}

	// The fork is backed by a snapshot image pointing at the new session.
	img, err := st.Images().FindByID(ctx, forked.ImageID)
	require.NoError(t, err)
	assert.True(t, img.IsSnapshot())
	assert.Equal(t, forked.SessionID, img.SessionID)

	// The original is untouched.
	srcMsgs, err := svc.GetMessages(ctx, sessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, srcMsgs, 6)

	// Appending to the fork leaves the original alone.
	extra := store.NewMessage(forked.SessionID, store.RoleUser, store.TextContent("u2'"))
	require.NoError(t, st.Messages().Append(ctx, extra))
	srcMsgs, err = svc.GetMessages(ctx, sessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	assert.Len(t, srcMsgs, 6)
}

func TestService_ForkUnknownMessageFails(t *testing.T) {
	svc, st, _ := newTestService(t)
	sessionID, _ := seedSession(t, st, "u1", "a1")

	_, err := svc.Fork(context.Background(), sessionID, "msg_missing")
	assert.ErrorIs(t, err, ErrMessageNotInSession)
}

func TestService_SendResumesAgentAndPersists(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	sessionID, _ := seedSession(t, st, "earlier question", "earlier answer")

	require.NoError(t, svc.Send(ctx, sessionID, store.TextContent("hello")))

	msgs, err := svc.GetMessages(ctx, sessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "hello", msgs[2].Content.Text())
	assert.Equal(t, store.RoleAssistant, msgs[3].Role)
	assert.Equal(t, "hello", msgs[3].Content.Text())

	// A second send reuses the live agent instead of spawning another.
	require.NoError(t, svc.Send(ctx, sessionID, store.TextContent("again")))
	msgs, err = svc.GetMessages(ctx, sessionID, store.ListMessagesOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, 6)
}

func TestService_CollectTitlesSession(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	sessionID, _ := seedSession(t, st)
	require.NoError(t, svc.Send(ctx, sessionID, store.TextContent("name all the oceans")))

	sess, err := svc.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "name all the oceans", sess.Title)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "hello world", deriveTitle("  hello \n world  "))

	long := strings.Repeat("abcd ", 40)
	title := deriveTitle(long)
	assert.LessOrEqual(t, len([]rune(title)), maxTitleLen)
	assert.True(t, strings.HasSuffix(title, "…"))
}
