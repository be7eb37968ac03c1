package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type echoFactory struct{}

func (echoFactory) CreateDriver(_ context.Context, spec DriverSpec) (driver.Driver, error) {
	return driver.NewEchoDriver(spec.SessionID), nil
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(newTestLogger(t))
	t.Cleanup(b.Destroy)

	deps := Deps{
		Store:   st,
		Bus:     b,
		Drivers: echoFactory{},
		Logger:  newTestLogger(t),
	}
	return NewManager(deps, NewLocalSandboxFactory(t.TempDir())), st
}

func TestManager_CreateIsIdempotentPerID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "ctr_1")
	require.NoError(t, err)
	second, err := m.Create(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManager_DeleteCascadesSessionsOfDestroyedAgents(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	ctr, err := m.Create(ctx, "ctr_1")
	require.NoError(t, err)

	img := &store.Image{ImageID: "img_1", DefinitionName: "helper"}
	require.NoError(t, st.Images().Upsert(ctx, img))
	a, err := ctr.Run(ctx, img)
	require.NoError(t, err)

	sessionID := a.SessionID()
	require.NoError(t, st.Messages().Append(ctx,
		store.NewMessage(sessionID, store.RoleUser, store.TextContent("hi"))))

	// The agent is gone before the delete; the session record must still
	// cascade with its container.
	require.NoError(t, ctr.Destroy(a.ID()))

	require.NoError(t, m.Delete(ctx, "ctr_1"))

	_, err = st.Sessions().FindByID(ctx, sessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	count, err := st.Messages().CountBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = m.Get("ctr_1")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestManager_DeleteLeavesOtherContainersSessions(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	img := &store.Image{ImageID: "img_1", DefinitionName: "helper"}
	require.NoError(t, st.Images().Upsert(ctx, img))

	ctr1, err := m.Create(ctx, "ctr_1")
	require.NoError(t, err)
	ctr2, err := m.Create(ctx, "ctr_2")
	require.NoError(t, err)

	a1, err := ctr1.Run(ctx, img)
	require.NoError(t, err)
	a2, err := ctr2.Run(ctx, img)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "ctr_1"))

	_, err = st.Sessions().FindByID(ctx, a1.SessionID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	sess, err := st.Sessions().FindByID(ctx, a2.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "ctr_2", sess.ContainerID)
}
