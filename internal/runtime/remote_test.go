package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/pkg/client"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestRemote(t *testing.T) *Remote {
	t.Helper()
	return &Remote{
		RPC:    client.New(client.Options{URL: "ws://localhost:0/ws", Logger: newTestLogger(t)}),
		Logger: newTestLogger(t),
	}
}

func TestRemote_DriverCachedPerSession(t *testing.T) {
	r := newTestRemote(t)

	first := r.Driver("sess_1")
	assert.Same(t, first, r.Driver("sess_1"), "one stub per session")
	assert.NotSame(t, first, r.Driver("sess_2"))
	assert.Equal(t, "sess_1", first.SessionID())
	assert.Equal(t, "rpc", first.Name())
}

func TestRPCDriver_ReceiveWithoutConnectionYieldsError(t *testing.T) {
	r := newTestRemote(t)
	d := r.Driver("sess_1")

	stream, err := d.Receive(context.Background(), driver.Request{
		SessionID: "sess_1",
		Messages:  []*store.Message{store.NewMessage("sess_1", store.RoleUser, store.TextContent("hi"))},
	})
	require.NoError(t, err)

	select {
	case ev := <-stream:
		assert.Equal(t, events.TypeError, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
	_, open := <-stream
	assert.False(t, open, "stream must close after the terminal event")
	assert.Equal(t, driver.StateIdle, d.State(), "driver must be reusable after an error")
}

func TestRPCDriver_ReceiveRequiresMessage(t *testing.T) {
	r := newTestRemote(t)
	d := r.Driver("sess_1")

	_, err := d.Receive(context.Background(), driver.Request{SessionID: "sess_1"})
	require.Error(t, err)
	assert.Equal(t, driver.StateIdle, d.State())
}

func TestDecodeStreamEvent(t *testing.T) {
	ev := events.New(events.TypeTextDelta, events.SourceAgent, events.CategoryStream,
		events.IntentNotification, driver.Event{Type: events.TypeTextDelta, Text: "hi"})
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	dev, ok := decodeStreamEvent(raw)
	require.True(t, ok)
	assert.Equal(t, events.TypeTextDelta, dev.Type)
	assert.Equal(t, "hi", dev.Text)

	// Derived layers are not part of the driver stream.
	state := events.New(events.TypeConversationThinking, events.SourceAgent, events.CategoryState,
		events.IntentNotification, map[string]string{"state": "thinking"})
	raw, err = json.Marshal(state)
	require.NoError(t, err)
	_, ok = decodeStreamEvent(raw)
	assert.False(t, ok)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(events.TypeMessageStop))
	assert.True(t, isTerminal(events.TypeInterrupted))
	assert.True(t, isTerminal(events.TypeError))
	assert.False(t, isTerminal(events.TypeTextDelta))
}
