package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/engine"
	"github.com/agentx/agentx/internal/events"
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

// scriptedDriver replays a fixed event sequence.
type scriptedDriver struct {
	sessionID string
	script    []driver.Event
	exch      *driver.Exchange
}

func newScriptedDriver(sessionID string, script []driver.Event) *scriptedDriver {
	return &scriptedDriver{sessionID: sessionID, script: script, exch: driver.NewExchange()}
}

func (d *scriptedDriver) Name() string                     { return "scripted" }
func (d *scriptedDriver) SessionID() string                { return d.sessionID }
func (d *scriptedDriver) State() driver.State              { return d.exch.CurrentState() }
func (d *scriptedDriver) Initialize(context.Context) error { return nil }
func (d *scriptedDriver) Interrupt(context.Context) error  { d.exch.Interrupt(); return nil }
func (d *scriptedDriver) Dispose() error                   { d.exch.Dispose(); return nil }

func (d *scriptedDriver) Receive(ctx context.Context, _ driver.Request) (<-chan driver.Event, error) {
	_, done, err := d.exch.Begin(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan driver.Event, len(d.script))
	go func() {
		defer close(out)
		defer done()
		for _, ev := range d.script {
			out <- ev
		}
	}()
	return out, nil
}

func newTestAgent(t *testing.T, d driver.Driver) (*Agent, *store.MemoryStore, bus.Bus) {
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(newTestLogger(t))
	t.Cleanup(b.Destroy)

	a, err := New(Config{
		AgentID:     "agent_1",
		ContainerID: "ctr_1",
		SessionID:   "sess_1",
		Model:       "echo",
		Driver:      d,
		Bus:         b,
		Store:       st,
		Pricing:     engine.NewTablePricing(),
		Logger:      newTestLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	return a, st, b
}

func TestAgent_EchoTurnEmitsAndPersists(t *testing.T) {
	a, st, b := newTestAgent(t, driver.NewEchoDriver("sess_1"))

	var seen []string
	var assistantText string
	b.OnAny(func(e *events.Event) {
		seen = append(seen, e.Type)
		require.NotNil(t, e.Context)
		assert.Equal(t, "agent_1", e.Context.AgentID)
		assert.Equal(t, "sess_1", e.Context.SessionID)
		if e.Type == events.TypeAssistantMessage {
			msg := e.Data.(*store.Message)
			assistantText = msg.Content.Text()
		}
	})

	require.NoError(t, a.Receive(context.Background(), store.TextContent("hello")))

	// The derived layers appear in pipeline order around the raw stream.
	expectOrder(t, seen,
		events.TypeUserMessage,
		events.TypeTurnRequest,
		events.TypeMessageStart,
		events.TypeTextDelta,
		events.TypeMessageStop,
		events.TypeAssistantMessage,
		events.TypeTurnResponse,
	)
	assert.Equal(t, "hello", assistantText)

	msgs, err := st.Messages().ListBySession(context.Background(), "sess_1", store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content.Text())

	turns, err := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnCompleted, turns[0].Status)
	assert.Greater(t, turns[0].InputTokens, int64(0))
	assert.Greater(t, turns[0].OutputTokens, int64(0))
	assert.Greater(t, turns[0].DurationMs, int64(0))
}

// expectOrder asserts the wanted types appear in seen, in order, allowing
// other events in between.
func expectOrder(t *testing.T, seen []string, wanted ...string) {
	t.Helper()
	i := 0
	for _, got := range seen {
		if i < len(wanted) && got == wanted[i] {
			i++
		}
	}
	if i != len(wanted) {
		t.Fatalf("missing %q in event order %v", wanted[i], seen)
	}
}

func TestAgent_ConcurrentReceiveRejected(t *testing.T) {
	d := driver.NewEchoDriver("sess_1")
	d.Delay = 50 * time.Millisecond
	a, st, _ := newTestAgent(t, d)

	first := make(chan error, 1)
	go func() {
		first <- a.Receive(context.Background(), store.TextContent("x"))
	}()

	// Wait until the first turn is in flight.
	require.Eventually(t, func() bool {
		return a.Lifecycle() == LifecycleBusy
	}, time.Second, 5*time.Millisecond)

	err := a.Receive(context.Background(), store.TextContent("y"))
	assert.ErrorIs(t, err, ErrAgentBusy)

	require.NoError(t, <-first)

	// Exactly one turn, for "x".
	turns, err := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Len(t, turns, 1)

	msgs, err := st.Messages().ListBySession(context.Background(), "sess_1", store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "x", msgs[0].Content.Text())
}

func TestAgent_DriverErrorPersistsErrorMessage(t *testing.T) {
	d := newScriptedDriver("sess_1", []driver.Event{
		{Type: events.TypeMessageStart},
		{Type: events.TypeError, Message: "provider unavailable"},
	})
	a, st, _ := newTestAgent(t, d)

	err := a.Receive(context.Background(), store.TextContent("hi"))
	require.Error(t, err)

	msgs, listErr := st.Messages().ListBySession(context.Background(), "sess_1", store.ListMessagesOptions{})
	require.NoError(t, listErr)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleError, msgs[1].Role)
	assert.Equal(t, "provider unavailable", msgs[1].Content.Text())

	turns, listErr := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, listErr)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnError, turns[0].Status)
}

func TestAgent_StreamEndWithContentClosesCompleted(t *testing.T) {
	// No message_stop in the script: the stream just ends after text.
	d := newScriptedDriver("sess_1", []driver.Event{
		{Type: events.TypeMessageStart},
		{Type: events.TypeTextBlockStart, BlockIndex: 0},
		{Type: events.TypeTextDelta, BlockIndex: 0, Text: "partial answer"},
	})
	a, st, _ := newTestAgent(t, d)

	require.NoError(t, a.Receive(context.Background(), store.TextContent("hi")))

	msgs, err := st.Messages().ListBySession(context.Background(), "sess_1", store.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "partial answer", msgs[1].Content.Text())

	turns, err := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnCompleted, turns[0].Status)
}

func TestAgent_StreamEndWithoutContentFailsTurn(t *testing.T) {
	d := newScriptedDriver("sess_1", []driver.Event{
		{Type: events.TypeMessageStart},
	})
	a, st, _ := newTestAgent(t, d)

	err := a.Receive(context.Background(), store.TextContent("hi"))
	require.Error(t, err)

	turns, listErr := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, listErr)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnError, turns[0].Status)
}

func TestAgent_InterruptCompletesCleanly(t *testing.T) {
	d := driver.NewEchoDriver("sess_1")
	d.Delay = 20 * time.Millisecond
	a, st, _ := newTestAgent(t, d)

	done := make(chan error, 1)
	go func() {
		done <- a.Receive(context.Background(), store.TextContent("one two three four five"))
	}()
	require.Eventually(t, func() bool {
		return a.Lifecycle() == LifecycleBusy
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Interrupt(context.Background()))
	require.NoError(t, <-done)

	turns, err := st.Turns().ListBySession(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.TurnInterrupted, turns[0].Status)
}

func TestAgent_DestroyRejectsFurtherCalls(t *testing.T) {
	a, _, _ := newTestAgent(t, driver.NewEchoDriver("sess_1"))

	require.NoError(t, a.Destroy())
	assert.Equal(t, LifecycleDestroyed, a.Lifecycle())

	err := a.Receive(context.Background(), store.TextContent("hi"))
	assert.ErrorIs(t, err, ErrAgentDestroyed)

	// Destroy is idempotent.
	require.NoError(t, a.Destroy())
}
