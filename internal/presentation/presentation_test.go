package presentation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
)

func streamEvent(ev driver.Event) *events.Event {
	return events.New(ev.Type, events.SourceAgent, events.CategoryStream, events.IntentNotification, ev)
}

func stateEvent(eventType, state string) *events.Event {
	return events.New(eventType, events.SourceAgent, events.CategoryState, events.IntentNotification,
		map[string]any{"state": state})
}

func reduceAll(state State, evs ...*events.Event) State {
	for _, ev := range evs {
		state = Reduce(state, ev)
	}
	return state
}

func TestReduce_TextStreamingUpdatesInPlace(t *testing.T) {
	state := reduceAll(NewState(),
		stateEvent(events.TypeConversationThinking, "thinking"),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		streamEvent(driver.Event{Type: events.TypeTextBlockStart, BlockIndex: 0}),
		stateEvent(events.TypeConversationResponding, "responding"),
		streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "hel"}),
	)

	require.NotNil(t, state.Streaming)
	require.Len(t, state.Streaming.Blocks, 1)
	assert.Equal(t, "hel", state.Streaming.Blocks[0].Text)
	assert.Equal(t, StatusResponding, state.Status)

	state = Reduce(state, streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "lo"}))
	assert.Equal(t, "hello", state.Streaming.Blocks[0].Text)
	assert.Len(t, state.Streaming.Blocks, 1, "deltas must update the open block, not append")
}

func TestReduce_MessageStopMovesStreamingToConversations(t *testing.T) {
	state := reduceAll(NewState(),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		streamEvent(driver.Event{Type: events.TypeTextBlockStart}),
		streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "done"}),
		streamEvent(driver.Event{Type: events.TypeTextBlockStop}),
		streamEvent(driver.Event{Type: events.TypeMessageStop}),
	)

	assert.Nil(t, state.Streaming)
	require.Len(t, state.Conversations, 1)
	assert.Equal(t, ConvAssistant, state.Conversations[0].Kind)
	require.Len(t, state.Conversations[0].Blocks, 1)
	assert.Equal(t, "done", state.Conversations[0].Blocks[0].Text)
	assert.True(t, state.Conversations[0].Blocks[0].Done)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestReduce_ToolBlockLifecycle(t *testing.T) {
	state := reduceAll(NewState(),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		streamEvent(driver.Event{Type: events.TypeToolUseBlockStart, ToolCallID: "call_1", ToolName: "search"}),
		streamEvent(driver.Event{Type: events.TypeInputJSONDelta, PartialJSON: `{"q":`}),
		streamEvent(driver.Event{Type: events.TypeInputJSONDelta, PartialJSON: `"go"}`}),
		streamEvent(driver.Event{Type: events.TypeToolUseBlockStop, ToolCallID: "call_1",
			ToolInput: json.RawMessage(`{"q":"go"}`)}),
		stateEvent(events.TypeConversationExecuting, "executing_tool"),
	)

	require.NotNil(t, state.Streaming)
	require.Len(t, state.Streaming.Blocks, 1)
	blk := state.Streaming.Blocks[0]
	assert.Equal(t, BlockTool, blk.Type)
	assert.Equal(t, "call_1", blk.ToolCallID)
	assert.Equal(t, "search", blk.ToolName)
	assert.JSONEq(t, `{"q":"go"}`, blk.ToolInput)
	assert.Equal(t, StatusExecuting, state.Status)

	state = Reduce(state, streamEvent(driver.Event{
		Type: events.TypeToolResult, ToolCallID: "call_1", Result: "3 hits",
	}))
	blk = state.Streaming.Blocks[0]
	assert.Equal(t, "3 hits", blk.ToolResult)
	assert.False(t, blk.ToolError)
	assert.True(t, blk.Done)
}

func TestReduce_UserMessageText(t *testing.T) {
	msg := store.NewMessage("sess_1", store.RoleUser, store.TextContent("hi there"))
	ev := events.New(events.TypeUserMessage, events.SourceAgent, events.CategoryMessage,
		events.IntentNotification, msg)

	state := Reduce(NewState(), ev)
	require.Len(t, state.Conversations, 1)
	assert.Equal(t, ConvUser, state.Conversations[0].Kind)
	assert.Equal(t, "hi there", state.Conversations[0].Text)
}

func TestReduce_UserMessageTextFromWire(t *testing.T) {
	// A single text part marshals to a bare string on the wire; multi-part
	// content stays a part array. Both shapes must survive the round trip.
	msg := store.NewMessage("sess_1", store.RoleUser, store.TextContent("hi there"))
	raw, err := json.Marshal(events.New(events.TypeUserMessage, events.SourceAgent,
		events.CategoryMessage, events.IntentNotification, msg))
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(raw, &ev))

	state := Reduce(NewState(), &ev)
	require.Len(t, state.Conversations, 1)
	assert.Equal(t, "hi there", state.Conversations[0].Text)

	parts := store.Content{
		{Type: store.PartText, Text: "look at "},
		{Type: store.PartImage, MediaType: "image/png", Data: "aGk="},
		{Type: store.PartText, Text: "this"},
	}
	raw, err = json.Marshal(events.New(events.TypeUserMessage, events.SourceAgent,
		events.CategoryMessage, events.IntentNotification,
		store.NewMessage("sess_1", store.RoleUser, parts)))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ev))

	state = Reduce(state, &ev)
	require.Len(t, state.Conversations, 2)
	assert.Equal(t, "look at this", state.Conversations[1].Text)
}

func TestReduce_ErrorFlushesStreamingAndAppendsError(t *testing.T) {
	state := reduceAll(NewState(),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "partial"}),
	)
	errEv := events.New(events.TypeError, events.SourceAgent, events.CategoryError,
		events.IntentNotification, map[string]any{"message": "stream closed"})
	state = Reduce(state, errEv)

	assert.Nil(t, state.Streaming)
	require.Len(t, state.Conversations, 2)
	assert.Equal(t, ConvAssistant, state.Conversations[0].Kind)
	assert.Equal(t, ConvError, state.Conversations[1].Kind)
	assert.Equal(t, "stream closed", state.Conversations[1].Text)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestReduce_IsPure(t *testing.T) {
	before := reduceAll(NewState(),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "a"}),
	)
	snapshot := before.Streaming.Blocks[0].Text

	_ = Reduce(before, streamEvent(driver.Event{Type: events.TypeTextDelta, Text: "b"}))
	assert.Equal(t, snapshot, before.Streaming.Blocks[0].Text, "input state must not be mutated")
}

func TestReduce_RawJSONEvents(t *testing.T) {
	// Events arriving over the wire decode Data into generic JSON values.
	raw := []byte(`{
		"uuid": "u1",
		"type": "text_delta",
		"source": "agent",
		"category": "stream",
		"intent": "notification",
		"data": {"type": "text_delta", "text": "remote"}
	}`)
	var ev events.Event
	require.NoError(t, json.Unmarshal(raw, &ev))

	state := reduceAll(NewState(),
		streamEvent(driver.Event{Type: events.TypeMessageStart}),
		&ev,
	)
	require.NotNil(t, state.Streaming)
	require.Len(t, state.Streaming.Blocks, 1)
	assert.Equal(t, "remote", state.Streaming.Blocks[0].Text)
}

func TestPresenter_ApplyRaw(t *testing.T) {
	p := NewPresenter()
	evJSON, err := json.Marshal(streamEvent(driver.Event{Type: events.TypeMessageStart}))
	require.NoError(t, err)
	require.NoError(t, p.ApplyRaw(evJSON))

	state := p.State()
	require.NotNil(t, state.Streaming)
	assert.Equal(t, ConvAssistant, state.Streaming.Kind)
}
