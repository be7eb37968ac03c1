package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
)

func collect(t *Turn, evs ...driver.Event) []Output {
	out := t.Begin()
	for _, ev := range evs {
		out = append(out, t.Process(ev)...)
	}
	return out
}

func typesOf(outputs []Output) []string {
	types := make([]string, len(outputs))
	for i, o := range outputs {
		types[i] = o.Type
	}
	return types
}

func findMessage(t *testing.T, outputs []Output, eventType string) *store.Message {
	t.Helper()
	for _, o := range outputs {
		if o.Type == eventType {
			require.NotNil(t, o.Message)
			return o.Message
		}
	}
	t.Fatalf("no %s output", eventType)
	return nil
}

func TestTurn_TextExchange(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", NewTablePricing())

	outputs := collect(turn,
		driver.Event{Type: events.TypeMessageStart},
		driver.Event{Type: events.TypeTextBlockStart, BlockIndex: 0},
		driver.Event{Type: events.TypeTextDelta, BlockIndex: 0, Text: "hel"},
		driver.Event{Type: events.TypeTextDelta, BlockIndex: 0, Text: "lo"},
		driver.Event{Type: events.TypeTextBlockStop, BlockIndex: 0},
		driver.Event{Type: events.TypeMessageDelta, StopReason: driver.StopEndTurn,
			Usage: driver.Usage{InputTokens: 3, OutputTokens: 2}},
		driver.Event{Type: events.TypeMessageStop},
	)

	assert.Equal(t, []string{
		events.TypeTurnRequest,
		events.TypeConversationQueued,
		events.TypeConversationThinking,
		events.TypeConversationResponding,
		events.TypeAssistantMessage,
		events.TypeTurnResponse,
		events.TypeConversationIdle,
	}, typesOf(outputs))

	msg := findMessage(t, outputs, events.TypeAssistantMessage)
	assert.Equal(t, store.RoleAssistant, msg.Role)
	assert.Equal(t, "hello", msg.Content.Text())

	var resp *store.Turn
	for _, o := range outputs {
		if o.Type == events.TypeTurnResponse {
			resp = o.Turn
		}
	}
	require.NotNil(t, resp)
	assert.Equal(t, store.TurnCompleted, resp.Status)
	assert.Equal(t, int64(3), resp.InputTokens)
	assert.Equal(t, int64(2), resp.OutputTokens)
	assert.Greater(t, resp.DurationMs, int64(0))
	assert.True(t, turn.Closed())
}

func TestTurn_ToolLoop(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "claude-sonnet-4-5", NewTablePricing())

	outputs := collect(turn,
		driver.Event{Type: events.TypeMessageStart},
		driver.Event{Type: events.TypeToolUseBlockStart, BlockIndex: 0,
			ToolCallID: "call_1", ToolName: "get_weather"},
		driver.Event{Type: events.TypeInputJSONDelta, BlockIndex: 0, PartialJSON: `{"city":`},
		driver.Event{Type: events.TypeInputJSONDelta, BlockIndex: 0, PartialJSON: `"Paris"}`},
		driver.Event{Type: events.TypeToolUseBlockStop, BlockIndex: 0,
			ToolCallID: "call_1", ToolName: "get_weather"},
		driver.Event{Type: events.TypeToolResult,
			ToolCallID: "call_1", ToolName: "get_weather", Result: "18C, sunny"},
		driver.Event{Type: events.TypeMessageDelta, StopReason: driver.StopToolUse,
			Usage: driver.Usage{InputTokens: 10, OutputTokens: 5}},
		driver.Event{Type: events.TypeMessageStart},
		driver.Event{Type: events.TypeTextBlockStart, BlockIndex: 0},
		driver.Event{Type: events.TypeTextDelta, BlockIndex: 0, Text: "It is sunny in Paris."},
		driver.Event{Type: events.TypeTextBlockStop, BlockIndex: 0},
		driver.Event{Type: events.TypeMessageDelta, StopReason: driver.StopEndTurn,
			Usage: driver.Usage{InputTokens: 20, OutputTokens: 8}},
		driver.Event{Type: events.TypeMessageStop},
	)

	assert.Equal(t, []string{
		events.TypeTurnRequest,
		events.TypeConversationQueued,
		events.TypeConversationThinking,
		events.TypeConversationPlanningTool,
		events.TypeToolCallMessage,
		events.TypeConversationExecuting,
		events.TypeToolResultMessage,
		events.TypeConversationResponding,
		events.TypeAssistantMessage,
		events.TypeTurnResponse,
		events.TypeConversationIdle,
	}, typesOf(outputs))

	call := findMessage(t, outputs, events.TypeToolCallMessage)
	assert.Equal(t, store.RoleToolCall, call.Role)
	require.Len(t, call.Content, 1)
	assert.Equal(t, "get_weather", call.Content[0].ToolName)
	assert.JSONEq(t, `{"city":"Paris"}`, string(call.Content[0].Input))

	result := findMessage(t, outputs, events.TypeToolResultMessage)
	assert.Equal(t, store.RoleToolResult, result.Role)
	assert.Equal(t, "18C, sunny", result.Content[0].Result)

	// Usage accumulates across both exchanges of the loop.
	var resp *store.Turn
	for _, o := range outputs {
		if o.Type == events.TypeTurnResponse {
			resp = o.Turn
		}
	}
	require.NotNil(t, resp)
	assert.Equal(t, int64(30), resp.InputTokens)
	assert.Equal(t, int64(13), resp.OutputTokens)
	assert.Greater(t, resp.CostUSD, 0.0)
}

func TestTurn_PostToolContinuationResumesResponding(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", nil)
	turn.Begin()
	turn.Process(driver.Event{Type: events.TypeMessageStart})
	turn.Process(driver.Event{Type: events.TypeToolUseBlockStart, BlockIndex: 0,
		ToolCallID: "call_1", ToolName: "lookup"})
	turn.Process(driver.Event{Type: events.TypeToolUseBlockStop, BlockIndex: 0,
		ToolCallID: "call_1", ToolName: "lookup"})
	turn.Process(driver.Event{Type: events.TypeToolResult, ToolCallID: "call_1", Result: "ok"})

	outputs := turn.Process(driver.Event{Type: events.TypeMessageStart})
	assert.Equal(t, []string{events.TypeConversationResponding}, typesOf(outputs))
}

func TestTurn_ZeroDeltaStopYieldsEmptyAssistantMessage(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", nil)
	turn.Begin()

	var outputs []Output
	outputs = append(outputs, turn.Process(driver.Event{Type: events.TypeMessageStart})...)
	outputs = append(outputs, turn.Process(driver.Event{Type: events.TypeMessageDelta,
		StopReason: driver.StopEndTurn})...)
	outputs = append(outputs, turn.Process(driver.Event{Type: events.TypeMessageStop})...)

	msg := findMessage(t, outputs, events.TypeAssistantMessage)
	assert.Equal(t, "", msg.Content.Text())
	assert.Contains(t, typesOf(outputs), events.TypeTurnResponse)
}

func TestTurn_InterruptedAfterStopIgnored(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", nil)
	turn.Begin()
	turn.Process(driver.Event{Type: events.TypeMessageStart})
	turn.Process(driver.Event{Type: events.TypeMessageStop})

	outputs := turn.Process(driver.Event{Type: events.TypeInterrupted})
	assert.Empty(t, outputs)
}

func TestTurn_InterruptKeepsPartialText(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", nil)
	turn.Begin()
	turn.Process(driver.Event{Type: events.TypeMessageStart})
	turn.Process(driver.Event{Type: events.TypeTextBlockStart, BlockIndex: 0})
	turn.Process(driver.Event{Type: events.TypeTextDelta, BlockIndex: 0, Text: "partial answ"})

	outputs := turn.Process(driver.Event{Type: events.TypeInterrupted})
	msg := findMessage(t, outputs, events.TypeAssistantMessage)
	assert.Equal(t, "partial answ", msg.Content.Text())

	var resp *store.Turn
	for _, o := range outputs {
		if o.Type == events.TypeTurnResponse {
			resp = o.Turn
		}
	}
	require.NotNil(t, resp)
	assert.Equal(t, store.TurnInterrupted, resp.Status)
}

func TestTurn_ErrorProducesErrorMessageAndState(t *testing.T) {
	turn := NewTurn("sess_1", "agent_1", "echo", nil)
	turn.Begin()
	turn.Process(driver.Event{Type: events.TypeMessageStart})

	outputs := turn.Process(driver.Event{Type: events.TypeError, Message: "driver exploded"})
	assert.Equal(t, []string{
		events.TypeErrorMessage,
		events.TypeError,
		events.TypeConversationError,
	}, typesOf(outputs))

	msg := findMessage(t, outputs, events.TypeErrorMessage)
	assert.Equal(t, store.RoleError, msg.Role)
	assert.Equal(t, "driver exploded", msg.Content.Text())

	// No turn_response after an error close.
	assert.NotContains(t, typesOf(outputs), events.TypeTurnResponse)
	assert.True(t, turn.Closed())
}

func TestTablePricing_PrefixMatch(t *testing.T) {
	p := NewTablePricing()

	usage := driver.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 18.0, p.Cost("claude-sonnet-4-5", usage), 1e-9)
	assert.InDelta(t, 12.5, p.Cost("gpt-4o-2024-08-06", usage), 1e-9)

	// Unknown models fall back to the configured default.
	assert.Zero(t, p.Cost("mystery-model", usage))
	p.SetFallback(Rate{InputPerMTok: 1, OutputPerMTok: 2})
	assert.InDelta(t, 3.0, p.Cost("mystery-model", usage), 1e-9)

	// Per-driver override wins over the seeded family rate.
	p.SetRate("claude-sonnet-4-5", Rate{InputPerMTok: 6, OutputPerMTok: 30})
	assert.InDelta(t, 36.0, p.Cost("claude-sonnet-4-5", usage), 1e-9)
}
