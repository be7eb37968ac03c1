// Package engine folds the raw driver stream of one exchange into the derived
// event layers: complete messages, conversation state transitions, and turn
// accounting. The fold is pure per turn; all state lives on the Turn value and
// is discarded when the turn closes.
package engine

import (
	"encoding/json"
	"time"

	"github.com/agentx/agentx/internal/common/id"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
)

// Output is one derived event produced by a fold step. Type is the bus event
// type; exactly one of the payload fields is set to match it.
type Output struct {
	Type    string
	Message *store.Message // *_message events
	State   string         // conversation_* events: the state name
	Turn    *store.Turn    // turn_request, turn_response, and error closes
	Error   string         // error events
}

// conversation state names, as carried in conversation_* event payloads.
const (
	StateIdle          = "idle"
	StateQueued        = "queued"
	StateThinking      = "thinking"
	StateResponding    = "responding"
	StatePlanningTool  = "planning_tool"
	StateExecutingTool = "executing_tool"
	StateError         = "error"
)

// Turn folds one exchange. Create with NewTurn, feed it Begin then every
// driver event in order; it returns the derived outputs for each step.
type Turn struct {
	turnID    string
	sessionID string
	agentID   string
	model     string
	pricing   Pricing

	startedAt time.Time
	state     string
	usage     driver.Usage
	closed    bool

	blocks map[int]*block
	parts  store.Content
}

type block struct {
	toolCallID string
	toolName   string
	text       string
	inputJSON  string
}

// NewTurn starts the fold for one user request.
func NewTurn(sessionID, agentID, model string, pricing Pricing) *Turn {
	return &Turn{
		turnID:    id.NewTurn(),
		sessionID: sessionID,
		agentID:   agentID,
		model:     model,
		pricing:   pricing,
		startedAt: time.Now().UTC(),
		state:     StateIdle,
		blocks:    make(map[int]*block),
	}
}

// ID returns the turn identifier.
func (t *Turn) ID() string { return t.turnID }

// Closed reports whether a terminal event has been folded.
func (t *Turn) Closed() bool { return t.closed }

// HasContent reports whether any assistant text has accumulated. A stream
// that ends without a stop cue can still close as completed when content
// exists; some providers never emit stop reasons.
func (t *Turn) HasContent() bool {
	if len(t.parts) > 0 {
		return true
	}
	for _, b := range t.blocks {
		if b.toolName == "" && b.text != "" {
			return true
		}
	}
	return false
}

// Begin acknowledges the user message: the turn is requested and the
// conversation queues until the driver starts streaming.
func (t *Turn) Begin() []Output {
	out := []Output{{Type: events.TypeTurnRequest, Turn: t.record(store.TurnInProgress)}}
	return append(out, t.transition(StateQueued)...)
}

// Process folds one driver event. Events arriving after the turn closed are
// dropped, which covers an interrupt racing a completed exchange.
func (t *Turn) Process(ev driver.Event) []Output {
	if t.closed {
		return nil
	}

	switch ev.Type {
	case events.TypeMessageStart:
		// A message starting after a tool round is the continuation of the
		// same response, not fresh deliberation.
		if t.state == StateExecutingTool {
			return t.transition(StateResponding)
		}
		return t.transition(StateThinking)

	case events.TypeTextBlockStart:
		t.blocks[ev.BlockIndex] = &block{}
		return t.transition(StateResponding)

	case events.TypeTextDelta:
		if b := t.blocks[ev.BlockIndex]; b != nil {
			b.text += ev.Text
		}
		return nil

	case events.TypeTextBlockStop:
		if b := t.blocks[ev.BlockIndex]; b != nil {
			t.parts = append(t.parts, store.ContentPart{Type: store.PartText, Text: b.text})
			delete(t.blocks, ev.BlockIndex)
		}
		return nil

	case events.TypeToolUseBlockStart:
		t.blocks[ev.BlockIndex] = &block{toolCallID: ev.ToolCallID, toolName: ev.ToolName}
		return t.transition(StatePlanningTool)

	case events.TypeInputJSONDelta:
		if b := t.blocks[ev.BlockIndex]; b != nil {
			b.inputJSON += ev.PartialJSON
		}
		return nil

	case events.TypeToolUseBlockStop:
		b := t.blocks[ev.BlockIndex]
		if b == nil {
			return nil
		}
		delete(t.blocks, ev.BlockIndex)
		input := ev.ToolInput
		if len(input) == 0 {
			input = json.RawMessage(b.inputJSON)
		}
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		msg := store.NewMessage(t.sessionID, store.RoleToolCall, store.Content{{
			Type:       store.PartToolCall,
			ToolCallID: b.toolCallID,
			ToolName:   b.toolName,
			Input:      input,
		}})
		out := []Output{{Type: events.TypeToolCallMessage, Message: msg}}
		return append(out, t.transition(StateExecutingTool)...)

	case events.TypeToolResult:
		msg := store.NewMessage(t.sessionID, store.RoleToolResult, store.Content{{
			Type:       store.PartToolResult,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Result:     ev.Result,
			IsError:    ev.IsError,
		}})
		return []Output{{Type: events.TypeToolResultMessage, Message: msg}}

	case events.TypeMessageDelta:
		t.usage.Add(ev.Usage)
		return nil

	case events.TypeMessageStop:
		return t.close(store.TurnCompleted)

	case events.TypeInterrupted:
		return t.close(store.TurnInterrupted)

	case events.TypeError:
		t.closed = true
		turn := t.record(store.TurnError)
		out := []Output{
			{Type: events.TypeErrorMessage, Message: store.NewMessage(
				t.sessionID, store.RoleError, store.TextContent(ev.Message))},
			{Type: events.TypeError, Error: ev.Message, Turn: turn},
		}
		return append(out, t.transition(StateError)...)
	}
	return nil
}

// close seals the turn: any open blocks flush, the assembled assistant message
// is produced even when no text streamed, and the turn response carries the
// accumulated usage and its cost.
func (t *Turn) close(status string) []Output {
	t.closed = true
	t.flushOpenBlocks()

	content := t.parts
	if len(content) == 0 {
		content = store.TextContent("")
	}
	out := []Output{
		{Type: events.TypeAssistantMessage, Message: store.NewMessage(
			t.sessionID, store.RoleAssistant, content)},
		{Type: events.TypeTurnResponse, Turn: t.record(status)},
	}
	return append(out, t.transition(StateIdle)...)
}

// flushOpenBlocks converts blocks interrupted mid-stream into parts so the
// partial text survives.
func (t *Turn) flushOpenBlocks() {
	for _, b := range t.blocks {
		if b.toolName == "" && b.text != "" {
			t.parts = append(t.parts, store.ContentPart{Type: store.PartText, Text: b.text})
		}
	}
	t.blocks = make(map[int]*block)
}

func (t *Turn) transition(state string) []Output {
	if t.state == state {
		return nil
	}
	t.state = state
	return []Output{{Type: stateEventType(state), State: state}}
}

func stateEventType(state string) string {
	switch state {
	case StateQueued:
		return events.TypeConversationQueued
	case StateThinking:
		return events.TypeConversationThinking
	case StateResponding:
		return events.TypeConversationResponding
	case StatePlanningTool:
		return events.TypeConversationPlanningTool
	case StateExecutingTool:
		return events.TypeConversationExecuting
	case StateError:
		return events.TypeConversationError
	default:
		return events.TypeConversationIdle
	}
}

func (t *Turn) record(status string) *store.Turn {
	now := time.Now().UTC()
	duration := now.Sub(t.startedAt).Milliseconds()
	if duration < 1 {
		duration = 1
	}
	var cost float64
	if t.pricing != nil {
		cost = t.pricing.Cost(t.model, t.usage)
	}
	return &store.Turn{
		TurnID:       t.turnID,
		SessionID:    t.sessionID,
		AgentID:      t.agentID,
		Status:       status,
		StartedAt:    t.startedAt,
		CompletedAt:  now,
		DurationMs:   duration,
		InputTokens:  t.usage.InputTokens,
		OutputTokens: t.usage.OutputTokens,
		CostUSD:      cost,
	}
}
