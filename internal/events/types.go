// Package events defines the event envelope and taxonomy for the AgentX
// runtime. Every event is indexed by (source, category, intent, type) and
// carries scoping context IDs so multi-agent consumers can route correctly.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which part of the system produced an event.
type Source string

const (
	SourceEnvironment Source = "environment"
	SourceAgent       Source = "agent"
	SourceSession     Source = "session"
	SourceContainer   Source = "container"
	SourceSandbox     Source = "sandbox"
	SourceCommand     Source = "command"
)

// Category refines the source.
type Category string

const (
	CategoryStream    Category = "stream"
	CategoryState     Category = "state"
	CategoryMessage   Category = "message"
	CategoryTurn      Category = "turn"
	CategoryError     Category = "error"
	CategoryLifecycle Category = "lifecycle"
)

// Intent distinguishes requests, results, and fire-and-forget notifications.
type Intent string

const (
	IntentRequest      Intent = "request"
	IntentResult       Intent = "result"
	IntentNotification Intent = "notification"
)

// Stream event types, in vendor emit order.
const (
	TypeMessageStart      = "message_start"
	TypeTextBlockStart    = "text_content_block_start"
	TypeTextDelta         = "text_delta"
	TypeTextBlockStop     = "text_content_block_stop"
	TypeToolUseBlockStart = "tool_use_content_block_start"
	TypeInputJSONDelta    = "input_json_delta"
	TypeToolUseBlockStop  = "tool_use_content_block_stop"
	TypeToolResult        = "tool_result"
	TypeMessageDelta      = "message_delta"
	TypeMessageStop       = "message_stop"
	TypeInterrupted       = "interrupted"
	TypeError             = "error"
)

// Message event types emitted by the engine once a full message is assembled.
const (
	TypeUserMessage       = "user_message"
	TypeAssistantMessage  = "assistant_message"
	TypeToolCallMessage   = "tool_call_message"
	TypeToolResultMessage = "tool_result_message"
	TypeErrorMessage      = "error_message"
)

// Conversation state event types.
const (
	TypeConversationIdle         = "conversation_idle"
	TypeConversationQueued       = "conversation_queued"
	TypeConversationThinking     = "conversation_thinking"
	TypeConversationResponding   = "conversation_responding"
	TypeConversationPlanningTool = "conversation_planning_tool"
	TypeConversationExecuting    = "conversation_executing_tool"
	TypeConversationError        = "conversation_error"
)

// Turn event types.
const (
	TypeTurnRequest  = "turn_request"
	TypeTurnResponse = "turn_response"
)

// Lifecycle event types.
const (
	TypeAgentCreated     = "agent_created"
	TypeAgentDestroyed   = "agent_destroyed"
	TypeContainerCreated = "container_created"
	TypeContainerDeleted = "container_deleted"
)

// Context carries the scoping IDs attached to every event an agent emits.
type Context struct {
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// Event is the envelope shared by every event in the system.
type Event struct {
	UUID      string    `json:"uuid"`
	Type      string    `json:"type"`
	Source    Source    `json:"source"`
	Category  Category  `json:"category"`
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Context   *Context  `json:"context,omitempty"`
}

// New creates an event with a fresh UUID and current timestamp.
func New(eventType string, source Source, category Category, intent Intent, data any) *Event {
	return &Event{
		UUID:      uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Category:  category,
		Intent:    intent,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithContext sets the scoping context and returns the event for chaining.
func (e *Event) WithContext(ctx *Context) *Event {
	e.Context = ctx
	return e
}

// Topic returns the fan-out topic for this event: the session ID when known,
// otherwise the agent ID. Events with no context have no topic.
func (e *Event) Topic() string {
	if e.Context == nil {
		return ""
	}
	if e.Context.SessionID != "" {
		return e.Context.SessionID
	}
	return e.Context.AgentID
}

// NATS subjects mirror bus events across processes. Subjects are hierarchical
// so subscribers can use NATS wildcards.
const (
	subjectStream = "agentx.stream"
)

// BuildStreamSubject creates the NATS subject for one topic's stream events.
func BuildStreamSubject(topic string) string {
	return subjectStream + "." + topic
}

// BuildStreamWildcardSubject creates a wildcard subscription for all stream events.
func BuildStreamWildcardSubject() string {
	return subjectStream + ".*"
}
