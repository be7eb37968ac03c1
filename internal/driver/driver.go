// Package driver defines the vendor adapter contract: every LLM provider is
// wrapped in a Driver that turns one request into a uniform stream of
// DriveableEvents. One driver instance serves one live agent.
package driver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

// State tracks a driver's lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateDisposed State = "disposed"
)

// Sentinel errors.
var (
	// ErrDriverBusy is returned when Receive is called while a previous
	// call's stream is still open. Requests are strictly serialized.
	ErrDriverBusy = errors.New("driver busy")

	// ErrDriverDisposed is returned for any call after Dispose.
	ErrDriverDisposed = errors.New("driver disposed")
)

// StopReason is the vendor's reason for ending a message.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopToolUse       StopReason = "tool_use"
	StopContentFilter StopReason = "content_filter"
	StopOther         StopReason = "other"
)

// Usage is the vendor-reported token consumption for one exchange.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates usage across the exchanges of one tool loop.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Event is one DriveableEvent. Type carries the stream event name from the
// events package taxonomy; the remaining fields are populated per type.
type Event struct {
	Type string `json:"type"`

	// Block-scoped fields.
	BlockIndex  int    `json:"blockIndex,omitempty"`
	Text        string `json:"text,omitempty"`        // text_delta
	PartialJSON string `json:"partialJson,omitempty"` // input_json_delta

	// Tool fields: start carries ID+Name, stop carries the complete input,
	// tool_result carries the executed outcome.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// Terminal fields.
	StopReason StopReason `json:"stopReason,omitempty"` // message_delta
	Usage      Usage      `json:"usage,omitempty"`      // message_delta
	Message    string     `json:"message,omitempty"`    // error
}

// Request is one receive call: the session's prior messages verbatim plus the
// new user message (last element), the effective system prompt, and the tool
// surface the vendor may call.
type Request struct {
	SessionID    string
	SystemPrompt string
	Messages     []*store.Message
	Tools        tools.Executor // nil when the agent exposes no tools
	Model        string         // empty uses the driver default
}

// Driver adapts one LLM vendor. Implementations must serialize Receive (a
// second concurrent call fails with ErrDriverBusy), terminate every stream
// with message_stop, interrupted, or error, and stay reusable after both
// Interrupt and a vendor error.
type Driver interface {
	// Name identifies the vendor ("anthropic", "openai", "echo", ...).
	Name() string

	// SessionID returns the session this driver is bound to.
	SessionID() string

	// State reports idle, active, or disposed.
	State() State

	// Initialize prepares vendor resources (client, subprocess, stream).
	// Bounded by the runtime's driver boot timeout via ctx.
	Initialize(ctx context.Context) error

	// Receive starts one exchange and returns the event stream. The channel
	// is closed after the terminal event. Canceling ctx aborts vendor I/O.
	Receive(ctx context.Context, req Request) (<-chan Event, error)

	// Interrupt aborts the in-flight exchange; the stream ends with an
	// interrupted (or error) event within a bounded wait.
	Interrupt(ctx context.Context) error

	// Dispose releases vendor resources. The driver is unusable afterwards.
	Dispose() error
}
