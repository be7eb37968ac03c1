// Package store defines the persistence contract for the runtime: the record
// shapes for Definition, Image, Container, Session, Message, and Turn plus
// the repository interfaces every backend implements.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentx/agentx/internal/common/id"
)

// MCPServerConfig describes one MCP tool provider surfaced to a driver.
// Stdio transports use Command+Args, remote transports use URL+Type.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"` // "sse" or "http"
}

// Definition is a design-time agent blueprint. Immutable once registered.
type Definition struct {
	Name         string            `json:"name" db:"name"`
	Description  string            `json:"description,omitempty" db:"description"`
	SystemPrompt string            `json:"systemPrompt,omitempty" db:"system_prompt"`
	MCPServers   []MCPServerConfig `json:"mcpServers,omitempty" db:"-"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
}

// Image is either a MetaImage (derived from a Definition, no session) or a
// Snapshot Image (produced from a running agent, carries a session).
type Image struct {
	ImageID        string            `json:"imageId" db:"id"`
	DefinitionName string            `json:"definitionName" db:"definition_name"`
	ContainerID    string            `json:"containerId,omitempty" db:"container_id"`
	Name           string            `json:"name,omitempty" db:"name"`
	SystemPrompt   string            `json:"systemPrompt,omitempty" db:"system_prompt"`
	MCPServers     []MCPServerConfig `json:"mcpServers,omitempty" db:"-"`
	SessionID      string            `json:"sessionId,omitempty" db:"session_id"`
	CustomData     map[string]any    `json:"customData,omitempty" db:"-"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// IsSnapshot reports whether the image carries session history to restore.
func (i *Image) IsSnapshot() bool { return i.SessionID != "" }

// Container is an isolation namespace owning live agents and their sandbox.
type Container struct {
	ContainerID string    `json:"containerId" db:"id"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// Session is an ordered, append-only log of messages tied to one Image.
// ContainerID tracks the container the session last ran in; deleting that
// container cascades to the session.
type Session struct {
	SessionID   string    `json:"sessionId" db:"id"`
	ImageID     string    `json:"imageId" db:"image_id"`
	ContainerID string    `json:"containerId,omitempty" db:"container_id"`
	UserID      string    `json:"userId,omitempty" db:"user_id"`
	Title       string    `json:"title,omitempty" db:"title"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Role discriminates message subtypes.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
	RoleError      Role = "error"
)

// ContentPart is one ordered element of a message body.
type ContentPart struct {
	Type string `json:"type"` // text|thinking|image|file|tool-call|tool-result

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool-call
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// tool-result
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"isError,omitempty"`

	// image / file
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"` // base64 payload or file path
}

// Part type names.
const (
	PartText       = "text"
	PartThinking   = "thinking"
	PartImage      = "image"
	PartFile       = "file"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// Content is the ordered part list of a message. On the wire it accepts both
// a plain string and a part array; a bare string decodes to a single text
// part and a lone plain text part encodes back to a string.
type Content []ContentPart

// Text concatenates the text parts in order.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// MarshalJSON encodes a lone plain text part as a bare string.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == PartText && c[0].ToolCallID == "" && c[0].Data == "" {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentPart(c))
}

// UnmarshalJSON accepts either a bare string or a part array.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: PartText, Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or part array: %w", err)
	}
	*c = Content(parts)
	return nil
}

// TextContent builds a single-part text content.
func TextContent(text string) Content {
	return Content{{Type: PartText, Text: text}}
}

// Message is one immutable entry in a session log. Seq is the backend's
// insertion counter and breaks CreatedAt ties when ordering reads.
type Message struct {
	MessageID string    `json:"messageId" db:"id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	Role      Role      `json:"role" db:"role"`
	Content   Content   `json:"content" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	Seq       int64     `json:"-" db:"seq"`
}

// NewMessage builds a message with a fresh ID and timestamp.
func NewMessage(sessionID string, role Role, content Content) *Message {
	return &Message{
		MessageID: id.NewMessage(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Turn statuses.
const (
	TurnInProgress  = "in_progress"
	TurnCompleted   = "completed"
	TurnError       = "error"
	TurnInterrupted = "interrupted"
)

// Turn records one completed user request/assistant response exchange so
// usage and cost survive restart.
type Turn struct {
	TurnID       string    `json:"turnId" db:"id"`
	SessionID    string    `json:"sessionId" db:"session_id"`
	AgentID      string    `json:"agentId" db:"agent_id"`
	Status       string    `json:"status" db:"status"`
	StartedAt    time.Time `json:"startedAt" db:"started_at"`
	CompletedAt  time.Time `json:"completedAt" db:"completed_at"`
	DurationMs   int64     `json:"durationMs" db:"duration_ms"`
	InputTokens  int64     `json:"inputTokens" db:"input_tokens"`
	OutputTokens int64     `json:"outputTokens" db:"output_tokens"`
	CostUSD      float64   `json:"costUsd" db:"cost_usd"`
}
