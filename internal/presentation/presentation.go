// Package presentation folds stream events into a UI-ready projection of one
// agent's conversation. The reducer is a pure function so a client can
// replay history or apply live events and arrive at the same state.
package presentation

import (
	"encoding/json"

	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
)

// Conversation kinds.
const (
	ConvUser      = "user"
	ConvAssistant = "assistant"
	ConvError     = "error"
)

// Block kinds inside an assistant conversation.
const (
	BlockText  = "text"
	BlockTool  = "tool"
	BlockImage = "image"
)

// Status values.
const (
	StatusIdle       = "idle"
	StatusThinking   = "thinking"
	StatusResponding = "responding"
	StatusExecuting  = "executing"
)

// Block is one unit of assistant output. Streaming text blocks update in
// place as deltas arrive.
type Block struct {
	Type string `json:"type"`

	// Text content, also used for error text.
	Text string `json:"text,omitempty"`

	// Tool call fields.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolInput  string `json:"toolInput,omitempty"`
	ToolResult string `json:"toolResult,omitempty"`
	ToolError  bool   `json:"toolError,omitempty"`
	Done       bool   `json:"done,omitempty"`

	// Image fields.
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Conversation is one entry in the transcript.
type Conversation struct {
	Kind   string  `json:"kind"`
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks,omitempty"`
}

// State is the projection the reducer maintains.
type State struct {
	Conversations []Conversation `json:"conversations"`
	Streaming     *Conversation  `json:"streaming"`
	Status        string         `json:"status"`
}

// NewState returns the initial projection.
func NewState() State {
	return State{Conversations: []Conversation{}, Streaming: nil, Status: StatusIdle}
}

// Reduce applies one event to the state and returns the next state. The
// input state is never mutated.
func Reduce(state State, ev *events.Event) State {
	next := clone(state)

	switch ev.Type {
	case events.TypeUserMessage:
		next.Conversations = append(next.Conversations, Conversation{
			Kind: ConvUser,
			Text: messageText(ev),
		})

	case events.TypeConversationIdle:
		next.Status = StatusIdle
	case events.TypeConversationQueued, events.TypeConversationThinking, events.TypeConversationPlanningTool:
		next.Status = StatusThinking
	case events.TypeConversationResponding:
		next.Status = StatusResponding
	case events.TypeConversationExecuting:
		next.Status = StatusExecuting

	case events.TypeMessageStart:
		next.Streaming = &Conversation{Kind: ConvAssistant, Blocks: []Block{}}

	case events.TypeTextBlockStart:
		conv := streamingConv(&next)
		conv.Blocks = append(conv.Blocks, Block{Type: BlockText})

	case events.TypeTextDelta:
		conv := streamingConv(&next)
		idx := openTextBlock(conv)
		conv.Blocks[idx].Text += dataText(ev)

	case events.TypeTextBlockStop:
		conv := streamingConv(&next)
		if idx := openTextBlock(conv); idx >= 0 {
			conv.Blocks[idx].Done = true
		}

	case events.TypeToolUseBlockStart:
		conv := streamingConv(&next)
		conv.Blocks = append(conv.Blocks, Block{
			Type:       BlockTool,
			ToolCallID: dataField(ev, "toolCallId"),
			ToolName:   dataField(ev, "toolName"),
		})

	case events.TypeInputJSONDelta:
		conv := streamingConv(&next)
		if idx := openToolBlock(conv); idx >= 0 {
			conv.Blocks[idx].ToolInput += dataText(ev)
		}

	case events.TypeToolUseBlockStop:
		conv := streamingConv(&next)
		if idx := openToolBlock(conv); idx >= 0 {
			if input := dataJSON(ev, "toolInput"); input != "" {
				conv.Blocks[idx].ToolInput = input
			}
		}

	case events.TypeToolResult:
		conv := streamingConv(&next)
		if idx := toolBlockByID(conv, dataField(ev, "toolCallId")); idx >= 0 {
			conv.Blocks[idx].ToolResult = dataField(ev, "result")
			conv.Blocks[idx].ToolError = dataBool(ev, "isError")
			conv.Blocks[idx].Done = true
		}

	case events.TypeMessageStop, events.TypeInterrupted:
		if next.Streaming != nil {
			next.Conversations = append(next.Conversations, *next.Streaming)
			next.Streaming = nil
		}
		next.Status = StatusIdle

	case events.TypeError:
		if next.Streaming != nil {
			next.Conversations = append(next.Conversations, *next.Streaming)
			next.Streaming = nil
		}
		next.Conversations = append(next.Conversations, Conversation{
			Kind: ConvError,
			Text: dataField(ev, "message"),
		})
		next.Status = StatusIdle
	}

	return next
}

// streamingConv returns the streaming conversation, creating it when a
// stream event arrives without a preceding message_start.
func streamingConv(s *State) *Conversation {
	if s.Streaming == nil {
		s.Streaming = &Conversation{Kind: ConvAssistant, Blocks: []Block{}}
	}
	return s.Streaming
}

// openTextBlock returns the index of the last unfinished text block,
// creating one when deltas arrive without a block start.
func openTextBlock(conv *Conversation) int {
	for i := len(conv.Blocks) - 1; i >= 0; i-- {
		if conv.Blocks[i].Type == BlockText && !conv.Blocks[i].Done {
			return i
		}
	}
	conv.Blocks = append(conv.Blocks, Block{Type: BlockText})
	return len(conv.Blocks) - 1
}

func openToolBlock(conv *Conversation) int {
	for i := len(conv.Blocks) - 1; i >= 0; i-- {
		if conv.Blocks[i].Type == BlockTool && !conv.Blocks[i].Done {
			return i
		}
	}
	return -1
}

func toolBlockByID(conv *Conversation, toolCallID string) int {
	for i := len(conv.Blocks) - 1; i >= 0; i-- {
		if conv.Blocks[i].Type == BlockTool && conv.Blocks[i].ToolCallID == toolCallID {
			return i
		}
	}
	return openToolBlock(conv)
}

func clone(s State) State {
	next := State{Status: s.Status}
	next.Conversations = make([]Conversation, len(s.Conversations))
	for i, conv := range s.Conversations {
		next.Conversations[i] = cloneConv(conv)
	}
	if s.Streaming != nil {
		streaming := cloneConv(*s.Streaming)
		next.Streaming = &streaming
	}
	return next
}

func cloneConv(conv Conversation) Conversation {
	out := Conversation{Kind: conv.Kind, Text: conv.Text}
	if conv.Blocks != nil {
		out.Blocks = append([]Block(nil), conv.Blocks...)
	}
	return out
}

// dataText pulls the primary text payload out of an event's data, which may
// be a typed struct, a map, or raw JSON depending on transport.
func dataText(ev *events.Event) string {
	if s := dataField(ev, "text"); s != "" {
		return s
	}
	if s := dataField(ev, "partialJson"); s != "" {
		return s
	}
	return dataField(ev, "content")
}

// messageText joins the text parts of a message event's content. Typed
// payloads from the in-process bus are read directly; wire payloads carry the
// content as either a bare string or a part array.
func messageText(ev *events.Event) string {
	if msg, ok := ev.Data.(*store.Message); ok {
		return msg.Content.Text()
	}
	m := dataMap(ev)
	if m == nil {
		return ""
	}
	switch content := m["content"].(type) {
	case string:
		return content
	case []any:
		var text string
		for _, p := range content {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := part["text"].(string); ok {
				text += s
			}
		}
		return text
	}
	return ""
}

// dataJSON reads a field that may itself be a JSON value and returns its
// compact encoding.
func dataJSON(ev *events.Event, key string) string {
	m := dataMap(ev)
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// dataField reads a string field from the event data regardless of whether
// the data arrived decoded or as raw JSON.
func dataField(ev *events.Event, key string) string {
	m := dataMap(ev)
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func dataBool(ev *events.Event, key string) bool {
	m := dataMap(ev)
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func dataMap(ev *events.Event) map[string]any {
	switch data := ev.Data.(type) {
	case map[string]any:
		return data
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		return m
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		return m
	default:
		// Typed payloads from the in-process bus round-trip through JSON.
		raw, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		return m
	}
}
