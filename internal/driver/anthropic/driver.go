// Package anthropic adapts the Anthropic Claude Messages API to the driver
// contract. It translates session history into Messages API params, maps the
// SSE stream onto DriveableEvents, and runs the tool loop in-call: completed
// tool_use blocks are executed and their results fed back to the model in
// the same Receive.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192

	// maxToolRounds bounds runaway tool loops in one receive.
	maxToolRounds = 25
)

// Options configures the driver.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxTokens caps the completion; zero uses the package default.
	MaxTokens int64
}

// Driver implements driver.Driver on the Anthropic Messages API.
type Driver struct {
	sessionID string
	client    sdk.Client
	model     string
	maxTokens int64
	exch      *driver.Exchange
	logger    *logger.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver bound to one session.
func New(sessionID string, opts Options, log *logger.Logger) (*Driver, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Driver{
		sessionID: sessionID,
		client:    sdk.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
		exch:      driver.NewExchange(),
		logger:    log.WithFields(zap.String("driver", "anthropic"), zap.String("session_id", sessionID)),
	}, nil
}

func (d *Driver) Name() string        { return "anthropic" }
func (d *Driver) SessionID() string   { return d.sessionID }
func (d *Driver) State() driver.State { return d.exch.CurrentState() }

// Initialize is a no-op: the SDK client is stateless until the first call.
func (d *Driver) Initialize(_ context.Context) error {
	if d.exch.CurrentState() == driver.StateDisposed {
		return driver.ErrDriverDisposed
	}
	return nil
}

func (d *Driver) Receive(ctx context.Context, req driver.Request) (<-chan driver.Event, error) {
	runCtx, done, err := d.exch.Begin(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		done()
		return nil, err
	}

	var toolParams []sdk.ToolUnionParam
	if req.Tools != nil {
		defs, err := req.Tools.List(runCtx)
		if err != nil {
			done()
			return nil, fmt.Errorf("anthropic: list tools: %w", err)
		}
		toolParams, err = encodeTools(defs)
		if err != nil {
			done()
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = d.model
	}

	out := make(chan driver.Event, 32)
	go func() {
		defer close(out)
		defer done()
		d.run(runCtx, req, msgs, toolParams, model, out)
	}()
	return out, nil
}

// run drives the exchange, including tool rounds. Every path ends the stream
// with message_stop, interrupted, or error.
func (d *Driver) run(ctx context.Context, req driver.Request, msgs []sdk.MessageParam, toolParams []sdk.ToolUnionParam, model string, out chan<- driver.Event) {
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			out <- driver.Event{Type: events.TypeError, Message: "tool loop exceeded round limit"}
			return
		}

		params := sdk.MessageNewParams{
			MaxTokens: d.maxTokens,
			Messages:  msgs,
			Model:     sdk.Model(model),
		}
		if req.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		result, err := d.streamExchange(ctx, params, out)
		if err != nil {
			if ctx.Err() != nil {
				out <- driver.Event{Type: events.TypeInterrupted}
			} else {
				out <- driver.Event{Type: events.TypeError, Message: err.Error()}
			}
			return
		}

		if result.stopReason != driver.StopToolUse || len(result.toolCalls) == 0 || req.Tools == nil {
			out <- driver.Event{Type: events.TypeMessageStop}
			return
		}

		// Tool round: execute each call, surface results, and extend the
		// conversation for the continuation exchange.
		d.logger.Debug("executing tool round",
			zap.Int("round", round+1),
			zap.Int("calls", len(result.toolCalls)))
		msgs = append(msgs, sdk.NewAssistantMessage(result.blocks...))
		var resultBlocks []sdk.ContentBlockParamUnion
		for _, call := range result.toolCalls {
			text, isErr, err := req.Tools.Execute(ctx, call.name, call.input)
			if err != nil {
				if ctx.Err() != nil {
					out <- driver.Event{Type: events.TypeInterrupted}
					return
				}
				text, isErr = err.Error(), true
			}
			out <- driver.Event{
				Type:       events.TypeToolResult,
				ToolCallID: call.id,
				ToolName:   call.name,
				Result:     text,
				IsError:    isErr,
			}
			resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.id, text, isErr))
		}
		msgs = append(msgs, sdk.NewUserMessage(resultBlocks...))
	}
}

// toolCall is one completed tool_use block awaiting execution.
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// exchangeResult summarizes one streamed vendor message.
type exchangeResult struct {
	stopReason driver.StopReason
	toolCalls  []toolCall
	blocks     []sdk.ContentBlockParamUnion
}

// streamExchange runs one Messages stream, forwarding events. The caller
// decides whether the resulting message ends the receive or opens a tool
// round, so message_stop is never emitted here.
func (d *Driver) streamExchange(ctx context.Context, params sdk.MessageNewParams, out chan<- driver.Event) (*exchangeResult, error) {
	stream := d.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	result := &exchangeResult{stopReason: driver.StopOther}
	texts := make(map[int]string)
	toolFrags := make(map[int]*toolFragments)
	var usage driver.Usage

	emit := func(ev driver.Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens += ev.Message.Usage.InputTokens
			if err := emit(driver.Event{Type: events.TypeMessageStart}); err != nil {
				return nil, err
			}

		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			switch block := ev.ContentBlock.AsAny().(type) {
			case sdk.ToolUseBlock:
				toolFrags[idx] = &toolFragments{id: block.ID, name: block.Name}
				if err := emit(driver.Event{
					Type:       events.TypeToolUseBlockStart,
					BlockIndex: idx,
					ToolCallID: block.ID,
					ToolName:   block.Name,
				}); err != nil {
					return nil, err
				}
			default:
				texts[idx] = ""
				if err := emit(driver.Event{Type: events.TypeTextBlockStart, BlockIndex: idx}); err != nil {
					return nil, err
				}
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				texts[idx] += delta.Text
				if err := emit(driver.Event{Type: events.TypeTextDelta, BlockIndex: idx, Text: delta.Text}); err != nil {
					return nil, err
				}
			case sdk.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				if frag := toolFrags[idx]; frag != nil {
					frag.json += delta.PartialJSON
				}
				if err := emit(driver.Event{Type: events.TypeInputJSONDelta, BlockIndex: idx, PartialJSON: delta.PartialJSON}); err != nil {
					return nil, err
				}
			}

		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if frag, ok := toolFrags[idx]; ok {
				input := frag.finalInput()
				result.toolCalls = append(result.toolCalls, toolCall{id: frag.id, name: frag.name, input: input})
				result.blocks = append(result.blocks, sdk.NewToolUseBlock(frag.id, json.RawMessage(input), frag.name))
				delete(toolFrags, idx)
				if err := emit(driver.Event{
					Type:       events.TypeToolUseBlockStop,
					BlockIndex: idx,
					ToolCallID: frag.id,
					ToolName:   frag.name,
					ToolInput:  input,
				}); err != nil {
					return nil, err
				}
			} else if text, ok := texts[idx]; ok {
				if text != "" {
					result.blocks = append(result.blocks, sdk.NewTextBlock(text))
				}
				delete(texts, idx)
				if err := emit(driver.Event{Type: events.TypeTextBlockStop, BlockIndex: idx}); err != nil {
					return nil, err
				}
			}

		case sdk.MessageDeltaEvent:
			usage.OutputTokens += ev.Usage.OutputTokens
			result.stopReason = mapStopReason(string(ev.Delta.StopReason))
			if err := emit(driver.Event{
				Type:       events.TypeMessageDelta,
				StopReason: result.stopReason,
				Usage:      usage,
			}); err != nil {
				return nil, err
			}

		case sdk.MessageStopEvent:
			// Terminal message_stop is emitted by the caller so tool rounds
			// can continue the receive without closing the turn.
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type toolFragments struct {
	id   string
	name string
	json string
}

func (f *toolFragments) finalInput() json.RawMessage {
	if f.json == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(f.json)
}

func mapStopReason(reason string) driver.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return driver.StopEndTurn
	case "max_tokens":
		return driver.StopMaxTokens
	case "tool_use":
		return driver.StopToolUse
	case "refusal":
		return driver.StopContentFilter
	default:
		return driver.StopOther
	}
}

// encodeMessages maps session history onto Messages API params. Error
// messages are skipped: they exist for the UI, not the model.
func encodeMessages(msgs []*store.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case store.RoleUser, store.RoleSystem:
			text := msg.Content.Text()
			if text == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(text)))

		case store.RoleAssistant, store.RoleToolCall:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Type {
				case store.PartText:
					if part.Text != "" {
						blocks = append(blocks, sdk.NewTextBlock(part.Text))
					}
				case store.PartToolCall:
					input := part.Input
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					blocks = append(blocks, sdk.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
				}
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}

		case store.RoleToolResult:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
			for _, part := range msg.Content {
				if part.Type == store.PartToolResult {
					blocks = append(blocks, sdk.NewToolResultBlock(part.ToolCallID, part.Result, part.IsError))
				}
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}

		case store.RoleError:
			// skip
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: no sendable messages")
	}
	return out, nil
}

// toolSchema is the subset of JSON Schema the Messages API accepts.
type toolSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func encodeTools(defs []tools.Definition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema toolSchema
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: decode schema for %s: %w", def.Name, err)
			}
		}
		tool := sdk.ToolParam{
			Name: def.Name,
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if def.Description != "" {
			tool.Description = sdk.String(def.Description)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func (d *Driver) Interrupt(_ context.Context) error {
	d.exch.Interrupt()
	return nil
}

func (d *Driver) Dispose() error {
	d.exch.Dispose()
	return nil
}
