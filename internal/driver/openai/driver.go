// Package openai adapts OpenAI-style Chat Completions APIs to the driver
// contract. The same adapter serves openai, deepseek, xai, mistral, and any
// other openai-compatible endpoint via the base URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/driver"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/store"
	"github.com/agentx/agentx/internal/tools"
)

const (
	defaultModel = "gpt-4o"

	// maxToolRounds bounds runaway tool loops in one receive.
	maxToolRounds = 25
)

// baseURLs maps known openai-compatible providers to their endpoints.
var baseURLs = map[string]string{
	"deepseek": "https://api.deepseek.com",
	"google":   "https://generativelanguage.googleapis.com/v1beta/openai/",
	"xai":      "https://api.x.ai/v1",
	"mistral":  "https://api.mistral.ai/v1",
}

// BaseURLFor returns the default endpoint for a known provider name, or empty
// when the provider uses the SDK default (openai) or a custom URL.
func BaseURLFor(provider string) string {
	return baseURLs[provider]
}

// Options configures the driver.
type Options struct {
	// Provider names the concrete vendor for logging and defaults. Empty
	// means "openai".
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	// MaxTokens caps the completion; zero lets the vendor decide.
	MaxTokens int64
}

// Driver implements driver.Driver on the Chat Completions API.
type Driver struct {
	sessionID string
	provider  string
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
		return nil, errors.New("openai: api key is required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = "openai"
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = BaseURLFor(provider)
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	return &Driver{
		sessionID: sessionID,
		provider:  provider,
		client:    sdk.NewClient(clientOpts...),
		model:     model,
		maxTokens: opts.MaxTokens,
		exch:      driver.NewExchange(),
		logger:    log.WithFields(zap.String("driver", provider), zap.String("session_id", sessionID)),
	}, nil
}

func (d *Driver) Name() string        { return d.provider }
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

	msgs, err := encodeMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		done()
		return nil, err
	}

	var toolParams []sdk.ChatCompletionToolUnionParam
	if req.Tools != nil {
		defs, err := req.Tools.List(runCtx)
		if err != nil {
			done()
			return nil, fmt.Errorf("openai: list tools: %w", err)
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
func (d *Driver) run(ctx context.Context, req driver.Request, msgs []sdk.ChatCompletionMessageParamUnion, toolParams []sdk.ChatCompletionToolUnionParam, model string, out chan<- driver.Event) {
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			out <- driver.Event{Type: events.TypeError, Message: "tool loop exceeded round limit"}
			return
		}

		params := sdk.ChatCompletionNewParams{
			Model:    sdk.ChatModel(model),
			Messages: msgs,
			StreamOptions: sdk.ChatCompletionStreamOptionsParam{
				IncludeUsage: sdk.Bool(true),
			},
		}
		if d.maxTokens > 0 {
			params.MaxCompletionTokens = sdk.Int(d.maxTokens)
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

		d.logger.Debug("executing tool round",
			zap.Int("round", round+1),
			zap.Int("calls", len(result.toolCalls)))
		msgs = append(msgs, assistantWithToolCalls(result.text, result.toolCalls))
		for _, call := range result.toolCalls {
			text, isErr, err := req.Tools.Execute(ctx, call.name, json.RawMessage(call.args))
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
			if isErr {
				text = "error: " + text
			}
			msgs = append(msgs, sdk.ToolMessage(text, call.id))
		}
	}
}

// toolCall is one completed tool call delta sequence awaiting execution.
type toolCall struct {
	index int64
	id    string
	name  string
	args  string
}

// exchangeResult summarizes one streamed completion.
type exchangeResult struct {
	stopReason driver.StopReason
	text       string
	toolCalls  []toolCall
}

// streamExchange runs one Chat Completions stream, translating chunk deltas
// into content block events. Chat Completions has no block framing, so blocks
// are synthesized: the text channel is one block, each tool call another.
func (d *Driver) streamExchange(ctx context.Context, params sdk.ChatCompletionNewParams, out chan<- driver.Event) (*exchangeResult, error) {
	stream := d.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completions stream: %w", err)
	}

	emit := func(ev driver.Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := emit(driver.Event{Type: events.TypeMessageStart}); err != nil {
		return nil, err
	}

	result := &exchangeResult{stopReason: driver.StopOther}
	var usage driver.Usage
	finish := ""

	nextBlock := 0
	textBlock := -1
	calls := make(map[int64]*toolCall)
	blockOf := make(map[int64]int)

	closeTextBlock := func() error {
		if textBlock < 0 {
			return nil
		}
		err := emit(driver.Event{Type: events.TypeTextBlockStop, BlockIndex: textBlock})
		textBlock = -1
		return err
	}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if textBlock < 0 {
				textBlock = nextBlock
				nextBlock++
				if err := emit(driver.Event{Type: events.TypeTextBlockStart, BlockIndex: textBlock}); err != nil {
					return nil, err
				}
			}
			result.text += choice.Delta.Content
			if err := emit(driver.Event{Type: events.TypeTextDelta, BlockIndex: textBlock, Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			call, open := calls[tc.Index]
			if !open {
				if err := closeTextBlock(); err != nil {
					return nil, err
				}
				call = &toolCall{index: tc.Index, id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = call
				blockOf[tc.Index] = nextBlock
				nextBlock++
				if err := emit(driver.Event{
					Type:       events.TypeToolUseBlockStart,
					BlockIndex: blockOf[tc.Index],
					ToolCallID: call.id,
					ToolName:   call.name,
				}); err != nil {
					return nil, err
				}
			}
			if tc.Function.Arguments != "" {
				call.args += tc.Function.Arguments
				if err := emit(driver.Event{
					Type:        events.TypeInputJSONDelta,
					BlockIndex:  blockOf[tc.Index],
					PartialJSON: tc.Function.Arguments,
				}); err != nil {
					return nil, err
				}
			}
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completions stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := closeTextBlock(); err != nil {
		return nil, err
	}
	for _, call := range calls {
		result.toolCalls = append(result.toolCalls, *call)
	}
	sort.Slice(result.toolCalls, func(i, j int) bool {
		return result.toolCalls[i].index < result.toolCalls[j].index
	})
	for _, call := range result.toolCalls {
		input := call.args
		if input == "" {
			input = "{}"
		}
		if err := emit(driver.Event{
			Type:       events.TypeToolUseBlockStop,
			BlockIndex: blockOf[call.index],
			ToolCallID: call.id,
			ToolName:   call.name,
			ToolInput:  json.RawMessage(input),
		}); err != nil {
			return nil, err
		}
	}

	result.stopReason = mapFinishReason(finish)
	if err := emit(driver.Event{
		Type:       events.TypeMessageDelta,
		StopReason: result.stopReason,
		Usage:      usage,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func mapFinishReason(reason string) driver.StopReason {
	switch reason {
	case "stop":
		return driver.StopEndTurn
	case "length":
		return driver.StopMaxTokens
	case "tool_calls", "function_call":
		return driver.StopToolUse
	case "content_filter":
		return driver.StopContentFilter
	default:
		return driver.StopOther
	}
}

func assistantWithToolCalls(text string, toolCalls []toolCall) sdk.ChatCompletionMessageParamUnion {
	assistant := sdk.ChatCompletionAssistantMessageParam{}
	if text != "" {
		assistant.Content.OfString = sdk.String(text)
	}
	for _, call := range toolCalls {
		args := call.args
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
				ID: call.id,
				Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.name,
					Arguments: args,
				},
			},
		})
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// encodeMessages maps session history onto Chat Completions params. Error
// messages are skipped: they exist for the UI, not the model.
func encodeMessages(systemPrompt string, history []*store.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, sdk.SystemMessage(systemPrompt))
	}
	for _, msg := range history {
		switch msg.Role {
		case store.RoleUser:
			if text := msg.Content.Text(); text != "" {
				out = append(out, sdk.UserMessage(text))
			}

		case store.RoleSystem:
			if text := msg.Content.Text(); text != "" {
				out = append(out, sdk.SystemMessage(text))
			}

		case store.RoleAssistant, store.RoleToolCall:
			var (
				text  string
				tcs   []toolCall
				index int64
			)
			for _, part := range msg.Content {
				switch part.Type {
				case store.PartText:
					text += part.Text
				case store.PartToolCall:
					tcs = append(tcs, toolCall{
						index: index,
						id:    part.ToolCallID,
						name:  part.ToolName,
						args:  string(part.Input),
					})
					index++
				}
			}
			if len(tcs) > 0 {
				out = append(out, assistantWithToolCalls(text, tcs))
			} else if text != "" {
				out = append(out, sdk.AssistantMessage(text))
			}

		case store.RoleToolResult:
			for _, part := range msg.Content {
				if part.Type != store.PartToolResult {
					continue
				}
				text := part.Result
				if part.IsError {
					text = "error: " + text
				}
				out = append(out, sdk.ToolMessage(text, part.ToolCallID))
			}

		case store.RoleError:
			// skip
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: no sendable messages")
	}
	return out, nil
}

func encodeTools(defs []tools.Definition) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var params sdk.FunctionParameters
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: decode schema for %s: %w", def.Name, err)
			}
			fn.Parameters = params
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
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
