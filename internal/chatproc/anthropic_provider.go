package chatproc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider adapts github.com/anthropics/anthropic-sdk-go to the
// Provider interface; it serves the "pi" provider kind and any Claude-style
// agent configuration.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicProvider builds a provider against the public Anthropic API.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: client, model: model, maxTokens: defaultAnthropicMaxTokens}
}

// NewAnthropicProviderWithBaseURL builds a provider against a custom base
// URL (proxies, gateways fronting the Anthropic API).
func NewAnthropicProviderWithBaseURL(apiKey, baseURL, model string) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return &AnthropicProvider{client: client, model: model, maxTokens: defaultAnthropicMaxTokens}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan CompletionChunk)
	go pumpAnthropicStream(ctx, stream, chunks)
	return chunks, nil
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		if m.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if m.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			// user and tool roles both map to Anthropic's "user" role.
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}
	return result, nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicStream is the subset of ssestream.Stream that pumpAnthropicStream
// depends on, so tests can supply a fake without hitting the network.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// pumpAnthropicStream converts Anthropic SSE events into CompletionChunks,
// accumulating tool-use input JSON fragments across content_block_delta
// events and flushing each tool call on its content_block_stop.
func pumpAnthropicStream(ctx context.Context, stream anthropicStream, out chan<- CompletionChunk) {
	defer close(out)

	var currentToolCall *ProviderToolCall
	var currentToolInput []byte

	emit := func(c CompletionChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &ProviderToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput = nil
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(CompletionChunk{Kind: ChunkText, Text: delta.Text}) {
						return
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(CompletionChunk{Kind: ChunkThinkingDelta, Text: delta.Thinking}) {
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput = append(currentToolInput, delta.PartialJSON...)
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = json.RawMessage(currentToolInput)
				if !emit(CompletionChunk{Kind: ChunkToolCall, ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}

		case "message_stop":
			emit(CompletionChunk{Kind: ChunkDone})
			return

		case "error":
			emit(CompletionChunk{Kind: ChunkError, Err: fmt.Errorf("anthropic stream error")})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(CompletionChunk{Kind: ChunkError, Err: err})
	}
}
