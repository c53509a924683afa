package chatproc

import (
	"context"
	"encoding/json"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts github.com/sashabaranov/go-openai to the Provider
// interface; it also serves the "openai-compatible" provider kind when
// constructed with a custom BaseURL.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider against the public OpenAI API.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}
}

// NewOpenAICompatibleProvider builds a provider against a custom base URL
// (self-hosted or third-party OpenAI-compatible endpoints).
func NewOpenAICompatibleProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, toOpenAIMessage(m))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Tools:    toOpenAITools(req.Tools),
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan CompletionChunk)
	go pumpOpenAIStream(ctx, stream, chunks)
	return chunks, nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// pumpOpenAIStream converts provider SSE chunks into CompletionChunks,
// accumulating partial tool-call arguments across chunks by index and
// emitting each completed tool call once its finish reason arrives.
func pumpOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- CompletionChunk) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*ProviderToolCall)

	flush := func() {
		for _, tc := range pending {
			if tc.ID != "" && tc.Name != "" {
				select {
				case out <- CompletionChunk{Kind: ChunkToolCall, ToolCall: tc}:
				case <-ctx.Done():
				}
			}
		}
		pending = make(map[int]*ProviderToolCall)
	}

	send := func(c CompletionChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			send(CompletionChunk{Kind: ChunkError, Err: ctx.Err()})
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flush()
				send(CompletionChunk{Kind: ChunkDone})
				return
			}
			send(CompletionChunk{Kind: ChunkError, Err: err})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !send(CompletionChunk{Kind: ChunkText, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &ProviderToolCall{}
				pending[idx] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Arguments = append(cur.Arguments, []byte(tc.Function.Arguments)...)
			}
		}

		if choice.FinishReason == "tool_calls" {
			flush()
		}
	}
}
