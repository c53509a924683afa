package chatproc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexushub/pkg/model"
)

// defaultMaxToolIterations bounds the tool-call loop when an agent's chat
// config does not override it.
const defaultMaxToolIterations = 8

// EmitFunc streams one ChatEvent out of the turn loop. The Session Hub's
// implementation appends the event to the Event Store and broadcasts it to
// subscribed connections; chatproc itself has no store/transport dependency.
type EmitFunc func(event model.ChatEvent) error

// ToolCallHandler dispatches a batch of provider-requested tool calls and
// returns the synthesized role=tool messages to push back into history. The
// Session Hub's implementation owns activeToolCalls bookkeeping and emits
// tool_call/tool_result/tool_output_delta events itself; chatproc only sees
// the resulting messages.
type ToolCallHandler func(ctx context.Context, toolCalls []ProviderToolCall) ([]Message, error)

// RunRequest is one turn's input to the Chat Processor.
type RunRequest struct {
	Provider          Provider
	Model             string
	SystemPrompt      string
	Messages          []Message // full history, including the new user/system message already appended
	Tools             []ToolSpec
	Thinking          bool
	MaxToolIterations int
	Emit              EmitFunc
	HandleToolCalls    ToolCallHandler
}

// Result summarizes a completed (or cut-short) turn for the Session Hub.
type Result struct {
	Text          string
	Truncated     bool
	Interrupted   bool
	DurationMs    int64
	ToolCallCount int
	ToolCalls     []ProviderToolCall
	ThinkingText  string
}

// Processor runs the provider-neutral turn loop described in spec §4.6: it
// streams a provider's reply, feeds tool calls through HandleToolCalls, and
// loops until the provider stops requesting tools or MaxToolIterations is
// reached.
type Processor struct{}

// NewProcessor constructs a Processor. It is stateless; all per-turn state
// lives in RunRequest/Result.
func NewProcessor() *Processor {
	return &Processor{}
}

// Run drives one turn to completion or interruption. On ctx cancellation it
// returns early with Result.Interrupted=true and the text accumulated so
// far; it never emits assistant_done itself in that case — the Session Hub
// is responsible for the cancellation event sequence of spec §4.5.3 step 6.
func (p *Processor) Run(ctx context.Context, req RunRequest) (Result, error) {
	if req.Provider == nil {
		return Result{}, errors.New("chatproc: RunRequest.Provider is required")
	}
	maxIter := req.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}

	start := time.Now()
	messages := append([]Message(nil), req.Messages...)

	var (
		thinkingAccum strings.Builder
		thinkingBegun bool
		toolCallCount int
		lastToolCalls []ProviderToolCall
		truncated     bool
	)

	for iteration := 0; ; iteration++ {
		chunks, err := req.Provider.Complete(ctx, CompletionRequest{
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			Messages:     messages,
			Tools:        req.Tools,
			Thinking:     req.Thinking,
		})
		if err != nil {
			return Result{DurationMs: time.Since(start).Milliseconds()}, err
		}

		var (
			iterText  strings.Builder
			iterCalls []ProviderToolCall
			streamErr error
		)

	drain:
		for {
			select {
			case <-ctx.Done():
				return Result{
					Text:         iterText.String(),
					ThinkingText: thinkingAccum.String(),
					Interrupted:  true,
					DurationMs:   time.Since(start).Milliseconds(),
				}, ctx.Err()
			case chunk, ok := <-chunks:
				if !ok {
					break drain
				}
				switch chunk.Kind {
				case ChunkText:
					iterText.WriteString(chunk.Text)
					if req.Emit != nil {
						if err := req.Emit(model.ChatEvent{
							Type:           model.EventAssistantChunk,
							AssistantChunk: &model.AssistantChunkPayload{Text: chunk.Text},
						}); err != nil {
							return Result{}, fmt.Errorf("chatproc: emitting assistant_chunk: %w", err)
						}
					}
				case ChunkThinkingDelta:
					if !thinkingBegun {
						thinkingBegun = true
						if req.Emit != nil {
							if err := req.Emit(model.ChatEvent{
								Type:          model.EventThinkingStart,
								ThinkingStart: &model.ThinkingStartPayload{},
							}); err != nil {
								return Result{}, fmt.Errorf("chatproc: emitting thinking_start: %w", err)
							}
						}
					}
					thinkingAccum.WriteString(chunk.Text)
					if req.Emit != nil {
						if err := req.Emit(model.ChatEvent{
							Type:          model.EventThinkingDelta,
							ThinkingDelta: &model.ThinkingDeltaPayload{Text: chunk.Text},
						}); err != nil {
							return Result{}, fmt.Errorf("chatproc: emitting thinking_delta: %w", err)
						}
					}
				case ChunkToolCall:
					if chunk.ToolCall != nil {
						iterCalls = append(iterCalls, *chunk.ToolCall)
					}
				case ChunkError:
					streamErr = chunk.Err
				case ChunkDone:
					// no-op; loop exits when the channel closes.
				}
			}
		}
		if streamErr != nil {
			return Result{DurationMs: time.Since(start).Milliseconds()}, streamErr
		}

		if len(iterCalls) == 0 {
			if thinkingBegun {
				if req.Emit != nil {
					if err := req.Emit(model.ChatEvent{
						Type:         model.EventThinkingDone,
						ThinkingDone: &model.ThinkingDonePayload{Text: thinkingAccum.String()},
					}); err != nil {
						return Result{}, fmt.Errorf("chatproc: emitting thinking_done: %w", err)
					}
				}
			}
			return Result{
				Text:          iterText.String(),
				Truncated:     truncated,
				DurationMs:    time.Since(start).Milliseconds(),
				ToolCallCount: toolCallCount,
				ToolCalls:     lastToolCalls,
				ThinkingText:  thinkingAccum.String(),
			}, nil
		}

		toolCallCount += len(iterCalls)
		lastToolCalls = iterCalls

		if iteration+1 >= maxIter {
			truncated = true
			return Result{
				Text:          iterText.String(),
				Truncated:     truncated,
				DurationMs:    time.Since(start).Milliseconds(),
				ToolCallCount: toolCallCount,
				ToolCalls:     lastToolCalls,
				ThinkingText:  thinkingAccum.String(),
			}, nil
		}

		if req.HandleToolCalls == nil {
			return Result{}, errors.New("chatproc: RunRequest.HandleToolCalls is required when the provider requests tool calls")
		}
		toolMessages, err := req.HandleToolCalls(ctx, iterCalls)
		if err != nil {
			return Result{DurationMs: time.Since(start).Milliseconds()}, err
		}

		messages = append(messages, Message{Role: "assistant", Content: iterText.String(), ToolCalls: iterCalls})
		messages = append(messages, toolMessages...)
	}
}
