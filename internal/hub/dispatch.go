package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/internal/ratelimit"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// Dispatch submits in for execution against its session, per spec §4.5.2:
// if the session is idle, the turn starts on its own goroutine immediately;
// if busy, it is appended to the session's FIFO queue and runs once every
// earlier entry has finished. Dispatch never blocks on the turn itself —
// callers that need synchronous semantics (delegation, the scheduler) race
// the returned outcome's Done channel against their own timeout and call
// CancelActiveRun on expiry.
func (h *Hub) Dispatch(in DispatchInput) (*DispatchOutcome, error) {
	if in.SessionID == "" {
		return nil, model.NewError(model.ErrSessionNotFound, "dispatch requires a sessionId")
	}

	var (
		outcome  *DispatchOutcome
		startErr error
		state    *logicalSessionState
		toStart  bool
		handle   *turnHandle
	)

	h.submit(func(st *hubState) {
		s, err := h.ensureLocked(st, in.SessionID)
		if err != nil {
			startErr = err
			return
		}
		state = s
		handle = newTurnHandle(in.SessionID)
		if s.active != nil {
			s.queue = append(s.queue, queuedDispatch{in: in, handle: handle})
			outcome = &DispatchOutcome{ResponseID: handle.responseID, Queued: true, handle: handle}
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.QueueDepth.Inc()
			}
			return
		}
		s.active = handle
		outcome = &DispatchOutcome{ResponseID: handle.responseID, Queued: false, handle: handle}
		toStart = true
	})
	if startErr != nil {
		return nil, startErr
	}
	if toStart {
		go h.runTurn(state, in, handle)
	}
	return outcome, nil
}

// CancelActiveRun issues the cancellation sequence of spec §4.5.3 step 6
// against sessionID's in-flight turn, if any. It is a no-op (not an error)
// if the session has no active run.
func (h *Hub) CancelActiveRun(sessionID string) error {
	var handle *turnHandle
	h.submit(func(st *hubState) {
		if s, ok := st.cache[sessionID]; ok && s.active != nil {
			handle = s.active
		}
	})
	if handle == nil {
		return nil
	}
	handle.mu.Lock()
	cancel := handle.cancel
	handle.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// completeTurn clears sessionID's active slot, starts the next queued
// dispatch (if any), and runs eviction now that the session may no longer
// be exempt.
func (h *Hub) completeTurn(sessionID string) {
	var (
		nextState *logicalSessionState
		nextIn    DispatchInput
		nextHandle *turnHandle
		startNext bool
	)
	h.submit(func(st *hubState) {
		s, ok := st.cache[sessionID]
		if !ok {
			return
		}
		s.active = nil
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.active = next.handle
			nextState = s
			nextIn = next.in
			nextHandle = next.handle
			startNext = true
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.QueueDepth.Dec()
			}
		}
		h.evictLocked(st)
	})
	if startNext {
		go h.runTurn(nextState, nextIn, nextHandle)
	}
}

func (h *Hub) providerFor(agent *model.AgentDefinition) (chatproc.Provider, string, error) {
	if h.cfg.Providers == nil {
		return nil, "", model.NewError(model.ErrAgentNotAvailable, "agent %q: no provider resolver configured", agent.AgentID)
	}
	return h.cfg.Providers(agent)
}

func toChatTools(specs []toolhost.Spec) []chatproc.ToolSpec {
	out := make([]chatproc.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, chatproc.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

// runTurn executes one turn end to end: turn_start, the Chat Processor
// loop, tool dispatch through a scoped Tool Host, and turn_end — then hands
// control back to completeTurn regardless of outcome.
func (h *Hub) runTurn(state *logicalSessionState, in DispatchInput, handle *turnHandle) {
	sessionID := state.sessionID
	defer h.completeTurn(sessionID)

	agent, err := h.cfg.Registry.GetAgent(state.agentID)
	if err != nil {
		handle.finish(TurnResult{Status: "error", Err: err})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle.mu.Lock()
	handle.cancel = cancel
	handle.toolCalls = make(map[string]pendingToolCall)
	handle.mu.Unlock()
	defer cancel()

	turnID := uuid.NewString()
	responseID := handle.responseID

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.TurnsStarted.WithLabelValues(agent.AgentID).Inc()
	}
	_, _ = h.cfg.Index.MarkSessionActivity(sessionID, model.SessionBusy, h.now())

	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventUserMessage, TurnID: turnID, ResponseID: responseID,
		UserMessage: &model.UserMessagePayload{Text: in.Text},
	}, !in.LogAsCallback, in.ExcludeConnID)

	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventTurnStart, TurnID: turnID, ResponseID: responseID,
		TurnStart: &model.TurnStartPayload{AgentID: agent.AgentID, Trigger: in.Trigger},
	}, true, "")

	state.messages = append(state.messages, chatproc.Message{Role: "user", Content: in.Text})

	provider, modelName, err := h.providerFor(agent)
	if err != nil {
		h.finishTurnError(state, handle, turnID, responseID, agent, err)
		return
	}

	scoped := toolhost.NewScopedToolHost(h.cfg.Tools, agent)
	toolSpecs := toChatTools(scoped.ListTools())
	limiter := h.toolLimiterFor(sessionID)

	emit := func(ev model.ChatEvent) error {
		ev.ID = uuid.NewString()
		ev.TurnID = turnID
		ev.ResponseID = responseID
		return h.emitRaw(sessionID, ev, true, "")
	}

	thinking := agent.Chat != nil && agent.Chat.Thinking

	result, runErr := chatproc.NewProcessor().Run(ctx, chatproc.RunRequest{
		Provider:          provider,
		Model:             modelName,
		SystemPrompt:      agent.SystemPrompt,
		Messages:          state.messages,
		Tools:             toolSpecs,
		Thinking:          thinking,
		HandleToolCalls:   h.makeToolHandler(sessionID, turnID, responseID, handle, scoped, limiter),
		Emit:              emit,
	})

	if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		h.finishTurnCancelled(state, handle, turnID, responseID, agent, result)
		return
	}
	if runErr != nil {
		h.finishTurnError(state, handle, turnID, responseID, agent, runErr)
		return
	}

	state.messages = append(state.messages, chatproc.Message{Role: "assistant", Content: result.Text})
	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventAssistantDone, TurnID: turnID, ResponseID: responseID,
		AssistantDone: &model.AssistantDonePayload{Text: result.Text},
	}, true, "")
	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventTurnEnd, TurnID: turnID, ResponseID: responseID,
		TurnEnd: &model.TurnEndPayload{AgentID: agent.AgentID, Reason: "completed"},
	}, true, "")

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.TurnsFinished.WithLabelValues(agent.AgentID, "completed").Inc()
	}
	_, _ = h.cfg.Index.MarkSessionActivity(sessionID, model.SessionIdle, h.now())
	handle.finish(TurnResult{Status: "complete", ResponseText: result.Text})
}

// finishTurnCancelled implements spec §4.5.3 step 6: an assistant_done
// carrying whatever text had accumulated (marked interrupted), a
// tool_result{interrupted:true} for every tool call still outstanding, an
// output_cancelled event, then turn_end{reason:"cancelled"}.
func (h *Hub) finishTurnCancelled(state *logicalSessionState, handle *turnHandle, turnID, responseID string, agent *model.AgentDefinition, result chatproc.Result) {
	sessionID := state.sessionID

	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventAssistantDone, TurnID: turnID, ResponseID: responseID,
		AssistantDone: &model.AssistantDonePayload{Text: result.Text, Interrupted: true},
	}, true, "")

	handle.mu.Lock()
	outstanding := handle.toolCalls
	handle.toolCalls = nil
	handle.mu.Unlock()
	for callID, pending := range outstanding {
		_ = h.emitRaw(sessionID, model.ChatEvent{
			ID: uuid.NewString(), Type: model.EventToolResult, TurnID: turnID, ResponseID: responseID,
			ToolResult: &model.ToolResultPayload{CallID: callID, ToolName: pending.toolName, Interrupted: true},
		}, true, "")
	}

	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventOutputCancelled, TurnID: turnID, ResponseID: responseID,
		OutputCancelled: &model.OutputCancelledPayload{Reason: "cancelled"},
	}, true, "")
	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventTurnEnd, TurnID: turnID, ResponseID: responseID,
		TurnEnd: &model.TurnEndPayload{AgentID: agent.AgentID, Reason: "cancelled"},
	}, true, "")

	if result.Text != "" {
		state.messages = append(state.messages, chatproc.Message{Role: "assistant", Content: result.Text})
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.TurnsFinished.WithLabelValues(agent.AgentID, "cancelled").Inc()
	}
	_, _ = h.cfg.Index.MarkSessionActivity(sessionID, model.SessionIdle, h.now())
	handle.finish(TurnResult{Status: "cancelled", ResponseText: result.Text})
}

func (h *Hub) finishTurnError(state *logicalSessionState, handle *turnHandle, turnID, responseID string, agent *model.AgentDefinition, err error) {
	sessionID := state.sessionID
	_ = h.emitRaw(sessionID, model.ChatEvent{
		ID: uuid.NewString(), Type: model.EventTurnEnd, TurnID: turnID, ResponseID: responseID,
		TurnEnd: &model.TurnEndPayload{AgentID: agent.AgentID, Reason: "error", Error: err.Error()},
	}, true, "")
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.TurnsFinished.WithLabelValues(agent.AgentID, "error").Inc()
	}
	_, _ = h.cfg.Index.MarkSessionActivity(sessionID, model.SessionIdle, h.now())
	handle.finish(TurnResult{Status: "error", Err: err})
}

// makeToolHandler bridges the Chat Processor's ToolCallHandler contract to
// the Tool Host, owning activeToolCalls bookkeeping and tool_call/
// tool_result event emission the way spec §4.5.3 step 4 assigns to the
// Session Hub rather than the Chat Processor.
func (h *Hub) makeToolHandler(sessionID, turnID, responseID string, handle *turnHandle, host toolhost.Host, limiter *ratelimit.Limiter) chatproc.ToolCallHandler {
	return func(ctx context.Context, calls []chatproc.ProviderToolCall) ([]chatproc.Message, error) {
		out := make([]chatproc.Message, 0, len(calls))
		for _, call := range calls {
			_ = h.emitRaw(sessionID, model.ChatEvent{
				ID: uuid.NewString(), Type: model.EventToolCall, TurnID: turnID, ResponseID: responseID,
				ToolCall: &model.ToolCallPayload{CallID: call.ID, ToolName: call.Name, Arguments: call.Arguments},
			}, true, "")

			handle.mu.Lock()
			if handle.toolCalls != nil {
				handle.toolCalls[call.ID] = pendingToolCall{toolName: call.Name}
			}
			handle.mu.Unlock()

			var (
				resultJSON json.RawMessage
				errStr     string
			)
			if res := limiter.Check(1, h.now().UnixMilli()); !res.Allowed {
				if h.cfg.Metrics != nil {
					h.cfg.Metrics.RateLimitRejections.Inc()
				}
				errStr = model.NewError(model.ErrRateLimited, "tool call rate limited, retry after %dms", res.RetryAfterMs).Error()
			} else {
				cc := toolhost.CallContext{Context: ctx, SessionID: sessionID, TurnID: turnID, ResponseID: responseID, ToolCallID: call.ID, AgentRegistry: h.cfg.Registry}
				res, callErr := host.CallTool(cc, call.Name, call.Arguments)
				if callErr != nil {
					errStr = callErr.Error()
				} else {
					resultJSON = res
				}
			}

			outcome := "ok"
			if errStr != "" {
				outcome = "error"
			}
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
			}

			_ = h.emitRaw(sessionID, model.ChatEvent{
				ID: uuid.NewString(), Type: model.EventToolResult, TurnID: turnID, ResponseID: responseID,
				ToolResult: &model.ToolResultPayload{CallID: call.ID, ToolName: call.Name, Result: resultJSON, Error: errStr},
			}, true, "")

			handle.mu.Lock()
			if handle.toolCalls != nil {
				delete(handle.toolCalls, call.ID)
			}
			handle.mu.Unlock()

			content := string(resultJSON)
			if errStr != "" {
				content = errStr
			}
			out = append(out, chatproc.Message{Role: "tool", ToolCallID: call.ID, Content: content})
		}
		return out, nil
	}
}
