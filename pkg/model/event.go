package model

import (
	"encoding/json"
	"time"
)

// EventType discriminates the payload carried by a ChatEvent.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventUserAudio        EventType = "user_audio"
	EventAgentMessage     EventType = "agent_message"
	EventAgentCallback    EventType = "agent_callback"
	EventTurnStart        EventType = "turn_start"
	EventTurnEnd          EventType = "turn_end"
	EventAssistantChunk   EventType = "assistant_chunk"
	EventAssistantDone    EventType = "assistant_done"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingDone     EventType = "thinking_done"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventToolOutputDelta  EventType = "tool_output_delta"
	EventOutputCancelled  EventType = "output_cancelled"
	EventInterrupt        EventType = "interrupt"
	EventSummaryMessage   EventType = "summary_message"
	EventCustomMessage    EventType = "custom_message"
	EventPanelEvent       EventType = "panel_event"
	EventInteractionReq   EventType = "interaction_request"
	EventInteractionResp  EventType = "interaction_response"
	EventInteractionPend  EventType = "interaction_pending"
)

// ChatEvent is the single persisted/transmitted record shape. Header fields
// are always present; exactly one payload field matching Type is populated,
// except for forward-compatible unknown types, which are preserved verbatim
// in RawPayload so older binaries do not lose data replaying newer logs.
type ChatEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	TurnID     string    `json:"turnId,omitempty"`
	ResponseID string    `json:"responseId,omitempty"`

	UserMessage      *UserMessagePayload      `json:"userMessage,omitempty"`
	UserAudio        *UserAudioPayload        `json:"userAudio,omitempty"`
	AgentMessage     *AgentMessagePayload     `json:"agentMessage,omitempty"`
	AgentCallback    *AgentCallbackPayload    `json:"agentCallback,omitempty"`
	TurnStart        *TurnStartPayload        `json:"turnStart,omitempty"`
	TurnEnd          *TurnEndPayload          `json:"turnEnd,omitempty"`
	AssistantChunk   *AssistantChunkPayload   `json:"assistantChunk,omitempty"`
	AssistantDone    *AssistantDonePayload    `json:"assistantDone,omitempty"`
	ThinkingStart    *ThinkingStartPayload    `json:"thinkingStart,omitempty"`
	ThinkingDelta    *ThinkingDeltaPayload    `json:"thinkingDelta,omitempty"`
	ThinkingDone     *ThinkingDonePayload     `json:"thinkingDone,omitempty"`
	ToolCall         *ToolCallPayload         `json:"toolCall,omitempty"`
	ToolResult       *ToolResultPayload       `json:"toolResult,omitempty"`
	ToolOutputDelta  *ToolOutputDeltaPayload  `json:"toolOutputDelta,omitempty"`
	OutputCancelled  *OutputCancelledPayload  `json:"outputCancelled,omitempty"`
	Interrupt        *InterruptPayload        `json:"interrupt,omitempty"`
	SummaryMessage   *SummaryMessagePayload   `json:"summaryMessage,omitempty"`
	CustomMessage    *CustomMessagePayload    `json:"customMessage,omitempty"`
	PanelEvent       *PanelEventPayload       `json:"panelEvent,omitempty"`
	InteractionReq   *InteractionRequestPayload  `json:"interactionRequest,omitempty"`
	InteractionResp  *InteractionResponsePayload `json:"interactionResponse,omitempty"`
	InteractionPend  *InteractionPendingPayload  `json:"interactionPending,omitempty"`

	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
}

type UserMessagePayload struct {
	Text        string   `json:"text"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

type UserAudioPayload struct {
	AudioRef   string `json:"audioRef"`
	DurationMs int    `json:"durationMs,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type AgentMessagePayload struct {
	MessageID       string `json:"messageId"`
	TargetAgentID   string `json:"targetAgentId"`
	TargetSessionID string `json:"targetSessionId"`
	Message         string `json:"message"`
	Wait            bool   `json:"wait"`
}

type AgentCallbackPayload struct {
	MessageID     string `json:"messageId"`
	FromAgentID   string `json:"fromAgentId"`
	FromSessionID string `json:"fromSessionId"`
	Result        string `json:"result"`
	Error         string `json:"error,omitempty"`
}

// TurnTrigger identifies what caused a turn_start event.
type TurnTrigger string

const (
	TriggerUser     TurnTrigger = "user"
	TriggerSystem   TurnTrigger = "system"
	TriggerCallback TurnTrigger = "callback"
)

type TurnStartPayload struct {
	AgentID string      `json:"agentId"`
	Model   string      `json:"model,omitempty"`
	Trigger TurnTrigger `json:"trigger"`
}

type TurnEndPayload struct {
	AgentID  string `json:"agentId"`
	Reason   string `json:"reason"` // "completed" | "cancelled" | "error"
	Error    string `json:"error,omitempty"`
}

type AssistantChunkPayload struct {
	Text string `json:"text"`
	Index int   `json:"index"`
}

type AssistantDonePayload struct {
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type ThinkingStartPayload struct{}

type ThinkingDeltaPayload struct {
	Text string `json:"text"`
}

type ThinkingDonePayload struct {
	Text string `json:"text"`
}

type ToolCallPayload struct {
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResultPayload struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Interrupted bool         `json:"interrupted,omitempty"`
}

type ToolOutputDeltaPayload struct {
	CallID string `json:"callId"`
	Chunk  string `json:"chunk"`
}

type OutputCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type InterruptPayload struct {
	Reason string `json:"reason,omitempty"`
}

type SummaryMessagePayload struct {
	Text            string `json:"text"`
	CoveredUpToID   string `json:"coveredUpToId"`
}

type CustomMessagePayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PanelEventPayload struct {
	Panel string          `json:"panel"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type InteractionRequestPayload struct {
	InteractionID string          `json:"interactionId"`
	Prompt        string          `json:"prompt"`
	Schema        json.RawMessage `json:"schema,omitempty"`
}

type InteractionResponsePayload struct {
	InteractionID string          `json:"interactionId"`
	Response      json.RawMessage `json:"response"`
}

type InteractionPendingPayload struct {
	InteractionID string `json:"interactionId"`
}

// Validate checks the header and payload shape of the union schema: id and
// timestamp are required, and a recognized Type must carry its matching
// payload pointer. Unknown types are accepted only via RawPayload, the
// forward-compat escape hatch.
func (e *ChatEvent) Validate() error {
	if e.ID == "" {
		return NewError(ErrInvalidEvent, "event missing id")
	}
	if e.Timestamp.IsZero() {
		return NewError(ErrInvalidEvent, "event %q missing timestamp", e.ID)
	}
	switch e.Type {
	case EventUserMessage:
		return requirePayload(e.ID, e.Type, e.UserMessage != nil)
	case EventUserAudio:
		return requirePayload(e.ID, e.Type, e.UserAudio != nil)
	case EventAgentMessage:
		return requirePayload(e.ID, e.Type, e.AgentMessage != nil)
	case EventAgentCallback:
		return requirePayload(e.ID, e.Type, e.AgentCallback != nil)
	case EventTurnStart:
		return requirePayload(e.ID, e.Type, e.TurnStart != nil)
	case EventTurnEnd:
		return requirePayload(e.ID, e.Type, e.TurnEnd != nil)
	case EventAssistantChunk:
		return requirePayload(e.ID, e.Type, e.AssistantChunk != nil)
	case EventAssistantDone:
		return requirePayload(e.ID, e.Type, e.AssistantDone != nil)
	case EventThinkingStart:
		return requirePayload(e.ID, e.Type, e.ThinkingStart != nil)
	case EventThinkingDelta:
		return requirePayload(e.ID, e.Type, e.ThinkingDelta != nil)
	case EventThinkingDone:
		return requirePayload(e.ID, e.Type, e.ThinkingDone != nil)
	case EventToolCall:
		return requirePayload(e.ID, e.Type, e.ToolCall != nil)
	case EventToolResult:
		return requirePayload(e.ID, e.Type, e.ToolResult != nil)
	case EventToolOutputDelta:
		return requirePayload(e.ID, e.Type, e.ToolOutputDelta != nil)
	case EventOutputCancelled:
		return requirePayload(e.ID, e.Type, e.OutputCancelled != nil)
	case EventInterrupt:
		return requirePayload(e.ID, e.Type, e.Interrupt != nil)
	case EventSummaryMessage:
		return requirePayload(e.ID, e.Type, e.SummaryMessage != nil)
	case EventCustomMessage:
		return requirePayload(e.ID, e.Type, e.CustomMessage != nil)
	case EventPanelEvent:
		return requirePayload(e.ID, e.Type, e.PanelEvent != nil)
	case EventInteractionReq:
		return requirePayload(e.ID, e.Type, e.InteractionReq != nil)
	case EventInteractionResp:
		return requirePayload(e.ID, e.Type, e.InteractionResp != nil)
	case EventInteractionPend:
		return requirePayload(e.ID, e.Type, e.InteractionPend != nil)
	default:
		if len(e.RawPayload) == 0 {
			return NewError(ErrInvalidEvent, "event %q has unrecognized type %q with no rawPayload", e.ID, e.Type)
		}
		return nil
	}
}

func requirePayload(id string, t EventType, present bool) error {
	if !present {
		return NewError(ErrInvalidEvent, "event %q of type %q missing its payload", id, t)
	}
	return nil
}
