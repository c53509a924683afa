package hub

import (
	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/pkg/model"
)

func newEventID() string { return uuid.NewString() }

// Subscribe registers conn to receive broadcasts for sessionID. Re-calling
// with the same conn.ID() replaces the prior registration for that session.
func (h *Hub) Subscribe(sessionID string, conn Connection) {
	h.submit(func(st *hubState) {
		byConn, ok := st.subs[sessionID]
		if !ok {
			byConn = make(map[string]Connection)
			st.subs[sessionID] = byConn
		}
		byConn[conn.ID()] = conn
	})
}

// Unsubscribe removes connID from sessionID's subscriber set.
func (h *Hub) Unsubscribe(sessionID, connID string) {
	h.submit(func(st *hubState) {
		if byConn, ok := st.subs[sessionID]; ok {
			delete(byConn, connID)
			if len(byConn) == 0 {
				delete(st.subs, sessionID)
			}
		}
	})
}

// UnsubscribeAll removes connID from every session it was subscribed to,
// used when a transport connection closes.
func (h *Hub) UnsubscribeAll(connID string) {
	h.submit(func(st *hubState) {
		for sessionID, byConn := range st.subs {
			delete(byConn, connID)
			if len(byConn) == 0 {
				delete(st.subs, sessionID)
			}
		}
	})
}

// BroadcastToSession sends msg to every connection subscribed to sessionID,
// optionally skipping excludeConnID (the message's originator, which
// already has it locally).
func (h *Hub) BroadcastToSession(sessionID string, msg ServerMessage, excludeConnID string) {
	msg.SessionID = sessionID
	var targets []Connection
	h.submit(func(st *hubState) {
		for connID, conn := range st.subs[sessionID] {
			if connID == excludeConnID {
				continue
			}
			targets = append(targets, conn)
		}
	})
	for _, conn := range targets {
		conn.Send(msg)
	}
}

// BroadcastToAll sends msg to every connection subscribed to any session;
// used for hub-wide notifications such as session_created/session_deleted.
func (h *Hub) BroadcastToAll(msg ServerMessage) {
	var targets []Connection
	h.submit(func(st *hubState) {
		seen := make(map[string]bool)
		for _, byConn := range st.subs {
			for connID, conn := range byConn {
				if seen[connID] {
					continue
				}
				seen[connID] = true
				targets = append(targets, conn)
			}
		}
	})
	for _, conn := range targets {
		conn.Send(msg)
	}
}

// wireTypeForEvent maps a persisted ChatEvent's Type to the wire message
// type name clients expect, renaming three cases (assistant_chunk,
// assistant_done and tool_call become text_delta, text_done and
// tool_call_start) and passing every other event type through under its
// own name.
func wireTypeForEvent(ev model.ChatEvent) string {
	switch ev.Type {
	case model.EventAssistantChunk:
		return "text_delta"
	case model.EventAssistantDone:
		return "text_done"
	case model.EventToolCall:
		return "tool_call_start"
	default:
		return string(ev.Type)
	}
}

func payloadForEvent(ev model.ChatEvent) any {
	switch ev.Type {
	case model.EventUserMessage:
		return ev.UserMessage
	case model.EventAgentMessage:
		return ev.AgentMessage
	case model.EventAgentCallback:
		return ev.AgentCallback
	case model.EventTurnStart:
		return ev.TurnStart
	case model.EventTurnEnd:
		return ev.TurnEnd
	case model.EventAssistantChunk:
		return ev.AssistantChunk
	case model.EventAssistantDone:
		return ev.AssistantDone
	case model.EventThinkingStart:
		return ev.ThinkingStart
	case model.EventThinkingDelta:
		return ev.ThinkingDelta
	case model.EventThinkingDone:
		return ev.ThinkingDone
	case model.EventToolCall:
		return ev.ToolCall
	case model.EventToolResult:
		return ev.ToolResult
	case model.EventToolOutputDelta:
		return ev.ToolOutputDelta
	case model.EventOutputCancelled:
		return ev.OutputCancelled
	case model.EventInterrupt:
		return ev.Interrupt
	case model.EventSummaryMessage:
		return ev.SummaryMessage
	case model.EventCustomMessage:
		return ev.CustomMessage
	case model.EventPanelEvent:
		return ev.PanelEvent
	case model.EventInteractionReq:
		return ev.InteractionReq
	case model.EventInteractionResp:
		return ev.InteractionResp
	case model.EventInteractionPend:
		return ev.InteractionPend
	default:
		return ev.RawPayload
	}
}

// EmitEvent appends and broadcasts a ChatEvent that did not originate from a
// running turn (e.g. agent_message/agent_callback emitted by the delegation
// package, or custom_message from the external-agent callback handler).
func (h *Hub) EmitEvent(sessionID string, ev model.ChatEvent) error {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	return h.emitRaw(sessionID, ev, true, "")
}

// emitRaw appends ev to the Event Store and, if broadcast is true, fans it
// out to every connection subscribed to ev.SessionID.
func (h *Hub) emitRaw(sessionID string, ev model.ChatEvent, broadcast bool, excludeConnID string) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	if err := h.cfg.Events.Append(sessionID, ev); err != nil {
		return err
	}
	if broadcast {
		h.BroadcastToSession(sessionID, ServerMessage{
			Type:    wireTypeForEvent(ev),
			Payload: payloadForEvent(ev),
		}, excludeConnID)
	}
	return nil
}
