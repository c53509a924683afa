// Package external implements External Agents: sessions backed by a
// third-party service reached over HTTP instead of a chatproc.Provider.
// nexushub posts the inbound turn to the agent's inputUrl and the service
// calls back asynchronously against a per-session callback URL; there is no
// teacher equivalent (the teacher's channels talk to chat platforms, not to
// external *agent* backends), so this package is written fresh against the
// net/http idiom used throughout the teacher's own HTTP surfaces.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/pkg/model"
)

const defaultPostTimeout = 10 * time.Second

// inboundPayload is POSTed to an external agent's inputUrl.
type inboundPayload struct {
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
	Text        string `json:"text"`
	CallbackURL string `json:"callbackUrl"`
}

// callbackEnvelope is the shape nexushub understands on the external
// service's callback. Type discriminates well-typed fields; an absent type
// carrying text is treated as assistant_done, and anything else (an
// unrecognized type, or an absent type without text) is preserved verbatim
// as custom_message.
type callbackEnvelope struct {
	Type     string          `json:"type,omitempty"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Done     bool            `json:"done,omitempty"`
}

// Dispatcher sends turns to external agents and marks the session busy
// until a callback arrives with done=true.
type Dispatcher struct {
	Index  *sessionindex.Index
	Hub    *hub.Hub
	Client *http.Client
	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: defaultPostTimeout}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Send posts text to agent's external service and marks sessionID busy. The
// response, if any, arrives later through Handler.ServeHTTP. Send returns
// once the POST has been accepted (2xx); it does not wait for a reply.
func (d *Dispatcher) Send(ctx context.Context, agent *model.AgentDefinition, sessionID, text string, trigger model.TurnTrigger) error {
	if agent.External == nil {
		return model.NewError(model.ErrInvalidConfig, "agent %q has no external config", agent.AgentID)
	}
	summary, err := d.Index.Get(sessionID)
	if err != nil {
		return err
	}
	if summary.Status == model.SessionBusy {
		return model.NewError(model.ErrSessionBusy, "session %q already has an active external run", sessionID)
	}

	now := d.now()
	_ = d.Hub.EmitEvent(sessionID, model.ChatEvent{
		Type:      model.EventUserMessage,
		Timestamp: now,
		UserMessage: &model.UserMessagePayload{Text: text},
	})
	_ = d.Hub.EmitEvent(sessionID, model.ChatEvent{
		Type:      model.EventTurnStart,
		Timestamp: now,
		TurnStart: &model.TurnStartPayload{AgentID: agent.AgentID, Trigger: trigger},
	})
	if _, err := d.Index.MarkSessionActivity(sessionID, model.SessionBusy, now); err != nil {
		return err
	}

	callbackURL := strings.TrimRight(agent.External.CallbackBaseURL, "/") + "/external/sessions/" + sessionID + "/messages"
	body, err := json.Marshal(inboundPayload{
		SessionID:   sessionID,
		AgentID:     agent.AgentID,
		Text:        text,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return fmt.Errorf("external: marshaling inbound payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.External.InputURL, bytes.NewReader(body))
	if err != nil {
		d.failTurn(sessionID, agent.AgentID, err)
		return model.NewError(model.ErrExternalAgentError, "building request to %q: %v", agent.External.InputURL, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client().Do(req)
	if err != nil {
		d.failTurn(sessionID, agent.AgentID, err)
		return model.NewError(model.ErrExternalAgentError, "posting to %q: %v", agent.External.InputURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("external agent %q returned status %d: %s", agent.AgentID, resp.StatusCode, string(respBody))
		d.failTurn(sessionID, agent.AgentID, err)
		return model.NewError(model.ErrExternalAgentError, "%v", err)
	}
	return nil
}

func (d *Dispatcher) failTurn(sessionID, agentID string, cause error) {
	now := d.now()
	_ = d.Hub.EmitEvent(sessionID, model.ChatEvent{
		Type:      model.EventTurnEnd,
		Timestamp: now,
		TurnEnd:   &model.TurnEndPayload{AgentID: agentID, Reason: "error", Error: cause.Error()},
	})
	if _, err := d.Index.MarkSessionActivity(sessionID, model.SessionIdle, now); err != nil {
		d.logger().Error("external: marking session idle after failed dispatch", "session_id", sessionID, "error", err)
	}
}

// Handler ingests external-agent callbacks posted to
// <callbackBaseUrl>/external/sessions/{sessionId}/messages.
type Handler struct {
	Index  *sessionindex.Index
	Hub    *hub.Hub
	Logger *slog.Logger
	Now    func() time.Time
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ServeHTTP implements http.Handler for a mux route registered as
// "POST /external/sessions/{sessionId}/messages" (Go 1.22+ ServeMux
// wildcard syntax).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if _, err := h.Index.Get(sessionID); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if err := h.ingest(sessionID, env, raw); err != nil {
		h.logger().Error("external: ingesting callback failed", "session_id", sessionID, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ingest(sessionID string, env callbackEnvelope, raw json.RawMessage) error {
	now := h.now()
	switch env.Type {
	case "assistant_message", "":
		if env.Text != "" {
			if err := h.Hub.EmitEvent(sessionID, model.ChatEvent{
				Type:          model.EventAssistantDone,
				Timestamp:     now,
				AssistantDone: &model.AssistantDonePayload{Text: env.Text},
			}); err != nil {
				return err
			}
		} else if env.Type == "" {
			if err := h.emitCustom(sessionID, "unknown", raw, now); err != nil {
				return err
			}
		}
	case "tool_result":
		if err := h.Hub.EmitEvent(sessionID, model.ChatEvent{
			Type:      model.EventToolResult,
			Timestamp: now,
			ToolResult: &model.ToolResultPayload{
				ToolName: env.ToolName,
				Result:   env.Result,
				Error:    env.Error,
			},
		}); err != nil {
			return err
		}
	case "error":
		if err := h.Hub.EmitEvent(sessionID, model.ChatEvent{
			Type:      model.EventTurnEnd,
			Timestamp: now,
			TurnEnd:   &model.TurnEndPayload{Reason: "error", Error: env.Error},
		}); err != nil {
			return err
		}
		_, idleErr := h.Index.MarkSessionActivity(sessionID, model.SessionIdle, now)
		return idleErr
	default:
		if err := h.emitCustom(sessionID, env.Type, raw, now); err != nil {
			return err
		}
	}

	if env.Done {
		if err := h.Hub.EmitEvent(sessionID, model.ChatEvent{
			Type:      model.EventTurnEnd,
			Timestamp: now,
			TurnEnd:   &model.TurnEndPayload{Reason: "completed"},
		}); err != nil {
			return err
		}
		if _, err := h.Index.MarkSessionActivity(sessionID, model.SessionIdle, now); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) emitCustom(sessionID, kind string, raw json.RawMessage, now time.Time) error {
	return h.Hub.EmitEvent(sessionID, model.ChatEvent{
		Type:          model.EventCustomMessage,
		Timestamp:     now,
		CustomMessage: &model.CustomMessagePayload{Kind: kind, Data: raw},
	})
}
