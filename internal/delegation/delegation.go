// Package delegation implements the agents_message tool: synchronous or
// asynchronous agent-to-agent dispatch through the Session Hub, grounded on
// the teacher's HandoffTool but generalized to the explicit sync/async and
// session-resolution semantics spec §4.5.6 requires.
package delegation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// defaultSyncTimeout is the fallback per-call timeout (spec §6) when the
// agents_message caller omits the timeout argument.
const defaultSyncTimeout = 300 * time.Second

const schema = `{
  "type": "object",
  "properties": {
    "agentId": {"type": "string", "description": "Agent id to deliver the message to."},
    "session": {"type": "string", "description": "\"latest\", \"create\", \"latest-or-create\", or an explicit session id. Defaults to latest-or-create."},
    "content": {"type": "string", "description": "Text to deliver to the target agent."},
    "mode": {"type": "string", "enum": ["sync", "async"], "description": "sync blocks for the target turn's result (subject to timeout); async queues/starts it in the background. Defaults to async."},
    "timeout": {"type": "number", "description": "Seconds to wait in sync mode before giving up. Floored at >0, default 300."}
  },
  "required": ["agentId", "content"]
}`

type delegationArgs struct {
	AgentID string  `json:"agentId"`
	Session string  `json:"session,omitempty"`
	Content string  `json:"content"`
	Mode    string  `json:"mode,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
}

// wait reports whether the call should block for the target turn's result,
// per the mode: "sync"|"async" argument (default async).
func (a delegationArgs) wait() bool { return a.Mode == "sync" }

// syncTimeout resolves the per-call timeout argument, falling back to def
// when omitted or non-positive, per spec §6's `timeout?: number (seconds,
// default 300, floored, >0)`.
func (a delegationArgs) syncTimeout(def time.Duration) time.Duration {
	secs := math.Floor(a.Timeout)
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

type delegationResult struct {
	Status          string `json:"status"` // "queued" | "started" | "complete" | "error" | "cancelled" | "timeout"
	ResponseID      string `json:"responseId,omitempty"`
	ResponseText    string `json:"responseText,omitempty"`
	TargetSessionID string `json:"targetSessionId"`
}

// Tool implements toolhost.Tool, exposing agents_message to whichever
// caller agent's scoped Tool Host grants access (subject to
// agentAllowlist/agentDenylist visibility on top of the usual tool scoping).
type Tool struct {
	Registry    *agentregistry.Registry
	Index       *sessionindex.Index
	Hub         *hub.Hub
	Metrics     *observability.Metrics
	SyncTimeout time.Duration
	Now         func() time.Time
}

func (t *Tool) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tool) Name() string        { return "agents_message" }
func (t *Tool) Description() string { return "Send a message to another agent, synchronously or asynchronously." }
func (t *Tool) Schema() json.RawMessage { return json.RawMessage(schema) }
func (t *Tool) Capabilities() []string  { return []string{"delegation"} }

// Execute implements toolhost.Tool.
func (t *Tool) Execute(cc toolhost.CallContext, args json.RawMessage) (json.RawMessage, error) {
	var in delegationArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "agents_message: invalid arguments: %v", err)
	}
	if in.AgentID == "" || in.Content == "" {
		return nil, model.NewError(model.ErrInvalidArguments, "agents_message: agentId and content are required")
	}

	caller, err := t.Index.Get(cc.SessionID)
	if err != nil {
		return nil, err
	}
	fromAgentID := caller.AgentID

	visible, err := t.Registry.IsVisibleTo(fromAgentID, in.AgentID)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, model.NewError(model.ErrAgentNotAccessible, "agent %q cannot message agent %q", fromAgentID, in.AgentID)
	}

	target, err := t.Registry.GetAgent(in.AgentID)
	if err != nil {
		return nil, err
	}
	if target.Type != model.AgentTypeChat {
		return nil, model.NewError(model.ErrAgentNotAvailable, "agent %q does not accept agents_message delegation", in.AgentID)
	}

	targetSessionID, err := t.resolveSession(in, target.AgentID)
	if err != nil {
		return nil, err
	}

	wait := in.wait()
	messageID := uuid.NewString()
	_ = t.Hub.EmitEvent(cc.SessionID, model.ChatEvent{
		Type:      model.EventAgentMessage,
		Timestamp: t.now(),
		AgentMessage: &model.AgentMessagePayload{
			MessageID:       messageID,
			TargetAgentID:   in.AgentID,
			TargetSessionID: targetSessionID,
			Message:         in.Content,
			Wait:            wait,
		},
	})

	outcome, err := t.Hub.Dispatch(hub.DispatchInput{
		SessionID:     targetSessionID,
		Text:          in.Content,
		Trigger:       model.TriggerSystem,
		Source:        "agent",
		FromAgentID:   fromAgentID,
		FromSessionID: cc.SessionID,
	})
	if err != nil {
		return nil, model.NewError(model.ErrAgentMessageFailed, "dispatch to agent %q failed: %v", in.AgentID, err)
	}

	if !wait {
		go t.deliverCallback(cc.SessionID, in.AgentID, targetSessionID, messageID, outcome)
		status := "started"
		if outcome.Queued {
			status = "queued"
		}
		t.countDelegation("async", status)
		return json.Marshal(delegationResult{Status: status, ResponseID: outcome.ResponseID, TargetSessionID: targetSessionID})
	}

	timeout := t.SyncTimeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	timeout = in.syncTimeout(timeout)
	select {
	case <-outcome.Done():
		res := outcome.Wait()
		t.countDelegation("sync", res.Status)
		return json.Marshal(delegationResult{
			Status:          res.Status,
			ResponseID:      outcome.ResponseID,
			ResponseText:    res.ResponseText,
			TargetSessionID: targetSessionID,
		})
	case <-time.After(timeout):
		_ = t.Hub.CancelActiveRun(targetSessionID)
		go t.deliverCallback(cc.SessionID, in.AgentID, targetSessionID, messageID, outcome)
		t.countDelegation("sync", "timeout")
		return json.Marshal(delegationResult{Status: "timeout", ResponseID: outcome.ResponseID, TargetSessionID: targetSessionID})
	}
}

func (t *Tool) countDelegation(mode, outcome string) {
	if t.Metrics != nil {
		t.Metrics.DelegationCalls.WithLabelValues(mode, outcome).Inc()
	}
}

// deliverCallback waits for the dispatched turn to finish, records an
// agent_callback event in the caller's session, and seeds a follow-up turn
// there so the caller agent can react to the response on its own schedule,
// per spec §4.5.6 step 6.
func (t *Tool) deliverCallback(callerSessionID, targetAgentID, targetSessionID, messageID string, outcome *hub.DispatchOutcome) {
	res := outcome.Wait()
	errStr := ""
	if res.Err != nil {
		errStr = res.Err.Error()
	}
	_ = t.Hub.EmitEvent(callerSessionID, model.ChatEvent{
		Type:      model.EventAgentCallback,
		Timestamp: t.now(),
		AgentCallback: &model.AgentCallbackPayload{
			MessageID:     messageID,
			FromAgentID:   targetAgentID,
			FromSessionID: targetSessionID,
			Result:        res.ResponseText,
			Error:         errStr,
		},
	})

	followUp := fmt.Sprintf("[Async response, responseId=%s]: %s", outcome.ResponseID, res.ResponseText)
	if errStr != "" {
		followUp = fmt.Sprintf("[Async response, responseId=%s]: error: %s", outcome.ResponseID, errStr)
	}
	_, _ = t.Hub.Dispatch(hub.DispatchInput{
		SessionID:     callerSessionID,
		Text:          followUp,
		Trigger:       model.TriggerCallback,
		Source:        "callback",
		LogAsCallback: true,
	})
}

func (t *Tool) resolveSession(in delegationArgs, targetAgentID string) (string, error) {
	mode := in.Session
	if mode == "" {
		mode = "latest-or-create"
	}
	switch mode {
	case "create":
		s, err := t.Index.CreateSession(uuid.NewString(), targetAgentID, "", t.now())
		if err != nil {
			return "", err
		}
		return s.ID, nil
	case "latest":
		s, err := t.Index.FindSessionForAgent(targetAgentID)
		if err != nil {
			return "", model.NewError(model.ErrAgentSessionError, "no existing session for agent %q", targetAgentID)
		}
		return s.ID, nil
	case "latest-or-create":
		if s, err := t.Index.FindSessionForAgent(targetAgentID); err == nil {
			return s.ID, nil
		}
		created, err := t.Index.CreateSession(uuid.NewString(), targetAgentID, "", t.now())
		if err != nil {
			return "", err
		}
		return created.ID, nil
	default:
		// Anything else is treated as an explicit session id, per spec §4.5.6:
		// "explicit id: must exist and belong to agentId."
		summary, err := t.Index.Get(mode)
		if err != nil {
			return "", err
		}
		if summary.AgentID != targetAgentID {
			return "", model.NewError(model.ErrSessionMismatch, "session %q does not belong to agent %q", mode, targetAgentID)
		}
		return summary.ID, nil
	}
}
