package builtin

import (
	"encoding/json"

	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
)

// ListSessionsTool lets an agent introspect the sessions bound to it, used
// e.g. to decide whether to delegate to a fresh session or reuse one.
type ListSessionsTool struct {
	Index *sessionindex.Index
}

func (t *ListSessionsTool) Name() string          { return "list_sessions" }
func (t *ListSessionsTool) Description() string   { return "List non-deleted sessions, optionally filtered by agentId." }
func (t *ListSessionsTool) Capabilities() []string { return []string{"sessions.read"} }

func (t *ListSessionsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"agentId": {"type": "string"}}
	}`)
}

type listSessionsArgs struct {
	AgentID string `json:"agentId"`
}

func (t *ListSessionsTool) Execute(cc toolhost.CallContext, args json.RawMessage) (json.RawMessage, error) {
	var a listSessionsArgs
	if len(args) > 0 {
		_ = json.Unmarshal(args, &a)
	}
	all, err := t.Index.ListAll()
	if err != nil {
		return nil, err
	}
	type row struct {
		ID      string `json:"id"`
		Name    string `json:"name,omitempty"`
		AgentID string `json:"agentId"`
		Status  string `json:"status"`
	}
	out := make([]row, 0, len(all))
	for _, s := range all {
		if a.AgentID != "" && s.AgentID != a.AgentID {
			continue
		}
		out = append(out, row{ID: s.ID, Name: s.Name, AgentID: s.AgentID, Status: string(s.Status)})
	}
	return json.Marshal(map[string]any{"sessions": out})
}
