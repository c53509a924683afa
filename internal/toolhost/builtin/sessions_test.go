package builtin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
)

func TestListSessionsToolFiltersByAgent(t *testing.T) {
	idx, err := sessionindex.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	now := time.Now()
	if _, err := idx.CreateSession("s1", "agentA", "", now); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if _, err := idx.CreateSession("s2", "agentB", "", now); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	tool := &ListSessionsTool{Index: idx}
	out, err := tool.Execute(toolhost.CallContext{}, json.RawMessage(`{"agentId":"agentA"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result struct {
		Sessions []struct {
			ID      string `json:"id"`
			AgentID string `json:"agentId"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Sessions) != 1 || result.Sessions[0].ID != "s1" {
		t.Fatalf("expected only s1 for agentA, got %+v", result.Sessions)
	}
}
