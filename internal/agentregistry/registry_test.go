package agentregistry

import (
	"testing"

	"github.com/haasonsaas/nexushub/pkg/model"
)

func boolPtr(b bool) *bool { return &b }

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]model.AgentDefinition{
		{AgentID: "a"},
		{AgentID: "a"},
	})
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if code, ok := model.CodeOf(err); !ok || code != model.ErrDuplicateAgentID {
		t.Fatalf("expected ErrDuplicateAgentID, got %v", err)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	r, err := New([]model.AgentDefinition{{AgentID: "a"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.GetAgent("missing"); err == nil {
		t.Fatalf("expected not-found error")
	} else if code, _ := model.CodeOf(err); code != model.ErrAgentNotFound {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestVisiblePeersExcludesSelfAndHiddenAgents(t *testing.T) {
	r, err := New([]model.AgentDefinition{
		{AgentID: "a"},
		{AgentID: "b"},
		{AgentID: "hidden", UIVisible: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	peers, err := r.VisiblePeers("a")
	if err != nil {
		t.Fatalf("VisiblePeers: %v", err)
	}
	if len(peers) != 1 || peers[0].AgentID != "b" {
		t.Fatalf("expected only [b] visible to a, got %+v", peers)
	}
}

func TestVisiblePeersAllowlistNarrows(t *testing.T) {
	r, err := New([]model.AgentDefinition{
		{AgentID: "a", AgentAllowlist: []string{"b_*"}},
		{AgentID: "b_worker"},
		{AgentID: "c_other"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	peers, err := r.VisiblePeers("a")
	if err != nil {
		t.Fatalf("VisiblePeers: %v", err)
	}
	if len(peers) != 1 || peers[0].AgentID != "b_worker" {
		t.Fatalf("expected allowlist to narrow to [b_worker], got %+v", peers)
	}
}

func TestVisiblePeersDenylistExcludes(t *testing.T) {
	r, err := New([]model.AgentDefinition{
		{AgentID: "a", AgentDenylist: []string{"c_*"}},
		{AgentID: "b"},
		{AgentID: "c_other"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	peers, err := r.VisiblePeers("a")
	if err != nil {
		t.Fatalf("VisiblePeers: %v", err)
	}
	if len(peers) != 1 || peers[0].AgentID != "b" {
		t.Fatalf("expected denylist to exclude c_other, got %+v", peers)
	}
}

func TestIsVisibleTo(t *testing.T) {
	r, err := New([]model.AgentDefinition{
		{AgentID: "a", AgentDenylist: []string{"b"}},
		{AgentID: "b"},
		{AgentID: "c"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if visible, _ := r.IsVisibleTo("a", "b"); visible {
		t.Fatalf("b should be denied visibility from a")
	}
	if visible, _ := r.IsVisibleTo("a", "c"); !visible {
		t.Fatalf("c should be visible from a")
	}
}
