package sessionindex

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexushub/pkg/model"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(idx.Close)
	return idx
}

func TestCreateSessionIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()

	first, err := idx.CreateSession("s1", "agentA", "", now)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := idx.CreateSession("s1", "agentA", "", now)
	if err != nil {
		t.Fatalf("repeated CreateSession should not error: %v", err)
	}
	if first.ID != second.ID || first.AgentID != second.AgentID {
		t.Fatalf("expected same summary returned, got %+v vs %+v", first, second)
	}

	all, err := idx.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("idempotent create should not duplicate rows, got %d", len(all))
	}
}

func TestRenameCollisionScenario(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()

	if _, err := idx.CreateSession("s1", "agentA", "", now); err != nil {
		t.Fatalf("CreateSession s1: %v", err)
	}
	if _, err := idx.RenameSession("s1", "Planner", now); err != nil {
		t.Fatalf("rename s1: %v", err)
	}
	if _, err := idx.CreateSession("s2", "agentA", "", now); err != nil {
		t.Fatalf("CreateSession s2: %v", err)
	}
	if _, err := idx.RenameSession("s2", "planner", now); err == nil {
		t.Fatalf("expected name_in_use error renaming s2 to a case-insensitive dup")
	} else if code, ok := model.CodeOf(err); !ok || code != model.ErrNameInUse {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}

	if err := idx.MarkSessionDeleted("s1", now); err != nil {
		t.Fatalf("delete s1: %v", err)
	}
	if _, err := idx.RenameSession("s2", "planner", now); err != nil {
		t.Fatalf("rename after freeing name should succeed: %v", err)
	}
}

func TestNameUniquenessCaseInsensitive(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "a", "Shared", now); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if _, err := idx.CreateSession("s2", "a", "SHARED", now); err == nil {
		t.Fatalf("expected name_in_use on create with colliding name")
	}
}

func TestTouchAndMarkActivity(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "a", "", now); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := now.Add(time.Minute)
	s, err := idx.MarkSessionActivity("s1", model.SessionBusy, later)
	if err != nil {
		t.Fatalf("MarkSessionActivity: %v", err)
	}
	if s.Status != model.SessionBusy {
		t.Fatalf("expected busy status, got %v", s.Status)
	}
	if !s.LastActiveAt.Equal(later) {
		t.Fatalf("expected lastActiveAt updated")
	}
}

func TestClearSessionPreservesRowDropsSnippet(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "a", "", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := idx.TouchSession("s1", "last snippet", now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	s, err := idx.ClearSession("s1", now)
	if err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if s.LastSnippet != "" {
		t.Fatalf("expected snippet cleared, got %q", s.LastSnippet)
	}
	if _, err := idx.Get("s1"); err != nil {
		t.Fatalf("session row should still exist after clear: %v", err)
	}
}

func TestMarkSessionDeletedFreesName(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "a", "taken", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := idx.MarkSessionDeleted("s1", now); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := idx.Get("s1"); err == nil {
		t.Fatalf("Get should not return deleted sessions")
	}
	all, _ := idx.ListAll()
	if len(all) != 0 {
		t.Fatalf("ListAll should exclude deleted sessions, got %d", len(all))
	}
}

func TestUpdateSessionAttributesMerges(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "a", "", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := idx.UpdateSessionAttributes("s1", map[string]any{"k": "v"}, now); err != nil {
		t.Fatalf("update attrs: %v", err)
	}
	s, err := idx.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Attributes["k"] != "v" {
		t.Fatalf("expected merged attribute, got %+v", s.Attributes)
	}
}

func TestReplayRebuildsStateFromChangeLog(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	idx, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := idx.CreateSession("s1", "a", "Name1", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := idx.RenameSession("s1", "Renamed", now); err != nil {
		t.Fatalf("rename: %v", err)
	}
	idx.Close()

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	s, err := reopened.FindSessionByName("Renamed")
	if err != nil {
		t.Fatalf("expected replayed state to find renamed session: %v", err)
	}
	if s.ID != "s1" {
		t.Fatalf("unexpected session id after replay: %q", s.ID)
	}
}

func TestFindSessionForAgentReturnsMostRecentlyActive(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Now()
	if _, err := idx.CreateSession("s1", "agentA", "", now); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if _, err := idx.CreateSession("s2", "agentA", "", now.Add(time.Hour)); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	s, err := idx.FindSessionForAgent("agentA")
	if err != nil {
		t.Fatalf("FindSessionForAgent: %v", err)
	}
	if s.ID != "s2" {
		t.Fatalf("expected most recently active session s2, got %q", s.ID)
	}
}
