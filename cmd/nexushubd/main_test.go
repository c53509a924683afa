package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nexushub/pkg/model"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "validate-config", "agents", "sessions", "schedule"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestHasExternalAgents(t *testing.T) {
	none := []model.AgentDefinition{{AgentID: "a1", Type: model.AgentTypeChat}}
	if hasExternalAgents(none) {
		t.Fatalf("expected no external agents")
	}

	some := []model.AgentDefinition{
		{AgentID: "a1", Type: model.AgentTypeChat},
		{AgentID: "a2", Type: model.AgentTypeExternal},
	}
	if !hasExternalAgents(some) {
		t.Fatalf("expected external agents to be detected")
	}
}

func TestStripSessionPrefixHandlerPopulatesPathValue(t *testing.T) {
	var gotSessionID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSessionID = r.PathValue("sessionId")
	})

	mux := stripSessionPrefixHandler(inner)

	req := httptest.NewRequest("POST", "/sess-123/messages", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if gotSessionID != "sess-123" {
		t.Fatalf("expected sessionId path value %q, got %q", "sess-123", gotSessionID)
	}
}
