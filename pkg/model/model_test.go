package model

import (
	"errors"
	"testing"
)

func TestHubErrorCodeOf(t *testing.T) {
	err := NewError(ErrSessionBusy, "session %s is busy", "abc")
	wrapped := errors.New("context: " + err.Error())

	if code, ok := CodeOf(err); !ok || code != ErrSessionBusy {
		t.Fatalf("CodeOf(err) = %v, %v; want %v, true", code, ok, ErrSessionBusy)
	}
	if _, ok := CodeOf(wrapped); ok {
		t.Fatalf("CodeOf should not match a plain wrapped string error")
	}
	if _, ok := CodeOf(nil); ok {
		t.Fatalf("CodeOf(nil) should not match")
	}
}

func TestHubErrorWithDetails(t *testing.T) {
	err := NewError(ErrInvalidArguments, "bad args").WithDetails(map[string]any{"field": "x"})
	if err.Details["field"] != "x" {
		t.Fatalf("WithDetails did not attach details: %+v", err.Details)
	}
	if err.Error() != "invalid_arguments: bad args" {
		t.Fatalf("unexpected Error() string: %q", err.Error())
	}
}

func TestAgentDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		agent   AgentDefinition
		wantErr ErrorCode
	}{
		{
			name:  "defaults to chat type",
			agent: AgentDefinition{AgentID: "a1"},
		},
		{
			name:    "missing agentId",
			agent:   AgentDefinition{},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "chat config rejected on external type",
			agent: AgentDefinition{
				AgentID: "a2",
				Type:    AgentTypeExternal,
				Chat:    &ChatConfig{Provider: ProviderOpenAI},
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "external requires urls",
			agent: AgentDefinition{
				AgentID: "a3",
				Type:    AgentTypeExternal,
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "external with urls is valid",
			agent: AgentDefinition{
				AgentID: "a4",
				Type:    AgentTypeExternal,
				External: &ExternalConfig{
					InputURL:        "https://example.com/in",
					CallbackBaseURL: "https://example.com/cb",
				},
			},
		},
		{
			name: "reserved extraArgs flag rejected",
			agent: AgentDefinition{
				AgentID: "a5",
				Chat: &ChatConfig{
					Provider:  ProviderClaudeCLI,
					ExtraArgs: []string{"--session-id=x"},
				},
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "unknown provider rejected",
			agent: AgentDefinition{
				AgentID: "a6",
				Chat:    &ChatConfig{Provider: "not-a-provider"},
			},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.agent.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			code, ok := CodeOf(err)
			if !ok || code != tc.wantErr {
				t.Fatalf("Validate() error = %v, want code %v", err, tc.wantErr)
			}
		})
	}
}

func TestAgentDefinitionIsUIVisible(t *testing.T) {
	a := AgentDefinition{AgentID: "a"}
	if !a.IsUIVisible() {
		t.Fatalf("default uiVisible should be true")
	}
	f := false
	a.UIVisible = &f
	if a.IsUIVisible() {
		t.Fatalf("explicit false uiVisible should stay false")
	}
}

func TestMergeAttributes(t *testing.T) {
	base := map[string]any{
		"a": 1.0,
		"nested": map[string]any{
			"x": "keep",
			"y": "drop",
		},
	}
	patch := map[string]any{
		"b": 2.0,
		"nested": map[string]any{
			"y": nil,
			"z": "new",
		},
	}

	out := MergeAttributes(base, patch)

	if out["a"] != 1.0 || out["b"] != 2.0 {
		t.Fatalf("top-level merge wrong: %+v", out)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested value lost type: %+v", out["nested"])
	}
	if nested["x"] != "keep" {
		t.Fatalf("nested key x should be preserved, got %+v", nested)
	}
	if _, exists := nested["y"]; exists {
		t.Fatalf("nested key y should have been deleted by nil patch, got %+v", nested)
	}
	if nested["z"] != "new" {
		t.Fatalf("nested key z should be added, got %+v", nested)
	}

	// base must remain untouched by the merge.
	if _, exists := base["nested"].(map[string]any)["y"]; !exists {
		t.Fatalf("MergeAttributes must not mutate its base argument")
	}
}

func TestSessionSummaryClone(t *testing.T) {
	s := &SessionSummary{
		ID:      "s1",
		AgentID: "a1",
		Attributes: map[string]any{
			"nested": map[string]any{"k": "v"},
		},
	}
	clone := s.Clone()
	clone.Attributes["nested"].(map[string]any)["k"] = "changed"

	if s.Attributes["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("Clone should deep-copy nested attributes; mutation leaked into original")
	}
}
