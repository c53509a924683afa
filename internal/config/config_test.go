package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexushub/pkg/model"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadMissingFileIsNonFatal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
	if len(cfg.Agents) != 0 {
		t.Fatalf("expected empty agent list, got %d", len(cfg.Agents))
	}
}

func TestLoadAppliesEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_MODEL_NAME", "gpt-5")
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": [
			{"agentId": "main", "chat": {"provider": "openai", "models": ["${TEST_MODEL_NAME}"]}}
		],
		"sessions": {"maxCached": 10}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(cfg.Agents))
	}
	if got := cfg.Agents[0].Chat.Models[0]; got != "gpt-5" {
		t.Fatalf("env substitution failed: got %q", got)
	}
	if cfg.Sessions.EffectiveMaxCached() != 10 {
		t.Fatalf("expected maxCached 10, got %d", cfg.Sessions.EffectiveMaxCached())
	}
}

func TestLoadRejectsDuplicateAgentIDs(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"agents": [
			{"agentId": "dup"},
			{"agentId": "DUP"}
		]
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected duplicate agent id error")
	}
	if code, ok := model.CodeOf(err); !ok || code != model.ErrDuplicateAgentID {
		t.Fatalf("expected ErrDuplicateAgentID, got %v", err)
	}
}

func TestLoadRejectsInvalidAgent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"agents": [{"agentId": "", "type": "chat"}]}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected invalid config error")
	}
	if code, ok := model.CodeOf(err); !ok || code != model.ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSessionsConfigDefaults(t *testing.T) {
	var s SessionsConfig
	if s.EffectiveMaxCached() != defaultMaxCached {
		t.Fatalf("expected default maxCached %d, got %d", defaultMaxCached, s.EffectiveMaxCached())
	}
	if !s.MirrorsPiSessionHistory() {
		t.Fatalf("expected mirror default true")
	}
}

func TestPluginConfigRoundTrip(t *testing.T) {
	raw := `{"enabled": true, "apiKey": "xyz"}`
	var p PluginConfig
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Enabled || p.Extra["apiKey"] != "xyz" {
		t.Fatalf("unexpected decode: %+v", p)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var rt map[string]any
	if err := json.Unmarshal(out, &rt); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if rt["apiKey"] != "xyz" || rt["enabled"] != true {
		t.Fatalf("round trip lost data: %+v", rt)
	}
}
