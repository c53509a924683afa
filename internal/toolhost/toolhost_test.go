package toolhost

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexushub/pkg/model"
)

type fakeTool struct {
	name  string
	caps  []string
	exec  func(CallContext, json.RawMessage) (json.RawMessage, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake tool " + f.name }
func (f *fakeTool) Capabilities() []string  { return f.caps }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(cc CallContext, args json.RawMessage) (json.RawMessage, error) {
	if f.exec != nil {
		return f.exec(cc, args)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestBaseToolHostListAndCall(t *testing.T) {
	host := NewBaseToolHost(&fakeTool{name: "a"}, &fakeTool{name: "b"})
	specs := host.ListTools()
	if len(specs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(specs))
	}
	out, err := host.CallTool(CallContext{}, "a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", out)
	}
}

func TestBaseToolHostUnknownTool(t *testing.T) {
	host := NewBaseToolHost()
	_, err := host.CallTool(CallContext{}, "missing", nil)
	if code, ok := model.CodeOf(err); !ok || code != model.ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestCompositeToolHostFirstWins(t *testing.T) {
	hostA := NewBaseToolHost(&fakeTool{name: "shared", exec: func(CallContext, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"a"`), nil
	}})
	hostB := NewBaseToolHost(&fakeTool{name: "shared", exec: func(CallContext, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"b"`), nil
	}})
	composite := NewCompositeToolHost(hostA, hostB)

	out, err := composite.CallTool(CallContext{}, "shared", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(out) != `"a"` {
		t.Fatalf("expected first host to win, got %s", out)
	}
	if len(composite.ListTools()) != 1 {
		t.Fatalf("expected collision deduplicated to 1 tool")
	}
}

func TestScopedToolHostDenyWins(t *testing.T) {
	base := NewBaseToolHost(&fakeTool{name: "dangerous"}, &fakeTool{name: "safe"})
	agent := &model.AgentDefinition{
		AgentID:      "a",
		ToolDenylist: []string{"dangerous"},
	}
	scoped := NewScopedToolHost(base, agent)

	if len(scoped.ListTools()) != 1 {
		t.Fatalf("expected 1 tool visible after deny, got %d", len(scoped.ListTools()))
	}
	_, err := scoped.CallTool(CallContext{}, "dangerous", nil)
	if code, ok := model.CodeOf(err); !ok || code != model.ErrToolNotAllowed {
		t.Fatalf("expected ErrToolNotAllowed, got %v", err)
	}
}

func TestScopedToolHostAllowlistNarrows(t *testing.T) {
	base := NewBaseToolHost(&fakeTool{name: "a_read"}, &fakeTool{name: "b_write"})
	agent := &model.AgentDefinition{
		AgentID:       "a",
		ToolAllowlist: []string{"a_*"},
	}
	scoped := NewScopedToolHost(base, agent)

	specs := scoped.ListTools()
	if len(specs) != 1 || specs[0].Name != "a_read" {
		t.Fatalf("expected only a_read visible, got %+v", specs)
	}
}

func TestScopedToolHostCapabilityAllow(t *testing.T) {
	base := NewBaseToolHost(&fakeTool{name: "t1", caps: []string{"filesystem.read"}})
	agent := &model.AgentDefinition{
		AgentID:             "a",
		CapabilityAllowlist: []string{"filesystem.*"},
	}
	scoped := NewScopedToolHost(base, agent)
	if len(scoped.ListTools()) != 1 {
		t.Fatalf("expected capability allowlist to admit t1")
	}
}

func TestValidateArgsShapeRejectsMissingRequired(t *testing.T) {
	tool := &schemaTool{fakeTool: fakeTool{name: "needs_arg"}, schema: json.RawMessage(`{"type":"object","required":["path"]}`)}
	host := NewBaseToolHost(tool)
	_, err := host.CallTool(CallContext{}, "needs_arg", json.RawMessage(`{}`))
	if code, ok := model.CodeOf(err); !ok || code != model.ErrInvalidArguments {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
}

type schemaTool struct {
	fakeTool
	schema json.RawMessage
}

func (s *schemaTool) Schema() json.RawMessage { return s.schema }
