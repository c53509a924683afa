package delegation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/internal/eventstore"
	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

type echoProvider struct{ reply string }

func (p *echoProvider) Name() string { return "echo" }
func (p *echoProvider) Complete(ctx context.Context, req chatproc.CompletionRequest) (<-chan chatproc.CompletionChunk, error) {
	ch := make(chan chatproc.CompletionChunk, 2)
	go func() {
		defer close(ch)
		ch <- chatproc.CompletionChunk{Kind: chatproc.ChunkText, Text: p.reply}
	}()
	return ch, nil
}

func newFixture(t *testing.T) (*Tool, *hub.Hub, *eventstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	registry, err := agentregistry.New([]model.AgentDefinition{
		{AgentID: "caller", Chat: &model.ChatConfig{Provider: model.ProviderOpenAI}},
		{AgentID: "worker", Chat: &model.ChatConfig{Provider: model.ProviderOpenAI}},
	})
	if err != nil {
		t.Fatalf("agentregistry.New: %v", err)
	}
	idx, err := sessionindex.Open(dir, nil)
	if err != nil {
		t.Fatalf("sessionindex.Open: %v", err)
	}
	t.Cleanup(idx.Close)
	events := eventstore.New(dir, nil)

	h := hub.New(hub.Config{
		Registry: registry,
		Index:    idx,
		Events:   events,
		Tools:    toolhost.NewBaseToolHost(),
		Metrics:  observability.NewMetricsForTest(),
		Providers: func(a *model.AgentDefinition) (chatproc.Provider, string, error) {
			return &echoProvider{reply: "ack from " + a.AgentID}, "stub-model", nil
		},
	})
	t.Cleanup(h.Close)

	callerSession, err := idx.CreateSession("caller-session", "caller", "", time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tool := &Tool{Registry: registry, Index: idx, Hub: h, Metrics: observability.NewMetricsForTest()}
	return tool, h, events, callerSession.ID
}

func TestDelegationSyncDispatch(t *testing.T) {
	tool, _, _, callerSessionID := newFixture(t)

	args, _ := json.Marshal(delegationArgs{AgentID: "worker", Content: "do the thing", Mode: "sync", Session: "create"})
	out, err := tool.Execute(toolhost.CallContext{Context: context.Background(), SessionID: callerSessionID}, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res delegationResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != "complete" {
		t.Fatalf("expected complete, got %+v", res)
	}
	if res.ResponseText != "ack from worker" {
		t.Fatalf("unexpected response text %q", res.ResponseText)
	}
}

func TestDelegationAsyncDeliversCallback(t *testing.T) {
	tool, _, events, callerSessionID := newFixture(t)

	args, _ := json.Marshal(delegationArgs{AgentID: "worker", Content: "do it later", Mode: "async", Session: "create"})
	out, err := tool.Execute(toolhost.CallContext{Context: context.Background(), SessionID: callerSessionID}, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res delegationResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Status != "started" {
		t.Fatalf("expected started, got %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	var sawCallback bool
	for time.Now().Before(deadline) {
		got, _ := events.GetEvents(callerSessionID)
		for _, ev := range got {
			if ev.Type == model.EventAgentCallback {
				sawCallback = true
			}
		}
		if sawCallback {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawCallback {
		t.Fatalf("expected an agent_callback event in caller session")
	}
}

func TestDelegationRejectsUnknownAgent(t *testing.T) {
	tool, _, _, callerSessionID := newFixture(t)

	args, _ := json.Marshal(delegationArgs{AgentID: "ghost", Content: "hi"})
	_, err := tool.Execute(toolhost.CallContext{Context: context.Background(), SessionID: callerSessionID}, args)
	if err == nil {
		t.Fatalf("expected error for unknown target agent")
	}
	if code, ok := model.CodeOf(err); !ok || code != model.ErrAgentNotFound {
		t.Fatalf("expected agent_not_found, got %v", err)
	}
}
