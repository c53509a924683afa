package hub

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/internal/eventstore"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// stubProvider streams a fixed reply and records how many times it was
// invoked. If block is non-nil, Complete waits on it (or ctx cancellation)
// before producing any output, simulating a long-running generation for
// cancellation tests.
type stubProvider struct {
	reply string
	block chan struct{}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(ctx context.Context, req chatproc.CompletionRequest) (<-chan chatproc.CompletionChunk, error) {
	ch := make(chan chatproc.CompletionChunk, 4)
	go func() {
		defer close(ch)
		if p.block != nil {
			select {
			case <-p.block:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- chatproc.CompletionChunk{Kind: chatproc.ChunkText, Text: p.reply}:
		case <-ctx.Done():
			return
		}
	}()
	return ch, nil
}

type testConn struct {
	id  string
	out chan ServerMessage
}

func newTestConn(id string) *testConn {
	return &testConn{id: id, out: make(chan ServerMessage, 64)}
}

func (c *testConn) ID() string { return c.id }
func (c *testConn) Send(msg ServerMessage) {
	select {
	case c.out <- msg:
	default:
	}
}

func newTestHub(t *testing.T, agent model.AgentDefinition, provider chatproc.Provider) (*Hub, *sessionindex.Index) {
	t.Helper()
	dir := t.TempDir()
	registry, err := agentregistry.New([]model.AgentDefinition{agent})
	if err != nil {
		t.Fatalf("agentregistry.New: %v", err)
	}
	idx, err := sessionindex.Open(dir, nil)
	if err != nil {
		t.Fatalf("sessionindex.Open: %v", err)
	}
	t.Cleanup(idx.Close)
	events := eventstore.New(dir, nil)
	tools := toolhost.NewBaseToolHost()

	h := New(Config{
		Registry: registry,
		Index:    idx,
		Events:   events,
		Tools:    tools,
		Metrics:  observability.NewMetricsForTest(),
		Providers: func(a *model.AgentDefinition) (chatproc.Provider, string, error) {
			return provider, "stub-model", nil
		},
	})
	t.Cleanup(h.Close)
	return h, idx
}

// TestBasicSyncTurn covers scenario S1: a single user message against an
// idle session runs immediately and resolves with the provider's reply.
func TestBasicSyncTurn(t *testing.T) {
	agent := model.AgentDefinition{AgentID: "a1", Chat: &model.ChatConfig{Provider: model.ProviderOpenAI}}
	h, idx := newTestHub(t, agent, &stubProvider{reply: "hello there"})

	if _, err := idx.CreateSession("s1", "a1", "", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	outcome, err := h.Dispatch(DispatchInput{SessionID: "s1", Text: "hi", Trigger: model.TriggerUser})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Queued {
		t.Fatalf("expected idle session to start immediately, got queued")
	}

	select {
	case <-outcome.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete in time")
	}
	res := outcome.Wait()
	if res.Status != "complete" {
		t.Fatalf("expected complete, got %s (%v)", res.Status, res.Err)
	}
	if res.ResponseText != "hello there" {
		t.Fatalf("unexpected response text %q", res.ResponseText)
	}

	events, err := h.cfg.Events.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) == 0 || events[0].Type != model.EventUserMessage {
		t.Fatalf("expected user_message first, got %+v", events)
	}
	foundEnd := false
	for _, ev := range events {
		if ev.Type == model.EventTurnEnd {
			foundEnd = true
		}
	}
	if !foundEnd {
		t.Fatalf("expected a turn_end event among %+v", events)
	}
}

// TestCancelActiveRun covers scenario S3: cancelling an in-flight turn
// produces an interrupted assistant_done followed by a cancelled turn_end,
// and the dispatch resolves with Status=cancelled.
func TestCancelActiveRun(t *testing.T) {
	block := make(chan struct{})
	agent := model.AgentDefinition{AgentID: "a1", Chat: &model.ChatConfig{Provider: model.ProviderOpenAI}}
	h, idx := newTestHub(t, agent, &stubProvider{reply: "unused", block: block})

	if _, err := idx.CreateSession("s1", "a1", "", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	outcome, err := h.Dispatch(DispatchInput{SessionID: "s1", Text: "hi", Trigger: model.TriggerUser})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Give the turn goroutine a moment to register as active and block.
	time.Sleep(20 * time.Millisecond)
	if err := h.CancelActiveRun("s1"); err != nil {
		t.Fatalf("CancelActiveRun: %v", err)
	}

	select {
	case <-outcome.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not resolve after cancellation")
	}
	res := outcome.Wait()
	if res.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}

	events, _ := h.cfg.Events.GetEvents("s1")
	var sawInterruptedDone, sawCancelledEnd bool
	for _, ev := range events {
		if ev.Type == model.EventAssistantDone && ev.AssistantDone != nil && ev.AssistantDone.Interrupted {
			sawInterruptedDone = true
		}
		if ev.Type == model.EventTurnEnd && ev.TurnEnd != nil && ev.TurnEnd.Reason == "cancelled" {
			sawCancelledEnd = true
		}
	}
	if !sawInterruptedDone {
		t.Fatalf("expected an interrupted assistant_done among %+v", events)
	}
	if !sawCancelledEnd {
		t.Fatalf("expected a cancelled turn_end among %+v", events)
	}
}

// TestMessageQueueFIFO covers the busy-session queueing property: a second
// Dispatch against a still-busy session is queued, not run inline, and both
// turns eventually complete in submission order.
func TestMessageQueueFIFO(t *testing.T) {
	block := make(chan struct{})
	agent := model.AgentDefinition{AgentID: "a1", Chat: &model.ChatConfig{Provider: model.ProviderOpenAI}}
	h, idx := newTestHub(t, agent, &stubProvider{reply: "first-or-second", block: block})

	if _, err := idx.CreateSession("s1", "a1", "", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first, err := h.Dispatch(DispatchInput{SessionID: "s1", Text: "one", Trigger: model.TriggerUser})
	if err != nil {
		t.Fatalf("Dispatch(first): %v", err)
	}
	if first.Queued {
		t.Fatalf("expected first dispatch to start immediately")
	}

	time.Sleep(20 * time.Millisecond)
	second, err := h.Dispatch(DispatchInput{SessionID: "s1", Text: "two", Trigger: model.TriggerUser})
	if err != nil {
		t.Fatalf("Dispatch(second): %v", err)
	}
	if !second.Queued {
		t.Fatalf("expected second dispatch to be queued while session is busy")
	}

	close(block)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first turn did not complete")
	}
	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second (queued) turn did not complete")
	}
	if first.Wait().Status != "complete" || second.Wait().Status != "complete" {
		t.Fatalf("expected both turns to complete")
	}

	events, _ := h.cfg.Events.GetEvents("s1")
	var order []string
	for _, ev := range events {
		if ev.Type == model.EventUserMessage && ev.UserMessage != nil {
			order = append(order, ev.UserMessage.Text)
		}
	}
	if len(order) != 2 || order[0] != "one" || order[1] != "two" {
		t.Fatalf("expected turns to run in submission order [one two], got %v", order)
	}
}
