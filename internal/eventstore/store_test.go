package eventstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexushub/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), nil)
}

func sampleEvent(id, sessionID string) model.ChatEvent {
	return model.ChatEvent{
		ID:        id,
		Type:      model.EventUserMessage,
		Timestamp: time.Now(),
		SessionID: sessionID,
		UserMessage: &model.UserMessagePayload{
			Text: "hi " + id,
		},
	}
}

func TestAppendAndGetEventsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	events := []model.ChatEvent{
		sampleEvent("e1", "s1"),
		sampleEvent("e2", "s1"),
	}
	if err := s.AppendBatch("s1", events); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	got, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].UserMessage.Text != "hi e1" || got[1].UserMessage.Text != "hi e2" {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}

func TestAppendFillsInBlankSessionID(t *testing.T) {
	s := newTestStore(t)
	ev := sampleEvent("e1", "")
	if err := s.Append("correct", ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, _ := s.GetEvents("correct")
	if len(got) != 1 || got[0].SessionID != "correct" {
		t.Fatalf("expected blank session id to be filled in, got %+v", got)
	}
}

func TestAppendRejectsMismatchedSessionID(t *testing.T) {
	s := newTestStore(t)
	ev := sampleEvent("e1", "wrong-session")
	err := s.Append("correct", ev)
	if code, ok := model.CodeOf(err); !ok || code != model.ErrSessionMismatch {
		t.Fatalf("expected session_mismatch, got %v", err)
	}
	got, _ := s.GetEvents("correct")
	if len(got) != 0 {
		t.Fatalf("expected nothing written on mismatch, got %+v", got)
	}
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	s := newTestStore(t)
	ev := model.ChatEvent{ID: "e1", Type: model.EventUserMessage, Timestamp: time.Now(), SessionID: "s1"}
	err := s.Append("s1", ev)
	if code, ok := model.CodeOf(err); !ok || code != model.ErrInvalidEvent {
		t.Fatalf("expected invalid_event for missing payload, got %v", err)
	}
}

func TestGetEventsSinceMissingCursorReturnsAll(t *testing.T) {
	s := newTestStore(t)
	events := []model.ChatEvent{sampleEvent("e1", "s1"), sampleEvent("e2", "s1")}
	_ = s.AppendBatch("s1", events)

	got, err := s.GetEventsSince("s1", "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("missing cursor should return all events, got %d", len(got))
	}

	got, err = s.GetEventsSince("s1", "nonexistent")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unknown cursor should return all events, got %d", len(got))
	}
}

func TestGetEventsSinceKnownCursor(t *testing.T) {
	s := newTestStore(t)
	events := []model.ChatEvent{
		sampleEvent("e1", "s1"),
		sampleEvent("e2", "s1"),
		sampleEvent("e3", "s1"),
	}
	_ = s.AppendBatch("s1", events)

	got, err := s.GetEventsSince("s1", "e1")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" {
		t.Fatalf("expected events after e1, got %+v", got)
	}
}

func TestGetEventsOnMissingSessionReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetEvents("never-created")
	if err != nil {
		t.Fatalf("GetEvents on missing session should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestReadSkipsMalformedTrailingLine(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("s1", sampleEvent("e1", "s1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(s.dataDir, "sessions", "s1", "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening for corruption: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("writing corrupt line: %v", err)
	}
	f.Close()

	got, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents should tolerate malformed trailing line: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 valid event preserved, got %d", len(got))
	}
}

func TestSubscribeReceivesLiveAppends(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe("s1")
	defer cancel()

	if err := s.Append("s1", sampleEvent("e1", "s1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.ID != "e1" {
			t.Fatalf("unexpected event id %q", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscribed event")
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe("s1")
	defer cancel()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		_ = s.Append("s1", sampleEvent(string(rune('a'+i%26))+"-overflow", "s1"))
	}

	// The channel should not block further appends and should retain the
	// most recent buffered events rather than growing unbounded: the 10
	// oldest are dropped, so the first one still queued is i=10 ("k-overflow").
	if len(ch) != subscriberBuffer {
		t.Fatalf("subscriber channel should hold exactly %d events, got %d", subscriberBuffer, len(ch))
	}
	if first := <-ch; first.ID != "k-overflow" {
		t.Fatalf("expected the oldest events dropped and k-overflow retained first, got %q", first.ID)
	}
}

func TestClearSessionTruncatesWithoutRemovingFile(t *testing.T) {
	s := newTestStore(t)
	_ = s.Append("s1", sampleEvent("e1", "s1"))

	if err := s.ClearSession("s1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	got, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty log after clear, got %d events", len(got))
	}

	path := filepath.Join(s.dataDir, "sessions", "s1", "events.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected events file to still exist after clear: %v", err)
	}
}

func TestDeleteSessionRemovesFile(t *testing.T) {
	s := newTestStore(t)
	_ = s.Append("s1", sampleEvent("e1", "s1"))

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	path := filepath.Join(s.dataDir, "sessions", "s1", "events.jsonl")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected events file to be removed, stat err = %v", err)
	}
}
