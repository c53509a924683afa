// Package eventstore implements the append-only per-session Event Store: a
// newline-framed JSON log under <dataDir>/sessions/<id>/events.jsonl, plus a
// bounded fan-out broadcast for live subscribers.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/nexushub/pkg/model"
)

// subscriberBuffer bounds the per-subscriber channel; once full, the oldest
// queued event is dropped to keep a slow reader from blocking appends.
const subscriberBuffer = 256

// sessionLog owns one session's file handle and its live subscribers. All
// access goes through the embedded mutex; appends are serialized per
// session so concurrent writers cannot interleave partial lines.
type sessionLog struct {
	mu          sync.Mutex
	path        string
	subscribers map[int]chan model.ChatEvent
	nextSubID   int
}

// Store is the Event Store: one JSONL file per session, guarded by a
// per-session lock so appends from concurrent turns never interleave.
type Store struct {
	dataDir string
	logger  *slog.Logger

	mu   sync.Mutex
	logs map[string]*sessionLog
}

// New creates a Store rooted at dataDir/sessions.
func New(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dataDir: dataDir,
		logger:  logger.With("component", "eventstore"),
		logs:    make(map[string]*sessionLog),
	}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID)
}

func (s *Store) eventsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "events.jsonl")
}

func (s *Store) logFor(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		l = &sessionLog{
			path:        s.eventsPath(sessionID),
			subscribers: make(map[int]chan model.ChatEvent),
		}
		s.logs[sessionID] = l
	}
	return l
}

// Append validates event against the union schema and writes it to
// sessionID's log, failing with invalid_event or session_mismatch per
// spec §4.1 rather than silently coercing it.
func (s *Store) Append(sessionID string, event model.ChatEvent) error {
	return s.AppendBatch(sessionID, []model.ChatEvent{event})
}

// AppendBatch validates each event, then writes them to sessionID's log
// atomically with respect to other appends on the same session, then fans
// each one out in order. The whole batch is rejected if any event fails
// validation or carries a mismatched SessionID; nothing partial is written.
func (s *Store) AppendBatch(sessionID string, events []model.ChatEvent) error {
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			return err
		}
		if events[i].SessionID != "" && events[i].SessionID != sessionID {
			return model.NewError(model.ErrSessionMismatch, "event %q targets session %q, not %q", events[i].ID, events[i].SessionID, sessionID)
		}
		events[i].SessionID = sessionID
	}

	l := s.logFor(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("eventstore: creating session dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventstore: opening %s: %w", l.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := range events {
		data, err := json.Marshal(events[i])
		if err != nil {
			return fmt.Errorf("eventstore: marshaling event: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("eventstore: writing event: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("eventstore: writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("eventstore: flushing: %w", err)
	}

	for _, ev := range events {
		l.broadcastLocked(ev)
	}
	return nil
}

// broadcastLocked must be called with l.mu held.
func (l *sessionLog) broadcastLocked(event model.ChatEvent) {
	for id, ch := range l.subscribers {
		select {
		case ch <- event:
		default:
			// Drop the oldest queued event rather than block the writer.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
		_ = id
	}
}

// GetEvents returns every event persisted for sessionID in append order.
// Malformed trailing lines (e.g. from a crash mid-write) are skipped rather
// than failing the whole read.
func (s *Store) GetEvents(sessionID string) ([]model.ChatEvent, error) {
	return s.readEvents(sessionID, "")
}

// GetEventsSince returns events appended after the event with id cursorID.
// A missing, unknown, or empty cursorID returns every event, per the
// external-interfaces contract.
func (s *Store) GetEventsSince(sessionID, cursorID string) ([]model.ChatEvent, error) {
	return s.readEvents(sessionID, cursorID)
}

func (s *Store) readEvents(sessionID, cursorID string) ([]model.ChatEvent, error) {
	l := s.logFor(sessionID)
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstore: opening %s: %w", path, err)
	}
	defer f.Close()

	var all []model.ChatEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.ChatEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("skipping malformed event line", "session_id", sessionID, "error", err)
			continue
		}
		all = append(all, ev)
	}
	// scanner.Err() on a truncated final line (bufio.ErrTooLong-free case) is
	// intentionally ignored here: a partially-written last line is exactly
	// the crash-recovery case this read path tolerates.

	if cursorID == "" {
		return all, nil
	}
	for i, ev := range all {
		if ev.ID == cursorID {
			return all[i+1:], nil
		}
	}
	return all, nil
}

// Subscribe registers a live listener for sessionID and returns a channel of
// future events plus an unsubscribe func. The channel is never closed by
// Append; callers must use the returned cancel to stop receiving.
func (s *Store) Subscribe(sessionID string) (<-chan model.ChatEvent, func()) {
	l := s.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan model.ChatEvent, subscriberBuffer)
	l.subscribers[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// ClearSession truncates sessionID's event log without removing the file,
// used when a session's metadata is cleared but its identity is kept.
func (s *Store) ClearSession(sessionID string) error {
	l := s.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventstore: truncating %s: %w", l.path, err)
	}
	return f.Close()
}

// DeleteSession removes sessionID's event log file entirely.
func (s *Store) DeleteSession(sessionID string) error {
	l := s.logFor(sessionID)
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventstore: deleting %s: %w", path, err)
	}

	s.mu.Lock()
	delete(s.logs, sessionID)
	s.mu.Unlock()
	return nil
}
