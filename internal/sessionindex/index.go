// Package sessionindex implements the Session Index: a durable catalog of
// session metadata backed by a JSONL change log at <dataDir>/sessions.jsonl,
// replayed into an in-memory map on load. A single writer goroutine
// serializes every mutation so the change log and the in-memory view can
// never diverge under concurrent callers.
package sessionindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/nexushub/pkg/model"
)

// changeOp discriminates one line of the change log.
type changeOp string

const (
	opCreate          changeOp = "create"
	opTouch           changeOp = "touch"
	opRename          changeOp = "rename"
	opSetAgent        changeOp = "set_agent"
	opSetModel        changeOp = "set_model"
	opSetThinking     changeOp = "set_thinking"
	opPin             changeOp = "pin"
	opClear           changeOp = "clear"
	opUpdateAttrs     changeOp = "update_attrs"
	opMarkDeleted     changeOp = "mark_deleted"
	opSetStatus       changeOp = "set_status"
)

type changeRecord struct {
	Op        changeOp        `json:"op"`
	SessionID string          `json:"sessionId"`
	At        time.Time       `json:"at"`
	Summary   *model.SessionSummary `json:"summary,omitempty"`
	Name      string          `json:"name,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Model     string          `json:"model,omitempty"`
	Thinking  bool            `json:"thinking,omitempty"`
	Pinned    bool            `json:"pinned,omitempty"`
	Attrs     map[string]any  `json:"attrs,omitempty"`
	Snippet   string          `json:"snippet,omitempty"`
	Status    model.SessionStatus `json:"status,omitempty"`
}

// mutation is a closure dispatched to the single writer goroutine; it runs
// with exclusive access to the in-memory map and may return an error that
// is relayed back to the caller.
type mutation struct {
	run  func(idx *Index) (*model.SessionSummary, error)
	resp chan mutationResult
}

type mutationResult struct {
	summary *model.SessionSummary
	err     error
}

// Index is the Session Index.
type Index struct {
	path   string
	logger *slog.Logger

	mutate chan mutation
	done   chan struct{}

	// sessions and byName are only ever touched by the writer goroutine.
	sessions map[string]*model.SessionSummary
	byName   map[string]string // lowercase name -> sessionID, non-deleted only
}

// Open replays the change log at <dataDir>/sessions.jsonl (if present) and
// starts the single writer goroutine.
func Open(dataDir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{
		path:     filepath.Join(dataDir, "sessions.jsonl"),
		logger:   logger.With("component", "sessionindex"),
		mutate:   make(chan mutation),
		done:     make(chan struct{}),
		sessions: make(map[string]*model.SessionSummary),
		byName:   make(map[string]string),
	}
	if err := idx.replay(); err != nil {
		return nil, err
	}
	go idx.run()
	return idx, nil
}

// Close stops the writer goroutine. Pending mutations already submitted
// complete first.
func (idx *Index) Close() {
	close(idx.done)
}

func (idx *Index) replay() error {
	f, err := os.Open(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessionindex: opening %s: %w", idx.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec changeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			idx.logger.Warn("skipping malformed change-log line", "error", err)
			continue
		}
		idx.applyRecord(rec)
	}
	return nil
}

// applyRecord mutates the in-memory map only; it never writes to disk
// (used during replay, and by the writer goroutine right before appending).
func (idx *Index) applyRecord(rec changeRecord) {
	switch rec.Op {
	case opCreate:
		if rec.Summary == nil {
			return
		}
		s := rec.Summary.Clone()
		idx.sessions[s.ID] = s
		if s.Name != "" && !s.Deleted {
			idx.byName[strings.ToLower(s.Name)] = s.ID
		}
	case opTouch:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.LastActiveAt = rec.At
			if rec.Snippet != "" {
				s.LastSnippet = rec.Snippet
			}
		}
	case opRename:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			if s.Name != "" {
				delete(idx.byName, strings.ToLower(s.Name))
			}
			s.Name = rec.Name
			if rec.Name != "" && !s.Deleted {
				idx.byName[strings.ToLower(rec.Name)] = s.ID
			}
		}
	case opSetAgent:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.AgentID = rec.AgentID
		}
	case opSetModel:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.Model = rec.Model
		}
	case opSetThinking:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.Thinking = rec.Thinking
		}
	case opPin:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.Pinned = rec.Pinned
		}
	case opClear:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.LastSnippet = ""
		}
	case opUpdateAttrs:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.Attributes = model.MergeAttributes(s.Attributes, rec.Attrs)
		}
	case opSetStatus:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			s.Status = rec.Status
		}
	case opMarkDeleted:
		if s, ok := idx.sessions[rec.SessionID]; ok {
			if s.Name != "" {
				delete(idx.byName, strings.ToLower(s.Name))
			}
			s.Deleted = true
		}
	}
}

func (idx *Index) run() {
	for {
		select {
		case <-idx.done:
			return
		case m := <-idx.mutate:
			summary, err := m.run(idx)
			m.resp <- mutationResult{summary: summary, err: err}
		}
	}
}

// submit dispatches fn to the writer goroutine and blocks for its result.
// fn may mutate idx's maps directly and append a change record via
// idx.appendLocked; both happen on the single writer goroutine, so no
// additional locking is needed inside fn.
func (idx *Index) submit(fn func(idx *Index) (*model.SessionSummary, error)) (*model.SessionSummary, error) {
	resp := make(chan mutationResult, 1)
	select {
	case idx.mutate <- mutation{run: fn, resp: resp}:
	case <-idx.done:
		return nil, fmt.Errorf("sessionindex: closed")
	}
	result := <-resp
	return result.summary, result.err
}

// appendLocked writes rec to the change log. Must only be called from the
// writer goroutine (i.e. from inside a submit callback).
func (idx *Index) appendLocked(rec changeRecord) error {
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return fmt.Errorf("sessionindex: creating data dir: %w", err)
	}
	f, err := os.OpenFile(idx.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionindex: opening %s: %w", idx.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sessionindex: marshaling change record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessionindex: writing change record: %w", err)
	}
	return nil
}

// CreateSession creates sessionID bound to agentID if it does not already
// exist (non-deleted). Repeated calls with the same sessionID are
// idempotent: they return the existing summary without appending a
// duplicate create record.
func (idx *Index) CreateSession(sessionID, agentID, name string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if existing, ok := idx.sessions[sessionID]; ok && !existing.Deleted {
			return existing.Clone(), nil
		}
		if name != "" {
			if _, taken := idx.byName[strings.ToLower(name)]; taken {
				return nil, model.NewError(model.ErrNameInUse, "session name %q already in use", name)
			}
		}
		s := &model.SessionSummary{
			ID:           sessionID,
			Name:         name,
			AgentID:      agentID,
			Status:       model.SessionIdle,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		idx.applyRecord(changeRecord{Op: opCreate, SessionID: sessionID, At: now, Summary: s})
		if err := idx.appendLocked(changeRecord{Op: opCreate, SessionID: sessionID, At: now, Summary: s}); err != nil {
			return nil, err
		}
		return s.Clone(), nil
	})
}

// Get returns a clone of sessionID's summary, or ErrSessionNotFound.
func (idx *Index) Get(sessionID string) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		s, ok := idx.sessions[sessionID]
		if !ok || s.Deleted {
			return nil, model.NewError(model.ErrSessionNotFound, "session %q not found", sessionID)
		}
		return s.Clone(), nil
	})
}

// ListAll returns clones of every non-deleted session summary.
func (idx *Index) ListAll() ([]*model.SessionSummary, error) {
	var out []*model.SessionSummary
	_, err := idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		out = make([]*model.SessionSummary, 0, len(idx.sessions))
		for _, s := range idx.sessions {
			if !s.Deleted {
				out = append(out, s.Clone())
			}
		}
		return nil, nil
	})
	return out, err
}

func (idx *Index) mustExist(sessionID string) (*model.SessionSummary, error) {
	s, ok := idx.sessions[sessionID]
	if !ok || s.Deleted {
		return nil, model.NewError(model.ErrSessionNotFound, "session %q not found", sessionID)
	}
	return s, nil
}

// TouchSession updates lastActiveAt and, optionally, lastSnippet.
func (idx *Index) TouchSession(sessionID, snippet string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opTouch, SessionID: sessionID, At: now, Snippet: snippet}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// MarkSessionActivity records that sessionID just started or finished a
// turn by updating its status and lastActiveAt.
func (idx *Index) MarkSessionActivity(sessionID string, status model.SessionStatus, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		statusRec := changeRecord{Op: opSetStatus, SessionID: sessionID, At: now, Status: status}
		idx.applyRecord(statusRec)
		if err := idx.appendLocked(statusRec); err != nil {
			return nil, err
		}
		touchRec := changeRecord{Op: opTouch, SessionID: sessionID, At: now}
		idx.applyRecord(touchRec)
		if err := idx.appendLocked(touchRec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// RenameSession renames sessionID to name, enforcing case-insensitive
// uniqueness among non-deleted sessions.
func (idx *Index) RenameSession(sessionID, name string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		s, err := idx.mustExist(sessionID)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(name)
		if owner, taken := idx.byName[key]; taken && owner != sessionID {
			return nil, model.NewError(model.ErrNameInUse, "session name %q already in use", name)
		}
		if s.Name == name {
			return s.Clone(), nil
		}
		rec := changeRecord{Op: opRename, SessionID: sessionID, At: now, Name: name}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// SetSessionAgent rebinds sessionID to a different agent.
func (idx *Index) SetSessionAgent(sessionID, agentID string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opSetAgent, SessionID: sessionID, At: now, AgentID: agentID}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// SetSessionModel overrides sessionID's model selection.
func (idx *Index) SetSessionModel(sessionID, modelName string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opSetModel, SessionID: sessionID, At: now, Model: modelName}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// SetSessionThinking toggles sessionID's thinking mode.
func (idx *Index) SetSessionThinking(sessionID string, thinking bool, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opSetThinking, SessionID: sessionID, At: now, Thinking: thinking}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// PinSession marks sessionID pinned or unpinned; pinned sessions are exempt
// from LRU eviction in the Session Hub cache.
func (idx *Index) PinSession(sessionID string, pinned bool, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opPin, SessionID: sessionID, At: now, Pinned: pinned}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// ClearSession drops lastSnippet but keeps the summary row and does not
// touch the event log; callers wanting to also drop history should pair
// this with eventstore.ClearSession.
func (idx *Index) ClearSession(sessionID string, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opClear, SessionID: sessionID, At: now}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// UpdateSessionAttributes deep-merges patch into sessionID's attributes.
func (idx *Index) UpdateSessionAttributes(sessionID string, patch map[string]any, now time.Time) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opUpdateAttrs, SessionID: sessionID, At: now, Attrs: patch}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return idx.sessions[sessionID].Clone(), nil
	})
}

// MarkSessionDeleted tombstones sessionID: its name is freed for reuse and
// it is excluded from ListAll, but its row is retained in the in-memory map
// (and change log) for audit purposes. Callers wanting to reclaim disk
// should pair this with eventstore.DeleteSession.
func (idx *Index) MarkSessionDeleted(sessionID string, now time.Time) error {
	_, err := idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		if _, err := idx.mustExist(sessionID); err != nil {
			return nil, err
		}
		rec := changeRecord{Op: opMarkDeleted, SessionID: sessionID, At: now}
		idx.applyRecord(rec)
		if err := idx.appendLocked(rec); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// FindSessionByName looks up a non-deleted session by case-insensitive name.
func (idx *Index) FindSessionByName(name string) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		id, ok := idx.byName[strings.ToLower(name)]
		if !ok {
			return nil, model.NewError(model.ErrSessionNotFound, "no session named %q", name)
		}
		return idx.sessions[id].Clone(), nil
	})
}

// FindSessionForAgent returns the most recently active non-deleted session
// bound to agentID, used by the delegation package's "latest-or-create"
// session resolution.
func (idx *Index) FindSessionForAgent(agentID string) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		var best *model.SessionSummary
		for _, s := range idx.sessions {
			if s.Deleted || s.AgentID != agentID {
				continue
			}
			if best == nil || s.LastActiveAt.After(best.LastActiveAt) {
				best = s
			}
		}
		if best == nil {
			return nil, model.NewError(model.ErrSessionNotFound, "no session for agent %q", agentID)
		}
		return best.Clone(), nil
	})
}

// FindScheduledSession returns the most-recently-updated non-deleted session
// whose attributes.scheduledSession tags it as belonging to agentID's
// scheduleID, used by the scheduler to reuse a schedule's session across
// fires instead of colliding on name or most-recent-for-agent (spec §4.9
// step 6).
func (idx *Index) FindScheduledSession(agentID, scheduleID string) (*model.SessionSummary, error) {
	return idx.submit(func(idx *Index) (*model.SessionSummary, error) {
		var best *model.SessionSummary
		for _, s := range idx.sessions {
			if s.Deleted || !isScheduledSessionFor(s.Attributes, agentID, scheduleID) {
				continue
			}
			if best == nil || s.LastActiveAt.After(best.LastActiveAt) {
				best = s
			}
		}
		if best == nil {
			return nil, model.NewError(model.ErrSessionNotFound, "no scheduled session for agent %q schedule %q", agentID, scheduleID)
		}
		return best.Clone(), nil
	})
}

func isScheduledSessionFor(attrs map[string]any, agentID, scheduleID string) bool {
	tag, ok := attrs["scheduledSession"].(map[string]any)
	if !ok {
		return false
	}
	return tag["agentId"] == agentID && tag["scheduleId"] == scheduleID
}
