package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// rolloutRecord is the common external-rollout line shape written by CLI
// chat providers (claude-cli, codex-cli, pi-cli) to their own transcript
// file. Each provider's on-disk schema is opaque per spec §1 ("concrete
// chat-provider implementations... out of scope"); this is the
// provider-neutral shape a CLIRolloutProvider reconstructs ChatEvents from,
// tolerating unknown fields the way transcript repair tolerates malformed
// tool-call pairing in the teacher's transcript store.
type rolloutRecord struct {
	Type       string          `json:"type"` // "user" | "assistant" | "thinking" | "tool_call" | "tool_result"
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	AtMs       int64           `json:"atMs,omitempty"`
}

// CLIRolloutProvider reconstructs ChatEvents from a CLI provider's rollout
// file under <root>/<providerID>/<sessionId>.jsonl, caching the parsed
// result keyed by the file's mtime so repeated GetHistory calls within a
// turn don't re-read and re-parse the file.
type CLIRolloutProvider struct {
	root       string
	providerIDs map[string]bool
	persist    bool
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	mtime  time.Time
	events []model.ChatEvent
}

// NewCLIRolloutProvider builds a provider serving the given provider ids
// (e.g. "claude-cli", "codex-cli", "pi-cli") from files under root.
// persist controls ShouldPersist's answer: CLI providers whose own file is
// authoritative should pass false so the Event Store is not also written.
func NewCLIRolloutProvider(root string, providerIDs []string, persist bool, logger *slog.Logger) *CLIRolloutProvider {
	if logger == nil {
		logger = slog.Default()
	}
	ids := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		ids[id] = true
	}
	return &CLIRolloutProvider{
		root:        root,
		providerIDs: ids,
		persist:     persist,
		logger:      logger.With("component", "history.cli_rollout"),
		cache:       make(map[string]cacheEntry),
	}
}

// Supports implements Provider.
func (p *CLIRolloutProvider) Supports(providerID string) bool {
	return p.providerIDs[providerID]
}

// ShouldPersist implements Provider.
func (p *CLIRolloutProvider) ShouldPersist(Request) bool {
	return p.persist
}

func (p *CLIRolloutProvider) path(req Request) string {
	return filepath.Join(p.root, req.ProviderID, req.SessionID+".jsonl")
}

// GetHistory implements Provider: parses the rollout file (tolerating
// malformed trailing lines the way eventstore's reader does), converts each
// record into a ChatEvent bracketed by a single turn_start/turn_end pair
// per the file (the external log's own turn boundaries are not observable
// from the outside, so the whole file is treated as one reconstructed
// turn), then merges the overlay's interaction_request/response/pending
// rows recorded in the Event Store in alongside the externally-owned
// content (see mergeOverlay: placement is by timestamp only; toolCallIds
// are not consulted).
func (p *CLIRolloutProvider) GetHistory(req Request, overlay []model.ChatEvent) ([]model.ChatEvent, error) {
	path := p.path(req)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mergeOverlay(nil, overlay), nil
		}
		return nil, fmt.Errorf("history: stat %s: %w", path, err)
	}

	if !req.Force {
		p.mu.Lock()
		entry, ok := p.cache[req.SessionID]
		p.mu.Unlock()
		if ok && entry.mtime.Equal(info.ModTime()) {
			return mergeOverlay(entry.events, overlay), nil
		}
	}

	events, err := p.parse(req, path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[req.SessionID] = cacheEntry{mtime: info.ModTime(), events: events}
	p.mu.Unlock()

	return mergeOverlay(events, overlay), nil
}

func (p *CLIRolloutProvider) parse(req Request, path string) ([]model.ChatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}
	defer f.Close()

	turnID := uuid.NewString()
	var events []model.ChatEvent
	events = append(events, model.ChatEvent{
		ID:        uuid.NewString(),
		Type:      model.EventTurnStart,
		SessionID: req.SessionID,
		TurnID:    turnID,
		TurnStart: &model.TurnStartPayload{AgentID: req.Agent.AgentID, Trigger: model.TriggerSystem},
	})

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec rolloutRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			p.logger.Warn("skipping malformed rollout line", "session_id", req.SessionID, "error", err)
			continue
		}
		ev, ok := recordToEvent(req.SessionID, turnID, rec)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	events = append(events, model.ChatEvent{
		ID:        uuid.NewString(),
		Type:      model.EventTurnEnd,
		SessionID: req.SessionID,
		TurnID:    turnID,
		TurnEnd:   &model.TurnEndPayload{AgentID: req.Agent.AgentID, Reason: "completed"},
	})
	return events, nil
}

func recordToEvent(sessionID, turnID string, rec rolloutRecord) (model.ChatEvent, bool) {
	base := model.ChatEvent{ID: uuid.NewString(), SessionID: sessionID, TurnID: turnID}
	if rec.AtMs > 0 {
		base.Timestamp = time.UnixMilli(rec.AtMs)
	}
	switch rec.Type {
	case "user":
		base.Type = model.EventUserMessage
		base.UserMessage = &model.UserMessagePayload{Text: rec.Text}
	case "assistant":
		base.Type = model.EventAssistantDone
		base.AssistantDone = &model.AssistantDonePayload{Text: rec.Text}
	case "thinking":
		base.Type = model.EventThinkingDone
		base.ThinkingDone = &model.ThinkingDonePayload{Text: rec.Text}
	case "tool_call":
		base.Type = model.EventToolCall
		base.ToolCall = &model.ToolCallPayload{CallID: rec.ToolCallID, ToolName: rec.ToolName, Arguments: rec.Args}
	case "tool_result":
		base.Type = model.EventToolResult
		base.ToolResult = &model.ToolResultPayload{CallID: rec.ToolCallID, ToolName: rec.ToolName, Result: rec.Result, Error: rec.Error}
	default:
		return model.ChatEvent{}, false
	}
	return base, true
}

// mergeOverlay appends Event-Store-owned interaction events to the
// externally reconstructed stream and stable-sorts the result by
// timestamp. Events are not aligned by toolCallId; rollout records without
// atMs and the synthetic turn_start/turn_end carry a zero timestamp and so
// sort ahead of every timestamped event.
func mergeOverlay(base, overlay []model.ChatEvent) []model.ChatEvent {
	var interactionOnly []model.ChatEvent
	for _, ev := range overlay {
		switch ev.Type {
		case model.EventInteractionReq, model.EventInteractionResp, model.EventInteractionPend:
			interactionOnly = append(interactionOnly, ev)
		}
	}
	if len(interactionOnly) == 0 {
		return base
	}
	merged := make([]model.ChatEvent, 0, len(base)+len(interactionOnly))
	merged = append(merged, base...)
	merged = append(merged, interactionOnly...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
