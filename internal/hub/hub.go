// Package hub implements the Session Hub: the core coordinator that owns
// the in-memory session cache, serializes turn execution per session, and
// broadcasts ChatEvents to subscribed connections. A single owner goroutine
// guards the cache/subscription-table/queue state, mirroring the writer-
// goroutine pattern sessionindex.Index already uses;
// once a turn starts, exclusive ownership of its session's messages passes
// to that turn's own goroutine until it reports completion.
package hub

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/internal/eventstore"
	"github.com/haasonsaas/nexushub/internal/history"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/ratelimit"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// ProviderResolver selects the chatproc.Provider and concrete model name to
// use for a given agent definition; cmd/nexushubd supplies the concrete
// wiring (OpenAI/Anthropic/etc) so this package stays decoupled from any
// one vendor SDK.
type ProviderResolver func(agent *model.AgentDefinition) (chatproc.Provider, string, error)

// Config wires the Session Hub's collaborators, all already constructed by
// the caller (cmd/nexushubd).
type Config struct {
	Registry  *agentregistry.Registry
	Index     *sessionindex.Index
	Events    *eventstore.Store
	Tools     toolhost.Host
	History   *history.Registry // nil is fine: no CLI-backed agents configured
	Providers ProviderResolver
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	// MaxCachedSessions bounds the in-memory LRU cache, per spec §4.5.1.
	// A value <= 0 defaults to 100.
	MaxCachedSessions int

	// ToolCallWindowMs/ToolCallMaxPerWindow configure the per-session tool
	// call rate limiter; a MaxPerWindow <= 0 disables limiting.
	ToolCallWindowMs      int64
	ToolCallMaxPerWindow  int64

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

// op is a closure dispatched to the owner goroutine; it runs with exclusive
// access to hubState.
type op struct {
	run  func(st *hubState)
	done chan struct{}
}

// hubState is every field only the owner goroutine may touch.
type hubState struct {
	cache    map[string]*logicalSessionState
	lru      *list.List
	lruElems map[string]*list.Element

	subs map[string]map[string]Connection // sessionID -> connID -> Connection
}

// Hub is the Session Hub.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	ops  chan op
	done chan struct{}

	limitersMu sync.Mutex
	limiters   map[string]*ratelimit.Limiter
}

// New constructs a Hub and starts its owner goroutine.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxCachedSessions <= 0 {
		cfg.MaxCachedSessions = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "hub"),
		ops:      make(chan op),
		done:     make(chan struct{}),
		limiters: make(map[string]*ratelimit.Limiter),
	}
	st := &hubState{
		cache:    make(map[string]*logicalSessionState),
		lru:      list.New(),
		lruElems: make(map[string]*list.Element),
		subs:     make(map[string]map[string]Connection),
	}
	go h.run(st)
	return h
}

// Close stops the owner goroutine. In-flight turns are not interrupted.
func (h *Hub) Close() { close(h.done) }

func (h *Hub) run(st *hubState) {
	for {
		select {
		case <-h.done:
			return
		case o := <-h.ops:
			o.run(st)
			close(o.done)
		}
	}
}

// submit dispatches fn to the owner goroutine and blocks until it finishes.
func (h *Hub) submit(fn func(st *hubState)) {
	o := op{run: fn, done: make(chan struct{})}
	select {
	case h.ops <- o:
	case <-h.done:
		return
	}
	<-o.done
}

func (h *Hub) now() time.Time { return h.cfg.Now() }

// CacheSize reports the current number of sessions held in the in-memory
// cache, for /metrics and admin tooling.
func (h *Hub) CacheSize() int {
	var n int
	h.submit(func(st *hubState) { n = len(st.cache) })
	return n
}

// ensureLocked returns sessionID's logicalSessionState, loading and
// rehydrating it from the Session Index / History Registry / Event Store if
// not already cached. Must only be called from the owner goroutine.
func (h *Hub) ensureLocked(st *hubState, sessionID string) (*logicalSessionState, error) {
	if state, ok := st.cache[sessionID]; ok {
		h.touchLocked(st, sessionID)
		return state, nil
	}

	summary, err := h.cfg.Index.Get(sessionID)
	if err != nil {
		return nil, err
	}

	agent, agentErr := h.cfg.Registry.GetAgent(summary.AgentID)

	var events []model.ChatEvent
	if agentErr == nil && h.cfg.History != nil && agent.Chat != nil {
		if provider, ok := h.cfg.History.For(string(agent.Chat.Provider)); ok {
			overlay, _ := h.cfg.Events.GetEvents(sessionID)
			reconstructed, herr := provider.GetHistory(history.Request{
				SessionID:  sessionID,
				ProviderID: string(agent.Chat.Provider),
				Agent:      agent,
				Attributes: summary.Attributes,
			}, overlay)
			if herr == nil {
				events = reconstructed
			}
		}
	}
	if events == nil {
		events, _ = h.cfg.Events.GetEvents(sessionID)
	}

	state := &logicalSessionState{
		sessionID: sessionID,
		agentID:   summary.AgentID,
		messages:  buildMessagesFromEvents(events),
	}
	st.cache[sessionID] = state
	elem := st.lru.PushFront(sessionID)
	st.lruElems[sessionID] = elem
	h.evictLocked(st)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.SessionCacheSize.Set(float64(len(st.cache)))
	}
	return state, nil
}

func (h *Hub) touchLocked(st *hubState, sessionID string) {
	if elem, ok := st.lruElems[sessionID]; ok {
		st.lru.MoveToFront(elem)
	}
}

// evictLocked drops the least-recently-used, non-busy, non-pinned sessions
// until the cache is within MaxCachedSessions. A session with an active run
// or queued messages is never evicted regardless of position, per spec
// §4.5.1; pinned sessions (tracked in the Session Index) are also exempt.
func (h *Hub) evictLocked(st *hubState) {
	for len(st.cache) > h.cfg.MaxCachedSessions {
		elem := st.lru.Back()
		if elem == nil {
			return
		}
		sessionID := elem.Value.(string)
		state := st.cache[sessionID]
		exempt := state != nil && (state.active != nil || len(state.queue) > 0)
		if !exempt {
			if summary, err := h.cfg.Index.Get(sessionID); err == nil && summary.Pinned {
				exempt = true
			}
		}
		if exempt {
			// Busy and pinned sessions are exempt; walk forward to find an evictable one.
			evicted := false
			for e := elem.Prev(); e != nil; e = e.Prev() {
				candidateID := e.Value.(string)
				candidate := st.cache[candidateID]
				if candidate != nil && (candidate.active != nil || len(candidate.queue) > 0) {
					continue
				}
				if summary, err := h.cfg.Index.Get(candidateID); err == nil && summary.Pinned {
					continue
				}
				st.lru.Remove(e)
				delete(st.lruElems, candidateID)
				delete(st.cache, candidateID)
				evicted = true
				break
			}
			if !evicted {
				return
			}
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.SessionEvictions.Inc()
				h.cfg.Metrics.SessionCacheSize.Set(float64(len(st.cache)))
			}
			continue
		}
		st.lru.Remove(elem)
		delete(st.lruElems, sessionID)
		delete(st.cache, sessionID)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.SessionEvictions.Inc()
			h.cfg.Metrics.SessionCacheSize.Set(float64(len(st.cache)))
		}
	}
}

// DeleteSession evicts sessionID from the in-memory cache (if present) and
// asks the Event Store to drop its log; the Session Index row is tombstoned
// separately by the caller via sessionindex.MarkSessionDeleted, mirroring
// the clearSession-vs-deleteSession split documented in the design ledger.
func (h *Hub) DeleteSession(sessionID string) error {
	h.submit(func(st *hubState) {
		if elem, ok := st.lruElems[sessionID]; ok {
			st.lru.Remove(elem)
			delete(st.lruElems, sessionID)
		}
		delete(st.cache, sessionID)
		delete(st.subs, sessionID)
	})
	h.limitersMu.Lock()
	delete(h.limiters, sessionID)
	h.limitersMu.Unlock()
	return h.cfg.Events.DeleteSession(sessionID)
}

// toolLimiterFor returns sessionID's tool-call rate limiter, creating one on
// first use. Guarded by its own mutex (not the owner channel) since it is
// read from every in-flight turn's own goroutine, independent of the
// session cache.
func (h *Hub) toolLimiterFor(sessionID string) *ratelimit.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	if l, ok := h.limiters[sessionID]; ok {
		return l
	}
	window := h.cfg.ToolCallWindowMs
	if window <= 0 {
		window = 60_000
	}
	l := ratelimit.New(h.cfg.ToolCallMaxPerWindow, window)
	h.limiters[sessionID] = l
	return l
}

// buildMessagesFromEvents replays a session's ChatEvent log into the
// provider-neutral chatproc.Message history a turn resumes from.
func buildMessagesFromEvents(events []model.ChatEvent) []chatproc.Message {
	var out []chatproc.Message
	for _, ev := range events {
		switch ev.Type {
		case model.EventUserMessage:
			if ev.UserMessage != nil {
				out = append(out, chatproc.Message{Role: "user", Content: ev.UserMessage.Text})
			}
		case model.EventAssistantDone:
			if ev.AssistantDone != nil && ev.AssistantDone.Text != "" {
				out = append(out, chatproc.Message{Role: "assistant", Content: ev.AssistantDone.Text})
			}
		case model.EventAgentMessage:
			if ev.AgentMessage != nil {
				out = append(out, chatproc.Message{Role: "user", Content: ev.AgentMessage.Message})
			}
		case model.EventAgentCallback:
			if ev.AgentCallback != nil {
				text := ev.AgentCallback.Result
				if ev.AgentCallback.Error != "" {
					text = ev.AgentCallback.Error
				}
				out = append(out, chatproc.Message{Role: "user", Content: text})
			}
		}
	}
	return out
}
