package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/internal/chatproc"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// Connection is the transport-agnostic handle the Session Hub broadcasts
// server messages to. Implementations (e.g. internal/transport/ws) own
// their own per-connection write queue so a slow client cannot block the
// hub's single owner goroutine, per spec §9's subscription-fan-out note.
type Connection interface {
	ID() string
	Send(msg ServerMessage)
}

// ServerMessage is one server-to-client wire message, per spec §6.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// DispatchInput is one inbound message the hub either runs immediately or
// queues, per spec §4.5.2.
type DispatchInput struct {
	SessionID string
	Text      string
	Trigger   model.TurnTrigger

	// Source identifies who originated the message: "user", "agent",
	// "callback", or "scheduler". It travels with the queued entry; the hub
	// does not branch on it (LogAsCallback controls callback broadcast).
	Source        string
	FromAgentID   string
	FromSessionID string

	// LogAsCallback suppresses broadcast of the synthesized user_message
	// (the text is still persisted), per spec §4.6 step 1.
	LogAsCallback bool

	// ExcludeConnID, if set, is skipped when the synthesized user_message
	// is broadcast (the originating client already has it locally).
	ExcludeConnID string
}

// TurnResult is what a dispatched turn eventually resolves to.
type TurnResult struct {
	Status       string // "complete" | "error" | "cancelled"
	ResponseText string
	Err          error
}

// turnHandle tracks one dispatched turn from the moment Dispatch assigns it
// a responseId, whether it starts running immediately or sits in a
// session's messageQueue first. It is the activeChatRun of spec §3 once
// running, carrying its cancel func and in-flight tool calls; multiple goroutines
// (a sync-mode timeout race and an async callback-delivery waiter) may
// safely Wait() on the same handle.
type turnHandle struct {
	responseID string
	sessionID  string

	mu        sync.Mutex
	cancel    context.CancelFunc
	toolCalls map[string]pendingToolCall

	doneCh chan struct{}
	result TurnResult
}

type pendingToolCall struct {
	toolName string
}

func newTurnHandle(sessionID string) *turnHandle {
	return &turnHandle{
		responseID: uuid.NewString(),
		sessionID:  sessionID,
		doneCh:     make(chan struct{}),
	}
}

// finish records res and closes doneCh exactly once; later calls are no-ops
// so a cancellation race with a normal completion cannot panic on a double
// close.
func (t *turnHandle) finish(res TurnResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.doneCh:
		return
	default:
	}
	t.result = res
	close(t.doneCh)
}

// Wait blocks until the turn finishes and returns its result. Safe to call
// from multiple goroutines concurrently.
func (t *turnHandle) Wait() TurnResult {
	<-t.doneCh
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// DispatchOutcome is Dispatch's immediate return value.
type DispatchOutcome struct {
	ResponseID string
	Queued     bool

	handle *turnHandle
}

// Done returns a channel that closes when the dispatched turn finishes,
// regardless of whether it started immediately or was queued.
func (o *DispatchOutcome) Done() <-chan struct{} { return o.handle.doneCh }

// Wait blocks for the turn's result.
func (o *DispatchOutcome) Wait() TurnResult { return o.handle.Wait() }

// queuedDispatch is one entry in a busy session's FIFO messageQueue.
type queuedDispatch struct {
	in     DispatchInput
	handle *turnHandle
}

// logicalSessionState is the in-memory reconstruction of spec §3's
// LogicalSessionState. Only the hub's owner goroutine mutates the map
// entry itself (insert/evict); once a turn is dispatched, exclusive
// ownership of messages/active passes to that turn's own goroutine until
// it reports completion, since the "at most one active run per session"
// invariant guarantees no other writer touches it meanwhile.
type logicalSessionState struct {
	sessionID string
	agentID   string
	messages  []chatproc.Message
	active    *turnHandle
	queue     []queuedDispatch
}
