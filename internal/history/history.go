// Package history implements the History Provider Registry: reconstruction
// of a session's ChatEvent sequence from an external CLI provider's own
// rollout file, for agents whose provider (claude-cli, codex-cli, pi-cli)
// owns the canonical transcript instead of the Event Store.
package history

import (
	"github.com/haasonsaas/nexushub/pkg/model"
)

// Request carries everything a Provider needs to locate and reconstruct a
// session's external transcript.
type Request struct {
	SessionID  string
	ProviderID string
	Agent      *model.AgentDefinition
	Attributes map[string]any
	After      string
	Force      bool
}

// Provider reconstructs ChatEvents from one external CLI's rollout format.
type Provider interface {
	// Supports reports whether this provider owns transcripts for providerID.
	Supports(providerID string) bool
	// GetHistory reconstructs events from the external file, applying its own
	// mtime-keyed cache and merging in Event-Store overlay events (interaction
	// requests/responses/pending); the merge orders by timestamp and does
	// not align events by toolCallId.
	GetHistory(req Request, overlay []model.ChatEvent) ([]model.ChatEvent, error)
	// ShouldPersist reports whether the Event Store should also be written
	// for this request; false means the external file is authoritative and
	// Event Store writes are skipped to avoid divergence.
	ShouldPersist(req Request) bool
}

// Registry selects the first Provider whose Supports(providerID) is true.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a Registry over providers in priority order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// For returns the provider owning providerID's transcripts, if any.
func (r *Registry) For(providerID string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Supports(providerID) {
			return p, true
		}
	}
	return nil, false
}
