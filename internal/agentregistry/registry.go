// Package agentregistry holds the immutable, process-wide table of agent
// definitions plus the glob-pattern visibility resolution used by the
// system-prompt builder and the agents_message delegation tool.
package agentregistry

import (
	"strings"

	"github.com/haasonsaas/nexushub/pkg/model"
)

// Registry is immutable after New returns successfully.
type Registry struct {
	byID  map[string]*model.AgentDefinition
	order []string
}

// New validates every definition, rejects duplicate ids, and returns an
// immutable Registry.
func New(agents []model.AgentDefinition) (*Registry, error) {
	r := &Registry{
		byID: make(map[string]*model.AgentDefinition, len(agents)),
	}
	for i := range agents {
		a := agents[i]
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byID[a.AgentID]; exists {
			return nil, model.NewError(model.ErrDuplicateAgentID, "duplicate agent id %q", a.AgentID)
		}
		r.byID[a.AgentID] = &a
		r.order = append(r.order, a.AgentID)
	}
	return r, nil
}

// GetAgent returns the definition for id, or ErrAgentNotFound.
func (r *Registry) GetAgent(id string) (*model.AgentDefinition, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, model.NewError(model.ErrAgentNotFound, "agent %q not found", id)
	}
	return a, nil
}

// HasAgent reports whether id is a known agent.
func (r *Registry) HasAgent(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// ListAgents returns every agent definition in registration order.
func (r *Registry) ListAgents() []*model.AgentDefinition {
	out := make([]*model.AgentDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// VisiblePeers computes the set of agents fromAgentID may see or delegate
// to, per the visibility resolution rules: start from every uiVisible
// agent, narrow by an allowlist if present, then remove anything matching
// the denylist; the source agent is always excluded.
func (r *Registry) VisiblePeers(fromAgentID string) ([]*model.AgentDefinition, error) {
	from, err := r.GetAgent(fromAgentID)
	if err != nil {
		return nil, err
	}

	allow := compilePatterns(from.AgentAllowlist)
	deny := compilePatterns(from.AgentDenylist)

	var peers []*model.AgentDefinition
	for _, id := range r.order {
		if id == fromAgentID {
			continue
		}
		a := r.byID[id]
		if !a.IsUIVisible() {
			continue
		}
		if len(allow) > 0 && !anyMatch(allow, id) {
			continue
		}
		if anyMatch(deny, id) {
			continue
		}
		peers = append(peers, a)
	}
	return peers, nil
}

// IsVisibleTo reports whether targetAgentID is in fromAgentID's visible
// peer set, used to enforce agent_not_accessible on delegation.
func (r *Registry) IsVisibleTo(fromAgentID, targetAgentID string) (bool, error) {
	peers, err := r.VisiblePeers(fromAgentID)
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.AgentID == targetAgentID {
			return true, nil
		}
	}
	return false, nil
}

func anyMatch(patterns []*GlobPattern, name string) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

func compilePatterns(raw []string) []*GlobPattern {
	out := make([]*GlobPattern, 0, len(raw))
	for _, p := range raw {
		out = append(out, MustCompile(p))
	}
	return out
}

// NormalizeAgentID lowercases and trims an agent id for lookups that should
// be case-insensitive at the edges (e.g. config authoring); the registry
// itself stores ids verbatim as the canonical key.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
