// Package toolhost implements the Tool Host contract: listTools/callTool
// over a composable set of tool sources, plus the scoped wrapper that
// filters an agent's view by its allow/deny pattern lists.
package toolhost

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// Spec describes one callable tool, returned from ListTools.
type Spec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// CallContext carries the ambient identifiers and collaborators a tool call
// needs, per the Tool Host contract.
type CallContext struct {
	Context       context.Context
	SessionID     string
	TurnID        string
	ResponseID    string
	ToolCallID    string
	AgentRegistry *agentregistry.Registry
}

// Tool is one concrete tool implementation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Capabilities() []string
	Execute(cc CallContext, args json.RawMessage) (json.RawMessage, error)
}

// Host is the Tool Host contract.
type Host interface {
	ListTools() []Spec
	CallTool(cc CallContext, name string, args json.RawMessage) (json.RawMessage, error)
}

// BaseToolHost owns a flat set of concrete tools, keyed by name.
type BaseToolHost struct {
	tools map[string]Tool
	order []string
}

// NewBaseToolHost builds a host from a list of tools; later entries with a
// colliding name overwrite earlier ones while keeping the first one's
// listing position (the opposite of CompositeToolHost, where the first host
// to own a name wins).
func NewBaseToolHost(tools ...Tool) *BaseToolHost {
	h := &BaseToolHost{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := h.tools[t.Name()]; !exists {
			h.order = append(h.order, t.Name())
		}
		h.tools[t.Name()] = t
	}
	return h
}

// ListTools implements Host.
func (h *BaseToolHost) ListTools() []Spec {
	out := make([]Spec, 0, len(h.order))
	for _, name := range h.order {
		t := h.tools[name]
		out = append(out, Spec{
			Name:         t.Name(),
			Description:  t.Description(),
			Parameters:   t.Schema(),
			Capabilities: t.Capabilities(),
		})
	}
	return out
}

// CallTool implements Host.
func (h *BaseToolHost) CallTool(cc CallContext, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := h.tools[name]
	if !ok {
		return nil, model.NewError(model.ErrToolNotFound, "tool %q not found", name)
	}
	if err := validateArgsShape(t.Schema(), args); err != nil {
		return nil, err
	}
	return t.Execute(cc, args)
}

// validateArgsShape performs a shallow structural check (object-ness and
// required-property presence) before ever invoking a tool, so obviously
// malformed calls never reach tool code. It is intentionally not a full
// JSON-Schema validator.
func validateArgsShape(schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var schemaDoc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil // malformed schema is a tool-author bug, not a caller error
	}
	if len(schemaDoc.Required) == 0 {
		return nil
	}
	var parsed map[string]json.RawMessage
	if len(args) == 0 || string(args) == "null" {
		return model.NewError(model.ErrInvalidArguments, "missing required arguments: %v", schemaDoc.Required)
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return model.NewError(model.ErrInvalidArguments, "arguments must be a JSON object: %v", err)
	}
	for _, req := range schemaDoc.Required {
		if _, ok := parsed[req]; !ok {
			return model.NewError(model.ErrInvalidArguments, "missing required argument %q", req)
		}
	}
	return nil
}

// CompositeToolHost unions a sequence of hosts; the first host (in
// argument order) that owns a given tool name wins on collision.
type CompositeToolHost struct {
	hosts []Host
}

// NewCompositeToolHost unions hosts in priority order.
func NewCompositeToolHost(hosts ...Host) *CompositeToolHost {
	return &CompositeToolHost{hosts: hosts}
}

// ListTools implements Host, deduplicating by name with first-host-wins.
func (c *CompositeToolHost) ListTools() []Spec {
	seen := make(map[string]bool)
	var out []Spec
	for _, h := range c.hosts {
		for _, spec := range h.ListTools() {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			out = append(out, spec)
		}
	}
	return out
}

// CallTool implements Host, dispatching to the first host that owns name.
func (c *CompositeToolHost) CallTool(cc CallContext, name string, args json.RawMessage) (json.RawMessage, error) {
	for _, h := range c.hosts {
		for _, spec := range h.ListTools() {
			if spec.Name == name {
				return h.CallTool(cc, name, args)
			}
		}
	}
	return nil, model.NewError(model.ErrToolNotFound, "tool %q not found", name)
}

// ScopedToolHost wraps a base host, filtering by an agent's tool and
// capability allow/deny pattern lists.
type ScopedToolHost struct {
	base             Host
	toolAllow        []*agentregistry.GlobPattern
	toolDeny         []*agentregistry.GlobPattern
	capabilityAllow  []*agentregistry.GlobPattern
	capabilityDeny   []*agentregistry.GlobPattern
}

// NewScopedToolHost scopes base to agent's allow/deny lists.
func NewScopedToolHost(base Host, agent *model.AgentDefinition) *ScopedToolHost {
	return &ScopedToolHost{
		base:            base,
		toolAllow:       compile(agent.ToolAllowlist),
		toolDeny:        compile(agent.ToolDenylist),
		capabilityAllow: compile(agent.CapabilityAllowlist),
		capabilityDeny:  compile(agent.CapabilityDenylist),
	}
}

func compile(patterns []string) []*agentregistry.GlobPattern {
	out := make([]*agentregistry.GlobPattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, agentregistry.MustCompile(p))
	}
	return out
}

func anyMatch(patterns []*agentregistry.GlobPattern, name string) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// allowed applies the scoping decision: deny wins, then an allowlist (if
// present) must match, evaluated against both the tool name itself and
// each of its declared capabilities.
func (s *ScopedToolHost) allowed(spec Spec) bool {
	if anyMatch(s.toolDeny, spec.Name) {
		return false
	}
	for _, cap := range spec.Capabilities {
		if anyMatch(s.capabilityDeny, cap) {
			return false
		}
	}

	hasToolAllow := len(s.toolAllow) > 0
	hasCapAllow := len(s.capabilityAllow) > 0
	if !hasToolAllow && !hasCapAllow {
		return true
	}
	if hasToolAllow && anyMatch(s.toolAllow, spec.Name) {
		return true
	}
	for _, cap := range spec.Capabilities {
		if hasCapAllow && anyMatch(s.capabilityAllow, cap) {
			return true
		}
	}
	return false
}

// ListTools implements Host, filtered to what the scoped agent may see.
func (s *ScopedToolHost) ListTools() []Spec {
	var out []Spec
	for _, spec := range s.base.ListTools() {
		if s.allowed(spec) {
			out = append(out, spec)
		}
	}
	return out
}

// CallTool implements Host, rejecting disallowed names with
// tool_not_allowed before ever reaching the base host.
func (s *ScopedToolHost) CallTool(cc CallContext, name string, args json.RawMessage) (json.RawMessage, error) {
	var target *Spec
	for _, spec := range s.base.ListTools() {
		if spec.Name == name {
			target = &spec
			break
		}
	}
	if target == nil {
		return nil, model.NewError(model.ErrToolNotFound, "tool %q not found", name)
	}
	if !s.allowed(*target) {
		return nil, model.NewError(model.ErrToolNotAllowed, "tool %q not allowed for this agent", name)
	}
	return s.base.CallTool(cc, name, args)
}
