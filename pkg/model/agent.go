package model

import (
	"fmt"
	"strings"
)

// AgentType distinguishes a locally-hosted chat persona from one backed by
// an external async service.
type AgentType string

const (
	AgentTypeChat     AgentType = "chat"
	AgentTypeExternal AgentType = "external"
)

// ChatProviderKind enumerates the supported chat provider backends.
type ChatProviderKind string

const (
	ProviderOpenAI          ChatProviderKind = "openai"
	ProviderPi              ChatProviderKind = "pi"
	ProviderClaudeCLI       ChatProviderKind = "claude-cli"
	ProviderCodexCLI        ChatProviderKind = "codex-cli"
	ProviderPiCLI           ChatProviderKind = "pi-cli"
	ProviderOpenAICompatible ChatProviderKind = "openai-compatible"
)

// ToolExposure controls whether an agent's system prompt and tool listing
// present peers as callable tools, as documented skills, or both.
type ToolExposure string

const (
	ToolExposureTools  ToolExposure = "tools"
	ToolExposureSkills ToolExposure = "skills"
	ToolExposureMixed  ToolExposure = "mixed"
)

// ChatConfig configures a chat-type agent's provider.
type ChatConfig struct {
	Provider  ChatProviderKind `json:"provider"`
	Models    []string         `json:"models,omitempty"`
	Thinking  bool             `json:"thinking,omitempty"`
	Config    map[string]any   `json:"config,omitempty"`
	ExtraArgs []string         `json:"extraArgs,omitempty"`
}

// ExternalConfig configures an external-type agent's callback wiring.
type ExternalConfig struct {
	InputURL        string `json:"inputUrl"`
	CallbackBaseURL string `json:"callbackBaseUrl"`
}

// ScheduleConfig is an agent-owned cron schedule (see the scheduler package
// for the runtime state layered on top of this immutable config).
type ScheduleConfig struct {
	ID            string `json:"id"`
	Cron          string `json:"cron"`
	Prompt        string `json:"prompt,omitempty"`
	PreCheck      string `json:"preCheck,omitempty"`
	SessionTitle  string `json:"sessionTitle,omitempty"`
	Enabled       bool   `json:"enabled"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty"`
	// TimeoutSeconds bounds how long a fired run waits for its turn to
	// finish before the scheduler cancels it and records a timeout
	// execution. Zero means the scheduler's own default applies.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// AgentDefinition is immutable after the registry is constructed.
type AgentDefinition struct {
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Type        AgentType `json:"type"`

	Chat     *ChatConfig     `json:"chat,omitempty"`
	External *ExternalConfig `json:"external,omitempty"`

	SystemPrompt string `json:"systemPrompt,omitempty"`

	ToolAllowlist []string `json:"toolAllowlist,omitempty"`
	ToolDenylist  []string `json:"toolDenylist,omitempty"`

	SkillAllowlist []string `json:"skillAllowlist,omitempty"`
	SkillDenylist  []string `json:"skillDenylist,omitempty"`

	CapabilityAllowlist []string `json:"capabilityAllowlist,omitempty"`
	CapabilityDenylist  []string `json:"capabilityDenylist,omitempty"`

	AgentAllowlist []string `json:"agentAllowlist,omitempty"`
	AgentDenylist  []string `json:"agentDenylist,omitempty"`

	UIVisible    *bool        `json:"uiVisible,omitempty"`
	APIExposed   bool         `json:"apiExposed,omitempty"`
	ToolExposure ToolExposure `json:"toolExposure,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Skills    []string         `json:"skills,omitempty"`
}

// IsUIVisible returns the effective uiVisible default of true.
func (a *AgentDefinition) IsUIVisible() bool {
	return a.UIVisible == nil || *a.UIVisible
}

// reservedCLIFlags are never permitted in extraArgs: they would let a config
// author override session identity or hub-owned process plumbing.
var reservedCLIFlags = []string{"-h", "--help", "--print-logs"}

// Validate checks the construction-time invariants from spec §3: the chat
// provider is one of the known kinds (the free-form Config map is not
// inspected), extraArgs excludes reserved flags, and chat/
// external are mutually exclusive with the declared Type.
func (a *AgentDefinition) Validate() error {
	if strings.TrimSpace(a.AgentID) == "" {
		return NewError(ErrInvalidConfig, "agentId is required")
	}
	switch a.Type {
	case "", AgentTypeChat:
		a.Type = AgentTypeChat
		if a.External != nil {
			return NewError(ErrInvalidConfig, "agent %q: external config forbidden when type=chat", a.AgentID)
		}
		if a.Chat != nil {
			if err := a.Chat.validate(a.AgentID); err != nil {
				return err
			}
		}
	case AgentTypeExternal:
		if a.Chat != nil {
			return NewError(ErrInvalidConfig, "agent %q: chat config forbidden when type=external", a.AgentID)
		}
		if a.External == nil || a.External.InputURL == "" || a.External.CallbackBaseURL == "" {
			return NewError(ErrInvalidConfig, "agent %q: external config required when type=external", a.AgentID)
		}
	default:
		return NewError(ErrInvalidConfig, "agent %q: unknown type %q", a.AgentID, a.Type)
	}
	if a.ToolExposure == "" {
		a.ToolExposure = ToolExposureTools
	}
	return nil
}

func (c *ChatConfig) validate(agentID string) error {
	switch c.Provider {
	case ProviderOpenAI, ProviderPi, ProviderClaudeCLI, ProviderCodexCLI, ProviderPiCLI, ProviderOpenAICompatible:
	default:
		return NewError(ErrInvalidConfig, "agent %q: unknown chat provider %q", agentID, c.Provider)
	}
	for _, arg := range c.ExtraArgs {
		for _, reserved := range reservedCLIFlags {
			if arg == reserved || strings.HasPrefix(arg, "--session") {
				return NewError(ErrInvalidConfig, "agent %q: extraArgs contains reserved flag %q", agentID, arg)
			}
		}
	}
	return nil
}

// String implements fmt.Stringer for log friendliness.
func (a *AgentDefinition) String() string {
	return fmt.Sprintf("agent(%s type=%s)", a.AgentID, a.Type)
}
