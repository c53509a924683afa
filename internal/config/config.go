// Package config loads and validates the JSON configuration document that
// wires agent definitions, plugin toggles, MCP server definitions, and
// session defaults into a running hub.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexushub/pkg/model"
)

// Config is the top-level document loaded from the agents config file.
type Config struct {
	Agents     []model.AgentDefinition  `json:"agents"`
	Plugins    map[string]PluginConfig  `json:"plugins,omitempty"`
	MCPServers []MCPServerConfig        `json:"mcpServers,omitempty"`
	Sessions   SessionsConfig           `json:"sessions"`
}

// PluginConfig is an opaque per-plugin settings bag; only Enabled is
// interpreted by the hub itself.
type PluginConfig struct {
	Enabled bool           `json:"enabled"`
	Extra   map[string]any `json:"-"`
}

// MarshalJSON flattens Extra back alongside enabled so round-tripping an
// unrecognized plugin config does not lose fields.
func (p PluginConfig) MarshalJSON() ([]byte, error) {
	out := map[string]any{"enabled": p.Enabled}
	for k, v := range p.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON captures Enabled plus anything else verbatim.
func (p *PluginConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["enabled"].(bool); ok {
		p.Enabled = v
	}
	delete(raw, "enabled")
	p.Extra = raw
	return nil
}

// MCPServerConfig describes one MCP server process to launch and attach as
// a tool source.
type MCPServerConfig struct {
	Name    string            `json:"name,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SessionsConfig holds session-cache defaults.
type SessionsConfig struct {
	MaxCached              int  `json:"maxCached,omitempty"`
	MirrorPiSessionHistory *bool `json:"mirrorPiSessionHistory,omitempty"`
}

const defaultMaxCached = 100

// EffectiveMaxCached returns the configured cache bound, defaulting to 100.
func (s SessionsConfig) EffectiveMaxCached() int {
	if s.MaxCached <= 0 {
		return defaultMaxCached
	}
	return s.MaxCached
}

// MirrorsPiSessionHistory returns the configured mirror flag, defaulting to true.
func (s SessionsConfig) MirrorsPiSessionHistory() bool {
	return s.MirrorPiSessionHistory == nil || *s.MirrorPiSessionHistory
}

// Load reads path, applies ${NAME}/$NAME environment substitution to the raw
// document text before parsing (so references in keys and non-string
// positions are expanded too), and validates the result. A missing file is
// non-fatal and yields an empty-agents Config, per the external-interfaces
// contract.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Sessions: SessionsConfig{}}, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), lookupEnvStrict)

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, model.NewError(model.ErrInvalidConfig, "parsing %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// lookupEnvStrict substitutes from the process environment; an unset
// variable expands to the empty string, mirroring os.ExpandEnv rather than
// failing the whole load over one missing knob.
func lookupEnvStrict(name string) string {
	return os.Getenv(name)
}

// Validate checks cross-field invariants: each agent validates itself, and
// agent ids must be unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if err := agent.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(agent.AgentID)
		if seen[key] {
			return model.NewError(model.ErrDuplicateAgentID, "duplicate agent id %q", agent.AgentID)
		}
		seen[key] = true
	}
	return nil
}

// ProcessEnv is the subset of environment variables the hub reads directly
// (outside the JSON document) per the external-interfaces contract.
type ProcessEnv struct {
	OpenAIAPIKey        string
	AnthropicAPIKey     string
	DataDir             string
	Port                string
	MaxMessagesPerMinute int
}

// LoadProcessEnv reads the well-known environment variables with defaults.
func LoadProcessEnv() ProcessEnv {
	env := ProcessEnv{
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		DataDir:         os.Getenv("DATA_DIR"),
		Port:            os.Getenv("PORT"),
	}
	if env.DataDir == "" {
		env.DataDir = "./data"
	}
	if env.Port == "" {
		env.Port = "8080"
	}
	env.MaxMessagesPerMinute = 60
	if v := os.Getenv("MAX_MESSAGES_PER_MINUTE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			env.MaxMessagesPerMinute = n
		}
	}
	return env
}
