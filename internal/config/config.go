package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated configuration record consumed by the runtime
// core. Parsing and merging of user-facing config files happens upstream;
// the core treats this record as authoritative.
type Config struct {
	// DataDir holds durable runtime state (credential store, logs).
	DataDir string `yaml:"data_dir"`

	// Model pins the default model as "<providerID>/<modelID>".
	Model string `yaml:"model,omitempty"`

	// SmallModel overrides the small-model policy, same format as Model.
	SmallModel string `yaml:"small_model,omitempty"`

	// Experimental keeps alpha models in the registry.
	Experimental bool `yaml:"experimental,omitempty"`

	DisabledProviders []string `yaml:"disabled_providers,omitempty"`

	// EnabledProviders, when non-empty, is an allow-set: providers outside
	// it are dropped after the merge.
	EnabledProviders []string `yaml:"enabled_providers,omitempty"`

	// Providers declares user-defined providers and per-provider overrides,
	// keyed by provider ID.
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`

	// MCP declares Model Context Protocol servers, keyed by name.
	MCP map[string]MCPServerConfig `yaml:"mcp,omitempty"`

	// Shell is the preferred shell for PTY sessions. Empty means $SHELL.
	Shell string `yaml:"shell,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
	File  bool   `yaml:"file,omitempty"`  // log to <data_dir>/loomd.log
}

// ProviderConfig declares or overrides a provider.
type ProviderConfig struct {
	Name     string `yaml:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`

	// API selects the backend driver family (e.g. "openai-compatible").
	API string `yaml:"api,omitempty"`

	// Blacklist removes matching model IDs after the merge; Whitelist,
	// when non-empty, keeps only matching IDs.
	Blacklist []string `yaml:"blacklist,omitempty"`
	Whitelist []string `yaml:"whitelist,omitempty"`

	// Models declares custom models or per-model overrides, keyed by model ID.
	Models map[string]ModelConfig `yaml:"models,omitempty"`

	// Options pass through to the backend driver untouched.
	Options map[string]any `yaml:"options,omitempty"`
}

// ModelConfig declares or overrides a model.
type ModelConfig struct {
	Name     string            `yaml:"name,omitempty"`
	Disabled bool              `yaml:"disabled,omitempty"`
	APIID    string            `yaml:"api_id,omitempty"`
	Options  map[string]any    `yaml:"options,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`

	// ToolCallMode selects "native" or "prompt" tool calling.
	ToolCallMode string `yaml:"tool_call_mode,omitempty"`

	// Capability overrides; nil means "keep the merged value".
	ToolCall  *bool `yaml:"tool_call,omitempty"`
	Reasoning *bool `yaml:"reasoning,omitempty"`

	ContextLimit int `yaml:"context_limit,omitempty"`
	OutputLimit  int `yaml:"output_limit,omitempty"`

	// Variants marks named parameter overlays; an entry with
	// disabled: true prunes that variant.
	Variants map[string]VariantConfig `yaml:"variants,omitempty"`
}

// VariantConfig overrides a named model variant.
type VariantConfig struct {
	Disabled bool           `yaml:"disabled,omitempty"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// MCPServerConfig is one configured MCP server: either a local command or
// a remote URL.
type MCPServerConfig struct {
	Type string `yaml:"type"` // "local" or "remote"

	// Local servers.
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`

	// Remote servers.
	URL string `yaml:"url,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`

	OAuth MCPOAuth `yaml:"oauth,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MCPOAuth captures the three config shapes for remote-server OAuth:
// `false` (disabled), `{}` (enabled, dynamic registration), or an object
// carrying a pre-registered client.
type MCPOAuth struct {
	Disabled     bool
	ClientID     string
	ClientSecret string
	Scope        string
}

// UnmarshalYAML accepts either a boolean or a mapping.
func (o *MCPOAuth) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var b bool
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("oauth: expected bool or mapping: %w", err)
		}
		o.Disabled = !b
		return nil
	}

	var body struct {
		ClientID     string `yaml:"clientId"`
		ClientSecret string `yaml:"clientSecret"`
		Scope        string `yaml:"scope"`
	}
	if err := value.Decode(&body); err != nil {
		return fmt.Errorf("oauth: %w", err)
	}
	o.ClientID = body.ClientID
	o.ClientSecret = body.ClientSecret
	o.Scope = body.Scope
	return nil
}

// Validate checks the record for contradictions that cannot be normalized
// away. Failures here are fatal at startup.
func (c *Config) Validate() error {
	for name, m := range c.MCP {
		switch m.Type {
		case "local":
			if len(m.Command) == 0 {
				return fmt.Errorf("mcp %q: local server requires a command", name)
			}
		case "remote":
			if m.URL == "" {
				return fmt.Errorf("mcp %q: remote server requires a url", name)
			}
		default:
			return fmt.Errorf("mcp %q: unknown type %q", name, m.Type)
		}
	}
	return nil
}

// Normalize fills derivable defaults in place.
func (c *Config) Normalize() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving data dir: %w", err)
		}
		c.DataDir = filepath.Join(home, ".local", "share", "loom")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}
