package catalog

import "fmt"

// Status is a model's lifecycle stage. Alpha models are pruned unless the
// experimental flag is set; deprecated models are always pruned.
type Status string

const (
	StatusAlpha      Status = "alpha"
	StatusBeta       Status = "beta"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Modality is an input or output content type a model accepts or emits.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
	ModalityPDF   Modality = "pdf"
)

// InterleavedReasoning discriminates how a model interleaves reasoning
// with output: plain on/off, or gated by a named request field.
type InterleavedReasoning struct {
	Supported bool   `json:"supported"`
	Field     string `json:"field,omitempty"`
}

// Capabilities describes what a model can do.
type Capabilities struct {
	ToolCall    bool                 `json:"toolCall"`
	Reasoning   bool                 `json:"reasoning"`
	Interleaved InterleavedReasoning `json:"interleaved,omitzero"`
	Input       []Modality           `json:"input,omitempty"`
	Output      []Modality           `json:"output,omitempty"`
}

// Cost carries per-million-token rates in USD.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead,omitempty"`
	CacheWrite float64 `json:"cacheWrite,omitempty"`

	// Over200K overrides the rates for requests beyond 200K input tokens.
	Over200K *Cost `json:"over200K,omitempty"`
}

// Limits carries token window sizes.
type Limits struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

// Variant is a named parameter overlay on a base model, surfaced as a
// distinct selectable entry.
type Variant struct {
	Name     string         `json:"name"`
	Options  map[string]any `json:"options,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// ToolCallMode selects how tool calls reach a backend.
const (
	ToolCallNative = "native"
	ToolCallPrompt = "prompt"
)

// Model is one entry in the provider catalog.
type Model struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	APIID string `json:"apiID"` // wire-level model ID, defaults to ID

	UpstreamURL string `json:"upstreamURL,omitempty"`
	Family      string `json:"family,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
	Cost         Cost         `json:"cost"`
	Limits       Limits       `json:"limits"`
	Status       Status       `json:"status"`

	Options map[string]any    `json:"options,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	ReleaseDate string `json:"releaseDate,omitempty"`

	Variants map[string]Variant `json:"variants,omitempty"`

	// ToolCallMode is "native" or "prompt"; empty means native.
	ToolCallMode string `json:"toolCallMode,omitempty"`
}

// Source records the last-winning origin of a provider's credentials.
type Source string

const (
	SourceEnv    Source = "env"
	SourceConfig Source = "config"
	SourceCustom Source = "custom"
	SourceAPI    Source = "api"
)

// Provider is a catalog entry for one LLM backend.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// API keys the backend driver family: "anthropic", "google", "ollama",
	// "openai-compatible", or "bedrock".
	API string `json:"api"`

	Source  Source   `json:"source"`
	EnvVars []string `json:"envVars,omitempty"`

	APIKey  string `json:"-"`
	BaseURL string `json:"baseURL,omitempty"`

	Options map[string]any    `json:"options,omitempty"`
	Models  map[string]*Model `json:"models"`

	// autoload marks providers usable without an explicit credential
	// (set by their custom loader).
	autoload bool
}

// clone produces an independent deep copy.
func (p *Provider) clone() *Provider {
	c := *p
	c.Options = cloneAnyMap(p.Options)
	c.Models = make(map[string]*Model, len(p.Models))
	for id, m := range p.Models {
		c.Models[id] = m.clone()
	}
	c.EnvVars = append([]string(nil), p.EnvVars...)
	return &c
}

func (m *Model) clone() *Model {
	c := *m
	c.Options = cloneAnyMap(m.Options)
	c.Headers = cloneStringMap(m.Headers)
	c.Capabilities.Input = append([]Modality(nil), m.Capabilities.Input...)
	c.Capabilities.Output = append([]Modality(nil), m.Capabilities.Output...)
	if m.Cost.Over200K != nil {
		over := *m.Cost.Over200K
		c.Cost.Over200K = &over
	}
	if m.Variants != nil {
		c.Variants = make(map[string]Variant, len(m.Variants))
		for k, v := range m.Variants {
			v.Options = cloneAnyMap(v.Options)
			c.Variants[k] = v
		}
	}
	return &c
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// deepMerge merges src into dst recursively; src wins on conflicts.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		return cloneAnyMap(src)
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// ModelNotFoundError is returned when a (provider, model) lookup misses.
// Suggestions holds up to three close matches.
type ModelNotFoundError struct {
	Provider    string
	Model       string
	Suggestions []string
}

func (e *ModelNotFoundError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("model %q not found on provider %q", e.Model, e.Provider)
	}
	return fmt.Sprintf("model %q not found", e.Model)
}

// ProviderInitError wraps a backend driver construction failure. The
// failing provider is dropped; others continue.
type ProviderInitError struct {
	Provider string
	Cause    error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("provider %q failed to initialize: %v", e.Provider, e.Cause)
}

func (e *ProviderInitError) Unwrap() error { return e.Cause }
