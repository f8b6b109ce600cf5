package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/internal/catalog"
	"loom/internal/logging"
)

// driverConfig is the resolved configuration handed to a backend driver.
type driverConfig struct {
	Provider *catalog.Provider
	Model    *catalog.Model

	APIKey  string
	BaseURL string

	// Headers and Options are the merged request defaults:
	// provider options ← per-model headers ← per-model options.
	// Caller headers from each Call merge underneath at request time, so
	// per-model headers override them.
	Headers map[string]string
	Options map[string]any
}

// Adapter lazily constructs and memoizes streaming language-model handles
// per (providerID, modelID).
type Adapter struct {
	registry *catalog.Registry

	mu    sync.Mutex
	cache map[string]LanguageModel
}

// NewAdapter creates an adapter over a built registry.
func NewAdapter(registry *catalog.Registry) *Adapter {
	return &Adapter{
		registry: registry,
		cache:    make(map[string]LanguageModel),
	}
}

// Language returns the streaming handle for a model reference. Handles
// are cached; repeat calls return the same instance.
func (a *Adapter) Language(ctx context.Context, ref catalog.Ref) (LanguageModel, error) {
	p, m, err := a.registry.Get(ref.Provider, ref.Model)
	if err != nil {
		return nil, err
	}

	key, err := cacheKey(p, m)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if handle, ok := a.cache[key]; ok {
		return handle, nil
	}

	handle, err := a.construct(ctx, p, m)
	if err != nil {
		return nil, &catalog.ProviderInitError{Provider: p.ID, Cause: err}
	}

	a.cache[key] = handle
	logging.Debug("language model constructed", "provider", p.ID, "model", m.ID, "api", p.API)
	return handle, nil
}

// cacheKey derives a stable key from the driver family and merged
// options: canonical JSON (sorted keys, absent optionals omitted).
func cacheKey(p *catalog.Provider, m *catalog.Model) (string, error) {
	payload := struct {
		API      string         `json:"api"`
		Provider string         `json:"provider"`
		Model    string         `json:"model"`
		Options  map[string]any `json:"options,omitempty"`
	}{
		API:      p.API,
		Provider: p.ID,
		Model:    m.ID,
		Options:  mergedOptions(p, m),
	}

	// encoding/json writes map keys in sorted order, which makes this a
	// canonical encoding.
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing model options: %w", err)
	}
	return string(data), nil
}

func mergedOptions(p *catalog.Provider, m *catalog.Model) map[string]any {
	out := make(map[string]any)
	for k, v := range p.Options {
		out[k] = v
	}
	for k, v := range m.Options {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *Adapter) construct(ctx context.Context, p *catalog.Provider, m *catalog.Model) (LanguageModel, error) {
	cfg := driverConfig{
		Provider: p,
		Model:    m,
		APIKey:   p.APIKey,
		BaseURL:  p.BaseURL,
		Headers:  m.Headers,
		Options:  mergedOptions(p, m),
	}

	// A custom loader may supply a non-default handle.
	if loader, ok := a.registry.Loader(p.ID); ok && loader.GetModel != nil {
		raw, err := loader.GetModel(ctx, p, m)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			handle, ok := raw.(LanguageModel)
			if !ok {
				return nil, fmt.Errorf("custom loader for %q returned %T, not a language model", p.ID, raw)
			}
			return a.maybeShim(handle, m), nil
		}
	}

	var (
		handle LanguageModel
		err    error
	)
	switch p.API {
	case "anthropic":
		handle, err = newAnthropicModel(cfg)
	case "google":
		handle, err = newGeminiModel(ctx, cfg)
	case "ollama":
		handle, err = newOllamaModel(cfg)
	case "bedrock":
		handle, err = newBedrockModel(cfg)
	case "openai-compatible", "":
		handle, err = newOpenAIModel(cfg)
	default:
		err = fmt.Errorf("unknown backend api %q", p.API)
	}
	if err != nil {
		return nil, err
	}

	return a.maybeShim(handle, m), nil
}

// maybeShim wraps a handle in the prompt-engineered tool-calling shim
// when the model lacks native tool support and prompt mode is selected.
func (a *Adapter) maybeShim(handle LanguageModel, m *catalog.Model) LanguageModel {
	if !m.Capabilities.ToolCall && m.ToolCallMode == catalog.ToolCallPrompt {
		return &promptToolModel{inner: handle}
	}
	return handle
}

// callContext composes the caller's context with the per-call timeout.
func callContext(ctx context.Context, call *Call) (context.Context, context.CancelFunc) {
	if call.Timeout > 0 {
		return context.WithTimeout(ctx, call.Timeout)
	}
	return context.WithCancel(ctx)
}

// effectiveHeaders merges the driver defaults with caller headers; the
// per-model headers win last, matching the adapter's merge order.
func (c *driverConfig) effectiveHeaders(call *Call) map[string]string {
	out := make(map[string]string)
	for k, v := range call.Headers {
		out[k] = v
	}
	for k, v := range c.Headers {
		out[k] = v
	}
	return out
}

// requestTimeout pulls a "timeout" duration out of merged options, so
// providers can pin one in config.
func (c *driverConfig) requestTimeout() time.Duration {
	raw, ok := c.Options["timeout"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	default:
		return 0
	}
}
