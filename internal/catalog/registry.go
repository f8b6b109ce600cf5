package catalog

import (
	"context"
	"os"
	"sort"
	"strings"

	"loom/internal/config"
	"loom/internal/logging"
)

// Plugin contributes provider options when its auth loader finds
// credentials for the named provider.
type Plugin struct {
	Provider string

	// Auth returns provider options and true when credentials exist.
	Auth func() (map[string]any, bool)
}

// CustomLoader customizes registry construction for one provider.
type CustomLoader struct {
	// Autoload decides whether the provider participates without an
	// explicit credential (e.g. a reachable local endpoint).
	Autoload func(env func(string) string, cfg *config.ProviderConfig) bool

	// Models may mutate the provider's model list, e.g. by discovering
	// models from the backend.
	Models func(ctx context.Context, p *Provider) error

	// GetModel, when set, constructs a non-default backend handle for a
	// model. The returned value is consumed by the provider adapter.
	GetModel func(ctx context.Context, p *Provider, m *Model) (any, error)
}

// BuildInputs are the merge sources for registry construction.
type BuildInputs struct {
	Config *config.Config

	// Env looks up environment variables; defaults to os.Getenv.
	Env func(string) string

	// StoredKeys are API keys persisted by the auth CLI, keyed by
	// provider ID.
	StoredKeys map[string]string

	Plugins []Plugin

	// Loaders maps provider ID to its custom loader.
	Loaders map[string]CustomLoader
}

// Registry is the merged, filtered catalog of providers and models. It is
// immutable after Build.
type Registry struct {
	providers map[string]*Provider
	order     []string
	loaders   map[string]CustomLoader
}

// Build constructs the registry with the ordered merge. Later stages
// override earlier ones where keys overlap; the order is load-bearing.
func Build(ctx context.Context, in BuildInputs) *Registry {
	cfg := in.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	env := in.Env
	if env == nil {
		env = os.Getenv
	}

	// Stage 1: bundled database.
	providers := make(map[string]*Provider)
	for id, p := range bundledDatabase() {
		providers[id] = p.clone()
	}

	// Stage 2: config-declared providers and models.
	applyConfigProviders(providers, cfg, true)

	// Stage 3: environment credentials. The first present variable wins.
	for _, p := range providers {
		for _, name := range p.EnvVars {
			if val := env(name); val != "" {
				p.APIKey = val
				p.Source = SourceEnv
				break
			}
		}
	}

	// Stage 4: API keys stored by the auth CLI.
	for id, key := range in.StoredKeys {
		if p, ok := providers[id]; ok && key != "" {
			p.APIKey = key
			p.Source = SourceAPI
		}
	}

	// Stage 5: plugin-supplied options. A plugin that vouches for a
	// provider counts as a credential source on its own, so the filter
	// stage must not drop the provider even when no key is set.
	for _, plugin := range in.Plugins {
		p, ok := providers[plugin.Provider]
		if !ok || plugin.Auth == nil {
			continue
		}
		if opts, ok := plugin.Auth(); ok {
			p.Options = deepMerge(p.Options, opts)
			p.autoload = true
			if p.APIKey == "" {
				p.Source = SourceCustom
			}
		}
	}

	// Stage 6: custom loaders.
	for id, loader := range in.Loaders {
		p, ok := providers[id]
		if !ok {
			continue
		}
		var pcfg *config.ProviderConfig
		if c, ok := cfg.Providers[id]; ok {
			pcfg = &c
		}
		if loader.Autoload != nil && loader.Autoload(env, pcfg) {
			p.autoload = true
			if p.Source == "" {
				p.Source = SourceCustom
			}
		}
		if loader.Models != nil && (p.autoload || p.APIKey != "") {
			if err := loader.Models(ctx, p); err != nil {
				logging.Warn("model discovery failed", "provider", id, "error", err)
			}
		}
	}

	// Stage 7: config overrides, second pass. A pared-down re-merge so the
	// user has the last word over loader and plugin outcomes.
	applyConfigProviders(providers, cfg, false)

	// Stage 8: filters.
	applyFilters(providers, cfg)

	return &Registry{
		providers: providers,
		order:     providerOrder(providers, cfg),
		loaders:   in.Loaders,
	}
}

// applyConfigProviders merges config-declared providers and models.
// full=true (stage 2) creates missing providers and models; the second
// pass only overrides what already exists.
func applyConfigProviders(providers map[string]*Provider, cfg *config.Config, full bool) {
	for id, pc := range cfg.Providers {
		p, ok := providers[id]
		if !ok {
			if !full {
				continue
			}
			p = &Provider{
				ID:     id,
				Name:   id,
				API:    "openai-compatible",
				Models: make(map[string]*Model),
			}
			providers[id] = p
		}

		if pc.Name != "" {
			p.Name = pc.Name
		}
		if pc.API != "" {
			p.API = pc.API
		}
		if pc.BaseURL != "" {
			p.BaseURL = pc.BaseURL
		}
		if pc.APIKey != "" {
			p.APIKey = pc.APIKey
			p.Source = SourceConfig
		}
		if len(pc.Options) > 0 {
			p.Options = deepMerge(p.Options, pc.Options)
		}

		for modelID, mc := range pc.Models {
			m, ok := p.Models[modelID]
			if !ok {
				if !full {
					continue
				}
				m = &Model{ID: modelID, Status: StatusActive}
				p.Models[modelID] = m
			}
			applyModelConfig(m, mc)
		}
	}
}

func applyModelConfig(m *Model, mc config.ModelConfig) {
	if mc.Name != "" {
		m.Name = mc.Name
	}
	if mc.APIID != "" {
		m.APIID = mc.APIID
	}
	if len(mc.Options) > 0 {
		m.Options = deepMerge(m.Options, mc.Options)
	}
	if len(mc.Headers) > 0 {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		for k, v := range mc.Headers {
			m.Headers[k] = v
		}
	}
	if mc.ToolCallMode != "" {
		m.ToolCallMode = mc.ToolCallMode
	}
	if mc.ToolCall != nil {
		m.Capabilities.ToolCall = *mc.ToolCall
	}
	if mc.Reasoning != nil {
		m.Capabilities.Reasoning = *mc.Reasoning
	}
	if mc.ContextLimit > 0 {
		m.Limits.Context = mc.ContextLimit
	}
	if mc.OutputLimit > 0 {
		m.Limits.Output = mc.OutputLimit
	}
	for name, vc := range mc.Variants {
		if m.Variants == nil {
			m.Variants = make(map[string]Variant)
		}
		v, ok := m.Variants[name]
		if !ok {
			v = Variant{Name: name}
		}
		if vc.Disabled {
			v.Disabled = true
		}
		if len(vc.Options) > 0 {
			v.Options = deepMerge(v.Options, vc.Options)
		}
		m.Variants[name] = v
	}
}

func applyFilters(providers map[string]*Provider, cfg *config.Config) {
	disabled := make(map[string]bool, len(cfg.DisabledProviders))
	for _, id := range cfg.DisabledProviders {
		disabled[id] = true
	}
	var allowed map[string]bool
	if len(cfg.EnabledProviders) > 0 {
		allowed = make(map[string]bool, len(cfg.EnabledProviders))
		for _, id := range cfg.EnabledProviders {
			allowed[id] = true
		}
	}

	for id, p := range providers {
		pc, hasCfg := cfg.Providers[id]

		switch {
		case disabled[id],
			allowed != nil && !allowed[id],
			hasCfg && pc.Disabled:
			delete(providers, id)
			continue
		}

		// A provider nothing vouches for cannot serve requests.
		if p.APIKey == "" && !p.autoload {
			delete(providers, id)
			continue
		}

		for modelID, m := range p.Models {
			// Config-declared model entries with disabled: true, blacklists
			// and whitelists all apply after the merge, not before.
			if hasCfg {
				if mc, ok := pc.Models[modelID]; ok && mc.Disabled {
					delete(p.Models, modelID)
					continue
				}
				if matchesAny(modelID, pc.Blacklist) {
					delete(p.Models, modelID)
					continue
				}
				if len(pc.Whitelist) > 0 && !matchesAny(modelID, pc.Whitelist) {
					delete(p.Models, modelID)
					continue
				}
			}

			if m.Status == StatusDeprecated || (m.Status == StatusAlpha && !cfg.Experimental) {
				delete(p.Models, modelID)
				continue
			}

			if m.APIID == "" {
				m.APIID = m.ID
			}

			for name, v := range m.Variants {
				if v.Disabled {
					delete(m.Variants, name)
				}
			}
		}

		if len(p.Models) == 0 {
			delete(providers, id)
		}
	}
}

func matchesAny(id string, patterns []string) bool {
	for _, pat := range patterns {
		if id == pat || strings.Contains(id, pat) {
			return true
		}
	}
	return false
}

// providerOrder yields config-declared providers first (sorted for
// determinism), then the bundled order, for default-model selection.
func providerOrder(providers map[string]*Provider, cfg *config.Config) []string {
	var order []string
	seen := make(map[string]bool)

	var fromConfig []string
	for id := range cfg.Providers {
		fromConfig = append(fromConfig, id)
	}
	sort.Strings(fromConfig)

	for _, id := range append(fromConfig, bundledOrder...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := providers[id]; ok {
			order = append(order, id)
		}
	}

	// Anything remaining (config-created under unusual names) goes last.
	var rest []string
	for id := range providers {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Provider returns the provider by ID.
func (r *Registry) Provider(id string) (*Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Providers returns every provider keyed by ID.
func (r *Registry) Providers() map[string]*Provider {
	return r.providers
}

// Order returns provider IDs in selection order.
func (r *Registry) Order() []string {
	return r.order
}

// Loader returns the custom loader registered for a provider, if any.
func (r *Registry) Loader(id string) (CustomLoader, bool) {
	l, ok := r.loaders[id]
	return l, ok
}

// Get resolves (providerID, modelID); a miss carries fuzzy suggestions.
func (r *Registry) Get(providerID, modelID string) (*Provider, *Model, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, nil, &ModelNotFoundError{
			Provider:    providerID,
			Model:       modelID,
			Suggestions: r.Suggest(providerID + "/" + modelID),
		}
	}
	m, ok := p.Models[modelID]
	if !ok {
		return nil, nil, &ModelNotFoundError{
			Provider:    providerID,
			Model:       modelID,
			Suggestions: r.Suggest(modelID),
		}
	}
	return p, m, nil
}
