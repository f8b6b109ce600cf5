package catalog

import (
	"context"
	"testing"

	"loom/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func buildWith(t *testing.T, in BuildInputs) *Registry {
	t.Helper()
	if in.Env == nil {
		in.Env = envMap(nil)
	}
	return Build(context.Background(), in)
}

func TestCredentiallessProvidersAreDropped(t *testing.T) {
	r := buildWith(t, BuildInputs{})
	assert.Empty(t, r.Providers(), "no credentials anywhere means an empty registry")
}

func TestEnvCredentialSelectsProvider(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "sk-ant-x"}),
	})

	p, ok := r.Provider("anthropic")
	require.True(t, ok)
	assert.Equal(t, SourceEnv, p.Source)
	assert.Equal(t, "sk-ant-x", p.APIKey)

	_, ok = r.Provider("openai")
	assert.False(t, ok, "providers without credentials are dropped")
}

func TestFirstEnvVarWins(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{
			"GEMINI_API_KEY": "first",
			"GOOGLE_API_KEY": "second",
		}),
	})

	p, ok := r.Provider("google")
	require.True(t, ok)
	assert.Equal(t, "first", p.APIKey)
}

func TestStoredKeyOverridesEnv(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env:        envMap(map[string]string{"ANTHROPIC_API_KEY": "from-env"}),
		StoredKeys: map[string]string{"anthropic": "from-auth-cli"},
	})

	p, ok := r.Provider("anthropic")
	require.True(t, ok)
	assert.Equal(t, "from-auth-cli", p.APIKey)
	assert.Equal(t, SourceAPI, p.Source)
}

func TestConfigDeclaredProvider(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"my-proxy": {
					Name:    "My Proxy",
					APIKey:  "k",
					BaseURL: "https://proxy.example.com/v1",
					Models: map[string]config.ModelConfig{
						"some-model": {ContextLimit: 32_000},
					},
					Options: map[string]any{"extra": "pass-through"},
				},
			},
		},
	})

	p, ok := r.Provider("my-proxy")
	require.True(t, ok)
	assert.Equal(t, SourceConfig, p.Source)
	assert.Equal(t, "openai-compatible", p.API)
	assert.Equal(t, "pass-through", p.Options["extra"])

	m := p.Models["some-model"]
	require.NotNil(t, m)
	assert.Equal(t, 32_000, m.Limits.Context)
	assert.Equal(t, "some-model", m.APIID, "apiID defaults to the model ID")
}

func TestAlphaAndDeprecatedPruning(t *testing.T) {
	env := envMap(map[string]string{
		"GEMINI_API_KEY":    "g",
		"ANTHROPIC_API_KEY": "a",
	})

	r := buildWith(t, BuildInputs{Env: env})
	google, ok := r.Provider("google")
	require.True(t, ok)
	assert.NotContains(t, google.Models, "gemini-3-ultra", "alpha pruned by default")

	anthropic, _ := r.Provider("anthropic")
	assert.NotContains(t, anthropic.Models, "claude-3-5-haiku", "deprecated always pruned")

	r = buildWith(t, BuildInputs{Env: env, Config: &config.Config{Experimental: true}})
	google, _ = r.Provider("google")
	assert.Contains(t, google.Models, "gemini-3-ultra", "experimental keeps alpha")
	anthropic, _ = r.Provider("anthropic")
	assert.NotContains(t, anthropic.Models, "claude-3-5-haiku", "deprecated pruned even with experimental")
}

func TestBlacklistWhitelistAfterMerge(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OPENAI_API_KEY": "k"}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"openai": {Blacklist: []string{"gpt-5-nano"}},
			},
		},
	})
	p, _ := r.Provider("openai")
	assert.NotContains(t, p.Models, "gpt-5-nano")
	assert.Contains(t, p.Models, "gpt-5")

	r = buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OPENAI_API_KEY": "k"}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"openai": {Whitelist: []string{"gpt-5-mini"}},
			},
		},
	})
	p, _ = r.Provider("openai")
	assert.Equal(t, []string{"gpt-5-mini"}, modelIDs(p))
}

func modelIDs(p *Provider) []string {
	var ids []string
	for id := range p.Models {
		ids = append(ids, id)
	}
	return ids
}

func TestDisabledVariantPruned(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "k"}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"anthropic": {
					Models: map[string]config.ModelConfig{
						"claude-sonnet-4-5": {
							Variants: map[string]config.VariantConfig{
								"thinking": {Disabled: true},
							},
						},
					},
				},
			},
		},
	})

	p, _ := r.Provider("anthropic")
	m := p.Models["claude-sonnet-4-5"]
	require.NotNil(t, m)
	assert.NotContains(t, m.Variants, "thinking")
}

func TestDisabledProvidersAndAllowSet(t *testing.T) {
	env := envMap(map[string]string{
		"ANTHROPIC_API_KEY": "a",
		"OPENAI_API_KEY":    "o",
	})

	r := buildWith(t, BuildInputs{
		Env:    env,
		Config: &config.Config{DisabledProviders: []string{"openai"}},
	})
	_, ok := r.Provider("openai")
	assert.False(t, ok)
	_, ok = r.Provider("anthropic")
	assert.True(t, ok)

	r = buildWith(t, BuildInputs{
		Env:    env,
		Config: &config.Config{EnabledProviders: []string{"openai"}},
	})
	_, ok = r.Provider("anthropic")
	assert.False(t, ok)
	_, ok = r.Provider("openai")
	assert.True(t, ok)
}

func TestPluginOptionsDeepMerge(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OPENAI_API_KEY": "k"}),
		Plugins: []Plugin{{
			Provider: "openai",
			Auth: func() (map[string]any, bool) {
				return map[string]any{"headers": map[string]any{"X-Org": "acme"}}, true
			},
		}},
	})

	p, _ := r.Provider("openai")
	headers, ok := p.Options["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "acme", headers["X-Org"])
}

func TestPluginIsASufficientCredentialSource(t *testing.T) {
	// No env key anywhere; the plugin's auth loader is the only thing
	// vouching for the provider.
	r := buildWith(t, BuildInputs{
		Plugins: []Plugin{{
			Provider: "github-copilot",
			Auth: func() (map[string]any, bool) {
				return map[string]any{"headers": map[string]any{"Authorization": "Bearer plugin-token"}}, true
			},
		}},
	})

	p, ok := r.Provider("github-copilot")
	require.True(t, ok, "a plugin credential alone keeps the provider")
	assert.Equal(t, SourceCustom, p.Source)

	// A plugin whose loader reports no credentials does not.
	r = buildWith(t, BuildInputs{
		Plugins: []Plugin{{
			Provider: "github-copilot",
			Auth:     func() (map[string]any, bool) { return nil, false },
		}},
	})
	_, ok = r.Provider("github-copilot")
	assert.False(t, ok)
}

func TestCustomLoaderAutoloadAndDiscovery(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OLLAMA_BASE_URL": "http://127.0.0.1:11434"}),
		Loaders: map[string]CustomLoader{
			"ollama": {
				Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool {
					return env("OLLAMA_BASE_URL") != ""
				},
				Models: func(ctx context.Context, p *Provider) error {
					tmpl := p.Models["llama3.1:8b-instruct"]
					discovered := *tmpl
					discovered.ID = "qwen2.5:latest"
					discovered.Name = "qwen2.5:latest"
					p.Models["qwen2.5:latest"] = &discovered
					return nil
				},
			},
		},
	})

	p, ok := r.Provider("ollama")
	require.True(t, ok, "autoload keeps the provider despite no API key")
	assert.Equal(t, SourceCustom, p.Source)
	assert.Contains(t, p.Models, "llama3.1:8b-instruct")
	assert.Contains(t, p.Models, "qwen2.5:latest")
}

func TestConfigSecondPassOverridesLoaderOutcome(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OLLAMA_BASE_URL": "http://127.0.0.1:11434"}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"ollama": {
					Models: map[string]config.ModelConfig{
						"llama3.1:8b-instruct": {ContextLimit: 131_072},
					},
				},
			},
		},
		Loaders: map[string]CustomLoader{
			"ollama": {
				Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool { return true },
				Models: func(ctx context.Context, p *Provider) error {
					// A loader that clobbers limits; the user still wins.
					p.Models["llama3.1:8b-instruct"].Limits.Context = 16_384
					return nil
				},
			},
		},
	})

	p, _ := r.Provider("ollama")
	assert.Equal(t, 131_072, p.Models["llama3.1:8b-instruct"].Limits.Context)
}

func TestBuildIsIdempotent(t *testing.T) {
	in := BuildInputs{
		Env: envMap(map[string]string{
			"ANTHROPIC_API_KEY": "a",
			"OPENAI_API_KEY":    "o",
		}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"openai": {Blacklist: []string{"gpt-5-nano"}},
			},
		},
	}

	first := Build(context.Background(), in)
	second := Build(context.Background(), in)

	assert.Equal(t, first.Providers(), second.Providers())
	assert.Equal(t, first.Order(), second.Order())
}

func TestGetMissReturnsSuggestions(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "a"}),
	})

	_, _, err := r.Get("anthropic", "claud-sonet-4-5")
	var nf *ModelNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.LessOrEqual(t, len(nf.Suggestions), 3)
	assert.Contains(t, nf.Suggestions, "anthropic/claude-sonnet-4-5")

	_, _, err = r.Get("anthropic", "zzzzqqqqxxxx")
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, nf.Suggestions, "hopeless queries suggest nothing")
}
