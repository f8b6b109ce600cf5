package catalog

import (
	"testing"

	"loom/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("anthropic/claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", ref.Provider)
	assert.Equal(t, "claude-sonnet-4-5", ref.Model)

	// Model IDs may contain slashes.
	ref, err = ParseRef("openrouter/anthropic/claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", ref.Provider)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", ref.Model)

	_, err = ParseRef("no-slash")
	assert.Error(t, err)
	_, err = ParseRef("/leading")
	assert.Error(t, err)
}

func TestDefaultModelPinned(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "a"}),
	})

	ref, err := r.DefaultModel("anthropic/claude-haiku-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-haiku-4-5", ref.String())

	_, err = r.DefaultModel("anthropic/not-a-model")
	var nf *ModelNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDefaultModelPriority(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "a"}),
	})

	ref, err := r.DefaultModel("")
	require.NoError(t, err)
	// claude-sonnet-4 is on the priority list ahead of haiku.
	assert.Equal(t, "anthropic/claude-sonnet-4-5", ref.String())
}

func TestDefaultModelConfigProviderFirst(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "a"}),
		Config: &config.Config{
			Providers: map[string]config.ProviderConfig{
				"my-proxy": {
					APIKey: "k",
					Models: map[string]config.ModelConfig{"proxy-model": {}},
				},
			},
		},
	})

	ref, err := r.DefaultModel("")
	require.NoError(t, err)
	assert.Equal(t, "my-proxy/proxy-model", ref.String(), "config-declared providers come first")
}

func TestSmallModelPolicy(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"ANTHROPIC_API_KEY": "a"}),
	})

	ref, err := r.SmallModel("")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-haiku-4-5", ref.String())
}

func TestSmallModelExplicitOverride(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{
			"ANTHROPIC_API_KEY": "a",
			"OPENAI_API_KEY":    "o",
		}),
	})

	ref, err := r.SmallModel("openai/gpt-5-nano")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-5-nano", ref.String())
}

func TestSmallModelProviderOverrides(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"OPENCODE_API_KEY": "z"}),
	})

	// opencode also carries a sonnet entry; the override restricts the
	// search to gpt-5-nano.
	ref, err := r.SmallModel("")
	require.NoError(t, err)
	assert.Equal(t, "opencode/gpt-5-nano", ref.String())

	r = buildWith(t, BuildInputs{
		Env: envMap(map[string]string{"GITHUB_COPILOT_TOKEN": "t"}),
	})
	ref, err = r.SmallModel("")
	require.NoError(t, err)
	assert.Equal(t, "github-copilot/gpt-5-mini", ref.String())
}

func TestSuggestBounds(t *testing.T) {
	r := buildWith(t, BuildInputs{
		Env: envMap(map[string]string{
			"ANTHROPIC_API_KEY": "a",
			"OPENAI_API_KEY":    "o",
			"GEMINI_API_KEY":    "g",
		}),
	})

	got := r.Suggest("claude-sonnet")
	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)

	assert.Empty(t, r.Suggest(""))
	assert.Empty(t, r.Suggest("definitely/not/anything/real/zzz9999"))
}
