package catalog

// bundledOrder fixes the iteration order of the bundled database so
// registry construction is deterministic.
var bundledOrder = []string{
	"anthropic",
	"openai",
	"google",
	"amazon-bedrock",
	"github-copilot",
	"opencode",
	"openrouter",
	"azure",
	"cloudflare-gateway",
	"sap-aicore",
	"ollama",
	"owiseman",
}

func textOnly() Capabilities {
	return Capabilities{
		Input:  []Modality{ModalityText},
		Output: []Modality{ModalityText},
	}
}

func fullTool() Capabilities {
	return Capabilities{
		ToolCall: true,
		Input:    []Modality{ModalityText, ModalityImage, ModalityPDF},
		Output:   []Modality{ModalityText},
	}
}

func reasoningTool(field string) Capabilities {
	c := fullTool()
	c.Reasoning = true
	c.Interleaved = InterleavedReasoning{Supported: field != "", Field: field}
	return c
}

// bundledDatabase is the static catalog of providers and models that the
// merge starts from. User config, environment and custom loaders layer on
// top of it.
func bundledDatabase() map[string]*Provider {
	return map[string]*Provider{
		"anthropic": {
			ID:      "anthropic",
			Name:    "Anthropic",
			API:     "anthropic",
			EnvVars: []string{"ANTHROPIC_API_KEY"},
			Models: map[string]*Model{
				"claude-sonnet-4-5": {
					ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5",
					Family:       "claude",
					Capabilities: reasoningTool("thinking"),
					Cost:         Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
					Limits:       Limits{Context: 200_000, Output: 64_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-09-29",
					Variants: map[string]Variant{
						"thinking": {Name: "thinking", Options: map[string]any{"thinking": map[string]any{"type": "enabled"}}},
					},
				},
				"claude-haiku-4-5": {
					ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5",
					Family:       "claude",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
					Limits:       Limits{Context: 200_000, Output: 64_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-10-15",
				},
				"claude-3-5-haiku": {
					ID: "claude-3-5-haiku", Name: "Claude 3.5 Haiku",
					Family:       "claude",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 0.8, Output: 4},
					Limits:       Limits{Context: 200_000, Output: 8_192},
					Status:       StatusDeprecated,
					ReleaseDate:  "2024-10-22",
				},
			},
		},
		"openai": {
			ID:      "openai",
			Name:    "OpenAI",
			API:     "openai-compatible",
			BaseURL: "https://api.openai.com/v1",
			EnvVars: []string{"OPENAI_API_KEY"},
			Models: map[string]*Model{
				"gpt-5": {
					ID: "gpt-5", Name: "GPT-5",
					Family:       "gpt",
					Capabilities: reasoningTool(""),
					Cost:         Cost{Input: 1.25, Output: 10, CacheRead: 0.125},
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-08-07",
				},
				"gpt-5-mini": {
					ID: "gpt-5-mini", Name: "GPT-5 mini",
					Family:       "gpt",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 0.25, Output: 2},
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-08-07",
				},
				"gpt-5-nano": {
					ID: "gpt-5-nano", Name: "GPT-5 nano",
					Family:       "gpt",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 0.05, Output: 0.4},
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-08-07",
				},
			},
		},
		"google": {
			ID:      "google",
			Name:    "Google",
			API:     "google",
			EnvVars: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
			Models: map[string]*Model{
				"gemini-3-pro": {
					ID: "gemini-3-pro", Name: "Gemini 3 Pro",
					Family:       "gemini",
					Capabilities: reasoningTool(""),
					Cost:         Cost{Input: 2, Output: 12, Over200K: &Cost{Input: 4, Output: 18}},
					Limits:       Limits{Context: 1_000_000, Output: 64_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-11-18",
				},
				"gemini-3-flash": {
					ID: "gemini-3-flash", Name: "Gemini 3 Flash",
					Family:       "gemini",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 0.5, Output: 3},
					Limits:       Limits{Context: 1_000_000, Output: 64_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-12-09",
				},
				"gemini-2.5-flash": {
					ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash",
					Family:       "gemini",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 0.3, Output: 2.5},
					Limits:       Limits{Context: 1_000_000, Output: 64_000},
					Status:       StatusActive,
					ReleaseDate:  "2025-06-17",
				},
				"gemini-3-ultra": {
					ID: "gemini-3-ultra", Name: "Gemini 3 Ultra",
					Family:       "gemini",
					Capabilities: reasoningTool(""),
					Cost:         Cost{Input: 8, Output: 40},
					Limits:       Limits{Context: 1_000_000, Output: 64_000},
					Status:       StatusAlpha,
					ReleaseDate:  "2026-01-05",
				},
			},
		},
		"amazon-bedrock": {
			ID:      "amazon-bedrock",
			Name:    "Amazon Bedrock",
			API:     "bedrock",
			EnvVars: []string{"AWS_BEARER_TOKEN_BEDROCK", "AWS_ACCESS_KEY_ID"},
			Models: map[string]*Model{
				"anthropic.claude-3-5-sonnet": {
					ID: "anthropic.claude-3-5-sonnet", Name: "Claude 3.5 Sonnet (Bedrock)",
					Family:       "claude",
					Capabilities: fullTool(),
					Cost:         Cost{Input: 3, Output: 15},
					Limits:       Limits{Context: 200_000, Output: 8_192},
					Status:       StatusActive,
				},
				"anthropic.claude-sonnet-4-5": {
					ID: "anthropic.claude-sonnet-4-5", Name: "Claude Sonnet 4.5 (Bedrock)",
					Family:       "claude",
					Capabilities: reasoningTool("thinking"),
					Cost:         Cost{Input: 3, Output: 15},
					Limits:       Limits{Context: 200_000, Output: 64_000},
					Status:       StatusActive,
				},
			},
		},
		"github-copilot": {
			ID:      "github-copilot",
			Name:    "GitHub Copilot",
			API:     "openai-compatible",
			BaseURL: "https://api.githubcopilot.com",
			EnvVars: []string{"GITHUB_COPILOT_TOKEN"},
			Models: map[string]*Model{
				"gpt-5-mini": {
					ID: "gpt-5-mini", Name: "GPT-5 mini (Copilot)",
					Family:       "gpt",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 128_000, Output: 16_000},
					Status:       StatusActive,
				},
				"claude-haiku-4-5": {
					ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5 (Copilot)",
					Family:       "claude",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 128_000, Output: 16_000},
					Status:       StatusActive,
				},
			},
		},
		"opencode": {
			ID:      "opencode",
			Name:    "opencode zen",
			API:     "openai-compatible",
			BaseURL: "https://opencode.ai/zen/v1",
			EnvVars: []string{"OPENCODE_API_KEY"},
			Models: map[string]*Model{
				"gpt-5-nano": {
					ID: "gpt-5-nano", Name: "GPT-5 nano (zen)",
					Family:       "gpt",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
				},
				"claude-sonnet-4-5": {
					ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5 (zen)",
					Family:       "claude",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 200_000, Output: 64_000},
					Status:       StatusActive,
				},
			},
		},
		"openrouter": {
			ID:      "openrouter",
			Name:    "OpenRouter",
			API:     "openai-compatible",
			BaseURL: "https://openrouter.ai/api/v1",
			EnvVars: []string{"OPENROUTER_API_KEY"},
			Models: map[string]*Model{
				"anthropic/claude-sonnet-4-5": {
					ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5 (OpenRouter)",
					Family:       "claude",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 200_000, Output: 64_000},
					Status:       StatusActive,
				},
			},
		},
		"azure": {
			ID:      "azure",
			Name:    "Azure OpenAI",
			API:     "openai-compatible",
			EnvVars: []string{"AZURE_OPENAI_API_KEY"},
			Models: map[string]*Model{
				"gpt-5": {
					ID: "gpt-5", Name: "GPT-5 (Azure)",
					Family:       "gpt",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
				},
			},
		},
		"cloudflare-gateway": {
			ID:      "cloudflare-gateway",
			Name:    "Cloudflare AI Gateway",
			API:     "openai-compatible",
			EnvVars: []string{"CLOUDFLARE_API_TOKEN"},
			Models: map[string]*Model{
				"workers-ai/llama-3.3-70b": {
					ID: "workers-ai/llama-3.3-70b", Name: "Llama 3.3 70B (Workers AI)",
					Family:       "llama",
					Capabilities: textOnly(),
					Limits:       Limits{Context: 128_000, Output: 8_192},
					Status:       StatusActive,
				},
			},
		},
		"sap-aicore": {
			ID:      "sap-aicore",
			Name:    "SAP AI Core",
			API:     "openai-compatible",
			EnvVars: []string{"AICORE_SERVICE_KEY"},
			Models: map[string]*Model{
				"gpt-5": {
					ID: "gpt-5", Name: "GPT-5 (AI Core)",
					Family:       "gpt",
					Capabilities: fullTool(),
					Limits:       Limits{Context: 400_000, Output: 128_000},
					Status:       StatusActive,
				},
			},
		},
		"ollama": {
			ID:      "ollama",
			Name:    "Ollama",
			API:     "ollama",
			BaseURL: "http://localhost:11434",
			EnvVars: []string{"OLLAMA_API_KEY"},
			Models: map[string]*Model{
				"llama3.1:8b-instruct": {
					ID: "llama3.1:8b-instruct", Name: "Llama 3.1 8B Instruct",
					Family:       "llama",
					Capabilities: textOnly(),
					Limits:       Limits{Context: 16_384, Output: 4_096},
					Status:       StatusActive,
				},
			},
		},
		"owiseman": {
			ID:      "owiseman",
			Name:    "Owiseman",
			API:     "openai-compatible",
			EnvVars: []string{"OWISEMAN_API_KEY"},
			Models:  map[string]*Model{},
		},
	}
}
