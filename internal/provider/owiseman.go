package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"loom/internal/catalog"
	"loom/internal/config"
	"loom/internal/logging"
)

// owisemanRewriteTransport rewrites /chat/completions to
// /v1/chat/completions and attaches the doubled auth headers the
// Owiseman gateway expects.
type owisemanRewriteTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *owisemanRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if strings.HasSuffix(clone.URL.Path, "/chat/completions") &&
		!strings.Contains(clone.URL.Path, "/v1/") {
		clone.URL.Path = strings.Replace(clone.URL.Path, "/chat/completions", "/v1/chat/completions", 1)
	}
	clone.Header.Set("Authorization", "Bearer "+t.apiKey)
	clone.Header.Set("api-key", t.apiKey)
	return t.base.RoundTrip(clone)
}

type owisemanModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// owisemanLoader discovers models from the gateway's /v1/models endpoint
// and installs the URL-rewriting transport on the provider.
func owisemanLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool {
			return env("OWISEMAN_API_KEY") != ""
		},
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if v := osGetenv("OWISEMAN_BASE_URL"); v != "" {
				p.BaseURL = v
			}
			if p.BaseURL == "" {
				return fmt.Errorf("owiseman requires OWISEMAN_BASE_URL")
			}
			if p.APIKey == "" {
				p.APIKey = osGetenv("OWISEMAN_API_KEY")
			}

			ids, err := discoverOwisemanModels(ctx, p.BaseURL, p.APIKey)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, ok := p.Models[id]; ok {
					continue
				}
				p.Models[id] = &catalog.Model{
					ID:     id,
					Name:   id,
					APIID:  id,
					Status: catalog.StatusActive,
					Capabilities: catalog.Capabilities{
						Input:  []catalog.Modality{catalog.ModalityText},
						Output: []catalog.Modality{catalog.ModalityText},
					},
					Limits: catalog.Limits{Context: 32_768, Output: 8_192},
				}
			}

			if p.Options == nil {
				p.Options = map[string]any{}
			}
			p.Options["roundTripper"] = http.RoundTripper(&owisemanRewriteTransport{
				base:   http.DefaultTransport,
				apiKey: p.APIKey,
			})

			logging.Debug("owiseman models discovered", "count", len(ids))
			return nil
		},
	}
}

func discoverOwisemanModels(ctx context.Context, base, apiKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(base, "/")+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	// The gateway wants both header spellings.
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("api-key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /v1/models: status %d", resp.StatusCode)
	}

	var parsed owisemanModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// DefaultLoaders returns the custom registry loaders the runtime ships:
// endpoint discovery for Ollama and Owiseman, plus environment-derived
// configuration for the cloud gateways.
func DefaultLoaders() map[string]catalog.CustomLoader {
	return map[string]catalog.CustomLoader{
		"ollama":             ollamaLoader(),
		"owiseman":           owisemanLoader(),
		"amazon-bedrock":     bedrockLoader(),
		"azure":              azureLoader(),
		"cloudflare-gateway": cloudflareLoader(),
		"sap-aicore":         aicoreLoader(),
		"google":             googleLoader(),
	}
}
