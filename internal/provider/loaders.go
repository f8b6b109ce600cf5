package provider

import (
	"context"
	"fmt"

	"loom/internal/catalog"
	"loom/internal/config"
)

// firstEnv returns the first non-empty value among the named variables.
func firstEnv(env func(string) string, names ...string) string {
	for _, name := range names {
		if v := env(name); v != "" {
			return v
		}
	}
	return ""
}

// bedrockLoader derives the region and ambient-credential autoload from
// the AWS environment. The access key itself still arrives through the
// registry's env-credential stage; an AWS_PROFILE alone is enough to
// autoload because the SDK-side gateway resolves it.
func bedrockLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool {
			return env("AWS_PROFILE") != "" || env("AWS_BEARER_TOKEN_BEDROCK") != ""
		},
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if region := osGetenv("AWS_REGION"); region != "" {
				if p.Options == nil {
					p.Options = map[string]any{}
				}
				if _, ok := p.Options["region"]; !ok {
					p.Options["region"] = region
				}
			}
			return nil
		},
	}
}

// azureLoader derives the endpoint from the resource name.
func azureLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if p.BaseURL != "" {
				return nil
			}
			resource := osGetenv("AZURE_COGNITIVE_SERVICES_RESOURCE_NAME")
			if resource == "" {
				return fmt.Errorf("azure requires AZURE_COGNITIVE_SERVICES_RESOURCE_NAME")
			}
			p.BaseURL = fmt.Sprintf("https://%s.openai.azure.com/openai/v1", resource)
			return nil
		},
	}
}

// cloudflareLoader derives the gateway endpoint from the account and
// gateway IDs.
func cloudflareLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if p.BaseURL != "" {
				return nil
			}
			account := osGetenv("CLOUDFLARE_ACCOUNT_ID")
			gateway := osGetenv("CLOUDFLARE_GATEWAY_ID")
			if account == "" || gateway == "" {
				return fmt.Errorf("cloudflare gateway requires CLOUDFLARE_ACCOUNT_ID and CLOUDFLARE_GATEWAY_ID")
			}
			p.BaseURL = fmt.Sprintf("https://gateway.ai.cloudflare.com/v1/%s/%s/compat", account, gateway)
			return nil
		},
	}
}

// aicoreLoader picks up the deployment coordinates SAP AI Core requests
// need as headers and path parts.
func aicoreLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if p.Options == nil {
				p.Options = map[string]any{}
			}
			if v := osGetenv("AICORE_DEPLOYMENT_ID"); v != "" {
				p.Options["deploymentId"] = v
			}
			if v := osGetenv("AICORE_RESOURCE_GROUP"); v != "" {
				p.Options["resourceGroup"] = v
			}
			return nil
		},
	}
}

// googleLoader routes the gemini driver at Vertex AI when a cloud
// project is configured in the environment (accepting the common alias
// spellings), instead of the public Gemini API.
func googleLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		// Vertex users authenticate with application-default credentials,
		// so a configured project is enough to participate without a key.
		Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool {
			return firstEnv(env, "GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_PROJECT_ID", "GCLOUD_PROJECT") != ""
		},
		Models: func(ctx context.Context, p *catalog.Provider) error {
			if p.Options == nil {
				p.Options = map[string]any{}
			}
			project := firstEnv(osGetenv,
				"GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_PROJECT_ID", "GCLOUD_PROJECT")
			location := firstEnv(osGetenv,
				"GOOGLE_CLOUD_LOCATION", "GOOGLE_CLOUD_REGION", "CLOUD_ML_REGION")
			if project != "" {
				p.Options["project"] = project
				if location == "" {
					location = "us-central1"
				}
				p.Options["location"] = location
			}
			return nil
		},
	}
}
