package provider

import (
	"fmt"
	"strings"
)

// Region-family prefixes for Bedrock cross-region inference profiles.
// IDs already carrying one, and the global profile, pass through.
var bedrockProfilePrefixes = []string{"us.", "eu.", "apac.", "au.", "jp.", "global."}

// bedrockPrefixedFamilies are the model families that require a
// cross-region inference profile ID.
var bedrockPrefixedFamilies = []string{
	"anthropic.",
	"meta.llama",
	"amazon.nova",
	"mistral.",
	"deepseek.",
}

// bedrockRegionPrefix maps an AWS region to the inference-profile prefix
// required there; empty means no prefixing. GovCloud regions are never
// prefixed. The APAC split (au/jp/apac) mirrors Bedrock's published
// profile families.
func bedrockRegionPrefix(region string) string {
	switch {
	case region == "":
		return ""
	case strings.HasPrefix(region, "us-gov-"):
		return ""
	case strings.HasPrefix(region, "us-"):
		return "us."
	case strings.HasPrefix(region, "eu-"):
		return "eu."
	case region == "ap-northeast-1", region == "ap-northeast-3":
		return "jp."
	case region == "ap-southeast-2", region == "ap-southeast-4":
		return "au."
	case strings.HasPrefix(region, "ap-"), strings.HasPrefix(region, "sa-"):
		return "apac."
	default:
		return ""
	}
}

// bedrockModelID resolves the wire-level model ID for a region: known
// families get the region prefix, already-prefixed IDs are untouched.
func bedrockModelID(modelID, region string) string {
	for _, p := range bedrockProfilePrefixes {
		if strings.HasPrefix(modelID, p) {
			return modelID
		}
	}

	prefix := bedrockRegionPrefix(region)
	if prefix == "" {
		return modelID
	}

	for _, family := range bedrockPrefixedFamilies {
		if strings.HasPrefix(modelID, family) {
			return prefix + modelID
		}
	}
	return modelID
}

// newBedrockModel drives Bedrock through its OpenAI-compatible endpoint,
// with the region-family ID prefixing applied first.
func newBedrockModel(cfg driverConfig) (*openAIModel, error) {
	region := ""
	if v, ok := cfg.Options["region"].(string); ok {
		region = v
	}
	if region == "" {
		region = osGetenv("AWS_REGION")
	}

	if cfg.BaseURL == "" {
		if region == "" {
			return nil, fmt.Errorf("bedrock requires a region (options.region or AWS_REGION)")
		}
		cfg.BaseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/openai/v1", region)
	}

	handle, err := newOpenAIModel(cfg)
	if err != nil {
		return nil, err
	}
	handle.apiID = bedrockModelID(cfg.Model.APIID, region)
	return handle, nil
}
