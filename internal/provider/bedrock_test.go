package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBedrockRegionPrefix(t *testing.T) {
	cases := []struct {
		model, region, want string
	}{
		{"anthropic.claude-3-5-sonnet", "eu-central-1", "eu.anthropic.claude-3-5-sonnet"},
		{"anthropic.claude-3-5-sonnet", "us-east-1", "us.anthropic.claude-3-5-sonnet"},
		{"anthropic.claude-3-5-sonnet", "us-gov-west-1", "anthropic.claude-3-5-sonnet"},
		{"anthropic.claude-3-5-sonnet", "ap-northeast-1", "jp.anthropic.claude-3-5-sonnet"},
		{"anthropic.claude-3-5-sonnet", "ap-southeast-2", "au.anthropic.claude-3-5-sonnet"},
		{"anthropic.claude-3-5-sonnet", "ap-south-1", "apac.anthropic.claude-3-5-sonnet"},
		{"meta.llama3-70b", "us-west-2", "us.meta.llama3-70b"},
		{"amazon.nova-pro", "eu-west-1", "eu.amazon.nova-pro"},
		// Already-prefixed IDs pass through unchanged.
		{"global.anthropic.claude-sonnet-4-5", "us-east-1", "global.anthropic.claude-sonnet-4-5"},
		{"jp.anthropic.claude-3-5-sonnet", "ap-northeast-1", "jp.anthropic.claude-3-5-sonnet"},
		{"us.anthropic.claude-3-5-sonnet", "eu-west-1", "us.anthropic.claude-3-5-sonnet"},
		// Families outside the profile list are untouched.
		{"cohere.command-r", "us-east-1", "cohere.command-r"},
		// No region, no prefix.
		{"anthropic.claude-3-5-sonnet", "", "anthropic.claude-3-5-sonnet"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, bedrockModelID(tc.model, tc.region),
			"%s in %s", tc.model, tc.region)
	}
}
