package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"loom/internal/logging"
)

// ServerMetadata is the subset of RFC 8414 authorization-server metadata
// the runtime consumes.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// protectedResource is RFC 9728 protected-resource metadata.
type protectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
}

// DiscoverMetadata resolves the OAuth authorization-server metadata for an
// MCP server URL. It first consults the protected-resource document to
// find the authorization server, then fetches that server's metadata.
// When neither well-known document exists, endpoint paths default to the
// conventional /authorize, /token and /register on the MCP server origin.
func DiscoverMetadata(ctx context.Context, client *http.Client, serverURL string) (*ServerMetadata, error) {
	base, err := serverOrigin(serverURL)
	if err != nil {
		return nil, err
	}

	authServer := base
	if pr, err := fetchProtectedResource(ctx, client, base); err == nil && len(pr.AuthorizationServers) > 0 {
		authServer = strings.TrimSuffix(pr.AuthorizationServers[0], "/")
		logging.Debug("oauth resource metadata found", "server", serverURL, "auth_server", authServer)
	}

	meta, err := fetchServerMetadata(ctx, client, authServer)
	if err == nil {
		return meta, nil
	}

	logging.Debug("oauth metadata discovery fell back to defaults",
		"server", serverURL, "error", err)

	return &ServerMetadata{
		Issuer:                authServer,
		AuthorizationEndpoint: authServer + "/authorize",
		TokenEndpoint:         authServer + "/token",
		RegistrationEndpoint:  authServer + "/register",
	}, nil
}

func serverOrigin(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid server url %q", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func fetchProtectedResource(ctx context.Context, client *http.Client, origin string) (*protectedResource, error) {
	var pr protectedResource
	if err := fetchJSON(ctx, client, origin+"/.well-known/oauth-protected-resource", &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func fetchServerMetadata(ctx context.Context, client *http.Client, origin string) (*ServerMetadata, error) {
	var meta ServerMetadata
	if err := fetchJSON(ctx, client, origin+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, err
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s is missing endpoints", origin)
	}
	return &meta, nil
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
