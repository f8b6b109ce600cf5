package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
)

// Sentinel errors surfaced by the OAuth flow.
var (
	// ErrReauthRequired means stored credentials are no longer usable and
	// the interactive flow must be run again.
	ErrReauthRequired = errors.New("auth: reauthorization required")

	// ErrRegistrationRequired means the server offers no dynamic
	// registration endpoint and no client was configured.
	ErrRegistrationRequired = errors.New("auth: client registration required")
)

// Flow stages, used in FlowError.
const (
	StageDiscovery    = "discovery"
	StageRegistration = "registration"
	StageRedirect     = "redirect"
	StageExchange     = "exchange"
	StageRefresh      = "refresh"
)

// FlowError wraps a failure with the OAuth stage it occurred in.
type FlowError struct {
	Stage string
	Err   error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("oauth %s failed: %v", e.Stage, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// redirectTimeout bounds how long the loopback listener waits for the
// user to complete authorization in the browser.
const redirectTimeout = 5 * time.Minute

// Flow drives the authorization-code + PKCE dance for one MCP server and
// keeps its artifacts in the credential store.
type Flow struct {
	name      string
	serverURL string
	cfg       config.MCPOAuth
	store     *Store
	client    *http.Client
}

// NewFlow creates a flow for the named MCP server.
func NewFlow(name, serverURL string, cfg config.MCPOAuth, store *Store) *Flow {
	return &Flow{
		name:      name,
		serverURL: serverURL,
		cfg:       cfg,
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// HasStoredTokens reports whether the store holds tokens for this server.
func (f *Flow) HasStoredTokens() bool {
	rec := f.store.Get(f.name)
	return rec != nil && rec.Tokens != nil && rec.Tokens.AccessToken != ""
}

// AccessToken returns a usable access token, refreshing lazily when the
// stored one is expired. ErrReauthRequired means the interactive flow
// must be run.
func (f *Flow) AccessToken(ctx context.Context) (string, error) {
	rec := f.store.Get(f.name)
	if rec == nil || rec.Tokens == nil || rec.Tokens.AccessToken == "" {
		return "", ErrReauthRequired
	}

	if !rec.Tokens.Expired() {
		return rec.Tokens.AccessToken, nil
	}

	tokens, err := f.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Refresh exchanges the stored refresh token for fresh tokens and
// persists them. A 400 invalid_grant response maps to ErrReauthRequired.
func (f *Flow) Refresh(ctx context.Context) (*TokenSet, error) {
	rec := f.store.Get(f.name)
	if rec == nil || rec.Tokens == nil || rec.Tokens.RefreshToken == "" {
		return nil, ErrReauthRequired
	}

	meta, err := DiscoverMetadata(ctx, f.client, f.serverURL)
	if err != nil {
		return nil, &FlowError{Stage: StageDiscovery, Err: err}
	}

	clientID, clientSecret := f.clientCredentials(rec)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rec.Tokens.RefreshToken},
		"client_id":     {clientID},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	tokens, err := f.postTokenRequest(ctx, meta.TokenEndpoint, form)
	if err != nil {
		if errors.Is(err, errInvalidGrant) {
			logging.Info("oauth refresh token rejected", "server", f.name)
			return nil, ErrReauthRequired
		}
		return nil, &FlowError{Stage: StageRefresh, Err: err}
	}

	// A refresh response may omit the refresh token; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = rec.Tokens.RefreshToken
	}

	rec.Tokens = tokens
	if err := f.store.Set(f.name, rec); err != nil {
		return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	logging.Debug("oauth tokens refreshed", "server", f.name)
	return tokens, nil
}

// Authenticate runs the full interactive flow. The authorization URL is
// handed to onRedirect; the caller is responsible for presenting it to
// the user (usually by opening a browser).
func (f *Flow) Authenticate(ctx context.Context, onRedirect func(authURL string)) error {
	meta, err := DiscoverMetadata(ctx, f.client, f.serverURL)
	if err != nil {
		return &FlowError{Stage: StageDiscovery, Err: err}
	}

	state, err := newState()
	if err != nil {
		return &FlowError{Stage: StageRedirect, Err: err}
	}
	pkce, err := newPKCE()
	if err != nil {
		return &FlowError{Stage: StageRedirect, Err: err}
	}

	srv, err := StartCallbackServer(state)
	if err != nil {
		return &FlowError{Stage: StageRedirect, Err: err}
	}
	defer srv.Stop()

	rec := f.store.Get(f.name)
	if rec == nil {
		rec = &Record{}
	}

	clientID := f.cfg.ClientID
	clientSecret := f.cfg.ClientSecret
	if clientID == "" {
		if rec.ClientInfo != nil && !rec.ClientInfo.Expired() {
			clientID = rec.ClientInfo.ClientID
			clientSecret = rec.ClientInfo.ClientSecret
		} else {
			if meta.RegistrationEndpoint == "" {
				return &FlowError{Stage: StageRegistration, Err: ErrRegistrationRequired}
			}
			info, err := registerClient(ctx, f.client, meta.RegistrationEndpoint, srv.RedirectURI(), f.cfg.Scope)
			if err != nil {
				return &FlowError{Stage: StageRegistration, Err: err}
			}
			rec.ClientInfo = info
			clientID = info.ClientID
			clientSecret = info.ClientSecret
			logging.Info("oauth client registered", "server", f.name, "client_id", info.ClientID)
		}
	}

	// The verifier persists only between URL emission and exchange.
	rec.CodeVerifier = pkce.Verifier
	if err := f.store.Set(f.name, rec); err != nil {
		return fmt.Errorf("persisting code verifier: %w", err)
	}
	clearVerifier := func() {
		rec.CodeVerifier = ""
		if err := f.store.Set(f.name, rec); err != nil {
			logging.Warn("clearing code verifier failed", "server", f.name, "error", err)
		}
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {srv.RedirectURI()},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	if f.cfg.Scope != "" {
		params.Set("scope", f.cfg.Scope)
	}
	authURL := meta.AuthorizationEndpoint + "?" + params.Encode()

	if onRedirect != nil {
		onRedirect(authURL)
	}

	code, err := srv.WaitForCode(ctx, redirectTimeout)
	if err != nil {
		clearVerifier()
		return &FlowError{Stage: StageRedirect, Err: err}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {srv.RedirectURI()},
		"client_id":     {clientID},
		"code_verifier": {pkce.Verifier},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	tokens, err := f.postTokenRequest(ctx, meta.TokenEndpoint, form)
	if err != nil {
		clearVerifier()
		return &FlowError{Stage: StageExchange, Err: err}
	}

	rec.Tokens = tokens
	rec.CodeVerifier = ""
	if err := f.store.Set(f.name, rec); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}

	logging.Info("oauth authorization complete", "server", f.name)
	return nil
}

// RemoveCredentials purges tokens and client registration for this server.
func (f *Flow) RemoveCredentials() error {
	return f.store.Remove(f.name)
}

func (f *Flow) clientCredentials(rec *Record) (id, secret string) {
	if f.cfg.ClientID != "" {
		return f.cfg.ClientID, f.cfg.ClientSecret
	}
	if rec.ClientInfo != nil {
		return rec.ClientInfo.ClientID, rec.ClientInfo.ClientSecret
	}
	return "", ""
}

var errInvalidGrant = errors.New("invalid_grant")

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (f *Flow) postTokenRequest(ctx context.Context, endpoint string, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenErrorResponse
		if json.Unmarshal(body, &te) == nil && te.Error == "invalid_grant" {
			return nil, errInvalidGrant
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}

	tokens := &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Unix() + tr.ExpiresIn
	}
	return tokens, nil
}
