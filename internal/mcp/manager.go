package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/auth"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// runtimeVersion is reported in the MCP initialize handshake.
const runtimeVersion = "0.1.0"

// defaultConnectTimeout bounds each server's startup connection attempt.
const defaultConnectTimeout = 15 * time.Second

// State is the connection state of one configured MCP server.
type State string

const (
	StateConnected               State = "connected"
	StateDisabled                State = "disabled"
	StateNeedsAuth               State = "needs_auth"
	StateNeedsClientRegistration State = "needs_client_registration"
	StateFailed                  State = "failed"
)

// Status pairs a state with its failure detail, when any.
type Status struct {
	State State
	Err   string
}

// EventStatus is published on the bus whenever a server's status changes.
const EventStatus bus.Kind = "mcp.status"

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	Server string
	Status Status
}

// RegisteredTool is an MCP tool as exposed to the tool catalog. Name is
// always prefixed with the server name so tools with the same bare name
// on different servers never collide.
type RegisteredTool struct {
	Name   string
	Server string
	Tool   *ToolInfo
}

type connection struct {
	client *Client
	tools  []*ToolInfo
}

// flowTokenSource adapts an auth.Flow to the transport's TokenSource.
type flowTokenSource struct {
	flow *auth.Flow
}

func (s *flowTokenSource) Token(ctx context.Context) (string, error) {
	return s.flow.AccessToken(ctx)
}

func (s *flowTokenSource) Refresh(ctx context.Context) (string, error) {
	tokens, err := s.flow.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Manager owns one connection per configured MCP server and tracks its
// status.
type Manager struct {
	servers map[string]config.MCPServerConfig
	store   *auth.Store
	events  *bus.Bus

	mu       sync.RWMutex
	conns    map[string]*connection
	statuses map[string]Status
	breakers map[string]*gobreaker.CircuitBreaker

	// newTransport is swappable in tests.
	newTransport func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error)
}

// NewManager creates a manager for the configured servers. Nothing is
// connected until Start.
func NewManager(servers map[string]config.MCPServerConfig, store *auth.Store, events *bus.Bus) *Manager {
	m := &Manager{
		servers:  servers,
		store:    store,
		events:   events,
		conns:    make(map[string]*connection),
		statuses: make(map[string]Status),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	m.newTransport = m.defaultTransport

	for name, cfg := range servers {
		if !cfg.IsEnabled() {
			m.statuses[name] = Status{State: StateDisabled}
		}
		m.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "mcp:" + name,
		})
	}
	return m
}

func (m *Manager) defaultTransport(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
	switch cfg.Type {
	case "local":
		return NewStdioTransport(cfg.Command, cfg.Environment)
	case "remote":
		return NewHTTPTransport(cfg.URL, cfg.Timeout, tokens), nil
	default:
		return nil, fmt.Errorf("unknown MCP server type %q", cfg.Type)
	}
}

// Start connects every enabled server in parallel. A server needing auth
// or failing outright never blocks its peers.
func (m *Manager) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	for name, cfg := range m.servers {
		if !cfg.IsEnabled() {
			continue
		}
		g.Go(func() error {
			connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
			defer cancel()
			m.connect(connectCtx, name, cfg)
			return nil
		})
	}

	g.Wait()
}

// connect attempts one connection and records the resulting status.
func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) Status {
	var tokens TokenSource
	if cfg.Type == "remote" && !cfg.OAuth.Disabled {
		flow := m.flow(name, cfg)
		if flow.HasStoredTokens() {
			tokens = &flowTokenSource{flow: flow}
		}
	}

	transport, err := m.newTransport(name, cfg, tokens)
	if err != nil {
		return m.setStatus(name, Status{State: StateFailed, Err: err.Error()})
	}

	client := NewClient(name, transport, cfg.Timeout)

	if err := client.Initialize(ctx, runtimeVersion); err != nil {
		client.Close()
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, auth.ErrReauthRequired) {
			return m.setStatus(name, Status{State: StateNeedsAuth})
		}
		return m.setStatus(name, Status{State: StateFailed, Err: err.Error()})
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return m.setStatus(name, Status{State: StateFailed, Err: err.Error()})
	}

	m.mu.Lock()
	if old := m.conns[name]; old != nil {
		old.client.Close()
	}
	m.conns[name] = &connection{client: client, tools: tools}
	m.mu.Unlock()

	logging.Info("MCP server connected", "name", name, "tools", len(tools))
	return m.setStatus(name, Status{State: StateConnected})
}

func (m *Manager) setStatus(name string, s Status) Status {
	m.mu.Lock()
	prev := m.statuses[name]
	m.statuses[name] = s
	m.mu.Unlock()

	if prev != s && m.events != nil {
		m.events.Publish(EventStatus, StatusEvent{Server: name, Status: s})
	}
	return s
}

func (m *Manager) flow(name string, cfg config.MCPServerConfig) *auth.Flow {
	return auth.NewFlow(name, cfg.URL, cfg.OAuth, m.store)
}

// Status returns the status of every configured server.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.servers))
	for name := range m.servers {
		if s, ok := m.statuses[name]; ok {
			out[name] = s
		} else {
			out[name] = Status{State: StateFailed, Err: "not connected"}
		}
	}
	return out
}

// Tools returns all registered tools across connected servers, each named
// "<server>_<tool>", sorted by name.
func (m *Manager) Tools() []RegisteredTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RegisteredTool
	for server, conn := range m.conns {
		for _, t := range conn.tools {
			out = append(out, RegisteredTool{
				Name:   server + "_" + t.Name,
				Server: server,
				Tool:   t,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasStoredTokens reports whether the credential store holds tokens for
// the named server.
func (m *Manager) HasStoredTokens(name string) bool {
	cfg, ok := m.servers[name]
	if !ok {
		return false
	}
	return m.flow(name, cfg).HasStoredTokens()
}

// Authenticate drives the interactive OAuth flow for the named server and
// reconnects on success. The final status is returned.
func (m *Manager) Authenticate(ctx context.Context, name string, onRedirect func(authURL string)) (Status, error) {
	cfg, ok := m.servers[name]
	if !ok {
		return Status{}, fmt.Errorf("unknown MCP server %q", name)
	}
	if cfg.Type != "remote" || cfg.OAuth.Disabled {
		return Status{}, fmt.Errorf("MCP server %q does not use OAuth", name)
	}

	flow := m.flow(name, cfg)
	if err := flow.Authenticate(ctx, onRedirect); err != nil {
		var fe *auth.FlowError
		if errors.As(err, &fe) && fe.Stage == auth.StageRegistration {
			return m.setStatus(name, Status{State: StateNeedsClientRegistration, Err: err.Error()}), err
		}
		return m.setStatus(name, Status{State: StateNeedsAuth, Err: err.Error()}), err
	}

	return m.connect(ctx, name, cfg), nil
}

// RemoveAuth purges stored tokens and client registration for the named
// server. The next connection falls back to config-provided credentials
// or an unauthenticated attempt.
func (m *Manager) RemoveAuth(name string) error {
	if _, ok := m.servers[name]; !ok {
		return fmt.Errorf("unknown MCP server %q", name)
	}
	if err := m.store.Remove(name); err != nil {
		return err
	}

	m.mu.Lock()
	if conn := m.conns[name]; conn != nil {
		conn.client.Close()
		delete(m.conns, name)
	}
	m.mu.Unlock()

	logging.Info("MCP credentials removed", "name", name)
	return nil
}

// CallTool invokes toolName on the named server. A failed connection is
// retried (with backoff) before the call; transport errors mark the
// connection failed for the next invocation to retry.
func (m *Manager) CallTool(ctx context.Context, server, toolName string, args map[string]any) (*CallToolResult, error) {
	cfg, ok := m.servers[server]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q", server)
	}
	if !cfg.IsEnabled() {
		return nil, &TransportError{Server: server, Err: fmt.Errorf("server is disabled")}
	}

	m.mu.RLock()
	conn := m.conns[server]
	status := m.statuses[server]
	breaker := m.breakers[server]
	m.mu.RUnlock()

	if status.State == StateNeedsAuth {
		return nil, &AuthRequiredError{Server: server}
	}

	if conn == nil || status.State == StateFailed {
		if s := m.reconnect(ctx, server, cfg); s.State != StateConnected {
			if s.State == StateNeedsAuth {
				return nil, &AuthRequiredError{Server: server}
			}
			return nil, &TransportError{Server: server, Err: errors.New(s.Err)}
		}
		m.mu.RLock()
		conn = m.conns[server]
		m.mu.RUnlock()
	}

	result, err := breaker.Execute(func() (any, error) {
		return conn.client.CallTool(ctx, toolName, args)
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, auth.ErrReauthRequired) {
			m.setStatus(server, Status{State: StateNeedsAuth})
			return nil, &AuthRequiredError{Server: server}
		}
		// A JSON-RPC error is a tool failure, not a transport failure.
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, &TransportError{Server: server, Err: err}
		}
		m.setStatus(server, Status{State: StateFailed, Err: err.Error()})
		return nil, &TransportError{Server: server, Err: err}
	}

	return result.(*CallToolResult), nil
}

// reconnect retries the connection with exponential backoff.
func (m *Manager) reconnect(ctx context.Context, name string, cfg config.MCPServerConfig) Status {
	var status Status

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	backoff.Retry(func() error {
		status = m.connect(ctx, name, cfg)
		switch status.State {
		case StateConnected, StateNeedsAuth:
			return nil
		default:
			return errors.New(status.Err)
		}
	}, policy)

	return status
}

// Ping checks liveness of the named server's connection.
func (m *Manager) Ping(ctx context.Context, name string) error {
	m.mu.RLock()
	conn := m.conns[name]
	m.mu.RUnlock()

	if conn == nil {
		return &TransportError{Server: name, Err: fmt.Errorf("not connected")}
	}
	return conn.client.Ping(ctx)
}

// Close disconnects every server.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, conn := range m.conns {
		if err := conn.client.Close(); err != nil {
			logging.Warn("MCP client close error", "name", name, "error", err)
		}
	}
	m.conns = make(map[string]*connection)
}
