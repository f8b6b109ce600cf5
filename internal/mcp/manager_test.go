package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"loom/internal/auth"
	"loom/internal/bus"
	"loom/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport simulates an MCP server in-process. respond is invoked
// for every request; notifications are swallowed.
type fakeTransport struct {
	respond func(msg *JSONRPCMessage) *JSONRPCMessage
	sendErr error

	mu     sync.Mutex
	recv   chan *JSONRPCMessage
	closed bool
}

func newFakeTransport(respond func(msg *JSONRPCMessage) *JSONRPCMessage) *fakeTransport {
	return &fakeTransport{
		respond: respond,
		recv:    make(chan *JSONRPCMessage, 16),
	}
}

func (t *fakeTransport) Send(msg *JSONRPCMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.EOF
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	if msg.ID == nil {
		return nil
	}
	if resp := t.respond(msg); resp != nil {
		resp.ID = msg.ID
		t.recv <- resp
	}
	return nil
}

func (t *fakeTransport) Receive() (*JSONRPCMessage, error) {
	msg, ok := <-t.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recv)
	}
	return nil
}

// healthyResponder answers the handshake and exposes the given tools.
func healthyResponder(tools ...string) func(msg *JSONRPCMessage) *JSONRPCMessage {
	return func(msg *JSONRPCMessage) *JSONRPCMessage {
		switch msg.Method {
		case MethodInitialize:
			return &JSONRPCMessage{Result: map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]any{"name": "fake", "version": "1.0"},
			}}
		case MethodToolsList:
			list := make([]map[string]any, 0, len(tools))
			for _, name := range tools {
				list = append(list, map[string]any{"name": name, "description": "a tool"})
			}
			return &JSONRPCMessage{Result: map[string]any{"tools": list}}
		case MethodToolsCall:
			return &JSONRPCMessage{Result: map[string]any{
				"content": []map[string]any{{"type": "text", "text": "ok"}},
			}}
		case MethodPing:
			return &JSONRPCMessage{Result: map[string]any{}}
		default:
			return &JSONRPCMessage{Error: &Error{Code: -32601, Message: "method not found"}}
		}
	}
}

func newTestManager(t *testing.T, servers map[string]config.MCPServerConfig) (*Manager, *bus.Bus) {
	t.Helper()
	store, err := auth.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	events := bus.New()
	m := NewManager(servers, store, events)
	t.Cleanup(m.Close)
	return m, events
}

func remoteCfg(url string) config.MCPServerConfig {
	return config.MCPServerConfig{Type: "remote", URL: url}
}

func TestStartRegistersPrefixedTools(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"github": remoteCfg("https://a.example.com/mcp"),
		"linear": remoteCfg("https://b.example.com/mcp"),
	}
	m, _ := newTestManager(t, servers)
	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		// Both servers expose a tool with the same bare name.
		return newFakeTransport(healthyResponder("search")), nil
	}

	m.Start(context.Background())

	status := m.Status()
	assert.Equal(t, StateConnected, status["github"].State)
	assert.Equal(t, StateConnected, status["linear"].State)

	tools := m.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "github_search", tools[0].Name)
	assert.Equal(t, "linear_search", tools[1].Name)
}

func TestDisabledServerIsSkipped(t *testing.T) {
	off := false
	servers := map[string]config.MCPServerConfig{
		"sleepy": {Type: "remote", URL: "https://x.example.com", Enabled: &off},
	}
	m, _ := newTestManager(t, servers)
	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		t.Fatal("disabled server must not be dialed")
		return nil, nil
	}

	m.Start(context.Background())
	assert.Equal(t, StateDisabled, m.Status()["sleepy"].State)
}

func TestUnauthorizedSetsNeedsAuthWithoutBlockingPeers(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"open":   remoteCfg("https://open.example.com/mcp"),
		"locked": remoteCfg("https://locked.example.com/mcp"),
	}
	m, events := newTestManager(t, servers)

	var mu sync.Mutex
	var published []StatusEvent
	events.Subscribe(EventStatus, func(ev bus.Event) {
		mu.Lock()
		published = append(published, ev.Payload.(StatusEvent))
		mu.Unlock()
	})

	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		if name == "locked" {
			ft := newFakeTransport(nil)
			ft.sendErr = fmt.Errorf("%w: Bearer realm=mcp", ErrUnauthorized)
			return ft, nil
		}
		return newFakeTransport(healthyResponder("hover")), nil
	}

	m.Start(context.Background())

	status := m.Status()
	assert.Equal(t, StateNeedsAuth, status["locked"].State)
	assert.Equal(t, StateConnected, status["open"].State)

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]State)
	for _, ev := range published {
		seen[ev.Server] = ev.Status.State
	}
	assert.Equal(t, StateNeedsAuth, seen["locked"])
	assert.Equal(t, StateConnected, seen["open"])
}

func TestCallTool(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"ide": remoteCfg("https://ide.example.com/mcp"),
	}
	m, _ := newTestManager(t, servers)
	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		return newFakeTransport(healthyResponder("hover")), nil
	}
	m.Start(context.Background())

	result, err := m.CallTool(context.Background(), "ide", "hover", map[string]any{"uri": "a.ts"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	_, err = m.CallTool(context.Background(), "nope", "hover", nil)
	assert.Error(t, err)
}

func TestCallToolOnNeedsAuthServer(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"locked": remoteCfg("https://locked.example.com/mcp"),
	}
	m, _ := newTestManager(t, servers)
	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		ft := newFakeTransport(nil)
		ft.sendErr = ErrUnauthorized
		return ft, nil
	}
	m.Start(context.Background())
	require.Equal(t, StateNeedsAuth, m.Status()["locked"].State)

	_, err := m.CallTool(context.Background(), "locked", "x", nil)
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "locked", authErr.Server)
}

func TestTransportErrorMarksFailedAndReconnects(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"flaky": remoteCfg("https://flaky.example.com/mcp"),
	}
	m, _ := newTestManager(t, servers)

	var mu sync.Mutex
	dials := 0
	current := newFakeTransport(healthyResponder("go"))
	m.newTransport = func(name string, cfg config.MCPServerConfig, tokens TokenSource) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		current = newFakeTransport(healthyResponder("go"))
		return current, nil
	}
	m.Start(context.Background())
	require.Equal(t, 1, dials)

	// Break the live transport; the call fails and the status flips.
	mu.Lock()
	current.sendErr = fmt.Errorf("connection reset")
	mu.Unlock()

	_, err := m.CallTool(context.Background(), "flaky", "go", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateFailed, m.Status()["flaky"].State)

	// The next invocation reconnects and succeeds.
	_, err = m.CallTool(context.Background(), "flaky", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.Status()["flaky"].State)

	mu.Lock()
	assert.GreaterOrEqual(t, dials, 2)
	mu.Unlock()
}

func TestRemoveAuthPurgesStore(t *testing.T) {
	store, err := auth.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("locked", &auth.Record{
		Tokens: &auth.TokenSet{AccessToken: "at", RefreshToken: "rt"},
	}))

	servers := map[string]config.MCPServerConfig{
		"locked": remoteCfg("https://locked.example.com/mcp"),
	}
	m := NewManager(servers, store, bus.New())
	defer m.Close()

	assert.True(t, m.HasStoredTokens("locked"))
	require.NoError(t, m.RemoveAuth("locked"))
	assert.False(t, m.HasStoredTokens("locked"))
	assert.Nil(t, store.Get("locked"))
}

func TestHTTPTransportUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://x/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second, nil)
	defer tr.Close()

	err := tr.Send(&JSONRPCMessage{ID: 1, Method: MethodInitialize})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"jsonrpc":"2.0"`)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second, nil)
	defer tr.Close()

	require.NoError(t, tr.Send(&JSONRPCMessage{ID: 1, Method: MethodPing}))

	msg, err := tr.Receive()
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
}
