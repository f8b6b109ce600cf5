package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"loom/internal/logging"
)

// Client handles JSON-RPC communication with one MCP server.
type Client struct {
	transport  Transport
	serverName string
	timeout    time.Duration

	serverInfo  *ServerInfo
	initialized bool
	mu          sync.RWMutex

	nextID    int64
	pending   map[int64]chan *JSONRPCMessage
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient wraps a transport in a request/response client and starts the
// receive loop.
func NewClient(serverName string, transport Transport, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:  transport,
		serverName: serverName,
		timeout:    timeout,
		pending:    make(map[int64]chan *JSONRPCMessage),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go c.receiveLoop()
	return c
}

func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.transport.Receive()
		if err != nil {
			if c.ctx.Err() == nil {
				logging.Debug("MCP receive loop ended", "server", c.serverName, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *JSONRPCMessage) {
	if !msg.IsResponse() {
		if msg.IsNotification() {
			logging.Debug("MCP notification", "server", c.serverName, "method", msg.Method)
		}
		return
	}

	// IDs decoded from JSON arrive as float64; in-process transports may
	// hand back the integer ID that was sent.
	var id int64
	switch v := msg.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		logging.Warn("MCP response with invalid ID type", "server", c.serverName, "id", msg.ID)
		return
	}

	c.pendingMu.Lock()
	ch, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if exists {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *Client) request(ctx context.Context, method string, params any) (*JSONRPCMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	respCh := make(chan *JSONRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := &JSONRPCMessage{ID: id, Method: method, Params: params}
	if err := c.transport.Send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("request timeout after %v", c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	return c.transport.Send(&JSONRPCMessage{Method: method, Params: params})
}

func decodeResult[T any](msg *JSONRPCMessage) (*T, error) {
	raw, err := json.Marshal(msg.Result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	return &out, nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	params := &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      &ClientInfo{Name: "loom", Version: version},
	}

	resp, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	result, err := decodeResult[InitializeResult](resp)
	if err != nil {
		return err
	}
	c.serverInfo = result.ServerInfo

	if err := c.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("sending initialized notification: %w", err)
	}
	c.initialized = true

	logging.Info("MCP server initialized", "name", c.serverName)
	return nil
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]*ToolInfo, error) {
	resp, err := c.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}

	result, err := decodeResult[ListToolsResult](resp)
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	resp, err := c.request(ctx, MethodToolsCall, &CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeResult[CallToolResult](resp)
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, MethodPing, nil)
	return err
}

// ServerInfo returns the server's self-reported identity.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.cancel()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		logging.Warn("MCP receive loop did not stop in time", "server", c.serverName)
	}

	return c.transport.Close()
}
