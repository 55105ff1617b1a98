package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

const protocolVersion = "2024-11-05"

// Client speaks the tool protocol to a single upstream over a Transport. It
// owns request/response correlation; the transport only moves frames.
type Client struct {
	server    *models.Server
	transport Transport
	logger    *slog.Logger

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	serverInfo ServerInfo
	timeout    time.Duration
}

// NewClient creates a client over the given transport.
func NewClient(server *models.Server, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		server:    server,
		transport: transport,
		logger:    logger.With("server", server.ID),
		pending:   make(map[int64]chan *JSONRPCResponse),
		timeout:   30 * time.Second,
	}
	transport.OnFrame(c.handleFrame)
	return c
}

// Connect establishes the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "conduit",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	c.logger.Info("upstream initialized",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version)
	return nil
}

// Close closes the transport and fails all in-flight calls.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.failPending(fmt.Errorf("connection closed"))
	return err
}

// Connected reports transport liveness.
func (c *Client) Connected() bool { return c.transport.Connected() }

// ServerInfo returns the upstream's self-reported identity.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// Transport exposes the underlying transport for lifecycle wiring.
func (c *Client) Transport() Transport { return c.transport }

func (c *Client) handleFrame(frame []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(frame, &resp); err != nil || resp.ID == 0 {
		// Notification or unparseable frame; the kernel ignores
		// server-initiated traffic it did not ask for.
		c.logger.Debug("ignoring non-response frame", "size", len(frame))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &JSONRPCResponse{ID: id, Error: &JSONRPCError{Code: -32000, Message: err.Error()}}
		delete(c.pending, id)
	}
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	ch := make(chan *JSONRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, _ := json.Marshal(req)
	if err := c.transport.Send(frame); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeUpstreamFailure, "send request", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, kernelerr.Wrap(kernelerr.CodeUpstreamFailure, method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, kernelerr.Wrap(kernelerr.CodeTimeout, method, ctx.Err())
		}
		return nil, ctx.Err()
	case <-timer.C:
		return nil, kernelerr.Newf(kernelerr.CodeTimeout, "%s timed out after %v", method, c.timeout)
	}
}

func (c *Client) notify(method string, params any) error {
	n := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		n.Params = raw
	}
	frame, _ := json.Marshal(n)
	return c.transport.Send(frame)
}

// Ping probes upstream liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// ListTools fetches the upstream's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []models.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse tools/list: %w", err)
	}
	return out.Tools, nil
}

// ListResources fetches the upstream's resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]models.ResourceDescriptor, error) {
	raw, err := c.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []models.ResourceDescriptor `json:"resources"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse resources/list: %w", err)
	}
	return out.Resources, nil
}

// ListPrompts fetches the upstream's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]models.PromptDescriptor, error) {
	raw, err := c.Call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Prompts []models.PromptDescriptor `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse prompts/list: %w", err)
	}
	return out.Prompts, nil
}

// CallTool invokes a tool by its upstream-local name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	raw, err := c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	if result.IsError {
		return &result, kernelerr.Newf(kernelerr.CodeUpstreamFailure, "tool %s reported an error", name)
	}
	return &result, nil
}

// GetPrompt renders a prompt by its upstream-local name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error) {
	raw, err := c.Call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse prompts/get result: %w", err)
	}
	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	raw, err := c.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result ResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return &result, nil
}
