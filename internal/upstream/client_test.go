package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

// fakeTransport loops frames back through a scriptable responder.
type fakeTransport struct {
	mu        sync.Mutex
	onFrame   func([]byte)
	onClose   func(error)
	connected bool
	sent      [][]byte
	respond   func(req JSONRPCRequest) *JSONRPCResponse
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{}
	t.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	}
	return t
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("not connected")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	t.sent = append(t.sent, buf)
	responder := t.respond
	cb := t.onFrame
	t.mu.Unlock()

	var req JSONRPCRequest
	if err := json.Unmarshal(frame, &req); err != nil || req.ID == 0 {
		return nil // notification
	}
	if resp := responder(req); resp != nil && cb != nil {
		data, _ := json.Marshal(resp)
		cb(data)
	}
	return nil
}

func (t *fakeTransport) OnFrame(fn func([]byte)) { t.onFrame = fn }
func (t *fakeTransport) OnClose(fn func(error)) { t.onClose = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func testServer() *models.Server {
	return &models.Server{
		ID:   "srv-1",
		Name: "weather",
		Transport: models.TransportConfig{
			Type: models.TransportHTTP,
			URL:  "http://localhost:9999",
		},
	}
}

func TestClient_ConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		if req.Method != "initialize" {
			t.Errorf("unexpected method %s", req.Method)
		}
		result, _ := json.Marshal(InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "weather-server", Version: "2.1"},
		})
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}

	c := NewClient(testServer(), ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.ServerInfo().Name != "weather-server" {
		t.Errorf("server info = %+v", c.ServerInfo())
	}

	// The initialized notification should have been sent after the handshake.
	found := false
	for _, frame := range ft.sent {
		var n JSONRPCNotification
		if json.Unmarshal(frame, &n) == nil && n.Method == "notifications/initialized" {
			found = true
		}
	}
	if !found {
		t.Error("initialized notification not sent")
	}
}

func TestClient_CallTool(t *testing.T) {
	ft := newFakeTransport()
	ft.Connect(context.Background())
	ft.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		if req.Method != "tools/call" {
			t.Fatalf("method = %s", req.Method)
		}
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		json.Unmarshal(req.Params, &params)
		if params.Name != "get_forecast" || params.Arguments["city"] != "Paris" {
			t.Errorf("params = %+v", params)
		}
		result, _ := json.Marshal(ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: `{"temp":15}`}},
		})
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}

	c := NewClient(testServer(), ft, nil)
	res, err := c.CallTool(context.Background(), "get_forecast", map[string]any{"city": "Paris"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != `{"temp":15}` {
		t.Errorf("result = %+v", res)
	}
}

func TestClient_UpstreamError(t *testing.T) {
	ft := newFakeTransport()
	ft.Connect(context.Background())
	ft.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		return &JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &JSONRPCError{Code: -32601, Message: "method not found"},
		}
	}

	c := NewClient(testServer(), ft, nil)
	_, err := c.Call(context.Background(), "tools/call", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if kernelerr.CodeOf(err) != kernelerr.CodeUpstreamFailure {
		t.Errorf("code = %s, want UPSTREAM_FAILURE", kernelerr.CodeOf(err))
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	ft := newFakeTransport()
	ft.Connect(context.Background())
	ft.respond = func(JSONRPCRequest) *JSONRPCResponse { return nil } // never answer

	c := NewClient(testServer(), ft, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "tools/list", nil)
	if kernelerr.CodeOf(err) != kernelerr.CodeTimeout {
		t.Errorf("code = %s, want TIMEOUT", kernelerr.CodeOf(err))
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	ft := newFakeTransport()
	ft.Connect(context.Background())
	ft.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		result, _ := json.Marshal(map[string]int64{"id": req.ID})
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}

	c := NewClient(testServer(), ft, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "ping", nil)
			if err != nil {
				errs <- err
				return
			}
			var out map[string]int64
			if err := json.Unmarshal(raw, &out); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call: %v", err)
	}
}

func TestClient_ToolIsError(t *testing.T) {
	ft := newFakeTransport()
	ft.Connect(context.Background())
	ft.respond = func(req JSONRPCRequest) *JSONRPCResponse {
		result, _ := json.Marshal(ToolCallResult{
			IsError: true,
			Content: []ContentBlock{{Type: "text", Text: "city not found"}},
		})
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	}

	c := NewClient(testServer(), ft, nil)
	res, err := c.CallTool(context.Background(), "get_forecast", nil)
	if err == nil {
		t.Fatal("isError result should surface as an error")
	}
	if res == nil || !res.IsError {
		t.Errorf("result should still carry the upstream content: %+v", res)
	}
}

func TestNewTransport_Variants(t *testing.T) {
	cases := []struct {
		transport models.TransportConfig
		wantErr   bool
		wantType  string
	}{
		{models.TransportConfig{Type: models.TransportStdio, Command: "echo"}, false, "*upstream.StdioTransport"},
		{models.TransportConfig{Type: models.TransportHTTP, URL: "http://x"}, false, "*upstream.HTTPTransport"},
		{models.TransportConfig{Type: models.TransportWebSocket, URL: "ws://x"}, false, "*upstream.WSTransport"},
		{models.TransportConfig{Type: "carrier-pigeon"}, true, ""},
	}
	for _, tc := range cases {
		tr, err := NewTransport(&models.Server{ID: "s", Transport: tc.transport})
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.transport.Type)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.transport.Type, err)
			continue
		}
		if got := typeName(tr); got != tc.wantType {
			t.Errorf("%s: transport type = %s, want %s", tc.transport.Type, got, tc.wantType)
		}
	}
}

func typeName(v any) string { return fmt.Sprintf("%T", v) }
