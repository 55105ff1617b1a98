package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/conduit/internal/breaker"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/pool"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/upstream"
	"github.com/haasonsaas/conduit/pkg/models"
)

// echoTransport answers the handshake and echoes tool calls. A call to the
// tool named "boom" yields an isError result.
type echoTransport struct {
	mu      sync.Mutex
	onFrame func([]byte)
}

func (t *echoTransport) Connect(context.Context) error { return nil }

func (t *echoTransport) Send(frame []byte) error {
	var req upstream.JSONRPCRequest
	if err := json.Unmarshal(frame, &req); err != nil || req.ID == 0 {
		return nil
	}
	var result json.RawMessage
	switch req.Method {
	case "initialize":
		result, _ = json.Marshal(upstream.InitializeResult{
			ServerInfo: upstream.ServerInfo{Name: "echo", Version: "1"},
		})
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &params)
		if params.Name == "boom" {
			result = json.RawMessage(`{"content":[{"type":"text","text":"kaboom"}],"isError":true}`)
		} else {
			payload, _ := json.Marshal(upstream.ToolCallResult{
				Content: []upstream.ContentBlock{{Type: "text", Text: "echo:" + params.Name}},
			})
			result = payload
		}
	default:
		result = json.RawMessage(`{}`)
	}
	resp, _ := json.Marshal(upstream.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	t.mu.Lock()
	fn := t.onFrame
	t.mu.Unlock()
	if fn != nil {
		fn(resp)
	}
	return nil
}

func (t *echoTransport) OnFrame(fn func([]byte)) {
	t.mu.Lock()
	t.onFrame = fn
	t.mu.Unlock()
}
func (t *echoTransport) OnClose(func(error)) {}
func (t *echoTransport) Close() error        { return nil }
func (t *echoTransport) Connected() bool     { return true }

type capturedUsage struct {
	mu   sync.Mutex
	rows []*models.UsageRecord
}

func (c *capturedUsage) Record(_ context.Context, rec *models.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
}

type fixture struct {
	router   *Router
	bus      *events.Bus
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	server   *models.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(slog.Default())
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus, slog.Default())
	limiter := ratelimit.NewLimiter()
	p := pool.New(bus, breakers, slog.Default())
	p.SetTransportFactory(func(*models.Server) (upstream.Transport, error) {
		return &echoTransport{}, nil
	})

	srv := &models.Server{
		ID: "s1", Name: "alpha", Enabled: true,
		Transport: models.TransportConfig{Type: models.TransportHTTP, URL: "http://localhost:1"},
	}
	if _, err := p.Connect(context.Background(), srv); err != nil {
		t.Fatalf("connect: %v", err)
	}

	registries := registry.NewSet()
	registries.RegisterServer(srv,
		[]models.ToolDescriptor{{Name: "echo"}, {Name: "boom"}}, nil, nil)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(registries, p, breakers, limiter, bus, metrics, slog.Default())
	return &fixture{router: r, bus: bus, breakers: breakers, limiter: limiter, server: srv}
}

func TestInvokeSuccess(t *testing.T) {
	f := newFixture(t)

	var invoked int
	f.bus.Subscribe(func(events.Event) { invoked++ }, events.ToolInvoked)

	usage := &capturedUsage{}
	f.router.SetUsageSink(usage)

	result, err := f.router.Invoke(context.Background(), Request{
		Tool: "alpha/echo", Arguments: map[string]any{"x": 1}, APIKeyID: "k1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echo:echo" {
		t.Fatalf("content = %+v", result.Content)
	}
	if result.ServerID != "s1" || result.ServerName != "alpha" {
		t.Fatalf("server attribution = %+v", result)
	}
	if invoked != 1 {
		t.Fatalf("tool.invoked emitted %d times, want 1", invoked)
	}
	if len(usage.rows) != 1 || usage.rows[0].ActionType != "tool_invocation" || usage.rows[0].APIKeyID != "k1" {
		t.Fatalf("usage rows = %+v", usage.rows)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Invoke(context.Background(), Request{Tool: "alpha/missing"})
	if kernelerr.CodeOf(err) != kernelerr.CodeNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestInvokeCircuitOpen(t *testing.T) {
	f := newFixture(t)
	f.breakers.ForceOpen("s1")

	var failed int
	f.bus.Subscribe(func(events.Event) { failed++ }, events.ToolFailed)

	_, err := f.router.Invoke(context.Background(), Request{Tool: "alpha/echo"})
	if kernelerr.CodeOf(err) != kernelerr.CodeCircuitOpen {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if failed != 1 {
		t.Fatalf("tool.failed emitted %d times, want 1", failed)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.Register("s1", ratelimit.Config{PerMinute: 1})

	if _, err := f.router.Invoke(context.Background(), Request{Tool: "alpha/echo"}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	_, err := f.router.Invoke(context.Background(), Request{Tool: "alpha/echo"})
	if kernelerr.CodeOf(err) != kernelerr.CodeRateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	ke := kernelerr.AsError(err)
	if ke.RetryAfter <= 0 || ke.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", ke.RetryAfter)
	}
}

func TestInvokeDisconnectedServer(t *testing.T) {
	f := newFixture(t)
	registries := registry.NewSet()
	registries.RegisterServer(f.server, []models.ToolDescriptor{{Name: "echo"}}, nil, nil)

	bus := events.NewBus(slog.Default())
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), bus, slog.Default())
	p := pool.New(bus, breakers, slog.Default())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(registries, p, breakers, ratelimit.NewLimiter(), bus, metrics, slog.Default())

	_, err := r.Invoke(context.Background(), Request{Tool: "alpha/echo"})
	if kernelerr.CodeOf(err) != kernelerr.CodeServerDisconnected {
		t.Fatalf("err = %v, want server disconnected", err)
	}
}

func TestInvokeToolLevelError(t *testing.T) {
	f := newFixture(t)

	result, err := f.router.Invoke(context.Background(), Request{Tool: "alpha/boom"})
	if kernelerr.CodeOf(err) != kernelerr.CodeUpstreamFailure {
		t.Fatalf("err = %v, want upstream failure", err)
	}
	if result == nil || !result.IsError || result.Content[0].Text != "kaboom" {
		t.Fatalf("result = %+v", result)
	}
	// The server answered, so the circuit must stay closed.
	if !f.breakers.Admit("s1") {
		t.Fatal("circuit opened on tool-level error")
	}
}

func TestInvokeBatchIsolation(t *testing.T) {
	f := newFixture(t)

	items := f.router.InvokeBatch(context.Background(), []Request{
		{Tool: "alpha/echo"},
		{Tool: "alpha/missing"},
		{Tool: "alpha/echo"},
	})
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Error != nil || items[2].Error != nil {
		t.Fatalf("healthy entries failed: %v, %v", items[0].Error, items[2].Error)
	}
	if kernelerr.CodeOf(items[1].Error) != kernelerr.CodeNotFound {
		t.Fatalf("middle entry error = %v, want not found", items[1].Error)
	}
	if items[0].Result.Content[0].Text != "echo:echo" {
		t.Fatalf("order not preserved: %+v", items[0].Result)
	}
}

func TestInvokeOnServerBypassesRegistry(t *testing.T) {
	f := newFixture(t)
	result, err := f.router.InvokeOnServer(context.Background(), "s1", "alpha", "echo", Request{})
	if err != nil {
		t.Fatalf("invoke on server: %v", err)
	}
	if result.Tool != "alpha/echo" {
		t.Fatalf("tool = %q", result.Tool)
	}
}
