// Package router is the invocation path of the kernel: it resolves qualified
// tool names, runs admission control, calls the upstream, and fans the
// outcome out to metrics, events, and the audit and usage trails.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

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

// Request is one tool invocation.
type Request struct {
	// Tool is the qualified name ("<serverName>/<localName>").
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Caller identity, carried through to audit and usage rows.
	APIKeyID string `json:"-"`
	TenantID string `json:"-"`
}

// Result is the outcome of a successful invocation.
type Result struct {
	Tool       string                  `json:"tool"`
	ServerID   string                  `json:"server_id"`
	ServerName string                  `json:"server_name"`
	Content    []upstream.ContentBlock `json:"content"`
	IsError    bool                    `json:"is_error,omitempty"`
	Meta       json.RawMessage         `json:"meta,omitempty"`
	DurationMs int64                   `json:"duration_ms"`
	RateLimit  *ratelimit.Decision     `json:"rate_limit,omitempty"`
}

// BatchItem pairs one batch entry with its isolated outcome.
type BatchItem struct {
	Result *Result `json:"result,omitempty"`
	Error  error   `json:"error,omitempty"`
}

// AuditSink receives audit rows. Sinks must not block the invocation path.
type AuditSink interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// UsageSink receives metered usage rows.
type UsageSink interface {
	Record(ctx context.Context, rec *models.UsageRecord)
}

// OutputScanner inspects upstream output for leaked credentials.
type OutputScanner interface {
	Scan(ctx context.Context, serverID, toolName, content string)
}

// Router resolves and executes tool invocations.
type Router struct {
	registries *registry.Set
	pool       *pool.Pool
	breakers   *breaker.Registry
	limiter    *ratelimit.Limiter
	bus        *events.Bus
	metrics    *observability.Metrics
	logger     *slog.Logger

	audit   AuditSink
	usage   UsageSink
	scanner OutputScanner
}

// New creates a router. The audit, usage, and scanner sinks are optional.
func New(registries *registry.Set, p *pool.Pool, breakers *breaker.Registry,
	limiter *ratelimit.Limiter, bus *events.Bus, metrics *observability.Metrics,
	logger *slog.Logger) *Router {

	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registries: registries,
		pool:       p,
		breakers:   breakers,
		limiter:    limiter,
		bus:        bus,
		metrics:    metrics,
		logger:     logger.With("component", "router"),
	}
}

// SetAuditSink wires the audit trail.
func (r *Router) SetAuditSink(sink AuditSink) { r.audit = sink }

// SetUsageSink wires usage metering.
func (r *Router) SetUsageSink(sink UsageSink) { r.usage = sink }

// SetOutputScanner wires key-exposure scanning of tool output.
func (r *Router) SetOutputScanner(s OutputScanner) { r.scanner = s }

// Invoke resolves the qualified tool name and executes it.
func (r *Router) Invoke(ctx context.Context, req Request) (*Result, error) {
	entry := r.registries.Tools.Find(req.Tool)
	if entry == nil {
		return nil, kernelerr.Newf(kernelerr.CodeNotFound, "tool %q not found", req.Tool)
	}
	return r.invoke(ctx, req, entry.ServerID, entry.ServerName, entry.LocalName)
}

// InvokeOnServer executes a tool by server id and local name, bypassing the
// registry lookup. Admission control still applies.
func (r *Router) InvokeOnServer(ctx context.Context, serverID, serverName, localName string, req Request) (*Result, error) {
	if req.Tool == "" {
		req.Tool = registry.QualifiedName(serverName, localName)
	}
	return r.invoke(ctx, req, serverID, serverName, localName)
}

func (r *Router) invoke(ctx context.Context, req Request, serverID, serverName, localName string) (*Result, error) {
	start := time.Now()

	if !r.breakers.Admit(serverID) {
		err := kernelerr.CircuitOpen(r.breakers.RetryAfter(serverID))
		r.finish(ctx, req, serverID, serverName, start, nil, err)
		return nil, err
	}

	decision := r.limiter.Consume(serverID)
	if !decision.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues(serverName).Inc()
		}
		err := kernelerr.RateLimited(decision.RetryAfter)
		r.finish(ctx, req, serverID, serverName, start, nil, err)
		return nil, err
	}

	client := r.pool.Client(serverID)
	if client == nil {
		err := kernelerr.Newf(kernelerr.CodeServerDisconnected, "server %q is not connected", serverName)
		r.finish(ctx, req, serverID, serverName, start, nil, err)
		return nil, err
	}

	callResult, callErr := client.CallTool(ctx, localName, req.Arguments)

	var result *Result
	if callResult != nil {
		result = &Result{
			Tool:       req.Tool,
			ServerID:   serverID,
			ServerName: serverName,
			Content:    callResult.Content,
			IsError:    callResult.IsError,
			Meta:       callResult.Meta,
			DurationMs: time.Since(start).Milliseconds(),
			RateLimit:  &decision,
		}
	}

	switch {
	case callErr == nil:
		r.breakers.RecordSuccess(serverID)
	case callResult != nil && callResult.IsError:
		// The server answered; a tool-level error is not a server fault.
		r.breakers.RecordSuccess(serverID)
	default:
		r.breakers.RecordFailure(serverID)
	}

	if callErr == nil {
		r.registries.Tools.RecordUsage(req.Tool)
		if r.scanner != nil {
			r.scanner.Scan(ctx, serverID, req.Tool, contentText(callResult.Content))
		}
	}

	r.finish(ctx, req, serverID, serverName, start, result, callErr)
	if callErr != nil {
		return result, callErr
	}
	return result, nil
}

// finish emits telemetry, events, and the audit and usage rows for one
// invocation outcome.
func (r *Router) finish(ctx context.Context, req Request, serverID, serverName string,
	start time.Time, result *Result, err error) {

	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}

	if r.metrics != nil {
		r.metrics.ToolInvocations.WithLabelValues(serverName, req.Tool, status).Inc()
		r.metrics.ToolInvocationDuration.WithLabelValues(serverName, req.Tool).
			Observe(duration.Seconds())
	}

	if err == nil {
		r.bus.Publish(events.Event{
			Type:     events.ToolInvoked,
			ServerID: serverID,
			Data: map[string]any{
				"tool":        req.Tool,
				"duration_ms": duration.Milliseconds(),
			},
		})
	} else {
		r.logger.Warn("tool invocation failed",
			"tool", req.Tool, "server", serverName, "error", err)
		r.bus.Publish(events.Event{
			Type:     events.ToolFailed,
			ServerID: serverID,
			Data: map[string]any{
				"tool":        req.Tool,
				"error":       err.Error(),
				"code":        string(kernelerr.CodeOf(err)),
				"duration_ms": duration.Milliseconds(),
			},
		})
	}

	if r.audit != nil {
		details, _ := json.Marshal(map[string]any{"arguments": req.Arguments})
		r.audit.Record(ctx, &models.AuditEntry{
			Action:       "tool.invoke",
			ResourceType: "tool",
			ResourceID:   req.Tool,
			APIKeyID:     req.APIKeyID,
			TenantID:     req.TenantID,
			DurationMs:   duration.Milliseconds(),
			Success:      err == nil,
			Details:      details,
		})
	}
	if r.usage != nil {
		r.usage.Record(ctx, &models.UsageRecord{
			APIKeyID:   req.APIKeyID,
			TenantID:   req.TenantID,
			ServerID:   serverID,
			ToolName:   req.Tool,
			ActionType: "tool_invocation",
			DurationMs: duration.Milliseconds(),
		})
	}
}

// InvokeBatch executes the requests concurrently. The returned slice is
// index-aligned with the input; each entry succeeds or fails on its own.
func (r *Router) InvokeBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			result, err := r.Invoke(ctx, req)
			items[i] = BatchItem{Result: result, Error: err}
		}(i, req)
	}
	wg.Wait()
	return items
}

// ReadResource routes a resource read by URI.
func (r *Router) ReadResource(ctx context.Context, uri string) (*upstream.ResourceResult, error) {
	entry := r.registries.Resources.Find(uri)
	if entry == nil {
		return nil, kernelerr.Newf(kernelerr.CodeNotFound, "resource %q not found", uri)
	}
	client, err := r.admitted(entry.ServerID, entry.ServerName)
	if err != nil {
		return nil, err
	}
	result, err := client.ReadResource(ctx, uri)
	r.recordOutcome(entry.ServerID, err)
	if err == nil {
		r.registries.Resources.RecordUsage(uri)
	}
	return result, err
}

// GetPrompt routes a prompt fetch by qualified name.
func (r *Router) GetPrompt(ctx context.Context, name string, args map[string]any) (*upstream.PromptResult, error) {
	entry := r.registries.Prompts.Find(name)
	if entry == nil {
		return nil, kernelerr.Newf(kernelerr.CodeNotFound, "prompt %q not found", name)
	}
	client, err := r.admitted(entry.ServerID, entry.ServerName)
	if err != nil {
		return nil, err
	}
	result, err := client.GetPrompt(ctx, entry.LocalName, args)
	r.recordOutcome(entry.ServerID, err)
	if err == nil {
		r.registries.Prompts.RecordUsage(name)
	}
	return result, err
}

// admitted runs breaker and limiter admission and returns the client.
func (r *Router) admitted(serverID, serverName string) (*upstream.Client, error) {
	if !r.breakers.Admit(serverID) {
		return nil, kernelerr.CircuitOpen(r.breakers.RetryAfter(serverID))
	}
	decision := r.limiter.Consume(serverID)
	if !decision.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues(serverName).Inc()
		}
		return nil, kernelerr.RateLimited(decision.RetryAfter)
	}
	client := r.pool.Client(serverID)
	if client == nil {
		return nil, kernelerr.Newf(kernelerr.CodeServerDisconnected, "server %q is not connected", serverName)
	}
	return client, nil
}

func (r *Router) recordOutcome(serverID string, err error) {
	if err == nil {
		r.breakers.RecordSuccess(serverID)
		return
	}
	if kernelerr.Retryable(kernelerr.CodeOf(err)) {
		r.breakers.RecordFailure(serverID)
	}
}

func contentText(blocks []upstream.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
