// Package web is the HTTP surface of the gateway. Every response uses the
// envelope {success, data?, error?, code?, timestamp, requestId?}; kernel
// error codes map to HTTP statuses with Retry-After where the code carries a
// backoff hint.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/breaker"
	"github.com/haasonsaas/conduit/internal/budget"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/manager"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/pool"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/router"
	"github.com/haasonsaas/conduit/internal/scheduler"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/usage"
	"github.com/haasonsaas/conduit/internal/webhooks"
	"github.com/haasonsaas/conduit/internal/workflow"
)

// Deps collects everything the HTTP layer serves. Optional fields (Semantic,
// Scheduler, Scanner) may be nil; their endpoints report the feature as
// unavailable.
type Deps struct {
	Store      *store.Store
	Auth       *auth.Service
	Manager    *manager.Manager
	Router     *router.Router
	Registries *registry.Set
	Semantic   *registry.SemanticIndex
	Pool       *pool.Pool
	Breakers   *breaker.Registry
	Limiter    *ratelimit.Limiter
	Engine     *workflow.Engine
	Scheduler  *scheduler.Scheduler
	Webhooks   *webhooks.Dispatcher
	Budgets    *budget.Enforcer
	Audit      *audit.Service
	Usage      *usage.Service
	Scanner    *security.Scanner
	Metrics    *observability.Metrics
	Registry   prometheus.Gatherer
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
	http    *http.Server
	started time.Time
}

// New builds the server and its route table.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.With("component", "web"),
		started: time.Now().UTC(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped route tree. Exposed for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("http server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Servers and groups.
	mux.HandleFunc("POST /servers", s.handleServerCreate)
	mux.HandleFunc("GET /servers", s.handleServerList)
	mux.HandleFunc("GET /servers/{id}", s.handleServerGet)
	mux.HandleFunc("PUT /servers/{id}", s.handleServerUpdate)
	mux.HandleFunc("DELETE /servers/{id}", s.handleServerDelete)
	mux.HandleFunc("POST /servers/{id}/connect", s.handleServerConnect)
	mux.HandleFunc("POST /servers/{id}/disconnect", s.handleServerDisconnect)
	mux.HandleFunc("GET /servers/{id}/tools", s.handleServerTools)
	mux.HandleFunc("POST /groups", s.handleGroupCreate)
	mux.HandleFunc("GET /groups", s.handleGroupList)
	mux.HandleFunc("DELETE /groups/{id}", s.handleGroupDelete)

	// Capabilities.
	mux.HandleFunc("GET /tools", s.handleToolList)
	mux.HandleFunc("POST /tools/invoke", s.handleToolInvoke)
	mux.HandleFunc("POST /tools/search", s.handleToolSearch)
	mux.HandleFunc("GET /resources", s.handleResourceList)
	mux.HandleFunc("POST /resources/read", s.handleResourceRead)
	mux.HandleFunc("GET /prompts", s.handlePromptList)
	mux.HandleFunc("POST /prompts/get", s.handlePromptGet)

	// Workflows.
	mux.HandleFunc("POST /workflows", s.handleWorkflowCreate)
	mux.HandleFunc("GET /workflows", s.handleWorkflowList)
	mux.HandleFunc("GET /workflows/{id}", s.handleWorkflowGet)
	mux.HandleFunc("PUT /workflows/{id}", s.handleWorkflowUpdate)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleWorkflowDelete)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleWorkflowExecute)
	// "/workflows/{id}/executions" and "/workflows/{id}/export" cannot be
	// registered alongside "/workflows/executions/{id}": ServeMux rejects the
	// overlapping wildcard patterns at registration. Dispatch on {action}
	// instead; the literal "executions" prefix below is more specific and
	// still wins for execution reads.
	mux.HandleFunc("GET /workflows/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("action") {
		case "executions":
			s.handleWorkflowExecutions(w, r)
		case "export":
			s.handleWorkflowExport(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("POST /workflows/import", s.handleWorkflowImport)
	mux.HandleFunc("GET /workflows/executions/{id}", s.handleExecutionGet)
	mux.HandleFunc("POST /workflows/executions/{id}/cancel", s.handleExecutionCancel)
	mux.HandleFunc("GET /workflows/templates", s.handleTemplateList)
	mux.HandleFunc("POST /workflows/templates", s.handleTemplateCreate)
	mux.HandleFunc("DELETE /workflows/templates/{id}", s.handleTemplateDelete)
	mux.HandleFunc("POST /workflows/templates/{id}/instantiate", s.handleTemplateInstantiate)

	// Webhooks.
	mux.HandleFunc("POST /webhooks/subscriptions", s.handleWebhookCreate)
	mux.HandleFunc("GET /webhooks/subscriptions", s.handleWebhookList)
	mux.HandleFunc("GET /webhooks/subscriptions/{id}", s.handleWebhookGet)
	mux.HandleFunc("PUT /webhooks/subscriptions/{id}", s.handleWebhookUpdate)
	mux.HandleFunc("DELETE /webhooks/subscriptions/{id}", s.handleWebhookDelete)
	mux.HandleFunc("POST /webhooks/subscriptions/{id}/test", s.handleWebhookTest)
	mux.HandleFunc("GET /webhooks/subscriptions/{id}/deliveries", s.handleWebhookDeliveries)
	mux.HandleFunc("GET /webhooks/subscriptions/{id}/stats", s.handleWebhookStats)

	// Budgets, audit, usage, keys, security.
	mux.HandleFunc("POST /budgets", s.handleBudgetCreate)
	mux.HandleFunc("GET /budgets", s.handleBudgetList)
	mux.HandleFunc("GET /budgets/{id}", s.handleBudgetGet)
	mux.HandleFunc("PUT /budgets/{id}", s.handleBudgetUpdate)
	mux.HandleFunc("DELETE /budgets/{id}", s.handleBudgetDelete)
	mux.HandleFunc("GET /budgets/{id}/alerts", s.handleBudgetAlerts)
	mux.HandleFunc("GET /budgets/{id}/violations", s.handleBudgetViolations)
	mux.HandleFunc("GET /audit", s.handleAuditQuery)
	mux.HandleFunc("GET /audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /usage", s.handleUsageQuery)
	mux.HandleFunc("GET /usage/summary", s.handleUsageSummary)
	mux.HandleFunc("POST /keys", s.handleKeyCreate)
	mux.HandleFunc("GET /keys", s.handleKeyList)
	mux.HandleFunc("DELETE /keys/{id}", s.handleKeyDelete)
	mux.HandleFunc("GET /security/detections", s.handleDetectionList)

	// Monitor.
	mux.HandleFunc("GET /monitor/health", s.handleHealth)
	mux.HandleFunc("GET /monitor/servers", s.handleMonitorServers)
	mux.HandleFunc("GET /monitor/circuit-breakers", s.handleMonitorBreakers)
	mux.HandleFunc("GET /monitor/rate-limits", s.handleMonitorRateLimits)
	if s.deps.Registry != nil {
		mux.Handle("GET /monitor/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	// Metrics sit innermost so the matched route pattern is visible on the
	// request after the mux runs.
	var h http.Handler = s.metricsMiddleware(mux)
	h = s.authMiddleware(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// envelope is the uniform response shape.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID(r.Context()),
	})
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := kernelerr.CodeOf(err)
	status := kernelerr.HTTPStatus(code)
	if kerr := kernelerr.AsError(err); kerr != nil && kerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(kerr.RetryAfter.Seconds()+0.5)))
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}

	msg := err.Error()
	if kerr := kernelerr.AsError(err); kerr != nil {
		msg = kerr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     msg,
		Code:      string(code),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID(r.Context()),
	})
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return kernelerr.Validation("invalid request body",
			kernelerr.FieldError{Path: "body", Message: err.Error()})
	}
	return nil
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime parses an RFC3339 query parameter; zero time when absent.
func queryTime(r *http.Request, name string) time.Time {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
