package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/observability"
)

type principalKey struct{}

// principalFrom returns the authenticated principal on the request context.
func principalFrom(ctx context.Context) auth.Principal {
	if p, ok := ctx.Value(principalKey{}).(auth.Principal); ok {
		return p
	}
	return auth.Principal{}
}

func requestID(ctx context.Context) string {
	return observability.GetRequestID(ctx)
}

// requestIDMiddleware assigns each request an id, honoring a caller-supplied
// X-Request-Id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.AddRequestID(r.Context(), id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"request_id", requestID(r.Context()))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.status)
		path := routePattern(r)
		s.deps.Metrics.HTTPRequestCounter.WithLabelValues(r.Method, path, status).Inc()
		s.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).
			Observe(time.Since(start).Seconds())
	})
}

// routePattern labels metrics with the matched route, not the raw path, to
// keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		return p
	}
	return "unmatched"
}

// authMiddleware resolves the caller before any handler runs. The health
// endpoint stays open for load balancer probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/monitor/health" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.deps.Auth.Authenticate(r.Context(), auth.ExtractKey(r))
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
