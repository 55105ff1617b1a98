package web

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"runtime"
	"time"

	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

func (s *Server) handleBudgetCreate(w http.ResponseWriter, r *http.Request) {
	var b models.Budget
	if err := decode(r, &b); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Budgets.Create(r.Context(), &b); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, b)
}

func (s *Server) handleBudgetList(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.deps.Budgets.List(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, budgets)
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Budgets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, b)
}

func (s *Server) handleBudgetUpdate(w http.ResponseWriter, r *http.Request) {
	var b models.Budget
	if err := decode(r, &b); err != nil {
		s.respondErr(w, r, err)
		return
	}
	b.ID = r.PathValue("id")
	if err := s.deps.Budgets.Update(r.Context(), &b); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, b)
}

func (s *Server) handleBudgetDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Budgets.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Budgets.Alerts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, alerts)
}

func (s *Server) handleBudgetViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := s.deps.Budgets.Violations(r.Context(), r.PathValue("id"),
		queryInt(r, "limit", 50))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, violations)
}

func auditFilterFrom(r *http.Request) store.AuditFilter {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		APIKeyID:     q.Get("api_key_id"),
		TenantID:     q.Get("tenant_id"),
		Since:        queryTime(r, "since"),
		Until:        queryTime(r, "until"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}
	if v := q.Get("success"); v == "true" || v == "false" {
		success := v == "true"
		filter.Success = &success
	}
	return filter
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Audit.Query(r.Context(), auditFilterFrom(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, entries)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter := auditFilterFrom(r)
	switch format := r.URL.Query().Get("format"); format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		if err := s.deps.Audit.ExportCSV(r.Context(), filter, w); err != nil {
			s.logger.Error("audit export failed", "error", err)
		}
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.json"`)
		if err := s.deps.Audit.ExportJSON(r.Context(), filter, w); err != nil {
			s.logger.Error("audit export failed", "error", err)
		}
	default:
		s.respondErr(w, r, kernelerr.Validation("unknown export format",
			kernelerr.FieldError{Path: "format", Message: "must be json or csv"}))
	}
}

func usageFilterFrom(r *http.Request) store.UsageFilter {
	q := r.URL.Query()
	return store.UsageFilter{
		APIKeyID:   q.Get("api_key_id"),
		TenantID:   q.Get("tenant_id"),
		ServerID:   q.Get("server_id"),
		ActionType: q.Get("action_type"),
		Since:      queryTime(r, "since"),
		Until:      queryTime(r, "until"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
}

func (s *Server) handleUsageQuery(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Usage.Query(r.Context(), usageFilterFrom(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, records)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Usage.Summary(r.Context(), usageFilterFrom(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, summary)
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		TenantID string `json:"tenant_id,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Name == "" {
		s.respondErr(w, r, kernelerr.Validation("key name is required",
			kernelerr.FieldError{Path: "name", Message: "required"}))
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		s.respondErr(w, r, err)
		return
	}
	secret := "ck_" + hex.EncodeToString(raw)

	key := &models.APIKey{
		Name:     body.Name,
		KeyHash:  auth.HashKey(secret),
		TenantID: body.TenantID,
		Enabled:  true,
	}
	if err := s.deps.Store.APIKeys.Create(r.Context(), key); err != nil {
		s.respondErr(w, r, err)
		return
	}
	// The secret is returned exactly once; only its hash is stored.
	s.respond(w, r, http.StatusCreated, map[string]any{
		"key":    key,
		"secret": secret,
	})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.APIKeys.List(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, keys)
}

func (s *Server) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.APIKeys.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleDetectionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		s.respond(w, r, http.StatusOK, []any{})
		return
	}
	detections, err := s.deps.Scanner.Detections(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, detections)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).String(),
		"goroutines": runtime.NumGoroutine(),
		"go_version": runtime.Version(),
	})
}

func (s *Server) handleMonitorServers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.deps.Pool.States())
}

func (s *Server) handleMonitorBreakers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.deps.Breakers.All())
}

func (s *Server) handleMonitorRateLimits(w http.ResponseWriter, r *http.Request) {
	servers, err := s.deps.Store.Servers.List(r.Context(), "")
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	out := make(map[string]any, len(servers))
	for _, srv := range servers {
		out[srv.ID] = s.deps.Limiter.Check(srv.ID)
	}
	s.respond(w, r, http.StatusOK, out)
}
