package web

import (
	"context"
	"io"
	"net/http"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/scheduler"
	"github.com/haasonsaas/conduit/internal/workflow"
	"github.com/haasonsaas/conduit/pkg/models"
)

func (s *Server) validateWorkflowSchedule(wf *models.Workflow) error {
	if wf.Schedule == "" {
		return nil
	}
	if err := scheduler.ValidateSchedule(wf.Schedule); err != nil {
		return kernelerr.Validation("invalid schedule",
			kernelerr.FieldError{Path: "schedule", Message: err.Error()})
	}
	return nil
}

// reloadSchedules refreshes the cron entry set after a workflow mutation.
func (s *Server) reloadSchedules(r *http.Request) {
	if s.deps.Scheduler == nil {
		return
	}
	if err := s.deps.Scheduler.Reload(r.Context()); err != nil {
		s.logger.Warn("schedule reload failed", "error", err)
	}
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := decode(r, &wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.validateWorkflowSchedule(&wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Engine.Create(r.Context(), &wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.reloadSchedules(r)
	s.respond(w, r, http.StatusCreated, wf)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Engine.List(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, workflows)
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, wf)
}

func (s *Server) handleWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := decode(r, &wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	wf.ID = r.PathValue("id")
	if err := s.validateWorkflowSchedule(&wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Engine.Update(r.Context(), &wf); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.reloadSchedules(r)
	s.respond(w, r, http.StatusOK, wf)
}

func (s *Server) handleWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.reloadSchedules(r)
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.respondErr(w, r, err)
			return
		}
	}
	principal := principalFrom(r.Context())
	// The run outlives the request: a client disconnect must not cancel an
	// execution in flight. The workflow's own timeout still applies.
	execCtx := context.WithoutCancel(r.Context())
	exec, err := s.deps.Engine.Execute(execCtx, r.PathValue("id"), workflow.RunOptions{
		Input:       body.Input,
		TriggeredBy: "api",
		TenantID:    principal.TenantID,
		APIKeyID:    principal.APIKeyID,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, exec)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.deps.Engine.Executions(r.Context(), r.PathValue("id"),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, execs)
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	steps, err := s.deps.Engine.ExecutionSteps(r.Context(), exec.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleWorkflowExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Engine.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="workflow.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWorkflowImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.respondErr(w, r, kernelerr.Validation("unreadable import body",
			kernelerr.FieldError{Path: "body", Message: err.Error()}))
		return
	}
	wf, err := s.deps.Engine.Import(r.Context(), data)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.reloadSchedules(r)
	s.respond(w, r, http.StatusCreated, wf)
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Engine.Templates(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, templates)
}

func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var tpl models.WorkflowTemplate
	if err := decode(r, &tpl); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Engine.CreateTemplate(r.Context(), &tpl); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, tpl)
}

func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleTemplateInstantiate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Name == "" {
		s.respondErr(w, r, kernelerr.Validation("workflow name is required",
			kernelerr.FieldError{Path: "name", Message: "required"}))
		return
	}
	wf, err := s.deps.Engine.Instantiate(r.Context(), r.PathValue("id"), body.Name, body.Schedule)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.reloadSchedules(r)
	s.respond(w, r, http.StatusCreated, wf)
}
