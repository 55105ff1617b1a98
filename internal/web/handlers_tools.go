package web

import (
	"net/http"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/router"
)

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	reg := s.deps.Registries.Tools
	q := r.URL.Query()
	switch {
	case q.Get("category") != "":
		s.respond(w, r, http.StatusOK, reg.FindByCategory(q.Get("category")))
	case q.Get("tag") != "":
		s.respond(w, r, http.StatusOK, reg.FindByTag(q.Get("tag")))
	default:
		s.respond(w, r, http.StatusOK, reg.All())
	}
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Name == "" {
		s.respondErr(w, r, kernelerr.Validation("tool name is required",
			kernelerr.FieldError{Path: "name", Message: "required"}))
		return
	}
	principal := principalFrom(r.Context())
	result, err := s.deps.Router.Invoke(r.Context(), router.Request{
		Tool:      body.Name,
		Arguments: body.Params,
		APIKeyID:  principal.APIKeyID,
		TenantID:  principal.TenantID,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, result)
}

func (s *Server) handleToolSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Semantic == nil {
		s.respondErr(w, r, kernelerr.New(kernelerr.CodeValidation,
			"semantic search is not configured"))
		return
	}
	var body struct {
		Query     string   `json:"query"`
		Types     []string `json:"types,omitempty"`
		Limit     int      `json:"limit,omitempty"`
		Threshold float64  `json:"threshold,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Query == "" {
		s.respondErr(w, r, kernelerr.Validation("query is required",
			kernelerr.FieldError{Path: "query", Message: "required"}))
		return
	}
	kinds := make([]registry.Kind, 0, len(body.Types))
	for _, t := range body.Types {
		kinds = append(kinds, registry.Kind(t))
	}
	hits, err := s.deps.Semantic.Search(r.Context(), body.Query, registry.SearchOptions{
		Types:     kinds,
		Limit:     body.Limit,
		Threshold: body.Threshold,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, hits)
}

func (s *Server) handleResourceList(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.deps.Registries.Resources.All())
}

func (s *Server) handleResourceRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.URI == "" {
		s.respondErr(w, r, kernelerr.Validation("resource uri is required",
			kernelerr.FieldError{Path: "uri", Message: "required"}))
		return
	}
	result, err := s.deps.Router.ReadResource(r.Context(), body.URI)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, result)
}

func (s *Server) handlePromptList(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.deps.Registries.Prompts.All())
}

func (s *Server) handlePromptGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Name == "" {
		s.respondErr(w, r, kernelerr.Validation("prompt name is required",
			kernelerr.FieldError{Path: "name", Message: "required"}))
		return
	}
	result, err := s.deps.Router.GetPrompt(r.Context(), body.Name, body.Args)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, result)
}
