package web

import (
	"net/http"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

func (s *Server) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	var srv models.Server
	if err := decode(r, &srv); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Manager.CreateServer(r.Context(), &srv); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, srv)
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	servers, err := s.deps.Store.Servers.List(r.Context(), r.URL.Query().Get("group_id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, servers)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	srv, err := s.deps.Store.Servers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	status := s.deps.Pool.Status(srv.ID)
	s.respond(w, r, http.StatusOK, map[string]any{
		"server":     srv,
		"connection": status,
	})
}

func (s *Server) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	var srv models.Server
	if err := decode(r, &srv); err != nil {
		s.respondErr(w, r, err)
		return
	}
	srv.ID = r.PathValue("id")
	if err := s.deps.Manager.UpdateServer(r.Context(), &srv); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, srv)
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.DeleteServer(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleServerConnect(w http.ResponseWriter, r *http.Request) {
	srv, err := s.deps.Store.Servers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Manager.ConnectServer(r.Context(), srv); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, s.deps.Pool.Status(srv.ID))
}

func (s *Server) handleServerDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.DisconnectServer(r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"disconnected": true})
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.Servers.Get(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, s.deps.Registries.Tools.FindByServer(id))
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var group models.ServerGroup
	if err := decode(r, &group); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if group.Name == "" {
		s.respondErr(w, r, kernelerr.Validation("group name is required",
			kernelerr.FieldError{Path: "name", Message: "required"}))
		return
	}
	if err := s.deps.Store.Groups.Create(r.Context(), &group); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, group)
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Store.Groups.List(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, groups)
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Groups.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}
