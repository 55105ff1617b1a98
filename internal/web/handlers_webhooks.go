package web

import (
	"net/http"

	"github.com/haasonsaas/conduit/pkg/models"
)

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var sub models.WebhookSubscription
	if err := decode(r, &sub); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.deps.Webhooks.CreateSubscription(r.Context(), &sub); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Webhooks.ListSubscriptions(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, subs)
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Webhooks.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, sub)
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	var sub models.WebhookSubscription
	if err := decode(r, &sub); err != nil {
		s.respondErr(w, r, err)
		return
	}
	sub.ID = r.PathValue("id")
	if err := s.deps.Webhooks.UpdateSubscription(r.Context(), &sub); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, sub)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.DeleteSubscription(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.deps.Webhooks.TestDelivery(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, delivery)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.deps.Webhooks.Deliveries(r.Context(), r.PathValue("id"),
		queryInt(r, "limit", 50))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, deliveries)
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Webhooks.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, stats)
}
