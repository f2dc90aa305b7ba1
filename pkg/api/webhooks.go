package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/infrastructure/persistence"
	"github.com/meridianlab/wabridge/pkg/logger"
)

type webhookRequest struct {
	URL         string `json:"url"`
	Secret      string `json:"secret"`
	EventFilter string `json:"event_filter"`
	Active      *bool  `json:"active"`
}

// handleWebhooks serves the collection: GET lists, POST creates.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs, err := s.store.ListSubscriptions(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if subs == nil {
			subs = []domain.WebhookSubscription{}
		}
		writeJSON(w, http.StatusOK, subs)

	case http.MethodPost:
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url required"})
			return
		}
		if err := s.validator.Validate(req.URL); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter := req.EventFilter
		if filter == "" {
			filter = "*"
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		now := time.Now()
		sub := domain.WebhookSubscription{
			ID:          uuid.NewString(),
			URL:         req.URL,
			Secret:      req.Secret,
			EventFilter: filter,
			Active:      active,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.dispatcher.Invalidate()
		logger.InfoCF("api", "Webhook subscription created", map[string]interface{}{
			"id":  sub.ID,
			"url": sub.URL,
		})
		writeJSON(w, http.StatusCreated, sub)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleWebhookByID serves a single subscription: GET, PUT, DELETE.
func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/api/webhooks/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subscription id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		sub, err := s.store.GetSubscription(r.Context(), id)
		if err != nil {
			writeWebhookErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)

	case http.MethodPut:
		existing, err := s.store.GetSubscription(r.Context(), id)
		if err != nil {
			writeWebhookErr(w, err)
			return
		}
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.URL != "" && req.URL != existing.URL {
			if err := s.validator.Validate(req.URL); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			existing.URL = req.URL
		}
		if req.Secret != "" {
			existing.Secret = req.Secret
		}
		if req.EventFilter != "" {
			existing.EventFilter = req.EventFilter
		}
		if req.Active != nil {
			existing.Active = *req.Active
		}
		existing.UpdatedAt = time.Now()
		if err := s.store.UpdateSubscription(r.Context(), *existing); err != nil {
			writeWebhookErr(w, err)
			return
		}
		s.dispatcher.Invalidate()
		writeJSON(w, http.StatusOK, existing)

	case http.MethodDelete:
		if err := s.store.DeleteSubscription(r.Context(), id); err != nil {
			writeWebhookErr(w, err)
			return
		}
		s.dispatcher.Invalidate()
		logger.InfoCF("api", "Webhook subscription deleted", map[string]interface{}{
			"id": id,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func writeWebhookErr(w http.ResponseWriter, err error) {
	if err == persistence.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
