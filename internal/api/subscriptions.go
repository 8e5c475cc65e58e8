package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nugget/sentinel/internal/collector"
	"github.com/nugget/sentinel/internal/store"
)

type subscriptionRequest struct {
	OwnerUserID int64                      `json:"ownerUserId"`
	RepoRef     string                     `json:"repoRef"`
	Status      string                     `json:"status,omitempty"`
	Cadence     string                     `json:"cadence,omitempty"`
	Watches     []string                   `json:"watches,omitempty"`
	Filters     store.SubscriptionFilters  `json:"filters,omitempty"`
	Delivery    store.SubscriptionDelivery `json:"delivery,omitempty"`
}

func (s *Server) handleSubscriptionCreate(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := s.store.CreateSubscription(store.Subscription{
		OwnerUserID: req.OwnerUserID,
		RepoRef:     req.RepoRef,
		Status:      req.Status,
		Cadence:     req.Cadence,
		Watches:     req.Watches,
		Filters:     req.Filters,
		Delivery:    req.Delivery,
	})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleSubscriptionList(w http.ResponseWriter, r *http.Request) {
	ownerStr := r.URL.Query().Get("ownerUserId")
	if ownerStr == "" {
		s.errorResponse(w, http.StatusBadRequest, "ownerUserId query parameter is required")
		return
	}
	ownerID, err := parseID(ownerStr)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid ownerUserId")
		return
	}

	subs, err := s.store.ListSubscriptionsByOwner(ownerID, r.URL.Query().Get("status"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"subscriptions": subs}, s.logger)
}

func (s *Server) handleSubscriptionGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	sub, err := s.store.GetSubscription(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleSubscriptionUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	sub, err := s.store.GetSubscription(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RepoRef != "" {
		sub.RepoRef = req.RepoRef
	}
	if req.Status != "" {
		sub.Status = req.Status
	}
	if req.Cadence != "" {
		sub.Cadence = req.Cadence
	}
	if req.Watches != nil {
		sub.Watches = req.Watches
	}
	sub.Filters = req.Filters
	sub.Delivery = req.Delivery

	if err := s.store.UpdateSubscription(sub); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleSubscriptionDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	if err := s.store.DeleteSubscription(id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscriptionActivities(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	activities, err := s.store.ListActivitiesBySubscription(id, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"activities": activities}, s.logger)
}

// handleSubscriptionSync enqueues an immediate collection sweep for one
// subscription (§6's POST .../sync). The sweep runs in the background;
// the caller polls /activities or waits on the realtime hub for
// activity_notification frames to observe the result.
func (s *Server) handleSubscriptionSync(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	sub, err := s.store.GetSubscription(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	go func() {
		if _, err := s.collector.CollectForSubscription(context.Background(), sub, collector.DefaultWindow); err != nil {
			s.logger.Error("on-demand sync failed", "subscriptionId", id, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "collecting"}, s.logger)
}
