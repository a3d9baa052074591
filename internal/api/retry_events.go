package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
)

type RetryEventLister interface {
	ListRetryEvents(ctx context.Context, instanceID string, limit int) ([]domain.RetryEvent, error)
}

type RetryEventHandler struct {
	events RetryEventLister
}

func NewRetryEventHandler(events RetryEventLister) *RetryEventHandler {
	return &RetryEventHandler{events: events}
}

func (h *RetryEventHandler) List(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := h.events.ListRetryEvents(r.Context(), instanceID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list retry events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}
