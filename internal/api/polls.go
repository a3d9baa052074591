package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/poll"
	"github.com/go-chi/chi/v5"
)

// PollService is the orchestrator surface the API exposes. *poll.Service
// satisfies it.
type PollService interface {
	Launch(ctx context.Context, id string) (*poll.LaunchReport, error)
	Cancel(ctx context.Context, id string) error
	End(ctx context.Context, id string) (*domain.Aggregate, error)
	GetAggregatedVotes(ctx context.Context, id string) (*domain.Aggregate, error)
	RemoveChannelFromRunningPolls(ctx context.Context, channelID, campaignID string) (int, error)
	BreakerState(operation, channelID string) engine.CircuitBreakerState
}

type PollHandler struct {
	polls  PollService
	logger *slog.Logger
}

func NewPollHandler(polls PollService, logger *slog.Logger) *PollHandler {
	return &PollHandler{polls: polls, logger: logger}
}

func (h *PollHandler) Launch(w http.ResponseWriter, r *http.Request) {
	report, err := h.polls.Launch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *PollHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.polls.Cancel(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.PollCancelled)})
}

func (h *PollHandler) End(w http.ResponseWriter, r *http.Request) {
	agg, err := h.polls.End(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

func (h *PollHandler) Votes(w http.ResponseWriter, r *http.Request) {
	agg, err := h.polls.GetAggregatedVotes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

// RemoveChannel detaches a channel from the running polls of a campaign it left.
func (h *PollHandler) RemoveChannel(w http.ResponseWriter, r *http.Request) {
	removed, err := h.polls.RemoveChannelFromRunningPolls(r.Context(), chi.URLParam(r, "channelID"), chi.URLParam(r, "campaignID"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
