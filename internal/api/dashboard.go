package api

import (
	"context"
	"net/http"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/store"
	"github.com/go-chi/chi/v5"
)

type MetricsSource interface {
	GetMetrics(ctx context.Context) (*store.Metrics, error)
}

// Counter reports a current count, e.g. connected clients or scheduled tasks.
type Counter func() int

type DashboardHandler struct {
	metrics   MetricsSource
	polls     PollService
	wsClients Counter
	tasks     Counter
}

func NewDashboardHandler(metrics MetricsSource, polls PollService, wsClients, tasks Counter) *DashboardHandler {
	return &DashboardHandler{metrics: metrics, polls: polls, wsClients: wsClients, tasks: tasks}
}

// Metrics returns aggregated engine metrics.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.metrics.GetMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	type metricsResponse struct {
		store.Metrics
		ScheduledTasks   int `json:"scheduled_tasks"`
		WebSocketClients int `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		Metrics:          *metrics,
		ScheduledTasks:   h.tasks(),
		WebSocketClients: h.wsClients(),
	})
}

// ChannelBreakers returns the circuit breaker state of every provider
// operation for one channel.
func (h *DashboardHandler) ChannelBreakers(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	operations := []string{"create_poll", "get_poll", "end_poll"}
	states := make(map[string]engine.CircuitBreakerState, len(operations))
	for _, op := range operations {
		states[op] = h.polls.BreakerState(op, channelID)
	}

	respondJSON(w, http.StatusOK, states)
}
