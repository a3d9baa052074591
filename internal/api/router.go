package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config wires the router.
type Config struct {
	Polls       PollService
	RetryEvents RetryEventLister
	Metrics     MetricsSource
	DB          Pinger

	// WebSocket serves the live results feed at /ws when set.
	WebSocket      http.HandlerFunc
	WSClientCount  Counter
	ScheduledTasks Counter
	Version        string
	Logger         *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	pollHandler := NewPollHandler(cfg.Polls, cfg.Logger)
	retryHandler := NewRetryEventHandler(cfg.RetryEvents)
	dashHandler := NewDashboardHandler(cfg.Metrics, cfg.Polls, cfg.WSClientCount, cfg.ScheduledTasks)

	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(cfg.DB, cfg.Version))

		r.Route("/polls/{id}", func(r chi.Router) {
			r.Post("/launch", pollHandler.Launch)
			r.Post("/cancel", pollHandler.Cancel)
			r.Post("/end", pollHandler.End)
			r.Get("/votes", pollHandler.Votes)
		})

		r.Delete("/campaigns/{campaignID}/channels/{channelID}/polls", pollHandler.RemoveChannel)
		r.Get("/channels/{channelID}/breakers", dashHandler.ChannelBreakers)

		r.Get("/retry-events", retryHandler.List)
		r.Get("/metrics", dashHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for browser overlays.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
