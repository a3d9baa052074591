package api

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports the service healthy while the database answers.
func HealthHandler(db Pinger, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "healthy", Version: version, Database: "ok"}
		status := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}

		respondJSON(w, status, resp)
	}
}
