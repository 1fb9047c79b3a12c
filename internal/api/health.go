package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports how many agent sessions are currently running.
type SessionCounter interface {
	ActiveSessions() int
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Database       string `json:"database"`
	ActiveSessions int    `json:"active_sessions"`
}

// HealthHandler serves liveness and readiness information.
func HealthHandler(db Pinger, sessions SessionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Database: "ok"}
		status := http.StatusOK

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Database = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		if sessions != nil {
			resp.ActiveSessions = sessions.ActiveSessions()
		}

		JSON(w, status, resp)
	}
}
