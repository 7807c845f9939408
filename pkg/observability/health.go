package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker provides liveness and readiness probes for the job's admin
// server.
type HealthChecker struct {
	db *sql.DB
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness returns a simple liveness probe (always returns 200 if the
// process is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	})
}

// Readiness returns a readiness probe backed by a database ping
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeStatus(w, http.StatusServiceUnavailable, HealthStatus{
			Status:    StatusUnhealthy,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	})
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
