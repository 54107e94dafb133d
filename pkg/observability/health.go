package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker probes the datastores the admission path depends on.
// Postgres is required; Redis only degrades the service since counters fall
// back to Postgres when Redis is not configured.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string
}

// NewHealthChecker creates a new health checker. redis may be nil.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		redis:   redis,
		version: version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness always answers 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// Readiness answers 503 when a required dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check probes every configured dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dbStatus := h.checkDatabase(ctx)
		status.Dependencies["postgres"] = dbStatus
		switch dbStatus.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			status.Status = StatusDegraded
		}
	}

	if h.redis != nil {
		redisStatus := h.checkRedis(ctx)
		status.Dependencies["redis"] = redisStatus
		if redisStatus.Status == StatusUnhealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: start.UTC(),
	}

	var one int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = "query failed: " + err.Error()
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}

	return status
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: start.UTC(),
	}

	err := h.redis.Ping(ctx).Err()
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}

	return status
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
