// Package health exposes the Kubernetes-style liveness and readiness
// probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
)

// Pinger is a dependency that can be probed for connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	db      Pinger
	redis   Pinger // nil in single-instance mode
	started time.Time
}

// NewHandler creates a new health check handler. redis may be nil when
// rate-limit counters are kept in memory.
func NewHandler(db Pinger, redis Pinger) *Handler {
	return &Handler{db: db, redis: redis, started: time.Now()}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is
// alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:        "alive",
		UptimeSeconds: int64(time.Since(h.started) / time.Second),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every
// critical dependency answers, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["database"] = h.check(ctx, "database", h.db)
	if checks["database"] != "healthy" {
		allHealthy = false
	}

	if h.redis != nil {
		checks["redis"] = h.check(ctx, "redis", h.redis)
		if checks["redis"] != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "unhealthy"
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "health check failed", zap.String("dependency", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
