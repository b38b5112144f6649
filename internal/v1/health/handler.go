// Package health exposes Kubernetes-style liveness and readiness probes
// for the sync relay.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/bus"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
)

// Handler manages health check endpoints.
type Handler struct {
	bus *bus.Service
}

// NewHandler creates a health check handler. busService may be nil when the
// relay runs single-instance without Redis.
func NewHandler(busService *bus.Service) *Handler {
	return &Handler{bus: busService}
}

// LivenessResponse is the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It returns 200 whenever the process
// is alive; no dependencies are consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. It returns 200 only when every
// dependency is healthy, and 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis": h.checkRedis(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis pings the bus. A nil bus means single-instance mode, which is
// always healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
