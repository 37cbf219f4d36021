// Package health serves the liveness and readiness probes described in
// SPEC_FULL.md §1.1, adapted from the teacher's internal/v1/health with the
// gRPC-to-Rust-SFU check replaced by a durable-store ping (there is no gRPC
// SFU peer in this redesign; see DESIGN.md).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/logging"
)

// DurablePinger checks reachability of the durable relational store.
type DurablePinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	durable      DurablePinger
}

// NewHandler creates a new health check handler.
func NewHandler(redisService *bus.Service, durable DurablePinger) *Handler {
	return &Handler{
		redisService: redisService,
		durable:      durable,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health. Returns 200 if the process is alive.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /ready. Returns 200 only if Redis and the durable
// store are both reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	durableStatus := h.checkDurableStore(ctx)
	checks["durable_store"] = durableStatus
	if durableStatus != "healthy" {
		allHealthy = false
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

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy" // single-instance mode
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkDurableStore(ctx context.Context) string {
	if h.durable == nil {
		return "unhealthy"
	}
	if err := h.durable.Ping(ctx); err != nil {
		logging.Error(ctx, "durable store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling, kept for response shape
// stability if fields are added later.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
