// Package health implements the liveness and readiness probes.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HubStats reports transport state for the readiness probe.
type HubStats interface {
	ConnectionCount() int
}

// RegistryStats reports registry state for the readiness probe.
type RegistryStats interface {
	RoomCount() int
}

// Handler manages health check endpoints.
type Handler struct {
	hub HubStats
	reg RegistryStats
}

// NewHandler creates a health check handler.
func NewHandler(hub HubStats, reg RegistryStats) *Handler {
	return &Handler{hub: hub, reg: reg}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Timestamp   string `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is
// alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. All state is process-local, so
// readiness is a function of the hub and registry being constructed;
// the counts are included for operators.
func (h *Handler) Readiness(c *gin.Context) {
	if h.hub == nil || h.reg == nil {
		c.JSON(http.StatusServiceUnavailable, ReadinessResponse{
			Status:    "unavailable",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, ReadinessResponse{
		Status:      "ready",
		Connections: h.hub.ConnectionCount(),
		Rooms:       h.reg.RoomCount(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}
