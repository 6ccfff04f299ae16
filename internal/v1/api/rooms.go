// Package api serves the read-only HTTP view over the room registry.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshmeet/meshmeet/internal/v1/registry"
)

// Handler exposes room listings backed by the registry.
type Handler struct {
	reg *registry.Registry
}

// NewHandler creates a rooms API handler.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

// RoomListResponse is the payload of GET /api/rooms.
type RoomListResponse struct {
	Rooms []registry.RoomSummary `json:"rooms"`
	Count int                    `json:"count"`
}

// ListRooms handles GET /api/rooms.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms := h.reg.Snapshot()
	c.JSON(http.StatusOK, RoomListResponse{Rooms: rooms, Count: len(rooms)})
}

// GetRoom handles GET /api/rooms/:roomId.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := registry.RoomID(c.Param("roomId"))
	summary, ok := h.reg.SnapshotRoom(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RegisterRoutes mounts the API under the given router group.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.ListRooms)
	group.GET("/rooms/:roomId", h.GetRoom)
}
