package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/service"
)

// RoomHandler handles REST API for rooms.
type RoomHandler struct {
	svc service.RoomServicer
	ws  *service.WSConfig
}

// NewRoomHandler creates a room handler.
func NewRoomHandler(svc service.RoomServicer, wsBaseURL string) *RoomHandler {
	return &RoomHandler{
		svc: svc,
		ws:  &service.WSConfig{BaseURL: wsBaseURL},
	}
}

// CreateRoom godoc
// POST /rooms
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req model.CreateRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
			return
		}
	}
	room, err := h.svc.CreateRoom(req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	// Guests substitute their own ID into the placeholder before dialing.
	c.JSON(http.StatusCreated, model.CreateRoomResponse{
		RoomID: room.ID,
		WSURL:  h.ws.WSURL(room.ID, "{guest_id}"),
		State:  string(room.State),
	})
}

// GetRoom godoc
// GET /rooms/:id
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	room, err := h.svc.GetRoom(roomID)
	if err != nil {
		roomError(c, err, "failed to get room")
		return
	}
	c.JSON(http.StatusOK, model.RoomSnapshotResponse{Room: *room})
}

// StartRoom godoc
// POST /rooms/:id/start
func (h *RoomHandler) StartRoom(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	var req model.StartRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
			return
		}
	}
	room, startAt, err := h.svc.StartRoom(roomID, req.LeadMs)
	if err != nil {
		roomError(c, err, "failed to start room")
		return
	}
	c.JSON(http.StatusOK, model.StartRoomResponse{
		RoomID:            room.ID,
		State:             string(room.State),
		StartAtServerTime: startAt,
	})
}

// FinalizeRoom godoc
// POST /rooms/:id/finalize
func (h *RoomHandler) FinalizeRoom(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	room, err := h.svc.FinalizeRoom(roomID)
	if err != nil {
		roomError(c, err, "failed to finalize room")
		return
	}
	c.JSON(http.StatusOK, model.RoomSnapshotResponse{Room: *room})
}

// FinishRoom godoc
// POST /rooms/:id/finish
func (h *RoomHandler) FinishRoom(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	room, err := h.svc.FinishRoom(roomID)
	if err != nil {
		roomError(c, err, "failed to finish room")
		return
	}
	c.JSON(http.StatusOK, model.RoomSnapshotResponse{Room: *room})
}

// roomError maps service errors to HTTP responses.
func roomError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, errs.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, errs.ErrRoomFinished):
		c.JSON(http.StatusGone, gin.H{"error": "room already finished"})
	case errors.Is(err, errs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid room state transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
