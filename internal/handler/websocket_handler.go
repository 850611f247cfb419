package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
	"github.com/henteko/maycast-recorder-sub000/internal/service"
)

// RoomWSHandler handles WebSocket connections for /ws/rooms/:room_id/guests/:guest_id.
type RoomWSHandler struct {
	hub    service.RoomHubForHandler
	svc    service.RoomServicer
	logger *zap.Logger
}

// NewRoomWSHandler creates the room signaling handler.
func NewRoomWSHandler(hub service.RoomHubForHandler, svc service.RoomServicer, logger *zap.Logger) *RoomWSHandler {
	return &RoomWSHandler{hub: hub, svc: svc, logger: logger}
}

// ServeWS upgrades the request to WebSocket and runs the signaling loop.
// Path: /ws/rooms/:room_id/guests/:guest_id
// The first frame from the guest must be guest_join.
func (h *RoomWSHandler) ServeWS(c *gin.Context) {
	roomID := c.Param("room_id")
	guestID := c.Param("guest_id")
	if roomID == "" || guestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and guest_id required"})
		return
	}

	room, err := h.svc.GetRoom(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if room.State == model.RoomStateFinished {
		c.JSON(http.StatusGone, gin.H{"error": "room already finished"})
		return
	}

	conn, err := h.hub.Upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	peer, cleanup := h.hub.Register(roomID, guestID, conn)
	defer cleanup()

	// Writer goroutine: send from peer.Send to connection
	go h.writePump(peer)

	// Reader: join handshake, then dispatch until the guest hangs up
	h.readPump(peer)
}

func (h *RoomWSHandler) readPump(p *service.Peer) {
	defer func() {
		_ = p.Conn.Close()
	}()

	if !h.awaitJoin(p) {
		return
	}
	defer func() {
		if err := h.svc.LeaveGuest(p.RoomID, p.GuestID); err != nil {
			h.logger.Warn("mark guest left",
				zap.String("room_id", p.RoomID),
				zap.String("guest_id", p.GuestID),
				zap.Error(err))
		}
	}()
	// A guest joining mid-session learns the room state without waiting
	// for its first snapshot poll.
	h.pushRoomState(p)

	for {
		_, data, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		// Stamped on arrival, before decoding, so the probe turnaround
		// excludes our own parse time.
		received := protocol.NowMillis()
		env, err := protocol.Decode(data)
		if err != nil {
			h.logger.Warn("undecodable frame",
				zap.String("guest_id", p.GuestID),
				zap.Error(err))
			continue
		}
		switch env.Kind {
		case protocol.KindClockProbe:
			h.replyProbe(p, env, received)
		case protocol.KindGuestSync:
			var sync protocol.GuestSyncPayload
			if err := env.Payload(&sync); err != nil {
				h.logger.Warn("bad guest_sync payload", zap.Error(err))
				continue
			}
			// The authenticated path parameter wins over the payload.
			sync.GuestID = p.GuestID
			if err := h.svc.UpdateGuestSync(p.RoomID, sync); err != nil {
				h.logger.Warn("apply guest_sync",
					zap.String("guest_id", p.GuestID),
					zap.Error(err))
			}
		case protocol.KindGuestLeave:
			return
		default:
			h.logger.Debug("ignoring frame",
				zap.String("kind", string(env.Kind)),
				zap.String("guest_id", p.GuestID))
		}
	}
}

// awaitJoin reads the guest's first frame and registers it in the room.
func (h *RoomWSHandler) awaitJoin(p *service.Peer) bool {
	_, data, err := p.Conn.ReadMessage()
	if err != nil {
		return false
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Kind != protocol.KindGuestJoin {
		h.logger.Warn("first frame was not guest_join",
			zap.String("room_id", p.RoomID),
			zap.String("guest_id", p.GuestID))
		return false
	}
	var join protocol.GuestJoinPayload
	if err := env.Payload(&join); err != nil {
		h.logger.Warn("bad guest_join payload", zap.Error(err))
		return false
	}
	if _, err := h.svc.JoinGuest(p.RoomID, p.GuestID, join.Name, join.RecordingID); err != nil {
		h.logger.Warn("join refused",
			zap.String("room_id", p.RoomID),
			zap.String("guest_id", p.GuestID),
			zap.Error(err))
		return false
	}
	return true
}

// replyProbe answers a clock probe straight back to the probing peer.
func (h *RoomWSHandler) replyProbe(p *service.Peer, env protocol.Envelope, receivedMs float64) {
	var probe protocol.ClockProbePayload
	if err := env.Payload(&probe); err != nil {
		h.logger.Warn("bad clock_probe payload", zap.Error(err))
		return
	}
	frame, err := protocol.Encode(protocol.KindClockProbeReply, p.RoomID, protocol.ClockProbeReplyPayload{
		ClientSendTime:    probe.ClientSendTime,
		ServerReceiveTime: receivedMs,
		ServerSendTime:    protocol.NowMillis(),
	})
	if err != nil {
		return
	}
	select {
	case p.Send <- frame:
	default:
		// A lost reply costs one sample; the estimator tolerates gaps.
		h.logger.Warn("probe reply dropped", zap.String("guest_id", p.GuestID))
	}
}

// pushRoomState sends the current room state directly to one peer.
func (h *RoomWSHandler) pushRoomState(p *service.Peer) {
	room, err := h.svc.GetRoom(p.RoomID)
	if err != nil {
		return
	}
	frame, err := protocol.Encode(protocol.KindRoomState, p.RoomID,
		protocol.RoomStatePayload{State: string(room.State)})
	if err != nil {
		return
	}
	select {
	case p.Send <- frame:
	default:
	}
}

func (h *RoomWSHandler) writePump(p *service.Peer) {
	defer func() {
		_ = p.Conn.Close()
	}()
	for data := range p.Send {
		if err := p.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
}
