package service

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

// Peer represents one guest's signaling connection in a room.
type Peer struct {
	RoomID  string
	GuestID string
	Conn    *websocket.Conn
	Send    chan []byte

	closeOnce sync.Once
}

// closeSend closes the outbound channel at most once. Both unregister and
// CloseRoom may reach a peer; whichever runs second must not re-close.
func (p *Peer) closeSend() {
	p.closeOnce.Do(func() { close(p.Send) })
}

// RoomHubForHandler is the hub surface the WebSocket handler depends on.
type RoomHubForHandler interface {
	Register(roomID, guestID string, conn *websocket.Conn) (*Peer, func())
	Upgrader() *websocket.Upgrader
	Broadcast(roomID string, frame []byte)
}

// RoomHub manages guest signaling connections and fans room events out to
// every peer in a room.
type RoomHub struct {
	mu         sync.RWMutex
	peers      map[string]map[*Peer]struct{} // roomID -> set of peers
	upgrader   websocket.Upgrader
	maxMsgSize int64
	log        *zap.Logger
}

// NewRoomHub creates a room hub.
func NewRoomHub(maxMessageSize int64, log *zap.Logger) *RoomHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomHub{
		peers:      make(map[string]map[*Peer]struct{}),
		maxMsgSize: maxMessageSize,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 4,
			// Allow all origins for dev; in prod set CheckOrigin.
		},
	}
}

// SetReadLimit sets max message size for connections.
func (h *RoomHub) SetReadLimit(n int64) { h.maxMsgSize = n }

// Register adds a guest's connection to a room and returns a cleanup function.
func (h *RoomHub) Register(roomID, guestID string, conn *websocket.Conn) (*Peer, func()) {
	if h.maxMsgSize > 0 {
		conn.SetReadLimit(h.maxMsgSize)
	}
	p := &Peer{
		RoomID:  roomID,
		GuestID: guestID,
		Conn:    conn,
		Send:    make(chan []byte, 256),
	}
	h.mu.Lock()
	if h.peers[roomID] == nil {
		h.peers[roomID] = make(map[*Peer]struct{})
	}
	h.peers[roomID][p] = struct{}{}
	h.mu.Unlock()

	h.log.Info("guest connected",
		zap.String("room_id", roomID),
		zap.String("guest_id", guestID))

	cleanup := func() {
		h.unregister(roomID, p)
	}
	return p, cleanup
}

func (h *RoomHub) unregister(roomID string, p *Peer) {
	h.mu.Lock()
	if m, ok := h.peers[roomID]; ok {
		delete(m, p)
		if len(m) == 0 {
			delete(h.peers, roomID)
		}
	}
	h.mu.Unlock()
	p.closeSend()
	h.log.Info("guest disconnected",
		zap.String("room_id", roomID),
		zap.String("guest_id", p.GuestID))
}

// Broadcast sends a frame to every peer in the room. A peer whose send
// buffer is full misses the frame; the snapshot poller reconciles it later.
func (h *RoomHub) Broadcast(roomID string, frame []byte) {
	h.mu.RLock()
	m, ok := h.peers[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy peers so we don't hold lock while writing
	peers := make([]*Peer, 0, len(m))
	for p := range m {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.Send <- frame:
		default:
			h.log.Warn("guest send buffer full, dropping frame",
				zap.String("room_id", roomID),
				zap.String("guest_id", p.GuestID))
		}
	}
}

// CloseRoom announces the final room state to every peer and ends their
// sessions. The frame goes through each peer's send queue so it lands after
// any broadcast already in flight; only the write pump touches the
// connection. Closing the queue makes the pump drain and hang up.
func (h *RoomHub) CloseRoom(roomID string) {
	h.mu.Lock()
	m, ok := h.peers[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, roomID)
	h.mu.Unlock()

	frame, err := protocol.Encode(protocol.KindRoomState, roomID,
		protocol.RoomStatePayload{State: string(model.RoomStateFinished)})
	if err != nil {
		h.log.Warn("encode close frame", zap.Error(err))
	}
	for p := range m {
		if frame != nil {
			select {
			case p.Send <- frame:
			default:
				h.log.Warn("close frame dropped, send buffer full",
					zap.String("room_id", roomID),
					zap.String("guest_id", p.GuestID))
			}
		}
		p.closeSend()
	}
	h.log.Info("room closed", zap.String("room_id", roomID))
}

// Upgrader returns the WebSocket upgrader for HTTP handlers.
func (h *RoomHub) Upgrader() *websocket.Upgrader {
	return &h.upgrader
}

// PeerCount returns number of connected guests in a room (for debugging).
func (h *RoomHub) PeerCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[roomID])
}
