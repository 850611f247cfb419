package service

import "fmt"

// WSConfig holds WebSocket URL base for responses.
type WSConfig struct {
	BaseURL string
}

// WSURL returns the signaling URL for a room and guest
// (e.g. wss://host/ws/rooms/roomID/guests/guestID).
func (c *WSConfig) WSURL(roomID, guestID string) string {
	if c == nil || c.BaseURL == "" {
		return fmt.Sprintf("/ws/rooms/%s/guests/%s", roomID, guestID)
	}
	base := c.BaseURL
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return fmt.Sprintf("%s/ws/rooms/%s/guests/%s", base, roomID, guestID)
}
