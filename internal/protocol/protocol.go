// Package protocol defines the message envelopes exchanged between guest
// devices and the coordinator over the signaling channel.
//
// All wire timestamps are epoch milliseconds carried as float64 so that
// sub-millisecond precision from high-resolution clocks survives the
// round-trip. Helpers at the bottom convert between time.Time and that
// representation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindRoomState       Kind = "room_state"
	KindGuestJoin       Kind = "guest_join"
	KindGuestLeave      Kind = "guest_leave"
	KindScheduledStart  Kind = "scheduled_start"
	KindClockProbe      Kind = "clock_probe"
	KindClockProbeReply Kind = "clock_probe_reply"
	KindGuestSync       Kind = "guest_sync"
)

// Envelope is the outer frame of every signaling message.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RoomStatePayload announces the authoritative room state.
type RoomStatePayload struct {
	State string `json:"state"`
}

// GuestJoinPayload announces a guest entering the room. RecordingID is
// optional: a guest that has not linked a local recording yet joins without
// one and consumers must guard for its absence.
type GuestJoinPayload struct {
	GuestID     string `json:"guest_id"`
	RecordingID string `json:"recording_id,omitempty"`
	Name        string `json:"name,omitempty"`
}

// GuestLeavePayload announces a guest disconnecting.
type GuestLeavePayload struct {
	GuestID string `json:"guest_id"`
}

// ScheduledStartPayload directs every guest to begin capture at the given
// coordinator-clock instant.
type ScheduledStartPayload struct {
	StartAtServerTime float64 `json:"start_at_server_time"`
}

// ClockProbePayload is a guest-originated clock probe.
type ClockProbePayload struct {
	ClientSendTime float64 `json:"client_send_time"`
}

// ClockProbeReplyPayload echoes a probe with the coordinator's receive and
// send stamps. The guest records its own receive time on arrival.
type ClockProbeReplyPayload struct {
	ClientSendTime    float64 `json:"client_send_time"`
	ServerReceiveTime float64 `json:"server_receive_time"`
	ServerSendTime    float64 `json:"server_send_time"`
}

// GuestSyncPayload reports a guest's capture/upload progress.
type GuestSyncPayload struct {
	GuestID        string `json:"guest_id"`
	RecordingID    string `json:"recording_id,omitempty"`
	SyncState      string `json:"sync_state"`
	UploadedChunks int    `json:"uploaded_chunks"`
	TotalChunks    int    `json:"total_chunks"`
}

// Encode marshals a payload into a ready-to-send envelope frame.
func Encode(kind Kind, roomID string, payload any) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
	}
	frame, err := json.Marshal(Envelope{Kind: kind, RoomID: roomID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", kind, err)
	}
	return frame, nil
}

// Decode unmarshals a raw frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing kind")
	}
	return env, nil
}

// Payload unmarshals the envelope data into v.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// NowMillis returns the current wall clock as epoch milliseconds with
// sub-millisecond precision.
func NowMillis() float64 {
	return TimeToMillis(time.Now())
}

// TimeToMillis converts a time.Time to epoch milliseconds.
func TimeToMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// MillisToTime converts epoch milliseconds back to a time.Time.
func MillisToTime(ms float64) time.Time {
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}
