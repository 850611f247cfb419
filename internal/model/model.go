package model

import (
	"math"
	"time"
)

// RoomState represents the session-wide recording lifecycle.
type RoomState string

const (
	RoomStateIdle       RoomState = "idle"
	RoomStateRecording  RoomState = "recording"
	RoomStateFinalizing RoomState = "finalizing"
	RoomStateFinished   RoomState = "finished"
)

// GuestSyncState represents a single guest's capture/upload progress.
type GuestSyncState string

const (
	GuestSyncIdle      GuestSyncState = "idle"
	GuestSyncRecording GuestSyncState = "recording"
	GuestSyncUploading GuestSyncState = "uploading"
	GuestSyncSynced    GuestSyncState = "synced"
	GuestSyncError     GuestSyncState = "error"
)

// ClockSyncState represents clock-offset estimation progress.
type ClockSyncState string

const (
	ClockSyncIdle    ClockSyncState = "idle"
	ClockSyncSyncing ClockSyncState = "syncing"
	ClockSyncSynced  ClockSyncState = "synced"
)

// ClockSyncStatus is the derived view over collected clock samples.
// AccuracyMs is +Inf until at least two samples exist.
type ClockSyncStatus struct {
	State       ClockSyncState `json:"state"`
	OffsetMs    float64        `json:"offset_ms"`
	AccuracyMs  float64        `json:"accuracy_ms"`
	SampleCount int            `json:"sample_count"`
	RTTMedianMs float64        `json:"rtt_median_ms"`
}

// Infinite reports whether the accuracy is still unbounded.
func (s ClockSyncStatus) Infinite() bool { return math.IsInf(s.AccuracyMs, 1) }

// SyncInfo is the post-hoc start accuracy record uploaded with a recording
// for later forensic analysis of cross-device skew. A fallback start (no
// directive ever arrived) carries ScheduledStartTime == 0.
type SyncInfo struct {
	ScheduledStartTime    float64 `json:"scheduled_start_time"`
	ActualStartTime       float64 `json:"actual_start_time"`
	ClockOffsetMs         float64 `json:"clock_offset_ms"`
	ClockOffsetAccuracyMs float64 `json:"clock_offset_accuracy_ms"`
	SyncSampleCount       int     `json:"sync_sample_count"`
}

// Room is the API view of a recording room (not the GORM entity).
type Room struct {
	ID           string     `json:"id"`
	State        RoomState  `json:"state"`
	RecordingIDs []string   `json:"recording_ids"`
	Guests       []Guest    `json:"guests"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Guest is the API view of one participant. RecordingID is empty until the
// guest links a local recording; callers must treat empty as "not yet
// linked", never as a valid ID.
type Guest struct {
	GuestID        string           `json:"guest_id"`
	Name           string           `json:"name,omitempty"`
	RecordingID    string           `json:"recording_id,omitempty"`
	SyncState      GuestSyncState   `json:"sync_state"`
	UploadedChunks int              `json:"uploaded_chunks"`
	TotalChunks    int              `json:"total_chunks"`
	Connected      bool             `json:"connected"`
	ClockSync      *ClockSyncStatus `json:"clock_sync,omitempty"`
}

// Recording returns the linked recording ID with an explicit guard.
func (g Guest) Recording() (string, bool) {
	return g.RecordingID, g.RecordingID != ""
}

// CreateRoomRequest is the request body for POST /rooms.
type CreateRoomRequest struct {
	Name string `json:"name,omitempty"`
}

// CreateRoomResponse is the response for POST /rooms.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
	WSURL  string `json:"ws_url"`
	State  string `json:"state"`
}

// StartRoomRequest optionally overrides the scheduling lead time.
type StartRoomRequest struct {
	LeadMs int `json:"lead_ms,omitempty"`
}

// StartRoomResponse echoes the directive the coordinator broadcast.
type StartRoomResponse struct {
	RoomID            string  `json:"room_id"`
	State             string  `json:"state"`
	StartAtServerTime float64 `json:"start_at_server_time"`
}

// RoomSnapshotResponse is the response for GET /rooms/:id.
type RoomSnapshotResponse struct {
	Room Room `json:"room"`
}

// PresignedChunk is one signed upload slot issued by the coordinator.
type PresignedChunk struct {
	Seq       int    `json:"seq"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// PresignResponse is the response for GET /recordings/:id/presign.
type PresignResponse struct {
	RecordingID string           `json:"recording_id"`
	Chunks      []PresignedChunk `json:"chunks"`
}

// MetadataRequest is the request body for POST /recordings/:id/metadata.
type MetadataRequest struct {
	SyncInfo SyncInfo `json:"sync_info"`
}
