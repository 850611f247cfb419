package model

import "time"

// RecordingRoom is the coordinator-side room entity. IDs are generated in
// the service layer, not by the database, so the schema stays portable
// between the Postgres deployment and SQLite-backed tests.
type RecordingRoom struct {
	ID         string     `gorm:"primaryKey;size:36"`
	Name       string     `gorm:"size:120"`
	State      string     `gorm:"size:20;not null;default:idle"` // idle, recording, finalizing, finished
	StartedAt  *time.Time `gorm:"column:started_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
	FinishedAt *time.Time `gorm:"column:finished_at"`

	Recordings []Recording `gorm:"foreignKey:RoomID"`
}

// TableName satisfies gorm's naming override.
func (RecordingRoom) TableName() string { return "recording_rooms" }

// Recording is one guest's participation in a room. The row is created on
// join with an empty RecordingID; the guest links its locally-generated
// recording ID on the join itself or in a later guest_sync. SyncInfoJSON
// holds the serialized SyncInfo posted after the guest finishes uploading.
type Recording struct {
	ID             string    `gorm:"primaryKey;size:36"`
	RoomID         string    `gorm:"size:36;not null;uniqueIndex:idx_recordings_room_guest"`
	GuestID        string    `gorm:"size:64;not null;uniqueIndex:idx_recordings_room_guest"`
	RecordingID    string    `gorm:"size:64;index"`
	GuestName      string    `gorm:"size:120"`
	SyncState      string    `gorm:"size:20;not null;default:idle"`
	Connected      bool      `gorm:"not null;default:false"`
	UploadedChunks int       `gorm:"not null;default:0"`
	TotalChunks    int       `gorm:"not null;default:0"`
	ReceivedChunks int       `gorm:"not null;default:0"`
	SyncInfoJSON   []byte    `gorm:"column:sync_info"`
	JoinedAt       time.Time `gorm:"column:joined_at;not null"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName satisfies gorm's naming override.
func (Recording) TableName() string { return "recordings" }
