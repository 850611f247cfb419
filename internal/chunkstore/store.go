// Package chunkstore is the guest's durable, local-first recording store.
//
// Every captured chunk lands in a local SQLite database before any network
// attempt, so a crash, a dead link or a killed process never loses media.
// Upload state lives in the same rows: a chunk is pending until its upload
// is confirmed, and a restarted process discovers unfinished recordings by
// scanning for rows that never flipped.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
)

// Recording is one locally captured recording and its sync bookkeeping.
// SyncInfoJSON is written when capture starts so an interrupted upload can
// still post accurate start metadata after a restart.
type Recording struct {
	ID           string `gorm:"primaryKey;size:64"`
	RoomID       string `gorm:"size:64;index"`
	GuestID      string `gorm:"size:64"`
	TotalChunks  int
	Sealed       bool
	Synced       bool
	SyncInfoJSON []byte `gorm:"column:sync_info"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName satisfies gorm's naming override.
func (Recording) TableName() string { return "local_recordings" }

// Chunk is one captured media segment, keyed by (recording, seq).
type Chunk struct {
	RecordingID string `gorm:"primaryKey;size:64"`
	Seq         int    `gorm:"primaryKey;autoIncrement:false"`
	Data        []byte `gorm:"not null"`
	Size        int
	SHA256      string `gorm:"size:64"`
	Uploaded    bool   `gorm:"index"`
	CreatedAt   time.Time
}

// TableName satisfies gorm's naming override.
func (Chunk) TableName() string { return "local_chunks" }

// ChunkMeta identifies a stored chunk without loading its bytes. It is the
// reference SaveChunk hands back and the unit the upload pipeline queues.
type ChunkMeta struct {
	Seq    int
	Size   int
	SHA256 string
}

// Store wraps the SQLite database. Safe for concurrent use; SQLite
// serializes writers underneath.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the store at path and migrates its schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("chunkstore: create dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Recording{}, &Chunk{}); err != nil {
		return nil, fmt.Errorf("chunkstore: migrate: %w", err)
	}
	log.Info("chunkstore: opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRecording registers a recording. Calling it again for the same ID
// is a no-op so a resumed process can re-run its startup path.
func (s *Store) CreateRecording(recordingID, roomID, guestID string) error {
	rec := Recording{ID: recordingID, RoomID: roomID, GuestID: guestID}
	if err := s.db.Where(Recording{ID: recordingID}).FirstOrCreate(&rec).Error; err != nil {
		return fmt.Errorf("chunkstore: create recording: %w", err)
	}
	return nil
}

// SaveChunk persists one captured chunk and returns its stored reference.
// Sequence numbers are write-once: a duplicate seq returns
// errs.ErrChunkExists, and sealed recordings refuse new chunks.
func (s *Store) SaveChunk(recordingID string, seq int, data []byte) (ChunkMeta, error) {
	sum := sha256.Sum256(data)
	chunk := Chunk{
		RecordingID: recordingID,
		Seq:         seq,
		Data:        data,
		Size:        len(data),
		SHA256:      hex.EncodeToString(sum[:]),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec Recording
		if err := tx.First(&rec, "id = ?", recordingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrRecordingNotFound
			}
			return fmt.Errorf("chunkstore: load recording: %w", err)
		}
		if rec.Sealed {
			return errs.ErrRecordingSealed
		}
		var count int64
		if err := tx.Model(&Chunk{}).
			Where("recording_id = ? AND seq = ?", recordingID, seq).
			Count(&count).Error; err != nil {
			return fmt.Errorf("chunkstore: check chunk: %w", err)
		}
		if count > 0 {
			return errs.ErrChunkExists
		}
		if err := tx.Create(&chunk).Error; err != nil {
			return fmt.Errorf("chunkstore: save chunk: %w", err)
		}
		return nil
	})
	if err != nil {
		return ChunkMeta{}, err
	}
	return ChunkMeta{Seq: chunk.Seq, Size: chunk.Size, SHA256: chunk.SHA256}, nil
}

// ChunkData loads one chunk's bytes and stored digest.
func (s *Store) ChunkData(recordingID string, seq int) ([]byte, string, error) {
	var chunk Chunk
	err := s.db.First(&chunk, "recording_id = ? AND seq = ?", recordingID, seq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", errs.ErrChunkNotFound
		}
		return nil, "", fmt.Errorf("chunkstore: load chunk: %w", err)
	}
	return chunk.Data, chunk.SHA256, nil
}

// Pending lists the not-yet-uploaded chunks of a recording in sequence
// order.
func (s *Store) Pending(recordingID string) ([]ChunkMeta, error) {
	var chunks []Chunk
	err := s.db.
		Select("seq", "size", "sha256").
		Where("recording_id = ? AND uploaded = ?", recordingID, false).
		Order("seq asc").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list pending: %w", err)
	}
	out := make([]ChunkMeta, len(chunks))
	for i, c := range chunks {
		out[i] = ChunkMeta{Seq: c.Seq, Size: c.Size, SHA256: c.SHA256}
	}
	return out, nil
}

// MarkUploaded flips a chunk to uploaded. The flip happens at most once:
// the first call returns true, every later call false, so a retried upload
// can never double-count progress.
func (s *Store) MarkUploaded(recordingID string, seq int) (bool, error) {
	res := s.db.Model(&Chunk{}).
		Where("recording_id = ? AND seq = ? AND uploaded = ?", recordingID, seq, false).
		Update("uploaded", true)
	if res.Error != nil {
		return false, fmt.Errorf("chunkstore: mark uploaded: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Seal freezes a recording at its final chunk count. SaveChunk rejects the
// recording afterwards.
func (s *Store) Seal(recordingID string, totalChunks int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec Recording
		if err := tx.First(&rec, "id = ?", recordingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrRecordingNotFound
			}
			return fmt.Errorf("chunkstore: load recording: %w", err)
		}
		var count int64
		if err := tx.Model(&Chunk{}).
			Where("recording_id = ?", recordingID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("chunkstore: count chunks: %w", err)
		}
		if int(count) != totalChunks {
			s.log.Warn("chunkstore: seal count mismatch",
				zap.String("recording_id", recordingID),
				zap.Int("declared", totalChunks),
				zap.Int64("stored", count))
		}
		err := tx.Model(&Recording{}).
			Where("id = ?", recordingID).
			Updates(map[string]any{"sealed": true, "total_chunks": totalChunks}).Error
		if err != nil {
			return fmt.Errorf("chunkstore: seal: %w", err)
		}
		return nil
	})
}

// Progress reports uploaded and total chunk counts. Before sealing, total
// is the number of chunks captured so far.
func (s *Store) Progress(recordingID string) (uploaded, total int, err error) {
	var rec Recording
	if err := s.db.First(&rec, "id = ?", recordingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, errs.ErrRecordingNotFound
		}
		return 0, 0, fmt.Errorf("chunkstore: load recording: %w", err)
	}

	var uploadedCount int64
	if err := s.db.Model(&Chunk{}).
		Where("recording_id = ? AND uploaded = ?", recordingID, true).
		Count(&uploadedCount).Error; err != nil {
		return 0, 0, fmt.Errorf("chunkstore: count uploaded: %w", err)
	}
	if rec.Sealed {
		return int(uploadedCount), rec.TotalChunks, nil
	}
	var totalCount int64
	if err := s.db.Model(&Chunk{}).
		Where("recording_id = ?", recordingID).
		Count(&totalCount).Error; err != nil {
		return 0, 0, fmt.Errorf("chunkstore: count chunks: %w", err)
	}
	return int(uploadedCount), int(totalCount), nil
}

// Get returns the recording row.
func (s *Store) Get(recordingID string) (Recording, error) {
	var rec Recording
	if err := s.db.First(&rec, "id = ?", recordingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Recording{}, errs.ErrRecordingNotFound
		}
		return Recording{}, fmt.Errorf("chunkstore: load recording: %w", err)
	}
	return rec, nil
}

// SaveSyncInfo stores the recording's serialized start metadata.
func (s *Store) SaveSyncInfo(recordingID string, raw []byte) error {
	res := s.db.Model(&Recording{}).
		Where("id = ?", recordingID).
		Update("sync_info", raw)
	if res.Error != nil {
		return fmt.Errorf("chunkstore: save sync info: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrRecordingNotFound
	}
	return nil
}

// SyncInfo returns the recording's serialized start metadata, nil when none
// was ever stored.
func (s *Store) SyncInfo(recordingID string) ([]byte, error) {
	rec, err := s.Get(recordingID)
	if err != nil {
		return nil, err
	}
	return rec.SyncInfoJSON, nil
}

// MarkSynced records that every chunk and the metadata made it to the
// coordinator. Synced recordings drop out of PendingRecordings.
func (s *Store) MarkSynced(recordingID string) error {
	res := s.db.Model(&Recording{}).
		Where("id = ?", recordingID).
		Update("synced", true)
	if res.Error != nil {
		return fmt.Errorf("chunkstore: mark synced: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrRecordingNotFound
	}
	return nil
}

// PendingRecordings lists recordings that have not finished syncing,
// oldest first. This is the crash-recovery entry point: a restarted guest
// resumes every recording returned here.
func (s *Store) PendingRecordings() ([]Recording, error) {
	var recs []Recording
	err := s.db.
		Where("synced = ?", false).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list pending recordings: %w", err)
	}
	return recs, nil
}
