// Package storage persists uploaded chunks on the coordinator and
// assembles them into final recording artifacts.
//
// Writes are atomic: payloads land in a temp file in the target directory
// and are renamed into place, so a crashed upload never leaves a partial
// chunk that later reads as valid.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
)

const (
	chunkPattern = "%06d.chunk"
	metadataFile = "sync_info.json"
	artifactFile = "recording.webm"
)

// FileStore lays recordings out as root/<recordingID>/<seq>.chunk.
type FileStore struct {
	root string
	log  *zap.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStore{root: root, log: log}, nil
}

func (s *FileStore) recordingDir(recordingID string) string {
	return filepath.Join(s.root, recordingID)
}

func (s *FileStore) chunkPath(recordingID string, seq int) string {
	return filepath.Join(s.recordingDir(recordingID), fmt.Sprintf(chunkPattern, seq))
}

// SaveChunk verifies the digest and writes the chunk. A seq that already
// exists returns errs.ErrChunkExists; corrupted payloads return
// errs.ErrHashMismatch and write nothing.
func (s *FileStore) SaveChunk(recordingID string, seq int, data []byte, digest string) error {
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), digest) {
		return errs.ErrHashMismatch
	}

	dir := s.recordingDir(recordingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create recording dir: %w", err)
	}
	path := s.chunkPath(recordingID, seq)
	if _, err := os.Stat(path); err == nil {
		return errs.ErrChunkExists
	}
	return atomicWrite(dir, path, data)
}

// HasChunk reports whether a chunk is stored.
func (s *FileStore) HasChunk(recordingID string, seq int) bool {
	_, err := os.Stat(s.chunkPath(recordingID, seq))
	return err == nil
}

// ChunkCount counts stored chunks for a recording.
func (s *FileStore) ChunkCount(recordingID string) (int, error) {
	entries, err := os.ReadDir(s.recordingDir(recordingID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read recording dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".chunk") {
			n++
		}
	}
	return n, nil
}

// SaveMetadata writes the recording's sync metadata alongside its chunks.
func (s *FileStore) SaveMetadata(recordingID string, req model.MetadataRequest) error {
	dir := s.recordingDir(recordingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create recording dir: %w", err)
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal metadata: %w", err)
	}
	return atomicWrite(dir, filepath.Join(dir, metadataFile), data)
}

// LoadMetadata reads back a recording's sync metadata.
func (s *FileStore) LoadMetadata(recordingID string) (model.MetadataRequest, error) {
	data, err := os.ReadFile(filepath.Join(s.recordingDir(recordingID), metadataFile))
	if err != nil {
		return model.MetadataRequest{}, fmt.Errorf("storage: read metadata: %w", err)
	}
	var req model.MetadataRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return model.MetadataRequest{}, fmt.Errorf("storage: parse metadata: %w", err)
	}
	return req, nil
}

// Assemble concatenates chunks 0..total-1 in sequence order into the final
// artifact and returns its path. Chunk 0 carries the stream initialization
// data, so ordering is what makes the artifact playable. Every chunk must
// be present.
func (s *FileStore) Assemble(recordingID string, total int) (string, error) {
	dir := s.recordingDir(recordingID)
	for seq := 0; seq < total; seq++ {
		if !s.HasChunk(recordingID, seq) {
			return "", fmt.Errorf("storage: assemble %s: missing chunk %d of %d", recordingID, seq, total)
		}
	}

	tmp, err := os.CreateTemp(dir, "assemble-*.tmp")
	if err != nil {
		return "", fmt.Errorf("storage: create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for seq := 0; seq < total; seq++ {
		chunk, err := os.Open(s.chunkPath(recordingID, seq))
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("storage: open chunk %d: %w", seq, err)
		}
		_, err = io.Copy(tmp, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("storage: append chunk %d: %w", seq, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close temp artifact: %w", err)
	}

	path := filepath.Join(dir, artifactFile)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("storage: finalize artifact: %w", err)
	}
	s.log.Info("storage: artifact assembled",
		zap.String("recording_id", recordingID),
		zap.Int("chunks", total),
		zap.String("path", path))
	return path, nil
}

// ArtifactPath returns where Assemble places the final artifact.
func (s *FileStore) ArtifactPath(recordingID string) string {
	return filepath.Join(s.recordingDir(recordingID), artifactFile)
}

func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename into place: %w", err)
	}
	return nil
}
