package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "recordings"), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestSaveChunkVerifiesDigest(t *testing.T) {
	s := newTestFileStore(t)
	data := []byte("media-bytes")

	if err := s.SaveChunk("rec1", 0, data, digestOf(data)); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
	if !s.HasChunk("rec1", 0) {
		t.Error("HasChunk = false after save")
	}

	err := s.SaveChunk("rec1", 1, data, digestOf([]byte("other")))
	if !errors.Is(err, errs.ErrHashMismatch) {
		t.Fatalf("corrupt SaveChunk error = %v, want ErrHashMismatch", err)
	}
	if s.HasChunk("rec1", 1) {
		t.Error("corrupted chunk was persisted")
	}
}

func TestSaveChunkDuplicate(t *testing.T) {
	s := newTestFileStore(t)
	data := []byte("x")
	if err := s.SaveChunk("rec1", 0, data, digestOf(data)); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
	err := s.SaveChunk("rec1", 0, data, digestOf(data))
	if !errors.Is(err, errs.ErrChunkExists) {
		t.Fatalf("duplicate SaveChunk error = %v, want ErrChunkExists", err)
	}
}

func TestSaveChunkLeavesNoTempFiles(t *testing.T) {
	s := newTestFileStore(t)
	data := []byte("payload")
	if err := s.SaveChunk("rec1", 0, data, digestOf(data)); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}

	entries, err := os.ReadDir(s.recordingDir("rec1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestChunkCount(t *testing.T) {
	s := newTestFileStore(t)
	if n, err := s.ChunkCount("missing"); err != nil || n != 0 {
		t.Errorf("ChunkCount(missing) = %d, %v; want 0, nil", n, err)
	}
	for i := 0; i < 3; i++ {
		data := []byte{byte(i)}
		s.SaveChunk("rec1", i, data, digestOf(data))
	}
	if n, _ := s.ChunkCount("rec1"); n != 3 {
		t.Errorf("ChunkCount = %d, want 3", n)
	}
}

func TestAssembleOrdersBySequence(t *testing.T) {
	s := newTestFileStore(t)
	// Saved deliberately out of order; assembly must still be 0,1,2.
	parts := [][]byte{[]byte("init-segment|"), []byte("middle|"), []byte("tail")}
	for _, seq := range []int{2, 0, 1} {
		if err := s.SaveChunk("rec1", seq, parts[seq], digestOf(parts[seq])); err != nil {
			t.Fatalf("SaveChunk(%d): %v", seq, err)
		}
	}

	path, err := s.Assemble("rec1", 3)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if want := "init-segment|middle|tail"; string(got) != want {
		t.Errorf("artifact = %q, want %q", got, want)
	}
	if path != s.ArtifactPath("rec1") {
		t.Errorf("path = %q, want %q", path, s.ArtifactPath("rec1"))
	}
}

func TestAssembleMissingChunk(t *testing.T) {
	s := newTestFileStore(t)
	data := []byte("only")
	s.SaveChunk("rec1", 0, data, digestOf(data))

	_, err := s.Assemble("rec1", 2)
	if err == nil || !strings.Contains(err.Error(), "missing chunk 1") {
		t.Fatalf("Assemble = %v, want missing chunk error", err)
	}
	if _, statErr := os.Stat(s.ArtifactPath("rec1")); !os.IsNotExist(statErr) {
		t.Error("partial artifact left behind")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestFileStore(t)
	req := model.MetadataRequest{SyncInfo: model.SyncInfo{
		ScheduledStartTime:    1000,
		ActualStartTime:       1002.5,
		ClockOffsetMs:         -3.25,
		ClockOffsetAccuracyMs: 1.5,
		SyncSampleCount:       10,
	}}
	if err := s.SaveMetadata("rec1", req); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	got, err := s.LoadMetadata("rec1")
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if got != req {
		t.Errorf("metadata = %+v, want %+v", got, req)
	}
}
