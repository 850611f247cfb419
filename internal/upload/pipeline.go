// Package upload drains locally persisted chunks to the coordinator.
//
// The pipeline is resumable by construction: it never tracks progress in
// memory across runs, it re-reads the chunk store's pending set every time
// Drain is called. A crash mid-drain loses nothing; the next Drain picks up
// the chunks whose uploaded flag never flipped.
package upload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/chunkstore"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
)

const (
	// DefaultWorkers bounds concurrent chunk uploads.
	DefaultWorkers = 6
	// DefaultAttempts bounds retries per chunk before the recording goes to
	// error state.
	DefaultAttempts = 5
	// DefaultAttemptTimeout caps one chunk upload attempt.
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultBackoffBase is multiplied by the attempt number between tries.
	DefaultBackoffBase = time.Second
)

// Remote is the coordinator-side sink for chunks and metadata.
type Remote interface {
	UploadChunk(ctx context.Context, recordingID string, seq int, data []byte, digest string) error
	PostMetadata(ctx context.Context, recordingID string, req model.MetadataRequest) error
}

// Progress is one progress emission. Uploaded and Total come from the
// store, so they survive restarts and never double-count retried chunks.
type Progress struct {
	RecordingID string
	State       model.GuestSyncState
	Uploaded    int
	Total       int
}

// ProgressFunc receives progress emissions. Called from worker goroutines;
// implementations must be safe for concurrent use.
type ProgressFunc func(Progress)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	Workers        int
	Attempts       int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	return c
}

// Pipeline uploads pending chunks through a bounded worker pool.
type Pipeline struct {
	store      *chunkstore.Store
	remote     Remote
	cfg        Config
	onProgress ProgressFunc
	log        *zap.Logger
}

// NewPipeline wires a pipeline. onProgress may be nil.
func NewPipeline(store *chunkstore.Store, remote Remote, cfg Config, onProgress ProgressFunc, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		remote:     remote,
		cfg:        cfg.withDefaults(),
		onProgress: onProgress,
		log:        log,
	}
}

// Drain uploads every pending chunk of the recording. Workers claim chunks
// through an atomic cursor over the pending snapshot, so no chunk is ever
// processed by two workers in one run. The first chunk to exhaust its
// attempts cancels the rest and surfaces the error.
func (p *Pipeline) Drain(ctx context.Context, recordingID string) error {
	pending, err := p.store.Pending(recordingID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	p.emit(recordingID, model.GuestSyncUploading)

	workers := p.cfg.Workers
	if workers > len(pending) {
		workers = len(pending)
	}
	p.log.Info("upload: draining",
		zap.String("recording_id", recordingID),
		zap.Int("pending", len(pending)),
		zap.Int("workers", workers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		cursor   atomic.Int64
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				idx := int(cursor.Add(1)) - 1
				if idx >= len(pending) {
					return
				}
				if err := p.uploadChunk(ctx, recordingID, pending[idx]); err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		p.emit(recordingID, model.GuestSyncError)
		return firstErr
	}
	return nil
}

func (p *Pipeline) uploadChunk(ctx context.Context, recordingID string, meta chunkstore.ChunkMeta) error {
	data, digest, err := p.store.ChunkData(recordingID, meta.Seq)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		err := p.remote.UploadChunk(attemptCtx, recordingID, meta.Seq, data, digest)
		cancel()
		if err == nil {
			first, markErr := p.store.MarkUploaded(recordingID, meta.Seq)
			if markErr != nil {
				return markErr
			}
			// Only the flip emits progress, so a chunk whose earlier attempt
			// actually landed server-side still counts once.
			if first {
				p.emit(recordingID, model.GuestSyncUploading)
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("upload: chunk attempt failed",
			zap.String("recording_id", recordingID),
			zap.Int("seq", meta.Seq),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < p.cfg.Attempts {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.cfg.BackoffBase); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("upload: chunk %d failed after %d attempts: %w", meta.Seq, p.cfg.Attempts, lastErr)
}

// Finalize posts the recording's sync metadata and marks it synced. It
// refuses to run while chunks are still pending.
func (p *Pipeline) Finalize(ctx context.Context, recordingID string, info model.SyncInfo) error {
	pending, err := p.store.Pending(recordingID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("upload: finalize with %d chunks pending", len(pending))
	}
	if err := p.remote.PostMetadata(ctx, recordingID, model.MetadataRequest{SyncInfo: info}); err != nil {
		p.emit(recordingID, model.GuestSyncError)
		return fmt.Errorf("upload: post metadata: %w", err)
	}
	if err := p.store.MarkSynced(recordingID); err != nil {
		return err
	}
	p.emit(recordingID, model.GuestSyncSynced)
	p.log.Info("upload: recording synced", zap.String("recording_id", recordingID))
	return nil
}

// Sync is Drain followed by Finalize.
func (p *Pipeline) Sync(ctx context.Context, recordingID string, info model.SyncInfo) error {
	if err := p.Drain(ctx, recordingID); err != nil {
		return err
	}
	return p.Finalize(ctx, recordingID, info)
}

// Complete reports whether every stored chunk has been uploaded.
func (p *Pipeline) Complete(recordingID string) (bool, error) {
	pending, err := p.store.Pending(recordingID)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

func (p *Pipeline) emit(recordingID string, state model.GuestSyncState) {
	if p.onProgress == nil {
		return
	}
	uploaded, total, err := p.store.Progress(recordingID)
	if err != nil {
		p.log.Warn("upload: progress read failed",
			zap.String("recording_id", recordingID),
			zap.Error(err))
		return
	}
	p.onProgress(Progress{
		RecordingID: recordingID,
		State:       state,
		Uploaded:    uploaded,
		Total:       total,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
