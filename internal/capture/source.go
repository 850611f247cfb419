// Package capture produces the media chunks a recording persists.
//
// Real capture hardware sits behind the Source interface; the synthetic
// source stands in for it, producing deterministic chunks on a fixed
// cadence so the rest of the pipeline can run anywhere.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Chunk is one captured media segment. Seq starts at 0 and increments
// without gaps; seq 0 carries the stream's initialization data.
type Chunk struct {
	Seq  int
	Data []byte
}

// Source produces a chunk stream. Start may be called once; the returned
// channel closes when production ends for any reason.
type Source interface {
	Start(ctx context.Context) (<-chan Chunk, error)
	Stop()
}

// SyntheticSource emits deterministic chunks per its profile. Two sources
// built with the same profile and seed produce byte-identical streams.
type SyntheticSource struct {
	profile Profile
	seed    string
	log     *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewSyntheticSource creates a source. seed distinguishes concurrent
// recordings' payloads.
func NewSyntheticSource(profile Profile, seed string, log *zap.Logger) *SyntheticSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyntheticSource{
		profile: profile,
		seed:    seed,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start begins producing chunks on the profile's cadence.
func (s *SyntheticSource) Start(ctx context.Context) (<-chan Chunk, error) {
	if err := s.profile.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("capture: source already started")
	}
	s.started = true
	s.mu.Unlock()

	out := make(chan Chunk, 4)
	go s.produce(ctx, out)
	s.log.Info("capture: started",
		zap.Duration("interval", s.profile.Interval()),
		zap.Int("chunk_size", s.profile.ChunkSizeBytes))
	return out, nil
}

// Stop ends production after any in-flight chunk. Idempotent.
func (s *SyntheticSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *SyntheticSource) produce(ctx context.Context, out chan<- Chunk) {
	defer close(out)
	ticker := time.NewTicker(s.profile.Interval())
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		chunk := Chunk{Seq: seq, Data: s.render(seq)}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
		seq++
		if s.profile.MaxChunks > 0 && seq >= s.profile.MaxChunks {
			s.log.Info("capture: reached max chunks", zap.Int("chunks", seq))
			return
		}
	}
}

// render builds the deterministic payload for one sequence number: a
// header naming the seed and seq, then a repeating pattern up to size.
func (s *SyntheticSource) render(seq int) []byte {
	header := fmt.Sprintf("%s:%06d:", s.seed, seq)
	data := make([]byte, s.profile.ChunkSizeBytes)
	copy(data, header)
	for i := len(header); i < len(data); i++ {
		data[i] = byte('a' + (seq+i)%26)
	}
	return data
}
