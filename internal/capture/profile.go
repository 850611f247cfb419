package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes how the synthetic source paces and sizes its chunks.
type Profile struct {
	// ChunkIntervalMs is the production cadence.
	ChunkIntervalMs int `yaml:"chunk_interval_ms"`
	// ChunkSizeBytes is the payload size per chunk.
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`
	// MaxChunks stops production after this many chunks; 0 means run until
	// stopped.
	MaxChunks int `yaml:"max_chunks"`
}

// DefaultProfile is one chunk per second, 64KiB each, until stopped.
func DefaultProfile() Profile {
	return Profile{
		ChunkIntervalMs: 1000,
		ChunkSizeBytes:  64 * 1024,
	}
}

// Interval returns the cadence as a duration.
func (p Profile) Interval() time.Duration {
	return time.Duration(p.ChunkIntervalMs) * time.Millisecond
}

// Validate rejects unusable profiles.
func (p Profile) Validate() error {
	if p.ChunkIntervalMs <= 0 {
		return fmt.Errorf("capture: chunk_interval_ms must be positive, got %d", p.ChunkIntervalMs)
	}
	if p.ChunkSizeBytes <= 0 {
		return fmt.Errorf("capture: chunk_size_bytes must be positive, got %d", p.ChunkSizeBytes)
	}
	if p.MaxChunks < 0 {
		return fmt.Errorf("capture: max_chunks must not be negative, got %d", p.MaxChunks)
	}
	return nil
}

// LoadProfile reads a YAML profile. Fields absent from the file keep their
// defaults.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("capture: read profile: %w", err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("capture: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
