// Package clocksync estimates the offset between the coordinator clock and
// the local clock from NTP-style probe round-trips.
//
// Each probe yields four timestamps: client send (t0), server receive (t1),
// server send (t2) and client receive (t3), all epoch milliseconds. From
// those, offset = ((t1-t0)+(t2-t3))/2 and rtt = (t3-t0)-(t2-t1). High-RTT
// samples dominate offset error under this math, so the published estimate
// is a trimmed mean over samples sorted by RTT.
package clocksync

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
)

// syncedSampleCount is the number of valid samples required before the
// estimator reports itself synced.
const syncedSampleCount = 5

// trimFraction is the share of samples dropped from each end of the
// RTT-sorted sequence when averaging offsets.
const trimFraction = 0.2

// Sample is one accepted probe round-trip. Samples live in memory only and
// are discarded wholesale on Reset.
type Sample struct {
	OffsetMs float64
	RTTMs    float64
}

// Estimator accumulates probe samples and derives the clock offset.
// All methods are safe for concurrent use; probe handlers may run while
// another goroutine reads the status.
type Estimator struct {
	mu      sync.Mutex
	samples []Sample
	syncing bool
	log     *zap.Logger
}

// NewEstimator creates an empty estimator.
func NewEstimator(log *zap.Logger) *Estimator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Estimator{log: log}
}

// RecordSample ingests one probe round-trip. Samples with a negative RTT
// mean the clock jumped mid-probe or the timestamps are inconsistent; they
// are discarded with a warning and never reach the estimate.
func (e *Estimator) RecordSample(clientSend, serverReceive, serverSend, clientReceive float64) {
	offset := ((serverReceive - clientSend) + (serverSend - clientReceive)) / 2
	rtt := (clientReceive - clientSend) - (serverSend - serverReceive)
	if rtt < 0 {
		e.log.Warn("clocksync: discarding sample with negative rtt",
			zap.Float64("rtt_ms", rtt),
			zap.Float64("offset_ms", offset))
		return
	}
	e.mu.Lock()
	e.samples = append(e.samples, Sample{OffsetMs: offset, RTTMs: rtt})
	e.mu.Unlock()
}

// BeginRound marks the estimator as actively probing so the status reads
// syncing even before the first sample lands.
func (e *Estimator) BeginRound() {
	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()
}

// Offset returns the current estimate in milliseconds (remote minus local),
// or 0 when no samples exist.
func (e *Estimator) Offset() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return trimmedMeanOffset(e.samples)
}

// SampleCount returns the number of accepted samples.
func (e *Estimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// Status recomputes the derived view over the current samples.
func (e *Estimator) Status() model.ClockSyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := model.ClockSyncStatus{
		State:       model.ClockSyncIdle,
		AccuracyMs:  math.Inf(1),
		SampleCount: len(e.samples),
	}
	switch {
	case len(e.samples) >= syncedSampleCount:
		st.State = model.ClockSyncSynced
	case len(e.samples) > 0 || e.syncing:
		st.State = model.ClockSyncSyncing
	}
	if len(e.samples) == 0 {
		return st
	}
	st.OffsetMs = trimmedMeanOffset(e.samples)
	st.RTTMedianMs = medianRTT(e.samples)
	if len(e.samples) >= 2 {
		st.AccuracyMs = offsetStdDev(e.samples)
	}
	return st
}

// Reset discards all collected samples. A later probe round starts from
// scratch; without Reset, re-run rounds accumulate onto existing history.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.samples = nil
	e.syncing = false
	e.mu.Unlock()
}

// trimmedMeanOffset sorts samples by RTT ascending, drops the outer
// trimFraction from each end (by count) and averages the remaining offsets.
// If trimming would leave nothing, it falls back to the median offset over
// all samples.
func trimmedMeanOffset(samples []Sample) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	byRTT := make([]Sample, n)
	copy(byRTT, samples)
	sort.Slice(byRTT, func(i, j int) bool { return byRTT[i].RTTMs < byRTT[j].RTTMs })

	k := int(float64(n) * trimFraction)
	trimmed := byRTT[k : n-k]
	if len(trimmed) == 0 {
		return medianOffset(samples)
	}
	var sum float64
	for _, s := range trimmed {
		sum += s.OffsetMs
	}
	return sum / float64(len(trimmed))
}

func medianOffset(samples []Sample) float64 {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.OffsetMs
	}
	return median(vals)
}

func medianRTT(samples []Sample) float64 {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.RTTMs
	}
	return median(vals)
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// offsetStdDev is the sample standard deviation of all accepted offsets.
func offsetStdDev(samples []Sample) float64 {
	n := len(samples)
	var mean float64
	for _, s := range samples {
		mean += s.OffsetMs
	}
	mean /= float64(n)

	var sumSquares float64
	for _, s := range samples {
		diff := s.OffsetMs - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(n-1))
}
