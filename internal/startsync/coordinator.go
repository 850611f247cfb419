// Package startsync coordinates the actual start of a recording against the
// coordinator's scheduled-start directives.
//
// The happy path: a directive names a future instant on the server clock,
// the coordinator converts it to the local clock using the current offset
// estimate and arms a precise trigger. A later directive replaces an armed
// one. If the room begins recording but no directive ever lands, a fallback
// timer starts the recording anyway after a grace period. Whichever path
// wins, the start callback runs exactly once.
package startsync

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
	"github.com/henteko/maycast-recorder-sub000/internal/trigger"
)

// DefaultFallbackDelay is how long an expected start may go without a
// directive before the fallback fires.
const DefaultFallbackDelay = 5 * time.Second

// Coordinator states as reported by State.
const (
	StateIdle      = "idle"
	StateScheduled = "scheduled"
	StateStarted   = "started"
)

// StartFunc receives the start metadata when the recording begins.
// ScheduledStartTime is 0 when the fallback path started the recording.
type StartFunc func(info model.SyncInfo)

// StatusFunc supplies the current clock sync estimate.
type StatusFunc func() model.ClockSyncStatus

// Coordinator arms at most one directive trigger and at most one fallback
// trigger, and guarantees the start callback fires once.
type Coordinator struct {
	sched         *trigger.Scheduler
	status        StatusFunc
	onStart       StartFunc
	fallbackDelay time.Duration
	log           *zap.Logger

	mu        sync.Mutex
	started   bool
	cancelled bool
	directive *trigger.Trigger
	fallback  *trigger.Trigger
	localMs   float64
	info      model.SyncInfo
}

// New wires a coordinator. fallbackDelay falls back to DefaultFallbackDelay
// when non-positive.
func New(sched *trigger.Scheduler, status StatusFunc, onStart StartFunc, fallbackDelay time.Duration, log *zap.Logger) *Coordinator {
	if fallbackDelay <= 0 {
		fallbackDelay = DefaultFallbackDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		sched:         sched,
		status:        status,
		onStart:       onStart,
		fallbackDelay: fallbackDelay,
		log:           log,
	}
}

// HandleDirective arms (or re-arms) the start trigger for a directive. The
// server instant is converted to the local clock with the current offset
// estimate; directives already in the past start the recording immediately.
// Directives arriving after the recording started are ignored.
func (c *Coordinator) HandleDirective(p protocol.ScheduledStartPayload) {
	c.mu.Lock()
	if c.started || c.cancelled {
		c.mu.Unlock()
		c.log.Debug("startsync: directive after resolution, ignoring",
			zap.Float64("start_at_server_time", p.StartAtServerTime))
		return
	}
	if c.directive != nil {
		c.directive.Cancel()
		c.directive = nil
	}
	if c.fallback != nil {
		c.fallback.Cancel()
		c.fallback = nil
	}
	offset := c.status().OffsetMs
	c.mu.Unlock()

	localMs := p.StartAtServerTime - offset
	serverMs := p.StartAtServerTime
	c.log.Info("startsync: directive armed",
		zap.Float64("start_at_server_time", serverMs),
		zap.Float64("start_at_local_time", localMs),
		zap.Float64("clock_offset_ms", offset))

	tr := c.sched.ScheduleAtMillis(localMs, func(at time.Time) {
		c.fire(serverMs, at)
	})

	c.mu.Lock()
	if !c.started && !c.cancelled {
		c.directive = tr
		c.localMs = localMs
	}
	c.mu.Unlock()
}

// Countdown returns the time remaining until the armed directive fires,
// for display. The bool is false when no directive is armed; a fallback
// timer has no countdown, its instant is not meaningful to show.
func (c *Coordinator) Countdown() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.directive == nil || c.started || c.cancelled {
		return 0, false
	}
	remain := time.Until(protocol.MillisToTime(c.localMs))
	if remain < 0 {
		remain = 0
	}
	return remain, true
}

// ArmFallback starts the grace timer for an expected start. It is a no-op
// when a directive is already armed, the fallback is already running, or the
// recording already started.
func (c *Coordinator) ArmFallback() {
	c.mu.Lock()
	if c.started || c.cancelled || c.directive != nil || c.fallback != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Info("startsync: arming fallback",
		zap.Duration("delay", c.fallbackDelay))
	tr := c.sched.ScheduleAt(time.Now().Add(c.fallbackDelay), func(at time.Time) {
		c.fire(0, at)
	})

	c.mu.Lock()
	if !c.started && !c.cancelled && c.fallback == nil {
		c.fallback = tr
	} else {
		tr.Cancel()
	}
	c.mu.Unlock()
}

// fire resolves the start. The started flag, not the individual triggers,
// carries the exactly-once guarantee: two armed triggers can both reach
// here, only the first proceeds.
func (c *Coordinator) fire(scheduledServerMs float64, at time.Time) {
	c.mu.Lock()
	if c.started || c.cancelled {
		c.mu.Unlock()
		return
	}
	c.started = true
	if c.directive != nil {
		c.directive.Cancel()
		c.directive = nil
	}
	if c.fallback != nil {
		c.fallback.Cancel()
		c.fallback = nil
	}
	st := c.status()
	accuracy := st.AccuracyMs
	if math.IsInf(accuracy, 0) {
		// JSON cannot carry Inf; -1 marks unknown accuracy downstream.
		accuracy = -1
	}
	c.info = model.SyncInfo{
		ScheduledStartTime:    scheduledServerMs,
		ActualStartTime:       protocol.TimeToMillis(at),
		ClockOffsetMs:         st.OffsetMs,
		ClockOffsetAccuracyMs: accuracy,
		SyncSampleCount:       st.SampleCount,
	}
	info := c.info
	cb := c.onStart
	c.mu.Unlock()

	c.log.Info("startsync: recording start",
		zap.Float64("scheduled_start_time", info.ScheduledStartTime),
		zap.Float64("actual_start_time", info.ActualStartTime),
		zap.Bool("fallback", scheduledServerMs == 0))
	cb(info)
}

// Cancel resolves the coordinator without starting. Armed triggers are
// dropped; later directives and fallbacks are ignored.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.cancelled {
		return
	}
	c.cancelled = true
	if c.directive != nil {
		c.directive.Cancel()
		c.directive = nil
	}
	if c.fallback != nil {
		c.fallback.Cancel()
		c.fallback = nil
	}
}

// Started reports whether the start callback has run.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Info returns the start metadata. The bool is false until the recording
// has started.
func (c *Coordinator) Info() (model.SyncInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.started
}

// State reports the coordinator's position in idle -> scheduled -> started.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.started:
		return StateStarted
	case c.directive != nil || c.fallback != nil:
		return StateScheduled
	default:
		return StateIdle
	}
}
