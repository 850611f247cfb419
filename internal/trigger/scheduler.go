// Package trigger fires callbacks at a wall-clock instant with
// millisecond-level precision.
//
// The target instant is mapped onto the monotonic clock exactly once, at
// scheduling time: the wall delta between now and the target is added to a
// time.Now() value that carries a monotonic reading. After that single
// conversion, waiting and the final deadline check run purely on the
// monotonic clock, so a wall-clock step (NTP adjustment, manual change)
// cannot move an armed trigger.
package trigger

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

const (
	// spinWindow is how close to the deadline the waiter switches from
	// sleeping to a yield loop. Timer wakeups routinely overshoot by more
	// than a millisecond; the spin absorbs that.
	spinWindow = 2 * time.Millisecond

	// maxSleepSlice bounds a single timer sleep so oversleep error stays
	// small even for targets minutes away.
	maxSleepSlice = 100 * time.Millisecond
)

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// Trigger is one armed callback. It resolves exactly once, to either fired
// or cancelled.
type Trigger struct {
	state  atomic.Int32
	done   chan struct{}
	target time.Time
}

// Done is closed once the trigger has resolved, whichever way.
func (t *Trigger) Done() <-chan struct{} { return t.done }

// Target returns the instant the trigger was armed for.
func (t *Trigger) Target() time.Time { return t.target }

// Fired reports whether the callback ran.
func (t *Trigger) Fired() bool { return t.state.Load() == stateFired }

// Cancelled reports whether the trigger was cancelled before firing.
func (t *Trigger) Cancelled() bool { return t.state.Load() == stateCancelled }

// Cancel stops a pending trigger. It returns true if the trigger was still
// pending and is now cancelled, false if it already fired or was already
// cancelled. A false return with Fired() true means the callback ran (or is
// running); it will never run after Cancel returned true.
func (t *Trigger) Cancel() bool {
	if t.state.CompareAndSwap(statePending, stateCancelled) {
		close(t.done)
		return true
	}
	return false
}

// Scheduler arms triggers. The zero configuration is production-ready; it
// exists as a type so call sites share one logger.
type Scheduler struct {
	log *zap.Logger
	now func() time.Time
}

// NewScheduler creates a scheduler logging through log.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, now: time.Now}
}

// ScheduleAt arms fn to run at target. fn receives the actual fire time.
// Targets at or before now fire synchronously before ScheduleAt returns, so
// a late-arriving directive still starts the recording rather than being
// dropped.
func (s *Scheduler) ScheduleAt(target time.Time, fn func(firedAt time.Time)) *Trigger {
	t := &Trigger{done: make(chan struct{}), target: target}

	now := s.now()
	delay := target.Sub(now)
	if delay <= 0 {
		t.state.Store(stateFired)
		s.log.Debug("trigger: target in past, firing now",
			zap.Time("target", target),
			zap.Duration("late_by", -delay))
		fn(now)
		close(t.done)
		return t
	}

	// now carries a monotonic reading; adding the wall delta pins the
	// deadline to the monotonic timeline.
	deadline := now.Add(delay)
	s.log.Debug("trigger: armed",
		zap.Time("target", target),
		zap.Duration("lead", delay))
	go s.wait(t, deadline, fn)
	return t
}

// ScheduleAtMillis is ScheduleAt for epoch-millisecond targets as carried on
// the wire.
func (s *Scheduler) ScheduleAtMillis(targetMs float64, fn func(firedAt time.Time)) *Trigger {
	return s.ScheduleAt(protocol.MillisToTime(targetMs), fn)
}

func (s *Scheduler) wait(t *Trigger, deadline time.Time, fn func(time.Time)) {
	for {
		remain := time.Until(deadline)
		if remain <= spinWindow {
			break
		}
		sleep := remain - spinWindow
		if sleep > maxSleepSlice {
			sleep = maxSleepSlice
		}
		timer := time.NewTimer(sleep)
		select {
		case <-t.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for time.Until(deadline) > 0 {
		if t.state.Load() != statePending {
			return
		}
		runtime.Gosched()
	}

	if t.state.CompareAndSwap(statePending, stateFired) {
		fn(s.now())
		close(t.done)
	}
}
