package clocksync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

const (
	defaultProbeCount    = 10
	defaultProbeInterval = 500 * time.Millisecond
)

// SendFunc transmits one clock probe to the coordinator. The reply comes
// back asynchronously through HandleReply.
type SendFunc func(ctx context.Context, p protocol.ClockProbePayload) error

// Runner drives a probe round: it fires a fixed number of probes at a fixed
// interval and matches replies to their probes by the echoed client send
// timestamp. Replies for unknown or already-consumed probes are ignored, so
// duplicate delivery cannot double-count a sample.
type Runner struct {
	est      *Estimator
	send     SendFunc
	probes   int
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	pending map[float64]struct{}

	nowMillis func() float64
}

// NewRunner wires a probe round against est. probes and interval fall back
// to defaults when non-positive.
func NewRunner(est *Estimator, send SendFunc, probes int, interval time.Duration, log *zap.Logger) *Runner {
	if probes <= 0 {
		probes = defaultProbeCount
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		est:       est,
		send:      send,
		probes:    probes,
		interval:  interval,
		log:       log,
		pending:   make(map[float64]struct{}),
		nowMillis: protocol.NowMillis,
	}
}

// Run sends the configured number of probes, one per interval, then waits
// one further interval for stragglers before returning. Replies are recorded
// concurrently via HandleReply; Run does not require every probe to be
// answered. It returns early when ctx is cancelled or a send fails.
func (r *Runner) Run(ctx context.Context) error {
	r.est.BeginRound()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for i := 0; i < r.probes; i++ {
		if err := r.sendProbe(ctx); err != nil {
			return err
		}
		if i == r.probes-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	// Grace window for the final reply to arrive.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
	}
	return nil
}

func (r *Runner) sendProbe(ctx context.Context) error {
	t0 := r.nowMillis()
	r.mu.Lock()
	r.pending[t0] = struct{}{}
	r.mu.Unlock()

	if err := r.send(ctx, protocol.ClockProbePayload{ClientSendTime: t0}); err != nil {
		r.mu.Lock()
		delete(r.pending, t0)
		r.mu.Unlock()
		return err
	}
	return nil
}

// HandleReply ingests one probe reply. It is safe to call from the socket
// read loop while Run is still sending.
func (r *Runner) HandleReply(p protocol.ClockProbeReplyPayload) {
	t3 := r.nowMillis()

	r.mu.Lock()
	_, ok := r.pending[p.ClientSendTime]
	if ok {
		delete(r.pending, p.ClientSendTime)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("clocksync: reply for unknown probe",
			zap.Float64("client_send_time", p.ClientSendTime))
		return
	}
	r.est.RecordSample(p.ClientSendTime, p.ServerReceiveTime, p.ServerSendTime, t3)
}

// Outstanding reports how many probes are still awaiting a reply.
func (r *Runner) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
