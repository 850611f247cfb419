// Package guest runs one complete recording participant.
//
// The agent owns the whole guest-side flow: it dials the room's signaling
// channel, estimates the clock offset against the coordinator, arms the
// scheduled start, captures chunks into the local store, drains them
// through the upload pipeline when the room finalizes, and reports its
// progress back over the same channel. Every piece is resumable: the
// signaling session reconnects with backoff, and chunks that never made it
// out survive in the local store for a later Resume.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/capture"
	"github.com/henteko/maycast-recorder-sub000/internal/chunkstore"
	"github.com/henteko/maycast-recorder-sub000/internal/clocksync"
	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
	"github.com/henteko/maycast-recorder-sub000/internal/signaling"
	"github.com/henteko/maycast-recorder-sub000/internal/startsync"
	"github.com/henteko/maycast-recorder-sub000/internal/state"
	"github.com/henteko/maycast-recorder-sub000/internal/trigger"
	"github.com/henteko/maycast-recorder-sub000/internal/upload"
	"github.com/henteko/maycast-recorder-sub000/pkg/constants"
)

const (
	// syncMinInterval rate-limits guest_sync emissions; terminal states
	// bypass it.
	syncMinInterval = 500 * time.Millisecond

	defaultSnapshotPoll = 10 * time.Second
	storeFileName       = "maycast.db"
)

// Config tunes an agent. Zero values fall back to defaults.
type Config struct {
	CoordinatorURL string
	RoomID         string
	GuestID        string // generated when empty
	Name           string
	DataDir        string
	Profile        capture.Profile
	ProbeCount     int
	ProbeInterval  time.Duration
	FallbackDelay  time.Duration
	SnapshotPoll   time.Duration
	Upload         upload.Config
	Presigned      bool
}

func (c Config) withDefaults() Config {
	if c.CoordinatorURL == "" {
		c.CoordinatorURL = "http://localhost:8090"
	}
	if c.DataDir == "" {
		c.DataDir = "./data/guest"
	}
	if c.SnapshotPoll <= 0 {
		c.SnapshotPoll = defaultSnapshotPoll
	}
	if c.Profile.ChunkIntervalMs == 0 && c.Profile.ChunkSizeBytes == 0 {
		c.Profile = capture.DefaultProfile()
	}
	return c
}

func (c Config) storePath() string {
	return filepath.Join(c.DataDir, storeFileName)
}

// Agent wires the guest-side packages into one participant.
type Agent struct {
	cfg         Config
	log         *zap.Logger
	recordingID string

	est        *clocksync.Estimator
	sched      *trigger.Scheduler
	startCoord *startsync.Coordinator
	tracker    *state.Tracker
	source     capture.Source
	store      *chunkstore.Store
	remote     upload.Remote
	pipeline   *upload.Pipeline
	http       *http.Client

	runCtx    context.Context
	cancelRun context.CancelFunc

	captured    atomic.Int64
	captureDone chan struct{}

	mu         sync.Mutex
	conn       *signaling.Conn
	lastSyncAt time.Time
}

// New builds an agent. RoomID is required; a missing guest ID is generated,
// and the recording ID is always generated locally so capture never waits
// on the network. source may be nil to use the synthetic source.
func New(cfg Config, source capture.Source, log *zap.Logger) (*Agent, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("guest: room ID is required")
	}
	cfg = cfg.withDefaults()
	if cfg.GuestID == "" {
		cfg.GuestID = uuid.New().String()
	}
	if log == nil {
		log = zap.NewNop()
	}

	a := &Agent{
		cfg:         cfg,
		log:         log,
		recordingID: uuid.New().String(),
		est:         clocksync.NewEstimator(log),
		sched:       trigger.NewScheduler(log),
		tracker:     state.NewTracker(log),
		http:        &http.Client{Timeout: 10 * time.Second},
		captureDone: make(chan struct{}),
	}
	if source == nil {
		source = capture.NewSyntheticSource(cfg.Profile, a.recordingID[:8], log)
	}
	a.source = source
	a.startCoord = startsync.New(a.sched, a.est.Status, a.onRecordingStart, cfg.FallbackDelay, log)
	if cfg.Presigned {
		a.remote = upload.NewPresignedRemote(cfg.CoordinatorURL, log)
	} else {
		a.remote = upload.NewHTTPRemote(cfg.CoordinatorURL, log)
	}
	return a, nil
}

// RecordingID returns the locally generated recording identity announced to
// the coordinator on join.
func (a *Agent) RecordingID() string { return a.recordingID }

// GuestID returns the agent's guest identity.
func (a *Agent) GuestID() string { return a.cfg.GuestID }

// ClockStatus returns the current clock offset estimate for display.
func (a *Agent) ClockStatus() model.ClockSyncStatus { return a.est.Status() }

// Countdown returns the time until the armed start directive fires, for
// display. The bool is false when no directive is armed.
func (a *Agent) Countdown() (time.Duration, bool) { return a.startCoord.Countdown() }

// Room returns the converged room state.
func (a *Agent) Room() model.RoomState { return a.tracker.Room() }

// Guests returns the converged participant views.
func (a *Agent) Guests() []model.Guest { return a.tracker.Guests() }

// Run joins the room and participates until the room finishes or ctx is
// cancelled. A failed local store open is fatal before anything else
// happens; a dead signaling session is redialed with backoff.
func (a *Agent) Run(ctx context.Context) error {
	store, err := chunkstore.Open(a.cfg.storePath(), a.log)
	if err != nil {
		return fmt.Errorf("guest: open local store: %w", err)
	}
	a.store = store
	defer store.Close()

	if pending, err := store.PendingRecordings(); err == nil && len(pending) > 0 {
		a.log.Info("guest: interrupted recordings found, run resume to upload them",
			zap.Int("count", len(pending)))
	}
	if err := store.CreateRecording(a.recordingID, a.cfg.RoomID, a.cfg.GuestID); err != nil {
		return fmt.Errorf("guest: register recording: %w", err)
	}
	a.pipeline = upload.NewPipeline(store, a.remote, a.cfg.Upload, a.onUploadProgress, a.log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = runCtx
	a.cancelRun = cancel

	// The store must outlive the capture loop.
	defer func() {
		if a.startCoord.Started() {
			<-a.captureDone
		}
	}()

	changes, unsubscribe := a.tracker.Subscribe(32)
	defer unsubscribe()

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		a.handleRoomPhases(runCtx, changes)
	}()
	go func() {
		defer bg.Done()
		a.pollSnapshots(runCtx)
	}()
	defer bg.Wait()
	defer cancel()

	attempt := 0
	for {
		began := time.Now()
		err := a.session(runCtx)
		if runCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil // room completed, internal shutdown
		}
		if a.tracker.Room() == model.RoomStateFinished {
			return nil
		}
		if time.Since(began) > time.Minute {
			attempt = 0
		}
		attempt++
		delay := reconnectDelay(attempt)
		a.log.Warn("guest: signaling session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one dialed signaling connection: join first, then a probe
// round, then the event loop until the connection dies.
func (a *Agent) session(ctx context.Context) error {
	wsURL, err := signalingURL(a.cfg.CoordinatorURL, a.cfg.RoomID, a.cfg.GuestID)
	if err != nil {
		return err
	}
	conn, err := signaling.Dial(ctx, wsURL, a.log)
	if err != nil {
		return err
	}
	defer conn.Close()

	roomCh, unsubRoom := conn.Subscribe(protocol.KindRoomState, 16)
	defer unsubRoom()
	startCh, unsubStart := conn.Subscribe(protocol.KindScheduledStart, 4)
	defer unsubStart()
	replyCh, unsubReply := conn.Subscribe(protocol.KindClockProbeReply, 32)
	defer unsubReply()
	joinCh, unsubJoin := conn.Subscribe(protocol.KindGuestJoin, 16)
	defer unsubJoin()
	leaveCh, unsubLeave := conn.Subscribe(protocol.KindGuestLeave, 16)
	defer unsubLeave()
	syncCh, unsubSync := conn.Subscribe(protocol.KindGuestSync, 32)
	defer unsubSync()

	// The coordinator requires guest_join as the first frame.
	err = conn.Send(protocol.KindGuestJoin, a.cfg.RoomID, protocol.GuestJoinPayload{
		GuestID:     a.cfg.GuestID,
		RecordingID: a.recordingID,
		Name:        a.cfg.Name,
	})
	if err != nil {
		return err
	}

	runner := clocksync.NewRunner(a.est,
		func(ctx context.Context, p protocol.ClockProbePayload) error {
			return conn.Send(protocol.KindClockProbe, a.cfg.RoomID, p)
		},
		a.cfg.ProbeCount, a.cfg.ProbeInterval, a.log)
	// Re-run the probe round on every dial; earlier samples stay valid and
	// the new ones sharpen the estimate.
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("guest: probe round ended early", zap.Error(err))
		}
	}()

	a.setConn(conn)
	defer a.setConn(nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return conn.Err()
		case env, ok := <-roomCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.RoomStatePayload
			if err := env.Payload(&p); err != nil {
				a.log.Warn("guest: bad room_state payload", zap.Error(err))
				continue
			}
			a.tracker.ApplyRoomState(model.RoomState(p.State))
		case env, ok := <-startCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.ScheduledStartPayload
			if err := env.Payload(&p); err != nil {
				a.log.Warn("guest: bad scheduled_start payload", zap.Error(err))
				continue
			}
			a.startCoord.HandleDirective(p)
		case env, ok := <-replyCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.ClockProbeReplyPayload
			if err := env.Payload(&p); err != nil {
				a.log.Warn("guest: bad clock_probe_reply payload", zap.Error(err))
				continue
			}
			runner.HandleReply(p)
		case env, ok := <-joinCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.GuestJoinPayload
			if err := env.Payload(&p); err != nil {
				continue
			}
			a.tracker.ApplyGuestJoin(p)
		case env, ok := <-leaveCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.GuestLeavePayload
			if err := env.Payload(&p); err != nil {
				continue
			}
			a.tracker.ApplyGuestLeave(p.GuestID)
		case env, ok := <-syncCh:
			if !ok {
				return conn.Err()
			}
			var p protocol.GuestSyncPayload
			if err := env.Payload(&p); err != nil {
				continue
			}
			a.tracker.ApplyGuestSync(p)
		}
	}
}

// handleRoomPhases reacts to converged room transitions. The ticker
// re-checks the tracker so a dropped change can delay a phase, never lose
// it.
func (a *Agent) handleRoomPhases(ctx context.Context, changes <-chan state.Change) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	finalized := false
	for {
		var room model.RoomState
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind != state.ChangeRoom {
				continue
			}
			room = c.Room
		case <-ticker.C:
			room = a.tracker.Room()
		}

		switch room {
		case model.RoomStateRecording:
			// No-op when a directive is already armed or capture started.
			a.startCoord.ArmFallback()
		case model.RoomStateFinalizing:
			if !finalized {
				finalized = true
				a.finalize(ctx)
			}
		case model.RoomStateFinished:
			a.source.Stop()
			a.cancelRun()
			return
		}
	}
}

// onRecordingStart is the startsync fire callback: persist the start
// metadata, announce the state, begin capturing.
func (a *Agent) onRecordingStart(info model.SyncInfo) {
	if raw, err := json.Marshal(info); err == nil {
		if err := a.store.SaveSyncInfo(a.recordingID, raw); err != nil {
			a.log.Warn("guest: persist sync info", zap.Error(err))
		}
	}
	a.emitSync(model.GuestSyncRecording, 0, 0, true)
	go a.captureLoop(a.runCtx, info)
}

func (a *Agent) captureLoop(ctx context.Context, info model.SyncInfo) {
	defer close(a.captureDone)

	chunks, err := a.source.Start(ctx)
	if err != nil {
		a.log.Error("guest: capture start failed", zap.Error(err))
		a.emitSync(model.GuestSyncError, 0, 0, true)
		return
	}

	// Early metadata post so the coordinator holds the start-accuracy
	// record even if this process dies mid-recording. Finalize posts the
	// same record again.
	postCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.remote.PostMetadata(postCtx, a.recordingID, model.MetadataRequest{SyncInfo: info}); err != nil {
		a.log.Warn("guest: early metadata post failed", zap.Error(err))
	}
	cancel()

	for chunk := range chunks {
		meta, err := a.store.SaveChunk(a.recordingID, chunk.Seq, chunk.Data)
		if err != nil {
			if errors.Is(err, errs.ErrChunkExists) {
				continue
			}
			a.log.Error("guest: chunk persist failed",
				zap.Int("seq", chunk.Seq),
				zap.Error(err))
			a.emitSync(model.GuestSyncError, 0, int(a.captured.Load()), true)
			return
		}
		a.log.Debug("guest: chunk stored",
			zap.Int("seq", meta.Seq),
			zap.Int("bytes", meta.Size))
		count := int(a.captured.Add(1))
		a.emitSync(model.GuestSyncRecording, 0, count, false)
	}
}

// finalize stops capture, seals the recording, then drains and syncs it.
// Failed syncs retry with backoff until the upload lands, ctx dies, or the
// room is force-finished out from under us.
func (a *Agent) finalize(ctx context.Context) {
	a.startCoord.Cancel()
	a.source.Stop()
	if a.startCoord.Started() {
		select {
		case <-a.captureDone:
		case <-ctx.Done():
			return
		}
	}

	total := int(a.captured.Load())
	if err := a.store.Seal(a.recordingID, total); err != nil && !errors.Is(err, errs.ErrRecordingSealed) {
		a.log.Error("guest: seal failed", zap.Error(err))
	}
	info, _ := a.startCoord.Info()

	for attempt := 1; ; attempt++ {
		err := a.pipeline.Sync(ctx, a.recordingID, info)
		if err == nil {
			a.log.Info("guest: recording synced",
				zap.String("recording_id", a.recordingID),
				zap.Int("chunks", total))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if a.tracker.Room() == model.RoomStateFinished {
			a.log.Warn("guest: room finished before sync completed, chunks kept locally",
				zap.String("recording_id", a.recordingID))
			return
		}
		delay := reconnectDelay(attempt)
		a.log.Warn("guest: sync failed, will retry",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (a *Agent) onUploadProgress(p upload.Progress) {
	force := p.State == model.GuestSyncSynced || p.State == model.GuestSyncError
	a.emitSync(p.State, p.Uploaded, p.Total, force)
}

// emitSync reports progress over the signaling channel and folds the same
// report into the local tracker. Emissions are rate-limited except for
// terminal states, which always go out.
func (a *Agent) emitSync(st model.GuestSyncState, uploaded, total int, force bool) {
	a.mu.Lock()
	now := time.Now()
	if !force && now.Sub(a.lastSyncAt) < syncMinInterval {
		a.mu.Unlock()
		return
	}
	a.lastSyncAt = now
	conn := a.conn
	a.mu.Unlock()

	p := protocol.GuestSyncPayload{
		GuestID:        a.cfg.GuestID,
		RecordingID:    a.recordingID,
		SyncState:      string(st),
		UploadedChunks: uploaded,
		TotalChunks:    total,
	}
	a.tracker.ApplyGuestSync(p)
	if conn == nil {
		return
	}
	if err := conn.Send(protocol.KindGuestSync, a.cfg.RoomID, p); err != nil {
		a.log.Debug("guest: sync emission failed", zap.Error(err))
	}
}

// pollSnapshots feeds the coordinator's room snapshot into the same reducer
// the push stream uses, reconverging anything a dropped frame lost.
func (a *Agent) pollSnapshots(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SnapshotPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		room, err := a.fetchRoom(ctx)
		if err != nil {
			a.log.Debug("guest: snapshot poll failed", zap.Error(err))
			continue
		}
		a.tracker.ApplySnapshot(room)
	}
}

func (a *Agent) fetchRoom(ctx context.Context) (model.Room, error) {
	url := fmt.Sprintf("%s%s/rooms/%s",
		strings.TrimRight(a.cfg.CoordinatorURL, "/"), constants.PathAPIPrefix, a.cfg.RoomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Room{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return model.Room{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Room{}, fmt.Errorf("guest: snapshot: unexpected status %s", resp.Status)
	}
	var snapshot model.RoomSnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return model.Room{}, fmt.Errorf("guest: decode snapshot: %w", err)
	}
	return snapshot.Room, nil
}

func (a *Agent) setConn(c *signaling.Conn) {
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
}

// Resume drains every interrupted recording left in the local store. It is
// the crash-recovery counterpart to Run: no signaling, no capture, just
// seal-if-needed, upload, and metadata.
func Resume(ctx context.Context, cfg Config, log *zap.Logger) error {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	store, err := chunkstore.Open(cfg.storePath(), log)
	if err != nil {
		return fmt.Errorf("guest: open local store: %w", err)
	}
	defer store.Close()

	pending, err := store.PendingRecordings()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Info("guest: nothing to resume")
		return nil
	}

	var remote upload.Remote
	if cfg.Presigned {
		remote = upload.NewPresignedRemote(cfg.CoordinatorURL, log)
	} else {
		remote = upload.NewHTTPRemote(cfg.CoordinatorURL, log)
	}
	pipe := upload.NewPipeline(store, remote, cfg.Upload, nil, log)

	var firstErr error
	for _, rec := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info("guest: resuming recording",
			zap.String("recording_id", rec.ID),
			zap.String("room_id", rec.RoomID))
		if !rec.Sealed {
			// Crashed mid-capture: freeze at whatever was stored.
			_, total, err := store.Progress(rec.ID)
			if err == nil {
				err = store.Seal(rec.ID, total)
			}
			if err != nil {
				log.Warn("guest: resume seal failed",
					zap.String("recording_id", rec.ID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		var info model.SyncInfo
		if raw, err := store.SyncInfo(rec.ID); err == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &info); err != nil {
				log.Warn("guest: stored sync info unreadable",
					zap.String("recording_id", rec.ID),
					zap.Error(err))
			}
		}
		if err := pipe.Sync(ctx, rec.ID, info); err != nil {
			log.Warn("guest: resume failed",
				zap.String("recording_id", rec.ID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// signalingURL derives the room's WebSocket endpoint from the coordinator's
// HTTP base URL.
func signalingURL(base, roomID, guestID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("guest: parse coordinator url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("guest: unsupported coordinator scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/ws/rooms/%s/guests/%s", roomID, guestID)
	return u.String(), nil
}

func reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
