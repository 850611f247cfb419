// Package state mirrors the room's two-level recording lifecycle on the
// guest side.
//
// Events reach the tracker from two producers at once: pushed signaling
// frames and periodic snapshot polls. Delivery is at-least-once and
// unordered across the two, so every reducer is written to converge: state
// transitions apply only when they advance a rank order, progress counters
// only ratchet upward, and replaying any event is a no-op. Applying the same
// event set in any order yields the same final view.
package state

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

var roomRank = map[model.RoomState]int{
	model.RoomStateIdle:       0,
	model.RoomStateRecording:  1,
	model.RoomStateFinalizing: 2,
	model.RoomStateFinished:   3,
}

// Error shares uploading's rank: the two are lateral moves, retry loops
// bounce between them.
var guestRank = map[model.GuestSyncState]int{
	model.GuestSyncIdle:      0,
	model.GuestSyncRecording: 1,
	model.GuestSyncUploading: 2,
	model.GuestSyncError:     2,
	model.GuestSyncSynced:    3,
}

func roomAdvances(from, to model.RoomState) bool {
	fromRank, okFrom := roomRank[from]
	toRank, okTo := roomRank[to]
	return okFrom && okTo && toRank > fromRank
}

// RoomAdvances reports whether to is a forward room transition from from.
// The coordinator validates lifecycle requests with the same rank order the
// guest-side reducer converges on.
func RoomAdvances(from, to model.RoomState) bool { return roomAdvances(from, to) }

// GuestAdvances reports whether to is an acceptable next sync state after
// from, including the uploading<->error lateral moves.
func GuestAdvances(from, to model.GuestSyncState) bool { return guestAdvances(from, to) }

func guestAdvances(from, to model.GuestSyncState) bool {
	if from == to {
		return false
	}
	if from == model.GuestSyncUploading && to == model.GuestSyncError {
		return true
	}
	if from == model.GuestSyncError && to == model.GuestSyncUploading {
		return true
	}
	fromRank, okFrom := guestRank[from]
	toRank, okTo := guestRank[to]
	return okFrom && okTo && toRank > fromRank
}

// ChangeKind labels what a Change carries.
type ChangeKind string

const (
	ChangeRoom  ChangeKind = "room"
	ChangeGuest ChangeKind = "guest"
)

// Change is one accepted mutation, delivered to subscribers.
type Change struct {
	Kind  ChangeKind
	Room  model.RoomState
	Guest model.Guest
}

// Tracker holds the converged room view. All methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	room    model.RoomState
	guests  map[string]*model.Guest
	subs    map[int]chan Change
	nextSub int
	log     *zap.Logger
}

// NewTracker creates a tracker with the room in idle.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		room:   model.RoomStateIdle,
		guests: make(map[string]*model.Guest),
		subs:   make(map[int]chan Change),
		log:    log,
	}
}

// Subscribe returns a change feed and its cleanup func. Slow consumers do
// not stall the tracker: when the buffer is full the change is dropped and
// the consumer resyncs from the next snapshot poll.
func (t *Tracker) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

func (t *Tracker) notifyLocked(c Change) {
	for id, ch := range t.subs {
		select {
		case ch <- c:
		default:
			t.log.Warn("state: subscriber buffer full, dropping change",
				zap.Int("subscriber", id),
				zap.String("kind", string(c.Kind)))
		}
	}
}

// ApplyRoomState reduces a room-state announcement. Regressions and unknown
// states are rejected, so a stale frame can never pull a finishing room back
// to recording.
func (t *Tracker) ApplyRoomState(next model.RoomState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyRoomLocked(next)
}

func (t *Tracker) applyRoomLocked(next model.RoomState) bool {
	if !roomAdvances(t.room, next) {
		if next != t.room {
			t.log.Debug("state: room transition rejected",
				zap.String("from", string(t.room)),
				zap.String("to", string(next)))
		}
		return false
	}
	t.room = next
	t.notifyLocked(Change{Kind: ChangeRoom, Room: next})
	return true
}

// ApplyGuestJoin records a guest's arrival. Re-joining is idempotent; a
// join for a guest already known from a sync event just flips Connected.
func (t *Tracker) ApplyGuestJoin(p protocol.GuestJoinPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.ensureGuestLocked(p.GuestID)
	changed := false
	if !g.Connected {
		g.Connected = true
		changed = true
	}
	if p.Name != "" && g.Name != p.Name {
		g.Name = p.Name
		changed = true
	}
	if p.RecordingID != "" && g.RecordingID == "" {
		g.RecordingID = p.RecordingID
		changed = true
	}
	if changed {
		t.notifyLocked(Change{Kind: ChangeGuest, Room: t.room, Guest: *g})
	}
	return changed
}

// ApplyGuestLeave marks a guest disconnected. The entry stays: its upload
// progress remains part of the room view.
func (t *Tracker) ApplyGuestLeave(guestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.guests[guestID]
	if !ok || !g.Connected {
		return false
	}
	g.Connected = false
	t.notifyLocked(Change{Kind: ChangeGuest, Room: t.room, Guest: *g})
	return true
}

// ApplyGuestSync reduces a progress report. A sync arriving before the join
// creates the entry; stale states and counters are ignored.
func (t *Tracker) ApplyGuestSync(p protocol.GuestSyncPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.ensureGuestLocked(p.GuestID)
	changed := t.mergeGuestLocked(g, model.Guest{
		GuestID:        p.GuestID,
		RecordingID:    p.RecordingID,
		SyncState:      model.GuestSyncState(p.SyncState),
		UploadedChunks: p.UploadedChunks,
		TotalChunks:    p.TotalChunks,
	})
	if changed {
		t.notifyLocked(Change{Kind: ChangeGuest, Room: t.room, Guest: *g})
	}
	return changed
}

// ApplySnapshot merges a polled room snapshot. Ranked fields follow the
// same rules as pushed events; connection flags are not ranked, there the
// snapshot wins.
func (t *Tracker) ApplySnapshot(room model.Room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.applyRoomLocked(room.State)
	for _, sg := range room.Guests {
		g := t.ensureGuestLocked(sg.GuestID)
		guestChanged := t.mergeGuestLocked(g, sg)
		if g.Connected != sg.Connected {
			g.Connected = sg.Connected
			guestChanged = true
		}
		if guestChanged {
			t.notifyLocked(Change{Kind: ChangeGuest, Room: t.room, Guest: *g})
			changed = true
		}
	}
	return changed
}

func (t *Tracker) ensureGuestLocked(guestID string) *model.Guest {
	g, ok := t.guests[guestID]
	if !ok {
		g = &model.Guest{GuestID: guestID, SyncState: model.GuestSyncIdle}
		t.guests[guestID] = g
	}
	return g
}

// mergeGuestLocked folds the ranked fields of in into g and reports whether
// anything moved.
func (t *Tracker) mergeGuestLocked(g *model.Guest, in model.Guest) bool {
	changed := false
	if in.Name != "" && g.Name != in.Name {
		g.Name = in.Name
		changed = true
	}
	if in.RecordingID != "" && g.RecordingID == "" {
		g.RecordingID = in.RecordingID
		changed = true
	}
	if in.SyncState != "" {
		if guestAdvances(g.SyncState, in.SyncState) {
			g.SyncState = in.SyncState
			changed = true
		} else if in.SyncState != g.SyncState {
			t.log.Debug("state: guest transition rejected",
				zap.String("guest_id", g.GuestID),
				zap.String("from", string(g.SyncState)),
				zap.String("to", string(in.SyncState)))
		}
	}
	if in.UploadedChunks > g.UploadedChunks {
		g.UploadedChunks = in.UploadedChunks
		changed = true
	}
	if in.TotalChunks > g.TotalChunks {
		g.TotalChunks = in.TotalChunks
		changed = true
	}
	return changed
}

// Room returns the current room state.
func (t *Tracker) Room() model.RoomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

// Guest returns a copy of one guest's view.
func (t *Tracker) Guest(guestID string) (model.Guest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.guests[guestID]
	if !ok {
		return model.Guest{}, false
	}
	return *g, true
}

// Guests returns copies of all known guests, ordered by ID.
func (t *Tracker) Guests() []model.Guest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.Guest, 0, len(t.guests))
	for _, g := range t.guests {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuestID < out[j].GuestID })
	return out
}

// AllSynced reports whether every known guest has finished syncing. False
// for an empty room.
func (t *Tracker) AllSynced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.guests) == 0 {
		return false
	}
	for _, g := range t.guests {
		if g.SyncState != model.GuestSyncSynced {
			return false
		}
	}
	return true
}
