package state

import (
	"reflect"
	"testing"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

func TestRoomAdvancesForwardOnly(t *testing.T) {
	tr := NewTracker(nil)

	steps := []model.RoomState{
		model.RoomStateRecording,
		model.RoomStateFinalizing,
		model.RoomStateFinished,
	}
	for _, s := range steps {
		if !tr.ApplyRoomState(s) {
			t.Fatalf("ApplyRoomState(%s) = false, want true", s)
		}
	}

	if tr.ApplyRoomState(model.RoomStateRecording) {
		t.Error("regression finished->recording applied")
	}
	if got := tr.Room(); got != model.RoomStateFinished {
		t.Errorf("Room() = %q, want %q", got, model.RoomStateFinished)
	}
}

func TestRoomSkipsMissedStates(t *testing.T) {
	tr := NewTracker(nil)
	// A lost intermediate frame must not wedge the view.
	if !tr.ApplyRoomState(model.RoomStateFinalizing) {
		t.Error("ApplyRoomState(finalizing) from idle = false, want true")
	}
}

func TestRoomUnknownStateRejected(t *testing.T) {
	tr := NewTracker(nil)
	if tr.ApplyRoomState(model.RoomState("exploded")) {
		t.Error("unknown room state applied")
	}
	if got := tr.Room(); got != model.RoomStateIdle {
		t.Errorf("Room() = %q, want idle", got)
	}
}

func TestGuestLifecycle(t *testing.T) {
	tr := NewTracker(nil)

	tr.ApplyGuestJoin(protocol.GuestJoinPayload{GuestID: "g1", Name: "alice", RecordingID: "rec1"})
	g, ok := tr.Guest("g1")
	if !ok {
		t.Fatal("guest g1 missing after join")
	}
	if !g.Connected || g.Name != "alice" || g.RecordingID != "rec1" {
		t.Errorf("after join: %+v", g)
	}
	if g.SyncState != model.GuestSyncIdle {
		t.Errorf("SyncState = %q, want idle", g.SyncState)
	}

	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "recording"})
	tr.ApplyGuestLeave("g1")

	g, _ = tr.Guest("g1")
	if g.Connected {
		t.Error("Connected = true after leave")
	}
	if g.SyncState != model.GuestSyncRecording {
		t.Errorf("SyncState = %q, want recording preserved across leave", g.SyncState)
	}
}

func TestGuestSyncBeforeJoin(t *testing.T) {
	tr := NewTracker(nil)

	// Poll and push race: the progress report lands first.
	tr.ApplyGuestSync(protocol.GuestSyncPayload{
		GuestID: "g1", RecordingID: "rec1", SyncState: "uploading", UploadedChunks: 3, TotalChunks: 9,
	})
	g, ok := tr.Guest("g1")
	if !ok {
		t.Fatal("guest not created by sync event")
	}
	if g.Connected {
		t.Error("Connected = true before join")
	}
	if g.SyncState != model.GuestSyncUploading || g.UploadedChunks != 3 {
		t.Errorf("after sync: %+v", g)
	}

	tr.ApplyGuestJoin(protocol.GuestJoinPayload{GuestID: "g1"})
	g, _ = tr.Guest("g1")
	if !g.Connected {
		t.Error("Connected = false after join")
	}
	if g.RecordingID != "rec1" {
		t.Errorf("RecordingID = %q, want rec1 kept", g.RecordingID)
	}
}

func TestGuestStaleStateRejected(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "synced"})

	if tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading"}) {
		t.Error("stale uploading applied over synced")
	}
	g, _ := tr.Guest("g1")
	if g.SyncState != model.GuestSyncSynced {
		t.Errorf("SyncState = %q, want synced", g.SyncState)
	}
}

func TestGuestErrorIsLateralToUploading(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading"})

	if !tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "error"}) {
		t.Fatal("uploading->error rejected")
	}
	if !tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading"}) {
		t.Fatal("error->uploading (retry) rejected")
	}
	if !tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "synced"}) {
		t.Fatal("uploading->synced rejected")
	}
	if tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "error"}) {
		t.Error("synced->error applied, synced must be terminal")
	}
}

func TestProgressCountersRatchet(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading", UploadedChunks: 5, TotalChunks: 10})

	// Stale counts and exact duplicates are no-ops.
	if tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading", UploadedChunks: 3, TotalChunks: 10}) {
		t.Error("stale counter event reported a change")
	}
	if tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "g1", SyncState: "uploading", UploadedChunks: 5, TotalChunks: 10}) {
		t.Error("duplicate event reported a change")
	}
	g, _ := tr.Guest("g1")
	if g.UploadedChunks != 5 || g.TotalChunks != 10 {
		t.Errorf("counters = %d/%d, want 5/10", g.UploadedChunks, g.TotalChunks)
	}
}

// Two delivery orders of the same at-least-once event set must converge to
// the same view.
func TestOutOfOrderDeliveryConverges(t *testing.T) {
	events := []func(*Tracker){
		func(tr *Tracker) { tr.ApplyRoomState(model.RoomStateRecording) },
		func(tr *Tracker) { tr.ApplyGuestJoin(protocol.GuestJoinPayload{GuestID: "a", RecordingID: "rec-a"}) },
		func(tr *Tracker) {
			tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "a", SyncState: "recording"})
		},
		func(tr *Tracker) {
			tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "a", SyncState: "uploading", UploadedChunks: 4, TotalChunks: 12})
		},
		func(tr *Tracker) { tr.ApplyGuestJoin(protocol.GuestJoinPayload{GuestID: "b"}) },
		func(tr *Tracker) {
			tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "b", SyncState: "uploading", UploadedChunks: 2, TotalChunks: 7})
		},
		func(tr *Tracker) { tr.ApplyRoomState(model.RoomStateFinalizing) },
		func(tr *Tracker) {
			tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "a", SyncState: "synced", UploadedChunks: 12, TotalChunks: 12})
		},
		func(tr *Tracker) {
			tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "b", SyncState: "synced", UploadedChunks: 7, TotalChunks: 7})
		},
		func(tr *Tracker) { tr.ApplyRoomState(model.RoomStateFinished) },
	}

	forward := NewTracker(nil)
	for _, ev := range events {
		ev(forward)
	}

	// Reverse order with every event delivered twice.
	backward := NewTracker(nil)
	for i := len(events) - 1; i >= 0; i-- {
		events[i](backward)
		events[i](backward)
	}

	if forward.Room() != backward.Room() {
		t.Errorf("room diverged: %q vs %q", forward.Room(), backward.Room())
	}
	fg, bg := forward.Guests(), backward.Guests()
	// Connected differs by order (join vs later leave is absent here), so
	// compare the ranked fields only.
	if len(fg) != len(bg) {
		t.Fatalf("guest count diverged: %d vs %d", len(fg), len(bg))
	}
	for i := range fg {
		fg[i].Connected = false
		bg[i].Connected = false
	}
	if !reflect.DeepEqual(fg, bg) {
		t.Errorf("guests diverged:\n forward: %+v\nbackward: %+v", fg, bg)
	}
	if !forward.AllSynced() || !backward.AllSynced() {
		t.Error("AllSynced() = false after full event set")
	}
}

func TestApplySnapshotMerges(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyGuestJoin(protocol.GuestJoinPayload{GuestID: "a"})
	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "a", SyncState: "synced", UploadedChunks: 10, TotalChunks: 10})

	// The poll raced the final push frames: it still sees a uploading with
	// stale counters, but also knows about b and the room moving on.
	changed := tr.ApplySnapshot(model.Room{
		ID:    "room1",
		State: model.RoomStateFinalizing,
		Guests: []model.Guest{
			{GuestID: "a", SyncState: model.GuestSyncUploading, UploadedChunks: 8, TotalChunks: 10, Connected: true},
			{GuestID: "b", SyncState: model.GuestSyncRecording, Connected: true},
		},
	})
	if !changed {
		t.Fatal("ApplySnapshot = false, want true")
	}

	if got := tr.Room(); got != model.RoomStateFinalizing {
		t.Errorf("Room() = %q, want finalizing", got)
	}
	a, _ := tr.Guest("a")
	if a.SyncState != model.GuestSyncSynced || a.UploadedChunks != 10 {
		t.Errorf("guest a regressed: %+v", a)
	}
	b, ok := tr.Guest("b")
	if !ok {
		t.Fatal("guest b not learned from snapshot")
	}
	if b.SyncState != model.GuestSyncRecording || !b.Connected {
		t.Errorf("guest b: %+v", b)
	}
}

func TestSubscribeDeliversAndCleanupStops(t *testing.T) {
	tr := NewTracker(nil)
	ch, cleanup := tr.Subscribe(4)

	tr.ApplyRoomState(model.RoomStateRecording)
	select {
	case c := <-ch:
		if c.Kind != ChangeRoom || c.Room != model.RoomStateRecording {
			t.Errorf("change = %+v", c)
		}
	default:
		t.Fatal("no change delivered")
	}

	cleanup()
	// Channel is closed, and further applies must not panic.
	tr.ApplyRoomState(model.RoomStateFinalizing)
	if _, open := <-ch; open {
		t.Error("channel still open after cleanup")
	}
	cleanup() // second call is a no-op
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker(nil)
	ch, cleanup := tr.Subscribe(1)
	defer cleanup()

	tr.ApplyRoomState(model.RoomStateRecording)
	tr.ApplyRoomState(model.RoomStateFinalizing) // dropped, buffer full
	tr.ApplyRoomState(model.RoomStateFinished)   // dropped

	c := <-ch
	if c.Room != model.RoomStateRecording {
		t.Errorf("first change = %+v", c)
	}
	if got := tr.Room(); got != model.RoomStateFinished {
		t.Errorf("Room() = %q, want finished despite slow subscriber", got)
	}
}

func TestAllSynced(t *testing.T) {
	tr := NewTracker(nil)
	if tr.AllSynced() {
		t.Error("AllSynced() = true for empty room")
	}

	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "a", SyncState: "synced"})
	if !tr.AllSynced() {
		t.Error("AllSynced() = false with one synced guest")
	}

	tr.ApplyGuestSync(protocol.GuestSyncPayload{GuestID: "b", SyncState: "uploading"})
	if tr.AllSynced() {
		t.Error("AllSynced() = true with an uploading guest")
	}
}
