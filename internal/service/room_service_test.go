package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/henteko/maycast-recorder-sub000/internal/config"
	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
	"github.com/henteko/maycast-recorder-sub000/internal/storage"
)

func newTestService(t *testing.T) (*RoomService, *RoomHub, *gorm.DB, *storage.FileStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.RecordingRoom{}, &model.Recording{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := &config.Config{RoomMaxGuests: 2, RoomStartLeadMs: 3000}
	hub := NewRoomHub(0, nil)
	return NewRoomService(db, cfg, hub, blobs, nil), hub, db, blobs
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nextFrame(t *testing.T, ch chan []byte) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-ch:
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
		return protocol.Envelope{}
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	room, err := svc.CreateRoom("standup")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.State != model.RoomStateIdle {
		t.Errorf("new room state = %q, want idle", room.State)
	}
	got, err := svc.GetRoom(room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.ID != room.ID || got.State != model.RoomStateIdle {
		t.Errorf("GetRoom = %+v, want id %s idle", got, room.ID)
	}
	if _, err := svc.GetRoom("no-such-room"); !errors.Is(err, errs.ErrRoomNotFound) {
		t.Errorf("GetRoom unknown = %v, want ErrRoomNotFound", err)
	}
}

func TestStartRoomSchedulesAhead(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")

	before := protocol.NowMillis()
	started, startAt, err := svc.StartRoom(room.ID, 0)
	after := protocol.NowMillis()
	if err != nil {
		t.Fatalf("StartRoom: %v", err)
	}
	if started.State != model.RoomStateRecording {
		t.Errorf("state = %q, want recording", started.State)
	}
	// Default lead is 3000ms; the directive must point that far ahead.
	if startAt < before+3000 || startAt > after+3000 {
		t.Errorf("startAt = %.1f, want within [%.1f, %.1f]", startAt, before+3000, after+3000)
	}

	if _, _, err := svc.StartRoom(room.ID, 0); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("second StartRoom = %v, want ErrInvalidTransition", err)
	}
}

func TestStartRoomBroadcastsDirectiveBeforeState(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")

	peer, cleanup := hub.Register(room.ID, "watcher", nil)
	defer cleanup()

	if _, _, err := svc.StartRoom(room.ID, 500); err != nil {
		t.Fatalf("StartRoom: %v", err)
	}

	first := nextFrame(t, peer.Send)
	if first.Kind != protocol.KindScheduledStart {
		t.Fatalf("first frame kind = %q, want scheduled_start", first.Kind)
	}
	var directive protocol.ScheduledStartPayload
	if err := first.Payload(&directive); err != nil {
		t.Fatalf("directive payload: %v", err)
	}
	if directive.StartAtServerTime <= protocol.NowMillis() {
		t.Errorf("directive start %.1f not in the future", directive.StartAtServerTime)
	}

	second := nextFrame(t, peer.Send)
	if second.Kind != protocol.KindRoomState {
		t.Fatalf("second frame kind = %q, want room_state", second.Kind)
	}
	var rs protocol.RoomStatePayload
	if err := second.Payload(&rs); err != nil {
		t.Fatalf("room_state payload: %v", err)
	}
	if rs.State != string(model.RoomStateRecording) {
		t.Errorf("room_state = %q, want recording", rs.State)
	}
}

func TestFinishedRoomRefusesEverything(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")

	if _, err := svc.FinalizeRoom(room.ID); err != nil {
		t.Fatalf("FinalizeRoom: %v", err)
	}
	fin, err := svc.FinishRoom(room.ID)
	if err != nil {
		t.Fatalf("FinishRoom: %v", err)
	}
	if fin.State != model.RoomStateFinished || fin.FinishedAt == nil {
		t.Errorf("finished room = %+v, want finished with timestamp", fin)
	}

	if _, _, err := svc.StartRoom(room.ID, 0); !errors.Is(err, errs.ErrRoomFinished) {
		t.Errorf("StartRoom after finish = %v, want ErrRoomFinished", err)
	}
	if _, err := svc.FinalizeRoom(room.ID); !errors.Is(err, errs.ErrRoomFinished) {
		t.Errorf("FinalizeRoom after finish = %v, want ErrRoomFinished", err)
	}
	if _, err := svc.FinishRoom(room.ID); !errors.Is(err, errs.ErrRoomFinished) {
		t.Errorf("FinishRoom after finish = %v, want ErrRoomFinished", err)
	}
	if _, err := svc.JoinGuest(room.ID, "late", "", ""); !errors.Is(err, errs.ErrRoomFinished) {
		t.Errorf("JoinGuest after finish = %v, want ErrRoomFinished", err)
	}
}

func TestJoinGuestCapacityAndRejoin(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")

	// Joined before its recording exists; the ID links on rejoin.
	if _, err := svc.JoinGuest(room.ID, "g1", "alice", ""); err != nil {
		t.Fatalf("join g1: %v", err)
	}
	if _, err := svc.JoinGuest(room.ID, "g2", "bob", "rec-g2"); err != nil {
		t.Fatalf("join g2: %v", err)
	}
	if _, err := svc.JoinGuest(room.ID, "g3", "", ""); !errors.Is(err, errs.ErrTooManyGuests) {
		t.Errorf("join g3 = %v, want ErrTooManyGuests", err)
	}

	rejoined, err := svc.JoinGuest(room.ID, "g1", "", "rec-g1")
	if err != nil {
		t.Fatalf("rejoin g1: %v", err)
	}
	if rejoined.RecordingID != "rec-g1" {
		t.Errorf("rejoin RecordingID = %q, want rec-g1", rejoined.RecordingID)
	}
	if rejoined.Name != "alice" {
		t.Errorf("rejoin dropped the stored name, got %q", rejoined.Name)
	}

	got, _ := svc.GetRoom(room.ID)
	if len(got.Guests) != 2 {
		t.Fatalf("guests = %d, want 2 (rejoin must not duplicate)", len(got.Guests))
	}
	if len(got.RecordingIDs) != 2 {
		t.Errorf("recording IDs = %v, want both linked", got.RecordingIDs)
	}
}

func TestGuestSyncRatchet(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")
	if _, err := svc.JoinGuest(room.ID, "g1", "", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	apply := func(state string, uploaded, total int, recID string) model.Guest {
		t.Helper()
		err := svc.UpdateGuestSync(room.ID, protocol.GuestSyncPayload{
			GuestID:        "g1",
			RecordingID:    recID,
			SyncState:      state,
			UploadedChunks: uploaded,
			TotalChunks:    total,
		})
		if err != nil {
			t.Fatalf("UpdateGuestSync(%s): %v", state, err)
		}
		got, _ := svc.GetRoom(room.ID)
		return got.Guests[0]
	}

	g := apply("recording", 0, 0, "rec-1")
	if g.SyncState != model.GuestSyncRecording || g.RecordingID != "rec-1" {
		t.Errorf("after recording report: %+v", g)
	}

	g = apply("uploading", 2, 5, "")
	if g.SyncState != model.GuestSyncUploading || g.UploadedChunks != 2 || g.TotalChunks != 5 {
		t.Errorf("after uploading report: %+v", g)
	}

	// A stale recording-state report cannot roll the guest back, and lower
	// counters cannot shrink progress.
	g = apply("recording", 1, 5, "")
	if g.SyncState != model.GuestSyncUploading || g.UploadedChunks != 2 {
		t.Errorf("stale report regressed the guest: %+v", g)
	}

	g = apply("error", 2, 5, "")
	if g.SyncState != model.GuestSyncError {
		t.Errorf("uploading -> error lateral move refused: %+v", g)
	}
	g = apply("uploading", 3, 5, "")
	if g.SyncState != model.GuestSyncUploading || g.UploadedChunks != 3 {
		t.Errorf("error -> uploading retry refused: %+v", g)
	}

	g = apply("synced", 5, 5, "")
	if g.SyncState != model.GuestSyncSynced || g.UploadedChunks != 5 {
		t.Errorf("after synced report: %+v", g)
	}

	err := svc.UpdateGuestSync(room.ID, protocol.GuestSyncPayload{GuestID: "ghost", SyncState: "recording"})
	if !errors.Is(err, errs.ErrGuestNotFound) {
		t.Errorf("sync for unknown guest = %v, want ErrGuestNotFound", err)
	}
}

func TestAutoFinishWhenConnectedGuestsSynced(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")
	svc.JoinGuest(room.ID, "g1", "", "rec-1")
	svc.JoinGuest(room.ID, "g2", "", "rec-2")

	if _, err := svc.FinalizeRoom(room.ID); err != nil {
		t.Fatalf("FinalizeRoom: %v", err)
	}

	synced := func(guestID string) {
		t.Helper()
		err := svc.UpdateGuestSync(room.ID, protocol.GuestSyncPayload{
			GuestID: guestID, SyncState: "synced", UploadedChunks: 1, TotalChunks: 1,
		})
		if err != nil {
			t.Fatalf("sync %s: %v", guestID, err)
		}
	}

	synced("g1")
	got, _ := svc.GetRoom(room.ID)
	if got.State != model.RoomStateFinalizing {
		t.Fatalf("room state after first synced = %q, want finalizing", got.State)
	}

	synced("g2")
	got, _ = svc.GetRoom(room.ID)
	if got.State != model.RoomStateFinished {
		t.Errorf("room state after all synced = %q, want finished", got.State)
	}
	if got.FinishedAt == nil {
		t.Error("auto-finished room has no FinishedAt")
	}
}

func TestAutoFinishWaitsForOperatorWhenNobodyConnected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	room, _ := svc.CreateRoom("")
	svc.JoinGuest(room.ID, "g1", "", "rec-1")
	if err := svc.LeaveGuest(room.ID, "g1"); err != nil {
		t.Fatalf("LeaveGuest: %v", err)
	}
	svc.FinalizeRoom(room.ID)

	err := svc.UpdateGuestSync(room.ID, protocol.GuestSyncPayload{
		GuestID: "g1", SyncState: "synced", UploadedChunks: 1, TotalChunks: 1,
	})
	if err != nil {
		t.Fatalf("UpdateGuestSync: %v", err)
	}
	got, _ := svc.GetRoom(room.ID)
	if got.State != model.RoomStateFinalizing {
		t.Errorf("empty room auto-finished to %q, want to stay finalizing", got.State)
	}
}

func TestFinishAssemblesCompleteRecordings(t *testing.T) {
	svc, _, _, blobs := newTestService(t)
	room, _ := svc.CreateRoom("")
	svc.JoinGuest(room.ID, "g1", "", "rec-1")

	for seq, body := range [][]byte{[]byte("init-segment"), []byte("media-segment")} {
		if err := blobs.SaveChunk("rec-1", seq, body, digestOf(body)); err != nil {
			t.Fatalf("SaveChunk(%d): %v", seq, err)
		}
	}
	err := svc.UpdateGuestSync(room.ID, protocol.GuestSyncPayload{
		GuestID: "g1", RecordingID: "rec-1", SyncState: "synced",
		UploadedChunks: 2, TotalChunks: 2,
	})
	if err != nil {
		t.Fatalf("UpdateGuestSync: %v", err)
	}

	if _, err := svc.FinishRoom(room.ID); err != nil {
		t.Fatalf("FinishRoom: %v", err)
	}
	artifact, err := os.ReadFile(blobs.ArtifactPath("rec-1"))
	if err != nil {
		t.Fatalf("assembled artifact missing: %v", err)
	}
	if string(artifact) != "init-segmentmedia-segment" {
		t.Errorf("artifact = %q, want chunks concatenated in order", artifact)
	}
}

func TestRecordChunkAndRoomStateLookup(t *testing.T) {
	svc, _, db, _ := newTestService(t)
	room, _ := svc.CreateRoom("")
	svc.JoinGuest(room.ID, "g1", "", "rec-1")

	st, err := svc.RecordingRoomState("rec-1")
	if err != nil || st != model.RoomStateIdle {
		t.Errorf("RecordingRoomState = %q, %v, want idle", st, err)
	}
	if _, err := svc.RecordingRoomState("unknown"); !errors.Is(err, errs.ErrRecordingNotFound) {
		t.Errorf("unknown recording = %v, want ErrRecordingNotFound", err)
	}

	svc.RecordChunk("rec-1", 0)
	svc.RecordChunk("rec-1", 1)
	var rec model.Recording
	if err := db.Where("recording_id = ?", "rec-1").First(&rec).Error; err != nil {
		t.Fatalf("load recording: %v", err)
	}
	if rec.ReceivedChunks != 2 {
		t.Errorf("ReceivedChunks = %d, want 2", rec.ReceivedChunks)
	}

	svc.FinishRoom(room.ID)
	st, err = svc.RecordingRoomState("rec-1")
	if err != nil || st != model.RoomStateFinished {
		t.Errorf("RecordingRoomState after finish = %q, %v, want finished", st, err)
	}
}

func TestSaveRecordingMetadata(t *testing.T) {
	svc, _, db, blobs := newTestService(t)
	room, _ := svc.CreateRoom("")
	svc.JoinGuest(room.ID, "g1", "", "rec-1")

	info := model.SyncInfo{
		ScheduledStartTime:    1700000000123.5,
		ActualStartTime:       1700000000124.1,
		ClockOffsetMs:         -2.25,
		ClockOffsetAccuracyMs: 0.8,
		SyncSampleCount:       10,
	}
	if err := svc.SaveRecordingMetadata("rec-1", model.MetadataRequest{SyncInfo: info}); err != nil {
		t.Fatalf("SaveRecordingMetadata: %v", err)
	}

	stored, err := blobs.LoadMetadata("rec-1")
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if stored.SyncInfo != info {
		t.Errorf("blob metadata = %+v, want %+v", stored.SyncInfo, info)
	}
	var rec model.Recording
	db.Where("recording_id = ?", "rec-1").First(&rec)
	if len(rec.SyncInfoJSON) == 0 {
		t.Error("registry row has no sync info persisted")
	}

	err = svc.SaveRecordingMetadata("unknown", model.MetadataRequest{})
	if !errors.Is(err, errs.ErrRecordingNotFound) {
		t.Errorf("metadata for unknown recording = %v, want ErrRecordingNotFound", err)
	}
}
