package service

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/henteko/maycast-recorder-sub000/internal/config"
	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
	"github.com/henteko/maycast-recorder-sub000/internal/state"
	"github.com/henteko/maycast-recorder-sub000/internal/storage"
)

// RoomServicer is the service surface the HTTP and WebSocket handlers
// depend on.
type RoomServicer interface {
	CreateRoom(name string) (*model.Room, error)
	GetRoom(roomID string) (*model.Room, error)
	StartRoom(roomID string, leadMs int) (*model.Room, float64, error)
	FinalizeRoom(roomID string) (*model.Room, error)
	FinishRoom(roomID string) (*model.Room, error)
	JoinGuest(roomID, guestID, name, recordingID string) (*model.Guest, error)
	LeaveGuest(roomID, guestID string) error
	UpdateGuestSync(roomID string, p protocol.GuestSyncPayload) error
	RecordingRoomState(recordingID string) (model.RoomState, error)
	RecordChunk(recordingID string, seq int) error
	SaveRecordingMetadata(recordingID string, req model.MetadataRequest) error
}

// RoomService manages recording-room lifecycle and the guest registry. It
// is the authoritative side of the signaling protocol: every accepted
// mutation is persisted first, then broadcast to the room's peers.
type RoomService struct {
	db    *gorm.DB
	cfg   *config.Config
	hub   *RoomHub
	blobs *storage.FileStore
	log   *zap.Logger
}

// NewRoomService creates a room service.
func NewRoomService(db *gorm.DB, cfg *config.Config, hub *RoomHub, blobs *storage.FileStore, log *zap.Logger) *RoomService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomService{db: db, cfg: cfg, hub: hub, blobs: blobs, log: log}
}

// CreateRoom creates a new idle room.
func (s *RoomService) CreateRoom(name string) (*model.Room, error) {
	ent := &model.RecordingRoom{
		ID:    uuid.New().String(),
		Name:  name,
		State: string(model.RoomStateIdle),
	}
	if err := s.db.Create(ent).Error; err != nil {
		return nil, err
	}
	s.log.Info("room created", zap.String("room_id", ent.ID))
	return entityToRoom(ent), nil
}

// GetRoom returns a room snapshot by ID.
func (s *RoomService) GetRoom(roomID string) (*model.Room, error) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		return nil, err
	}
	return entityToRoom(ent), nil
}

// StartRoom moves an idle room to recording and broadcasts the
// scheduled-start directive. Every guest is told to begin capture at
// server now + lead; leadMs <= 0 selects the configured default.
func (s *RoomService) StartRoom(roomID string, leadMs int) (*model.Room, float64, error) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		return nil, 0, err
	}
	cur := model.RoomState(ent.State)
	if cur == model.RoomStateFinished {
		return nil, 0, errs.ErrRoomFinished
	}
	if !state.RoomAdvances(cur, model.RoomStateRecording) {
		return nil, 0, errs.ErrInvalidTransition
	}
	if leadMs <= 0 {
		leadMs = s.cfg.RoomStartLeadMs
	}
	startAt := protocol.NowMillis() + float64(leadMs)
	now := time.Now()
	if err := s.db.Model(ent).Updates(map[string]interface{}{
		"state":      string(model.RoomStateRecording),
		"started_at": now,
	}).Error; err != nil {
		return nil, 0, err
	}
	ent.State = string(model.RoomStateRecording)
	ent.StartedAt = &now

	s.log.Info("room start scheduled",
		zap.String("room_id", roomID),
		zap.Float64("start_at_server_time", startAt),
		zap.Int("lead_ms", leadMs))
	// Directive first: a guest that sees the directive before the room
	// state never arms its fallback timer.
	s.broadcast(roomID, protocol.KindScheduledStart,
		protocol.ScheduledStartPayload{StartAtServerTime: startAt})
	s.broadcast(roomID, protocol.KindRoomState,
		protocol.RoomStatePayload{State: string(model.RoomStateRecording)})
	return entityToRoom(ent), startAt, nil
}

// FinalizeRoom moves a room to finalizing: guests stop capturing and drain
// their remaining chunks. The room finishes automatically once every
// connected guest reports synced.
func (s *RoomService) FinalizeRoom(roomID string) (*model.Room, error) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		return nil, err
	}
	cur := model.RoomState(ent.State)
	if cur == model.RoomStateFinished {
		return nil, errs.ErrRoomFinished
	}
	if !state.RoomAdvances(cur, model.RoomStateFinalizing) {
		return nil, errs.ErrInvalidTransition
	}
	if err := s.db.Model(ent).Update("state", string(model.RoomStateFinalizing)).Error; err != nil {
		return nil, err
	}
	ent.State = string(model.RoomStateFinalizing)
	s.log.Info("room finalizing", zap.String("room_id", roomID))
	s.broadcast(roomID, protocol.KindRoomState,
		protocol.RoomStatePayload{State: string(model.RoomStateFinalizing)})
	return entityToRoom(ent), nil
}

// FinishRoom force-finishes a room regardless of guest upload progress.
// Recordings whose chunks all arrived are assembled; the rest are left on
// disk for a later manual pass.
func (s *RoomService) FinishRoom(roomID string) (*model.Room, error) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		return nil, err
	}
	if model.RoomState(ent.State) == model.RoomStateFinished {
		return nil, errs.ErrRoomFinished
	}
	if err := s.finish(ent); err != nil {
		return nil, err
	}
	return entityToRoom(ent), nil
}

// finish persists the terminal state, assembles completed recordings and
// closes the room's signaling connections. Callers hold a freshly loaded
// entity with Recordings preloaded.
func (s *RoomService) finish(ent *model.RecordingRoom) error {
	now := time.Now()
	if err := s.db.Model(ent).Updates(map[string]interface{}{
		"state":       string(model.RoomStateFinished),
		"finished_at": now,
	}).Error; err != nil {
		return err
	}
	ent.State = string(model.RoomStateFinished)
	ent.FinishedAt = &now

	for _, rec := range ent.Recordings {
		if rec.RecordingID == "" || rec.TotalChunks == 0 {
			continue
		}
		if _, err := s.blobs.Assemble(rec.RecordingID, rec.TotalChunks); err != nil {
			s.log.Warn("recording not assembled",
				zap.String("room_id", ent.ID),
				zap.String("recording_id", rec.RecordingID),
				zap.Error(err))
		}
	}
	s.log.Info("room finished", zap.String("room_id", ent.ID))
	// CloseRoom announces the final room state to the peers it closes.
	s.hub.CloseRoom(ent.ID)
	return nil
}

// JoinGuest registers a guest in a room, or reconnects a known one. The
// recording ID may be empty; a guest links it later through guest_sync.
func (s *RoomService) JoinGuest(roomID, guestID, name, recordingID string) (*model.Guest, error) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		return nil, err
	}
	if model.RoomState(ent.State) == model.RoomStateFinished {
		return nil, errs.ErrRoomFinished
	}

	var rec *model.Recording
	for i := range ent.Recordings {
		if ent.Recordings[i].GuestID == guestID {
			rec = &ent.Recordings[i]
			break
		}
	}
	if rec == nil {
		if len(ent.Recordings) >= s.cfg.RoomMaxGuests {
			return nil, errs.ErrTooManyGuests
		}
		rec = &model.Recording{
			ID:          uuid.New().String(),
			RoomID:      roomID,
			GuestID:     guestID,
			RecordingID: recordingID,
			GuestName:   name,
			SyncState:   string(model.GuestSyncIdle),
			Connected:   true,
			JoinedAt:    time.Now(),
		}
		if err := s.db.Create(rec).Error; err != nil {
			return nil, err
		}
	} else {
		updates := map[string]interface{}{"connected": true}
		if rec.RecordingID == "" && recordingID != "" {
			updates["recording_id"] = recordingID
			rec.RecordingID = recordingID
		}
		if name != "" && name != rec.GuestName {
			updates["guest_name"] = name
			rec.GuestName = name
		}
		if err := s.db.Model(rec).Updates(updates).Error; err != nil {
			return nil, err
		}
		rec.Connected = true
	}

	s.log.Info("guest joined",
		zap.String("room_id", roomID),
		zap.String("guest_id", guestID),
		zap.String("recording_id", rec.RecordingID))
	s.broadcast(roomID, protocol.KindGuestJoin, protocol.GuestJoinPayload{
		GuestID:     guestID,
		RecordingID: rec.RecordingID,
		Name:        rec.GuestName,
	})
	g := entityToGuest(rec)
	return &g, nil
}

// LeaveGuest marks a guest disconnected. The row and its progress survive
// for when the guest reconnects.
func (s *RoomService) LeaveGuest(roomID, guestID string) error {
	rec, err := s.loadGuest(roomID, guestID)
	if err != nil {
		return err
	}
	if err := s.db.Model(rec).Update("connected", false).Error; err != nil {
		return err
	}
	s.log.Info("guest left",
		zap.String("room_id", roomID),
		zap.String("guest_id", guestID))
	s.broadcast(roomID, protocol.KindGuestLeave, protocol.GuestLeavePayload{GuestID: guestID})
	return nil
}

// UpdateGuestSync applies a guest progress report. Stale or unknown sync
// states are ignored, counters only ratchet upward, and the merged view is
// what gets re-broadcast. A synced report may complete the room.
func (s *RoomService) UpdateGuestSync(roomID string, p protocol.GuestSyncPayload) error {
	rec, err := s.loadGuest(roomID, p.GuestID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if rec.RecordingID == "" && p.RecordingID != "" {
		updates["recording_id"] = p.RecordingID
		rec.RecordingID = p.RecordingID
	}
	next := model.GuestSyncState(p.SyncState)
	if state.GuestAdvances(model.GuestSyncState(rec.SyncState), next) {
		updates["sync_state"] = string(next)
		rec.SyncState = string(next)
	}
	if p.UploadedChunks > rec.UploadedChunks {
		updates["uploaded_chunks"] = p.UploadedChunks
		rec.UploadedChunks = p.UploadedChunks
	}
	if p.TotalChunks > rec.TotalChunks {
		updates["total_chunks"] = p.TotalChunks
		rec.TotalChunks = p.TotalChunks
	}
	if len(updates) > 0 {
		if err := s.db.Model(rec).Updates(updates).Error; err != nil {
			return err
		}
	}

	s.broadcast(roomID, protocol.KindGuestSync, protocol.GuestSyncPayload{
		GuestID:        rec.GuestID,
		RecordingID:    rec.RecordingID,
		SyncState:      rec.SyncState,
		UploadedChunks: rec.UploadedChunks,
		TotalChunks:    rec.TotalChunks,
	})

	if model.GuestSyncState(rec.SyncState) == model.GuestSyncSynced {
		s.maybeFinish(roomID)
	}
	return nil
}

// maybeFinish completes a finalizing room once every connected guest has
// reported synced. A room with no connected guests is left for the
// operator to force-finish.
func (s *RoomService) maybeFinish(roomID string) {
	ent, err := s.loadRoom(roomID, true)
	if err != nil {
		s.log.Warn("room completion check failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if model.RoomState(ent.State) != model.RoomStateFinalizing {
		return
	}
	connected := 0
	for _, rec := range ent.Recordings {
		if !rec.Connected {
			continue
		}
		connected++
		if model.GuestSyncState(rec.SyncState) != model.GuestSyncSynced {
			return
		}
	}
	if connected == 0 {
		return
	}
	if err := s.finish(ent); err != nil {
		s.log.Warn("room auto-finish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// RecordingRoomState returns the state of the room a recording belongs to.
// Upload handlers use it to refuse chunks for unknown recordings and
// finished rooms.
func (s *RoomService) RecordingRoomState(recordingID string) (model.RoomState, error) {
	rec, err := s.findRecording(recordingID)
	if err != nil {
		return "", err
	}
	var room model.RecordingRoom
	if err := s.db.Where("id = ?", rec.RoomID).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errs.ErrRoomNotFound
		}
		return "", err
	}
	return model.RoomState(room.State), nil
}

// RecordChunk bumps the received-chunk counter after a chunk has been
// persisted to blob storage.
func (s *RoomService) RecordChunk(recordingID string, seq int) error {
	rec, err := s.findRecording(recordingID)
	if err != nil {
		return err
	}
	return s.db.Model(rec).
		UpdateColumn("received_chunks", gorm.Expr("received_chunks + 1")).Error
}

// SaveRecordingMetadata persists a recording's sync metadata on the
// registry row and alongside the chunks in blob storage.
func (s *RoomService) SaveRecordingMetadata(recordingID string, req model.MetadataRequest) error {
	rec, err := s.findRecording(recordingID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(req.SyncInfo)
	if err != nil {
		return err
	}
	if err := s.db.Model(rec).Update("sync_info", raw).Error; err != nil {
		return err
	}
	return s.blobs.SaveMetadata(recordingID, req)
}

func (s *RoomService) loadRoom(roomID string, withRecordings bool) (*model.RecordingRoom, error) {
	var ent model.RecordingRoom
	q := s.db
	if withRecordings {
		q = q.Preload("Recordings")
	}
	if err := q.Where("id = ?", roomID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRoomNotFound
		}
		return nil, err
	}
	return &ent, nil
}

func (s *RoomService) loadGuest(roomID, guestID string) (*model.Recording, error) {
	var rec model.Recording
	if err := s.db.Where("room_id = ? AND guest_id = ?", roomID, guestID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrGuestNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *RoomService) findRecording(recordingID string) (*model.Recording, error) {
	var rec model.Recording
	if err := s.db.Where("recording_id = ?", recordingID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRecordingNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *RoomService) broadcast(roomID string, kind protocol.Kind, payload any) {
	frame, err := protocol.Encode(kind, roomID, payload)
	if err != nil {
		s.log.Warn("encode broadcast frame",
			zap.String("room_id", roomID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	s.hub.Broadcast(roomID, frame)
}

func entityToRoom(ent *model.RecordingRoom) *model.Room {
	room := &model.Room{
		ID:         ent.ID,
		State:      model.RoomState(ent.State),
		CreatedAt:  ent.CreatedAt,
		FinishedAt: ent.FinishedAt,
	}
	for i := range ent.Recordings {
		rec := &ent.Recordings[i]
		if rec.RecordingID != "" {
			room.RecordingIDs = append(room.RecordingIDs, rec.RecordingID)
		}
		room.Guests = append(room.Guests, entityToGuest(rec))
	}
	sort.Strings(room.RecordingIDs)
	sort.Slice(room.Guests, func(i, j int) bool {
		return room.Guests[i].GuestID < room.Guests[j].GuestID
	})
	return room
}

func entityToGuest(rec *model.Recording) model.Guest {
	return model.Guest{
		GuestID:        rec.GuestID,
		Name:           rec.GuestName,
		RecordingID:    rec.RecordingID,
		SyncState:      model.GuestSyncState(rec.SyncState),
		UploadedChunks: rec.UploadedChunks,
		TotalChunks:    rec.TotalChunks,
		Connected:      rec.Connected,
	}
}
