package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/internal/service"
	"github.com/henteko/maycast-recorder-sub000/internal/storage"
	"github.com/henteko/maycast-recorder-sub000/pkg/constants"
)

// maxChunkBytes caps a single chunk body.
const maxChunkBytes = 32 << 20

// UploadHandler handles chunk ingestion, presign issuance and recording
// metadata.
type UploadHandler struct {
	svc    service.RoomServicer
	blobs  *storage.FileStore
	signer *storage.Presigner
	logger *zap.Logger
}

// NewUploadHandler creates the upload handler.
func NewUploadHandler(svc service.RoomServicer, blobs *storage.FileStore, signer *storage.Presigner, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{svc: svc, blobs: blobs, signer: signer, logger: logger}
}

// PutChunk godoc
// PUT /recordings/:id/chunks/:seq
// The chunk body is verified against the digest header before it is stored.
func (h *UploadHandler) PutChunk(c *gin.Context) {
	recordingID, seq, ok := chunkParams(c)
	if !ok {
		return
	}
	roomState, err := h.svc.RecordingRoomState(recordingID)
	if err != nil {
		if errors.Is(err, errs.ErrRecordingNotFound) || errors.Is(err, errs.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve recording"})
		return
	}
	if roomState == model.RoomStateFinished {
		c.JSON(http.StatusGone, gin.H{"error": "room already finished"})
		return
	}
	h.saveChunk(c, recordingID, seq)
}

// PutSignedChunk godoc
// PUT /storage/:id/:seq?sig=...&exp=...
// The presigned variant of PutChunk: the signature, not the room state,
// authorizes the write.
func (h *UploadHandler) PutSignedChunk(c *gin.Context) {
	recordingID, seq, ok := chunkParams(c)
	if !ok {
		return
	}
	sig := c.Query(constants.QuerySignature)
	expires, err := strconv.ParseInt(c.Query(constants.QueryExpires), 10, 64)
	if sig == "" || err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
		return
	}
	if err := h.signer.Verify(recordingID, seq, expires, sig, time.Now()); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
		return
	}
	h.saveChunk(c, recordingID, seq)
}

func (h *UploadHandler) saveChunk(c *gin.Context, recordingID string, seq int) {
	digest := c.GetHeader(constants.HeaderChunkSHA256)
	if digest == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": constants.HeaderChunkSHA256 + " header required"})
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "chunk body too large"})
		return
	}
	if err := h.blobs.SaveChunk(recordingID, seq, data, digest); err != nil {
		switch {
		case errors.Is(err, errs.ErrHashMismatch):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "chunk hash mismatch"})
		case errors.Is(err, errs.ErrChunkExists):
			// The retrying uploader treats this as success.
			c.JSON(http.StatusConflict, gin.H{"error": "chunk already stored"})
		default:
			h.logger.Error("store chunk",
				zap.String("recording_id", recordingID),
				zap.Int("seq", seq),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store chunk"})
		}
		return
	}
	if err := h.svc.RecordChunk(recordingID, seq); err != nil {
		// The chunk is durable; the counter catches up on the next one.
		h.logger.Warn("record chunk counter",
			zap.String("recording_id", recordingID),
			zap.Int("seq", seq),
			zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"recording_id": recordingID, "seq": seq})
}

// Presign godoc
// GET /recordings/:id/presign?seqs=0,1,2
func (h *UploadHandler) Presign(c *gin.Context) {
	recordingID := c.Param("id")
	if recordingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recording_id required"})
		return
	}
	roomState, err := h.svc.RecordingRoomState(recordingID)
	if err != nil {
		if errors.Is(err, errs.ErrRecordingNotFound) || errors.Is(err, errs.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve recording"})
		return
	}
	if roomState == model.RoomStateFinished {
		c.JSON(http.StatusGone, gin.H{"error": "room already finished"})
		return
	}
	seqs, err := parseSeqs(c.Query(constants.QuerySeqs))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	resp := model.PresignResponse{RecordingID: recordingID}
	for _, seq := range seqs {
		sig, expires := h.signer.Sign(recordingID, seq, now)
		resp.Chunks = append(resp.Chunks, model.PresignedChunk{
			Seq: seq,
			URL: fmt.Sprintf("%s://%s%s/storage/%s/%d?%s=%s&%s=%d",
				requestScheme(c), c.Request.Host, constants.PathAPIPrefix,
				recordingID, seq,
				constants.QuerySignature, sig,
				constants.QueryExpires, expires),
			ExpiresAt: expires,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// PostMetadata godoc
// POST /recordings/:id/metadata
func (h *UploadHandler) PostMetadata(c *gin.Context) {
	recordingID := c.Param("id")
	if recordingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recording_id required"})
		return
	}
	var req model.MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if err := h.svc.SaveRecordingMetadata(recordingID, req); err != nil {
		if errors.Is(err, errs.ErrRecordingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
			return
		}
		h.logger.Error("save metadata", zap.String("recording_id", recordingID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save metadata"})
		return
	}
	c.Status(http.StatusNoContent)
}

func chunkParams(c *gin.Context) (recordingID string, seq int, ok bool) {
	recordingID = c.Param("id")
	if recordingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recording_id required"})
		return "", 0, false
	}
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return "", 0, false
	}
	return recordingID, seq, true
}

func parseSeqs(raw string) ([]int, error) {
	if raw == "" {
		return nil, errors.New(constants.QuerySeqs + " query parameter required")
	}
	parts := strings.Split(raw, ",")
	seqs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid seq %q", p)
		}
		seqs = append(seqs, n)
	}
	return seqs, nil
}

func requestScheme(c *gin.Context) string {
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if c.Request.TLS != nil {
		return "https"
	}
	return "http"
}
