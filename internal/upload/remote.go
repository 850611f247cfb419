package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/pkg/constants"
)

// presignBulkTimeout budgets one batch URL fetch when the caller has no
// tighter deadline.
const presignBulkTimeout = 60 * time.Second

// expirySlack refuses cached presigned URLs this close to expiry.
const expirySlack = 5 // seconds

// HTTPRemote uploads chunks and metadata straight to the coordinator's
// REST API.
type HTTPRemote struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

// NewHTTPRemote creates a direct-mode remote. Per-request deadlines come
// from the caller's context, not the client.
func NewHTTPRemote(baseURL string, log *zap.Logger) *HTTPRemote {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPRemote{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{},
		log:    log,
	}
}

// UploadChunk PUTs one chunk with its integrity digest.
func (r *HTTPRemote) UploadChunk(ctx context.Context, recordingID string, seq int, data []byte, digest string) error {
	url := fmt.Sprintf("%s%s/recordings/%s/chunks/%d", r.base, constants.PathAPIPrefix, recordingID, seq)
	return putChunk(ctx, r.client, url, data, digest)
}

// PostMetadata uploads the recording's sync metadata.
func (r *HTTPRemote) PostMetadata(ctx context.Context, recordingID string, req model.MetadataRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("upload: marshal metadata: %w", err)
	}
	url := fmt.Sprintf("%s%s/recordings/%s/metadata", r.base, constants.PathAPIPrefix, recordingID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload: build metadata request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload: post metadata: %w", err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload: post metadata: unexpected status %s", resp.Status)
	}
	return nil
}

// PresignedRemote uploads chunks against signed URLs minted by the
// coordinator. Metadata posting is inherited from the direct remote; only
// the chunk path differs.
type PresignedRemote struct {
	*HTTPRemote

	mu   sync.Mutex
	urls map[string]map[int]model.PresignedChunk
}

// NewPresignedRemote creates a presigned-mode remote.
func NewPresignedRemote(baseURL string, log *zap.Logger) *PresignedRemote {
	return &PresignedRemote{
		HTTPRemote: NewHTTPRemote(baseURL, log),
		urls:       make(map[string]map[int]model.PresignedChunk),
	}
}

// UploadChunk PUTs one chunk to its presigned URL, fetching the URL on
// demand. An upload rejected mid-flight (typically an expired signature)
// is retried once against a freshly minted URL.
func (r *PresignedRemote) UploadChunk(ctx context.Context, recordingID string, seq int, data []byte, digest string) error {
	url, err := r.chunkURL(ctx, recordingID, seq)
	if err != nil {
		return err
	}
	if err := putChunk(ctx, r.client, url, data, digest); err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.invalidate(recordingID, seq)
		fresh, refreshErr := r.chunkURL(ctx, recordingID, seq)
		if refreshErr != nil {
			return err
		}
		return putChunk(ctx, r.client, fresh, data, digest)
	}
	return nil
}

// Prefetch mints URLs for a batch of chunk slots in one round-trip. Drain
// callers use it to avoid a per-chunk presign exchange.
func (r *PresignedRemote) Prefetch(ctx context.Context, recordingID string, seqs []int) error {
	if len(seqs) == 0 {
		return nil
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, presignBulkTimeout)
		defer cancel()
	}
	return r.fetch(ctx, recordingID, seqs)
}

func (r *PresignedRemote) chunkURL(ctx context.Context, recordingID string, seq int) (string, error) {
	r.mu.Lock()
	if c, ok := r.urls[recordingID][seq]; ok && c.ExpiresAt > time.Now().Unix()+expirySlack {
		r.mu.Unlock()
		return c.URL, nil
	}
	r.mu.Unlock()

	if err := r.fetch(ctx, recordingID, []int{seq}); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.urls[recordingID][seq]
	if !ok {
		return "", fmt.Errorf("upload: presign response missing seq %d", seq)
	}
	return c.URL, nil
}

func (r *PresignedRemote) fetch(ctx context.Context, recordingID string, seqs []int) error {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.Itoa(s)
	}
	url := fmt.Sprintf("%s%s/recordings/%s/presign?%s=%s",
		r.base, constants.PathAPIPrefix, recordingID, constants.QuerySeqs, strings.Join(parts, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("upload: build presign request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: fetch presigned urls: %w", err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload: fetch presigned urls: unexpected status %s", resp.Status)
	}
	var presign model.PresignResponse
	if err := json.NewDecoder(resp.Body).Decode(&presign); err != nil {
		return fmt.Errorf("upload: decode presign response: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.urls[recordingID]
	if m == nil {
		m = make(map[int]model.PresignedChunk)
		r.urls[recordingID] = m
	}
	for _, c := range presign.Chunks {
		m[c.Seq] = c
	}
	return nil
}

func (r *PresignedRemote) invalidate(recordingID string, seq int) {
	r.mu.Lock()
	delete(r.urls[recordingID], seq)
	r.mu.Unlock()
}

func putChunk(ctx context.Context, client *http.Client, url string, data []byte, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload: build chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(constants.HeaderChunkSHA256, digest)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: put chunk: %w", err)
	}
	defer drainClose(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// An earlier attempt landed; the server holds the chunk already.
		return nil
	default:
		return fmt.Errorf("upload: put chunk: unexpected status %s", resp.Status)
	}
}

func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
