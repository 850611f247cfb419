package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/henteko/maycast-recorder-sub000/internal/model"
	"github.com/henteko/maycast-recorder-sub000/pkg/constants"
)

func TestHTTPRemoteUploadChunk(t *testing.T) {
	var gotPath, gotDigest, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotDigest = r.Header.Get(constants.HeaderChunkSHA256)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	err := r.UploadChunk(context.Background(), "rec1", 3, []byte("payload"), "abc123")
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if want := "/api/v1/recordings/rec1/chunks/3"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotDigest != "abc123" {
		t.Errorf("digest header = %q, want abc123", gotDigest)
	}
	if gotBody != "payload" {
		t.Errorf("body = %q, want payload", gotBody)
	}
}

func TestHTTPRemoteTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	if err := r.UploadChunk(context.Background(), "rec1", 0, []byte("x"), "d"); err != nil {
		t.Fatalf("UploadChunk on 409 = %v, want nil (already stored)", err)
	}
}

func TestHTTPRemoteSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	err := r.UploadChunk(context.Background(), "rec1", 0, []byte("x"), "d")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("UploadChunk = %v, want status error", err)
	}
}

func TestHTTPRemotePostMetadata(t *testing.T) {
	var got model.MetadataRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	info := model.SyncInfo{ScheduledStartTime: 100, ActualStartTime: 101, ClockOffsetMs: 2.5, SyncSampleCount: 10}
	if err := r.PostMetadata(context.Background(), "rec1", model.MetadataRequest{SyncInfo: info}); err != nil {
		t.Fatalf("PostMetadata: %v", err)
	}
	if want := "/api/v1/recordings/rec1/metadata"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if got.SyncInfo != info {
		t.Errorf("posted sync_info = %+v, want %+v", got.SyncInfo, info)
	}
}

// presignTestServer serves presign batches pointing back at itself and
// accepts signed PUTs.
func presignTestServer(t *testing.T, presignCalls, putCalls *atomic.Int32, failFirstPut bool) *httptest.Server {
	t.Helper()
	var failed atomic.Bool
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/presign"):
			presignCalls.Add(1)
			var chunks []model.PresignedChunk
			for _, s := range strings.Split(r.URL.Query().Get(constants.QuerySeqs), ",") {
				chunks = append(chunks, model.PresignedChunk{
					Seq:       atoi(t, s),
					URL:       fmt.Sprintf("%s/signed/rec1/%s?%s=deadbeef&%s=%d", srv.URL, s, constants.QuerySignature, constants.QueryExpires, time.Now().Unix()+300),
					ExpiresAt: time.Now().Unix() + 300,
				})
			}
			json.NewEncoder(w).Encode(model.PresignResponse{RecordingID: "rec1", Chunks: chunks})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/signed/"):
			putCalls.Add(1)
			if r.URL.Query().Get(constants.QuerySignature) == "" {
				http.Error(w, "missing signature", http.StatusForbidden)
				return
			}
			if failFirstPut && failed.CompareAndSwap(false, true) {
				http.Error(w, "signature expired", http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	return srv
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		t.Fatalf("bad seq %q: %v", s, err)
	}
	return n
}

func TestPresignedRemoteFetchesAndCachesURLs(t *testing.T) {
	var presignCalls, putCalls atomic.Int32
	srv := presignTestServer(t, &presignCalls, &putCalls, false)
	defer srv.Close()

	r := NewPresignedRemote(srv.URL, nil)
	if err := r.Prefetch(context.Background(), "rec1", []int{0, 1, 2}); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if got := presignCalls.Load(); got != 1 {
		t.Fatalf("presign calls after Prefetch = %d, want 1", got)
	}

	for seq := 0; seq < 3; seq++ {
		if err := r.UploadChunk(context.Background(), "rec1", seq, []byte("x"), "d"); err != nil {
			t.Fatalf("UploadChunk(%d): %v", seq, err)
		}
	}
	if got := presignCalls.Load(); got != 1 {
		t.Errorf("presign calls after uploads = %d, want 1 (cached)", got)
	}
	if got := putCalls.Load(); got != 3 {
		t.Errorf("put calls = %d, want 3", got)
	}
}

func TestPresignedRemoteFetchesOnDemand(t *testing.T) {
	var presignCalls, putCalls atomic.Int32
	srv := presignTestServer(t, &presignCalls, &putCalls, false)
	defer srv.Close()

	r := NewPresignedRemote(srv.URL, nil)
	if err := r.UploadChunk(context.Background(), "rec1", 7, []byte("x"), "d"); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if got := presignCalls.Load(); got != 1 {
		t.Errorf("presign calls = %d, want 1", got)
	}
}

func TestPresignedRemoteRefreshesRejectedURL(t *testing.T) {
	var presignCalls, putCalls atomic.Int32
	srv := presignTestServer(t, &presignCalls, &putCalls, true)
	defer srv.Close()

	r := NewPresignedRemote(srv.URL, nil)
	if err := r.UploadChunk(context.Background(), "rec1", 0, []byte("x"), "d"); err != nil {
		t.Fatalf("UploadChunk with one rejection = %v, want refreshed success", err)
	}
	if got := presignCalls.Load(); got != 2 {
		t.Errorf("presign calls = %d, want 2 (initial + refresh)", got)
	}
	if got := putCalls.Load(); got != 2 {
		t.Errorf("put calls = %d, want 2", got)
	}
}
