package wire

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aether3d/ingest/internal/assembly"
	"github.com/aether3d/ingest/internal/cleanup"
	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/dedup"
	"github.com/aether3d/ingest/internal/diskquota"
	"github.com/aether3d/ingest/internal/domain"
	"github.com/aether3d/ingest/internal/ingesterr"
	"github.com/aether3d/ingest/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashHex(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// fakeStore is a minimal in-memory implementation of orchestrator.Store
// and dedup.JobFinder, sized to exercise the wire layer's request/
// response mapping rather than persistence semantics (already covered by
// internal/orchestrator's own test suite).
type fakeStore struct {
	sessions map[string]*domain.UploadSession
	chunks   map[string][]*domain.Chunk
	jobs     map[string]*domain.Job
	active   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*domain.UploadSession{},
		chunks:   map[string][]*domain.Chunk{},
		jobs:     map[string]*domain.Job{},
		active:   map[string]int{},
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, sess *domain.UploadSession) error {
	f.sessions[sess.ID] = sess
	f.active[sess.UserID]++
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id, userID string) (*domain.UploadSession, error) {
	sess, ok := f.sessions[id]
	if !ok || sess.UserID != userID {
		return nil, ingesterr.New(ingesterr.KindNotFound, "upload session not found")
	}
	return sess, nil
}

func (f *fakeStore) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	return f.active[userID], nil
}

func (f *fakeStore) InsertChunk(ctx context.Context, c *domain.Chunk) error {
	f.chunks[c.UploadID] = append(f.chunks[c.UploadID], c)
	return nil
}

func (f *fakeStore) GetChunk(ctx context.Context, uploadID string, chunkIndex int) (*domain.Chunk, error) {
	for _, c := range f.chunks[uploadID] {
		if c.ChunkIndex == chunkIndex {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListChunks(ctx context.Context, uploadID string) ([]*domain.Chunk, error) {
	return f.chunks[uploadID], nil
}

func (f *fakeStore) FindLiveJob(ctx context.Context, bundleHash, userID string) (*domain.Job, error) {
	job, ok := f.jobs[bundleHash+"|"+userID]
	if !ok || !domain.LiveDuplicateStates[job.State] {
		return nil, nil
	}
	return job, nil
}

func (f *fakeStore) PublishJob(ctx context.Context, sessionID string, job *domain.Job, event *domain.TimelineEvent) error {
	sess := f.sessions[sessionID]
	sess.Status = domain.SessionCompleted
	f.jobs[job.BundleHash+"|"+job.UserID] = job
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	root := t.TempDir()
	st := newFakeStore()
	quota := diskquota.NewGate(root, 0.999, 0.9999)
	asm := assembly.NewEngine(root, quota)
	dd := dedup.NewEngine(st)
	cl := cleanup.NewEngine(fakeCleanupStore{}, root, testLogger())
	orch := orchestrator.New(st, asm, dd, cl, testLogger())

	userID := func(r *http.Request) (string, error) {
		uid := r.Header.Get("X-Test-User")
		if uid == "" {
			return "", ingesterr.New(ingesterr.KindAuthFailed, "missing X-Test-User header")
		}
		return uid, nil
	}

	router := NewRouter(orch, testLogger(), userID)
	return httptest.NewServer(router), st
}

func TestHandleCreateSession_HappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(createSessionRequestDTO{
		CaptureSource:    contract.CaptureSourceCamera,
		CaptureSessionID: "scan-1",
		BundleHash:       hashHex([]byte("bundle-a")),
		BundleSize:       10,
		ChunkCount:       1,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var out createSessionResponseDTO
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.UploadID == "" {
		t.Fatal("expected non-empty upload_id")
	}
	if out.ChunkSize != contract.ChunkSizeBytes {
		t.Fatalf("expected chunk_size %d, got %d", contract.ChunkSizeBytes, out.ChunkSize)
	}
}

func TestHandleCreateSession_MissingAuthReturnsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(createSessionRequestDTO{CaptureSource: contract.CaptureSourceCamera})
	resp, err := http.Post(srv.URL+"/uploads", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var wireErr contract.WireError
	if err := json.NewDecoder(resp.Body).Decode(&wireErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if wireErr.Code != contract.CodeAuthFailed {
		t.Fatalf("expected CodeAuthFailed, got %v", wireErr.Code)
	}
}

func TestHandleCreateSession_RejectsNonCameraSource(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(createSessionRequestDTO{
		CaptureSource: "not_the_camera",
		BundleHash:    hashHex([]byte("bundle-b")),
		BundleSize:    10,
		ChunkCount:    1,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleCreateSession_InstantUpload(t *testing.T) {
	srv, st := newTestServer(t)
	defer srv.Close()

	bundleHash := hashHex([]byte("already-uploaded"))
	st.jobs[bundleHash+"|user-1"] = &domain.Job{
		ID:         "existing-job-1",
		UserID:     "user-1",
		BundleHash: bundleHash,
		State:      domain.JobCompleted,
		CreatedAt:  time.Now().UTC(),
	}

	body, _ := json.Marshal(createSessionRequestDTO{
		CaptureSource: contract.CaptureSourceCamera,
		BundleHash:    bundleHash,
		BundleSize:    10,
		ChunkCount:    1,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out createSessionResponseDTO
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.UploadID != "instant" {
		t.Fatalf("expected upload_id %q, got %q", "instant", out.UploadID)
	}
	if out.Status != "completed" {
		t.Fatalf("expected status %q, got %q", "completed", out.Status)
	}
	if out.JobID != "existing-job-1" {
		t.Fatalf("expected job_id %q, got %q", "existing-job-1", out.JobID)
	}
}

func TestUploadChunkAndCompleteSession_HappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	chunkData := bytes.Repeat([]byte{0x42}, 16)
	bundleHash := hashHex(chunkData)

	createBody, _ := json.Marshal(createSessionRequestDTO{
		CaptureSource: contract.CaptureSourceCamera,
		BundleHash:    bundleHash,
		BundleSize:    int64(len(chunkData)),
		ChunkCount:    1,
	})
	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads", bytes.NewReader(createBody))
	createReq.Header.Set("X-Test-User", "user-1")
	createResp, err := http.DefaultClient.Do(createReq)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	var created createSessionResponseDTO
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()
	if created.UploadID == "" {
		t.Fatalf("expected upload id, got %+v", created)
	}

	chunkHash := hashHex(chunkData)
	chunkReq, _ := http.NewRequest(http.MethodPatch, srv.URL+"/uploads/"+created.UploadID+"/chunks", bytes.NewReader(chunkData))
	chunkReq.Header.Set("X-Test-User", "user-1")
	chunkReq.Header.Set("X-Chunk-Index", "0")
	chunkReq.Header.Set("X-Chunk-Hash", chunkHash)
	chunkReq.ContentLength = int64(len(chunkData))
	chunkResp, err := http.DefaultClient.Do(chunkReq)
	if err != nil {
		t.Fatalf("chunk upload failed: %v", err)
	}
	if chunkResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", chunkResp.StatusCode)
	}
	chunkResp.Body.Close()

	completeBody, _ := json.Marshal(completeSessionRequestDTO{BundleHash: bundleHash})
	completeReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads/"+created.UploadID+"/complete", bytes.NewReader(completeBody))
	completeReq.Header.Set("X-Test-User", "user-1")
	completeResp, err := http.DefaultClient.Do(completeReq)
	if err != nil {
		t.Fatalf("complete request failed: %v", err)
	}
	defer completeResp.Body.Close()
	if completeResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", completeResp.StatusCode)
	}

	var out completeSessionResponseDTO
	json.NewDecoder(completeResp.Body).Decode(&out)
	if out.Status != "completed" {
		t.Fatalf("expected status completed, got %q", out.Status)
	}
	if out.JobID == "" {
		t.Fatal("expected non-empty job_id")
	}
}

func TestHandleCompleteSession_MissingChunksReturnsDetails(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	bundleHash := hashHex([]byte("never-uploaded"))
	createBody, _ := json.Marshal(createSessionRequestDTO{
		CaptureSource: contract.CaptureSourceCamera,
		BundleHash:    bundleHash,
		BundleSize:    32,
		ChunkCount:    2,
	})
	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads", bytes.NewReader(createBody))
	createReq.Header.Set("X-Test-User", "user-2")
	createResp, _ := http.DefaultClient.Do(createReq)
	var created createSessionResponseDTO
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	completeBody, _ := json.Marshal(completeSessionRequestDTO{BundleHash: bundleHash})
	completeReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/uploads/"+created.UploadID+"/complete", bytes.NewReader(completeBody))
	completeReq.Header.Set("X-Test-User", "user-2")
	completeResp, err := http.DefaultClient.Do(completeReq)
	if err != nil {
		t.Fatalf("complete request failed: %v", err)
	}
	defer completeResp.Body.Close()
	if completeResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", completeResp.StatusCode)
	}

	var wireErr contract.WireError
	json.NewDecoder(completeResp.Body).Decode(&wireErr)
	if wireErr.Details == nil {
		t.Fatal("expected details with missing chunk list")
	}
}

// fakeCleanupStore satisfies cleanup.SessionStore with no expired/active
// sessions, enough to exercise Tier1/Tier2 calls the orchestrator makes
// inline without a real database.
type fakeCleanupStore struct{}

func (fakeCleanupStore) ExpiredSessionsForUser(ctx context.Context, userID string, now time.Time) ([]*domain.UploadSession, error) {
	return nil, nil
}
func (fakeCleanupStore) AllExpiredSessions(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	return nil, nil
}
func (fakeCleanupStore) ActiveSessionIDs(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (fakeCleanupStore) ExpireSession(ctx context.Context, id string) error {
	return nil
}
