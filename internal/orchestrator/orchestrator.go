// Package orchestrator binds the assembly, verification, deduplication,
// cleanup, and store packages into the three public upload operations:
// create_session, upload_chunk, and complete_session. It is the only
// package allowed to sequence them; no other package calls more than one
// of assembly/verify/dedup/cleanup/store directly.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/aether3d/ingest/internal/assembly"
	"github.com/aether3d/ingest/internal/cleanup"
	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/dedup"
	"github.com/aether3d/ingest/internal/domain"
	"github.com/aether3d/ingest/internal/ingesterr"
	"github.com/aether3d/ingest/internal/verify"
)

// Store is the full persistence surface the orchestrator depends on.
type Store interface {
	CreateSession(ctx context.Context, sess *domain.UploadSession) error
	GetSession(ctx context.Context, id, userID string) (*domain.UploadSession, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	InsertChunk(ctx context.Context, c *domain.Chunk) error
	GetChunk(ctx context.Context, uploadID string, chunkIndex int) (*domain.Chunk, error)
	ListChunks(ctx context.Context, uploadID string) ([]*domain.Chunk, error)
	PublishJob(ctx context.Context, sessionID string, job *domain.Job, event *domain.TimelineEvent) error
}

// Clock is injected so tests can control expires_at/created_at without
// depending on wall-clock time.
type Clock func() time.Time

// Orchestrator sequences the engine's three public operations.
type Orchestrator struct {
	store    Store
	assembly *assembly.Engine
	dedup    *dedup.Engine
	cleanup  *cleanup.Engine
	log      *slog.Logger
	now      Clock
}

func New(store Store, asm *assembly.Engine, dd *dedup.Engine, cl *cleanup.Engine, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, assembly: asm, dedup: dd, cleanup: cl, log: logger, now: time.Now}
}

// CreateSessionRequest mirrors the POST /uploads wire request.
type CreateSessionRequest struct {
	UserID           string
	CaptureSource    string
	CaptureSessionID string
	BundleHash       string
	BundleSize       int64
	ChunkCount       int
}

// CreateSessionResult mirrors the POST /uploads wire response. When
// InstantUpload is true the caller need not upload anything; ExistingJobID
// names the job that already covers this content.
type CreateSessionResult struct {
	UploadID      string
	ChunkSize     int64
	ExpiresAt     time.Time
	InstantUpload bool
	ExistingJobID string
}

// CreateSession validates the request, runs Tier-2 per-user cleanup,
// checks dedup Path 1 (instant upload), checks disk quota, and persists a
// new UploadSession. Validation order matches the reference handler:
// capture source, then size caps, then the active-session cap.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	if req.CaptureSource != contract.CaptureSourceCamera {
		return nil, ingesterr.New(ingesterr.KindInvalidRequest, "only aether_camera capture is allowed")
	}
	if req.BundleSize > contract.MaxBundleSizeBytes {
		return nil, ingesterr.New(ingesterr.KindInvalidRequest, "bundle_size exceeds 500 MiB limit")
	}
	if req.ChunkCount <= 0 || req.ChunkCount > contract.MaxChunkCount {
		return nil, ingesterr.New(ingesterr.KindInvalidRequest, "chunk_count exceeds 200 limit")
	}
	if !contract.HashPattern.MatchString(req.BundleHash) {
		return nil, ingesterr.New(ingesterr.KindInvalidRequest, "bundle_hash is not a 64-char lower-hex SHA-256")
	}

	now := o.now()

	// Tier-2 cleanup runs before the active-session count so a stale
	// session never occupies the user's cap slot.
	o.cleanup.Tier2(ctx, req.UserID, now)

	active, err := o.store.CountActiveSessions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active >= contract.MaxActiveSessionsPerUser {
		return nil, ingesterr.New(ingesterr.KindStateConflict, "user already has an active upload session")
	}

	decision, err := o.dedup.CheckPreUpload(ctx, req.BundleHash, req.UserID)
	if err != nil {
		return nil, err
	}
	if decision.Outcome == dedup.InstantUpload {
		return &CreateSessionResult{InstantUpload: true, ExistingJobID: decision.ExistingJobID}, nil
	}

	if err := o.assembly.CheckQuota(); err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	expiresAt := now.Add(contract.UploadExpiryHours * time.Hour)
	sess := &domain.UploadSession{
		ID:               uploadID,
		UserID:           req.UserID,
		CaptureSessionID: req.CaptureSessionID,
		BundleHash:       req.BundleHash,
		BundleSize:       req.BundleSize,
		ChunkCount:       req.ChunkCount,
		Status:           domain.SessionInProgress,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &CreateSessionResult{
		UploadID:  uploadID,
		ChunkSize: contract.ChunkSizeBytes,
		ExpiresAt: expiresAt,
	}, nil
}

// UploadChunkRequest mirrors the PATCH /uploads/{id}/chunks wire request.
type UploadChunkRequest struct {
	UserID     string
	UploadID   string
	ChunkIndex int
	Data       []byte
	ChunkHash  string
}

// UploadChunkResult mirrors the wire response, including the teacher's
// idempotent-duplicate "already_present" status.
type UploadChunkResult struct {
	ChunkIndex    int
	ChunkStatus   string // "stored" | "already_present"
	ReceivedSize  int
	TotalReceived int
	TotalChunks   int
}

// UploadChunk persists one chunk. A duplicate upload of the same index
// with the same hash is idempotent and returns "already_present"; the
// same index with a different hash is a state conflict.
func (o *Orchestrator) UploadChunk(ctx context.Context, req UploadChunkRequest) (*UploadChunkResult, error) {
	sess, err := o.store.GetSession(ctx, req.UploadID, req.UserID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.SessionInProgress {
		return nil, ingesterr.New(ingesterr.KindStateConflict, "upload session is not in progress")
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= sess.ChunkCount {
		return nil, ingesterr.New(ingesterr.KindInvalidRequest, "chunk_index out of range for this session")
	}

	existing, err := o.store.GetChunk(ctx, req.UploadID, req.ChunkIndex)
	if err != nil {
		return nil, err
	}
	status := "stored"
	if existing != nil {
		if !verify.ConstantTimeHexEqual(existing.ChunkHash, req.ChunkHash) {
			return nil, ingesterr.New(ingesterr.KindStateConflict, "chunk already exists with a different hash")
		}
		status = "already_present"
	} else {
		if _, err := o.assembly.PersistChunk(req.UploadID, req.ChunkIndex, req.Data, req.ChunkHash); err != nil {
			return nil, err
		}
		if err := o.store.InsertChunk(ctx, &domain.Chunk{
			ID:         uuid.NewString(),
			UploadID:   req.UploadID,
			ChunkIndex: req.ChunkIndex,
			ChunkHash:  req.ChunkHash,
			CreatedAt:  o.now(),
		}); err != nil {
			return nil, err
		}
	}

	chunks, err := o.store.ListChunks(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}

	return &UploadChunkResult{
		ChunkIndex:    req.ChunkIndex,
		ChunkStatus:   status,
		ReceivedSize:  len(req.Data),
		TotalReceived: len(chunks),
		TotalChunks:   sess.ChunkCount,
	}, nil
}

// GetChunksResult mirrors the GET /uploads/{id}/chunks wire response.
type GetChunksResult struct {
	UploadID       string
	ReceivedChunks []int
	MissingChunks  []int
	TotalChunks    int
	Status         domain.SessionStatus
	ExpiresAt      time.Time
}

// GetChunks reports which chunk indices have been received, for client
// resume logic.
func (o *Orchestrator) GetChunks(ctx context.Context, userID, uploadID string) (*GetChunksResult, error) {
	sess, err := o.store.GetSession(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	chunks, err := o.store.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	received := make(map[int]bool, len(chunks))
	receivedList := make([]int, 0, len(chunks))
	for _, c := range chunks {
		received[c.ChunkIndex] = true
		receivedList = append(receivedList, c.ChunkIndex)
	}
	var missing []int
	for i := 0; i < sess.ChunkCount; i++ {
		if !received[i] {
			missing = append(missing, i)
		}
	}

	return &GetChunksResult{
		UploadID:       uploadID,
		ReceivedChunks: receivedList,
		MissingChunks:  missing,
		TotalChunks:    sess.ChunkCount,
		Status:         sess.Status,
		ExpiresAt:      sess.ExpiresAt,
	}, nil
}

// CompleteSessionResult mirrors the POST /uploads/{id}/complete wire
// response.
type CompleteSessionResult struct {
	UploadID   string
	BundleHash string
	Status     string
	JobID      string
}

// MissingChunksError is returned when complete_session is called before
// every chunk has arrived; Missing carries the full gap set so the client
// knows exactly what to resend.
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return "upload session is missing chunks"
}

// CompleteSession verifies ownership, hash agreement, and chunk
// completeness (fast count check, slow missing-index computation only on
// mismatch), assembles and verifies the bundle, resolves dedup Path 2,
// and publishes the Job in a single transaction. On any failure after
// assembly it deletes the bundle file and runs Tier-1 cleanup before
// returning: a verification or dedup-lookup error is returned as is, a
// publication failure as a retryable KindStoreFailed error.
func (o *Orchestrator) CompleteSession(ctx context.Context, userID, uploadID, declaredBundleHash string) (*CompleteSessionResult, error) {
	sess, err := o.store.GetSession(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	if !verify.ConstantTimeHexEqual(sess.BundleHash, declaredBundleHash) {
		return nil, ingesterr.New(ingesterr.KindStateConflict, "declared bundle_hash does not match the session")
	}

	chunks, err := o.store.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(chunks) != sess.ChunkCount {
		missing := missingIndices(chunks, sess.ChunkCount)
		return nil, &MissingChunksError{Missing: missing}
	}

	records := make([]assembly.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = assembly.ChunkRecord{ChunkIndex: c.ChunkIndex, ChunkHash: c.ChunkHash}
	}

	result, err := o.assembly.AssembleBundle(uploadID, sess.BundleHash, sess.BundleSize, records)
	if err != nil {
		return nil, err
	}

	readChunk := func(idx int) ([]byte, error) {
		path, err := o.assembly.ChunkPath(uploadID, idx)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}

	receipt, vErr := verify.Verify(verify.Input{
		DeclaredBundleHash: sess.BundleHash,
		DeclaredBundleSize: sess.BundleSize,
		MeasuredBundleSize: result.TotalBytes,
		ComputedBundleHash: result.SHA256,
		ChunkRecords:       toVerifyRecords(records),
		ChunkLeafHashes:    result.ChunkLeafHashes,
		ReadChunkBytes:     readChunk,
	})
	if vErr != nil {
		o.abortAfterAssembly(uploadID, result.BundlePath)
		return nil, vErr
	}
	o.log.Debug("bundle verified",
		"upload_id", uploadID,
		"bundle_hash", sess.BundleHash,
		"mode", receipt.Mode,
		"bundle_size", humanize.IBytes(uint64(result.TotalBytes)),
	)

	reuse, err := o.dedup.CheckPostAssembly(ctx, sess.BundleHash, userID)
	if err != nil {
		o.abortAfterAssembly(uploadID, result.BundlePath)
		return nil, err
	}
	if reuse.Outcome == dedup.ReuseBundle {
		removeBundleFile(result.BundlePath)
		o.cleanup.Tier1(uploadID)
		return &CompleteSessionResult{
			UploadID:   uploadID,
			BundleHash: sess.BundleHash,
			Status:     "completed",
			JobID:      reuse.ExistingJobID,
		}, nil
	}

	jobID := uuid.NewString()
	now := o.now()
	job := &domain.Job{ID: jobID, UserID: userID, BundleHash: sess.BundleHash, State: domain.JobQueued, CreatedAt: now}
	event := &domain.TimelineEvent{ID: uuid.NewString(), JobID: jobID, Timestamp: now, FromState: nil, ToState: domain.JobQueued, Trigger: "job_created"}

	if err := o.store.PublishJob(ctx, uploadID, job, event); err != nil {
		removeBundleFile(result.BundlePath)
		o.cleanup.Tier1(uploadID)
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "publishing job after successful assembly", err).WithLayer("orchestrator")
	}

	o.cleanup.Tier1(uploadID)

	return &CompleteSessionResult{
		UploadID:   uploadID,
		BundleHash: sess.BundleHash,
		Status:     "completed",
		JobID:      jobID,
	}, nil
}

func (o *Orchestrator) abortAfterAssembly(uploadID, bundlePath string) {
	removeBundleFile(bundlePath)
	o.cleanup.Tier1(uploadID)
}

func missingIndices(chunks []*domain.Chunk, chunkCount int) []int {
	received := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		received[c.ChunkIndex] = true
	}
	var missing []int
	for i := 0; i < chunkCount; i++ {
		if !received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func toVerifyRecords(recs []assembly.ChunkRecord) []verify.ChunkRecord {
	out := make([]verify.ChunkRecord, len(recs))
	for i, r := range recs {
		out[i] = verify.ChunkRecord{Index: r.ChunkIndex, Hash: r.ChunkHash}
	}
	return out
}

// removeBundleFile best-effort deletes a bundle file written by a failed
// or superseded assembly. Errors are swallowed; Tier-3 cleanup is the
// backstop for anything left behind.
func removeBundleFile(path string) {
	if path == "" {
		return
	}
	os.Remove(path)
}
