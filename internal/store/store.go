// Package store is the relational persistence layer for upload_sessions,
// chunks, jobs, and timeline_events. It is the authority the rest of the
// engine treats in-memory records as snapshots of: no back-pointers, no
// ORM graph, values loaded fresh per operation. Schema migrations are out
// of scope for this engine (an external collaborator's job); Open issues
// a single idempotent CREATE TABLE IF NOT EXISTS pass instead.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aether3d/ingest/internal/domain"
	"github.com/aether3d/ingest/internal/ingesterr"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	capture_session_id TEXT NOT NULL,
	bundle_hash TEXT NOT NULL,
	bundle_size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_user_status ON upload_sessions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_upload_sessions_expiry ON upload_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	upload_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(upload_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	bundle_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_hash_user_state ON jobs(bundle_hash, user_id, state);

CREATE TABLE IF NOT EXISTS timeline_events (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	from_state TEXT,
	to_state TEXT NOT NULL,
	trigger TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeline_events_job ON timeline_events(job_id);
`

// Store wraps a *sqlx.DB with the queries the engine needs.
type Store struct {
	db *sqlx.DB
}

// Open connects to driver/dsn and ensures the schema exists.
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under the engine's one-writer-per-session assumption (spec §5).
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	ID               string    `db:"id"`
	UserID           string    `db:"user_id"`
	CaptureSessionID string    `db:"capture_session_id"`
	BundleHash       string    `db:"bundle_hash"`
	BundleSize       int64     `db:"bundle_size"`
	ChunkCount       int       `db:"chunk_count"`
	Status           string    `db:"status"`
	ExpiresAt        time.Time `db:"expires_at"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r sessionRow) toDomain() *domain.UploadSession {
	return &domain.UploadSession{
		ID:               r.ID,
		UserID:           r.UserID,
		CaptureSessionID: r.CaptureSessionID,
		BundleHash:       r.BundleHash,
		BundleSize:       r.BundleSize,
		ChunkCount:       r.ChunkCount,
		Status:           domain.SessionStatus(r.Status),
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt,
	}
}

// CreateSession inserts a new upload session row.
func (s *Store) CreateSession(ctx context.Context, sess *domain.UploadSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (id, user_id, capture_session_id, bundle_hash, bundle_size, chunk_count, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CaptureSessionID, sess.BundleHash, sess.BundleSize, sess.ChunkCount,
		string(sess.Status), sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "inserting upload session", err)
	}
	return nil
}

// GetSession fetches a session scoped to userID. Returns a not-found
// error (never distinguishing "missing" from "belongs to another user")
// so the caller can collapse both cases to a single 404, per the
// orchestrator's anti-enumeration contract.
func (s *Store) GetSession(ctx context.Context, id, userID string) (*domain.UploadSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, capture_session_id, bundle_hash, bundle_size, chunk_count, status, expires_at, created_at
		FROM upload_sessions WHERE id = ? AND user_id = ?`, id, userID)
	if err == sql.ErrNoRows {
		return nil, ingesterr.New(ingesterr.KindNotFound, "upload session not found")
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying upload session", err)
	}
	return row.toDomain(), nil
}

// CountActiveSessions returns the number of in_progress sessions owned by
// userID, used to enforce the per-user active-session cap.
func (s *Store) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM upload_sessions WHERE user_id = ? AND status = ?`,
		userID, string(domain.SessionInProgress))
	if err != nil {
		return 0, ingesterr.Wrap(ingesterr.KindStoreFailed, "counting active sessions", err)
	}
	return n, nil
}

// ExpiredSessionsForUser returns in_progress sessions owned by userID
// whose expiry has passed (Tier-2 cleanup candidates).
func (s *Store) ExpiredSessionsForUser(ctx context.Context, userID string, now time.Time) ([]*domain.UploadSession, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, capture_session_id, bundle_hash, bundle_size, chunk_count, status, expires_at, created_at
		FROM upload_sessions WHERE user_id = ? AND status = ? AND expires_at < ?`,
		userID, string(domain.SessionInProgress), now)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying expired sessions for user", err)
	}
	out := make([]*domain.UploadSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// AllExpiredSessions returns every in_progress session, across all users,
// whose expiry has passed (Tier-3 global sweep).
func (s *Store) AllExpiredSessions(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, capture_session_id, bundle_hash, bundle_size, chunk_count, status, expires_at, created_at
		FROM upload_sessions WHERE status = ? AND expires_at < ?`,
		string(domain.SessionInProgress), now)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying all expired sessions", err)
	}
	out := make([]*domain.UploadSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ActiveSessionIDs returns every session id not in a terminal state, used
// by the Tier-3 orphan sweep to decide which on-disk directories are live.
func (s *Store) ActiveSessionIDs(ctx context.Context) (map[string]bool, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM upload_sessions WHERE status = ?`,
		string(domain.SessionInProgress))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying session ids", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// ExpireSession marks a session expired. Must be committed before any
// file deletion (Tier-2/Tier-3 DB-before-file ordering invariant).
func (s *Store) ExpireSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE upload_sessions SET status = ? WHERE id = ?`,
		string(domain.SessionExpired), id)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "expiring session", err)
	}
	return nil
}

// InsertChunk records a received, hash-verified chunk. The caller must
// have already fsync'd and renamed the chunk file into place (file
// fsync-then-rename first, database row second, per spec §4.5).
func (s *Store) InsertChunk(ctx context.Context, c *domain.Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, upload_id, chunk_index, chunk_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UploadID, c.ChunkIndex, c.ChunkHash, c.CreatedAt)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "inserting chunk", err)
	}
	return nil
}

// GetChunk fetches a single chunk row by (uploadID, chunkIndex), or nil if
// it does not exist.
func (s *Store) GetChunk(ctx context.Context, uploadID string, chunkIndex int) (*domain.Chunk, error) {
	var row struct {
		ID         string    `db:"id"`
		UploadID   string    `db:"upload_id"`
		ChunkIndex int       `db:"chunk_index"`
		ChunkHash  string    `db:"chunk_hash"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, upload_id, chunk_index, chunk_hash, created_at FROM chunks
		WHERE upload_id = ? AND chunk_index = ?`, uploadID, chunkIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying chunk", err)
	}
	return &domain.Chunk{
		ID:         row.ID,
		UploadID:   row.UploadID,
		ChunkIndex: row.ChunkIndex,
		ChunkHash:  row.ChunkHash,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// ListChunks returns every chunk row for uploadID, ordered by chunk_index.
func (s *Store) ListChunks(ctx context.Context, uploadID string) ([]*domain.Chunk, error) {
	var rows []struct {
		ID         string    `db:"id"`
		UploadID   string    `db:"upload_id"`
		ChunkIndex int       `db:"chunk_index"`
		ChunkHash  string    `db:"chunk_hash"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, upload_id, chunk_index, chunk_hash, created_at FROM chunks
		WHERE upload_id = ? ORDER BY chunk_index ASC`, uploadID)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "listing chunks", err)
	}
	out := make([]*domain.Chunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.Chunk{
			ID:         r.ID,
			UploadID:   r.UploadID,
			ChunkIndex: r.ChunkIndex,
			ChunkHash:  r.ChunkHash,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// FindLiveJob returns a job for (bundleHash, userID) whose state is in the
// closed live-duplicate set, or nil if none exists.
func (s *Store) FindLiveJob(ctx context.Context, bundleHash, userID string) (*domain.Job, error) {
	liveStates := make([]string, 0, len(domain.LiveDuplicateStates))
	for st, live := range domain.LiveDuplicateStates {
		if live {
			liveStates = append(liveStates, string(st))
		}
	}
	query, args, err := sqlx.In(`
		SELECT id, user_id, bundle_hash, state, created_at FROM jobs
		WHERE bundle_hash = ? AND user_id = ? AND state IN (?)
		ORDER BY created_at DESC LIMIT 1`, bundleHash, userID, liveStates)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "building dedup query", err)
	}
	query = s.db.Rebind(query)

	var row struct {
		ID         string    `db:"id"`
		UserID     string    `db:"user_id"`
		BundleHash string    `db:"bundle_hash"`
		State      string    `db:"state"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err = s.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindStoreFailed, "querying live job", err)
	}
	return &domain.Job{
		ID:         row.ID,
		UserID:     row.UserID,
		BundleHash: row.BundleHash,
		State:      domain.JobState(row.State),
		CreatedAt:  row.CreatedAt,
	}, nil
}

// PublishJob runs the atomic publication transaction required by
// complete_session: session.status = completed, a new Job row, and its
// initial TimelineEvent all commit together or not at all.
func (s *Store) PublishJob(ctx context.Context, sessionID string, job *domain.Job, event *domain.TimelineEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "beginning publish transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE upload_sessions SET status = ? WHERE id = ?`,
		string(domain.SessionCompleted), sessionID); err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "marking session completed", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, bundle_hash, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.BundleHash, string(job.State), job.CreatedAt); err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "inserting job", err)
	}

	var fromState any
	if event.FromState != nil {
		fromState = string(*event.FromState)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO timeline_events (id, job_id, timestamp, from_state, to_state, trigger)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, event.Timestamp, fromState, string(event.ToState), event.Trigger); err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "inserting timeline event", err)
	}

	if err := tx.Commit(); err != nil {
		return ingesterr.Wrap(ingesterr.KindStoreFailed, "committing publish transaction", err)
	}
	return nil
}
