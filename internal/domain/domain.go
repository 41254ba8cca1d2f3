// Package domain holds the entity value types shared across the store,
// assembly, verification, dedup, and cleanup packages. The database is
// the authority; these are snapshots loaded per operation, not an ORM
// graph with back-pointers.
package domain

import "time"

// SessionStatus is the closed set of UploadSession lifecycle states.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionExpired    SessionStatus = "expired"
)

// UploadSession is the transient state allowing a client to upload the
// chunks of one bundle. It owns the directory subtree
// <upload_root>/<id>/ for its entire lifetime.
type UploadSession struct {
	ID               string
	UserID           string
	CaptureSessionID string
	BundleHash       string
	BundleSize       int64
	ChunkCount       int
	Status           SessionStatus
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// Chunk is a single received, hash-verified slice of a bundle, unique on
// (UploadID, ChunkIndex).
type Chunk struct {
	ID         string
	UploadID   string
	ChunkIndex int
	ChunkHash  string
	CreatedAt  time.Time
}

// JobState mirrors the external job state machine the engine treats as a
// black box. The engine only ever creates jobs in JobQueued and never
// mutates them afterward.
type JobState string

const (
	JobQueued             JobState = "queued"
	JobProcessing         JobState = "processing"
	JobCompleted          JobState = "completed"
	JobFailed             JobState = "failed"
	JobCancelled          JobState = "cancelled"
	JobPending            JobState = "pending"
	JobUploading          JobState = "uploading"
	JobPackaging          JobState = "packaging"
	JobCapacitySaturated  JobState = "capacity_saturated"
)

// LiveDuplicateStates is the closed set of job states the deduplicator
// treats as "a live duplicate already exists". Everything else explicitly
// does not block re-upload.
var LiveDuplicateStates = map[JobState]bool{
	JobCompleted:  true,
	JobQueued:     true,
	JobProcessing: true,
}

// Job is owned by the downstream processing system; the engine creates it
// exactly once per distinct (BundleHash, UserID) in a live state and never
// mutates its State afterward.
type Job struct {
	ID         string
	UserID     string
	BundleHash string
	State      JobState
	CreatedAt  time.Time
}

// TimelineEvent records a single state transition for a Job. The engine's
// only responsibility is the initial event emitted at job creation.
type TimelineEvent struct {
	ID        string
	JobID     string
	Timestamp time.Time
	FromState *JobState
	ToState   JobState
	Trigger   string
}
