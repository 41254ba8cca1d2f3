// Package dedup implements the three-path deduplication engine: pre-upload
// instant-upload, post-assembly reuse-bundle, and a reserved cross-user
// path. All lookups are scoped to (bundle_hash, user_id); dedup never
// returns another user's job, even for identical content — a privacy
// contract, not just a performance optimization.
package dedup

import (
	"context"

	"github.com/aether3d/ingest/internal/domain"
	"github.com/aether3d/ingest/internal/ingesterr"
)

// Decision is the immutable result of a dedup check. Once constructed it
// must not be mutated.
type Decision struct {
	Outcome       Outcome
	ExistingJobID string
	Message       string
}

// Outcome is the closed set of dedup decisions.
type Outcome string

const (
	Proceed      Outcome = "PROCEED"
	InstantUpload Outcome = "INSTANT_UPLOAD"
	ReuseBundle  Outcome = "REUSE_BUNDLE"
)

// JobFinder is the subset of the store the deduplicator depends on.
type JobFinder interface {
	FindLiveJob(ctx context.Context, bundleHash, userID string) (*domain.Job, error)
}

// Engine is the three-path deduplication engine.
type Engine struct {
	jobs JobFinder
}

func NewEngine(jobs JobFinder) *Engine {
	return &Engine{jobs: jobs}
}

// CheckPreUpload is Path 1 (instant-upload), called on create_session.
// A match tells the client it need not upload at all.
func (e *Engine) CheckPreUpload(ctx context.Context, bundleHash, userID string) (Decision, error) {
	job, err := e.jobs.FindLiveJob(ctx, bundleHash, userID)
	if err != nil {
		return Decision{}, ingesterr.Wrap(ingesterr.KindStoreFailed, "pre-upload dedup lookup failed", err)
	}
	if job == nil {
		return Decision{Outcome: Proceed}, nil
	}
	return Decision{
		Outcome:       InstantUpload,
		ExistingJobID: job.ID,
		Message:       "identical bundle already has a live job for this user",
	}, nil
}

// CheckPostAssembly is Path 2 (reuse-bundle), called after the verifier
// passes but before Job publication. This is the race-safe checkpoint:
// it closes the window where two clients concurrently uploaded identical
// content while the first was still assembling. On a match the caller
// must delete the freshly-assembled bundle file before returning.
func (e *Engine) CheckPostAssembly(ctx context.Context, bundleHash, userID string) (Decision, error) {
	job, err := e.jobs.FindLiveJob(ctx, bundleHash, userID)
	if err != nil {
		return Decision{}, ingesterr.Wrap(ingesterr.KindStoreFailed, "post-assembly dedup lookup failed", err)
	}
	if job == nil {
		return Decision{Outcome: Proceed}, nil
	}
	return Decision{
		Outcome:       ReuseBundle,
		ExistingJobID: job.ID,
		Message:       "identical bundle assembled concurrently, reusing existing job",
	}, nil
}

// CheckCrossUser is Path 3, reserved for future content-addressed shared
// storage. It returns PROCEED unconditionally in this release; the
// interface is preserved so a future release can wire in real logic
// without changing callers.
func (e *Engine) CheckCrossUser(ctx context.Context, bundleHash string) (Decision, error) {
	return Decision{Outcome: Proceed}, nil
}
