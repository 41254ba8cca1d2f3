// Package cleanup implements the three-tier self-healing cleanup engine:
// Tier 1 runs synchronously after every complete_session, Tier 2 runs
// per-user on every create_session, and Tier 3 runs at process startup
// and on a periodic cadence. All three are fail-open — a cleanup failure
// is logged and folded into a Result, never raised to the caller.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/domain"
	"github.com/aether3d/ingest/internal/layout"
)

// SessionStore is the subset of the store the cleanup engine depends on.
type SessionStore interface {
	ExpiredSessionsForUser(ctx context.Context, userID string, now time.Time) ([]*domain.UploadSession, error)
	AllExpiredSessions(ctx context.Context, now time.Time) ([]*domain.UploadSession, error)
	ActiveSessionIDs(ctx context.Context) (map[string]bool, error)
	ExpireSession(ctx context.Context, id string) error
}

// Result reports what one cleanup invocation did, for observability. It is
// never an error itself; individual failures accumulate into Errors.
type Result struct {
	ChunksDeleted     int
	DirsDeleted       int
	SessionsExpired   int
	OrphansCleaned    int
	AssemblingCleaned int
	Elapsed           time.Duration
	Errors            []error
}

func (r *Result) merge(other Result) {
	r.ChunksDeleted += other.ChunksDeleted
	r.DirsDeleted += other.DirsDeleted
	r.SessionsExpired += other.SessionsExpired
	r.OrphansCleaned += other.OrphansCleaned
	r.AssemblingCleaned += other.AssemblingCleaned
	r.Errors = append(r.Errors, other.Errors...)
}

// Engine is the cleanup engine, bound to one upload root and one store.
type Engine struct {
	store SessionStore
	root  string
	log   *slog.Logger
}

func NewEngine(store SessionStore, uploadRoot string, logger *slog.Logger) *Engine {
	return &Engine{store: store, root: uploadRoot, log: logger}
}

// Tier1 runs synchronously after complete_session (success or failure),
// removing the session's chunks/ and assembly/ subdirectories. Never
// returns an error; failures are logged and counted.
func (e *Engine) Tier1(uploadID string) Result {
	var res Result
	start := time.Now()

	chunksDir, err := layout.ChunksDir(e.root, uploadID)
	if err != nil {
		res.Errors = append(res.Errors, err)
		res.Elapsed = time.Since(start)
		return res
	}
	assemblyDir, err := layout.AssemblyDir(e.root, uploadID)
	if err != nil {
		res.Errors = append(res.Errors, err)
		res.Elapsed = time.Since(start)
		return res
	}

	if n, existed, err := removeDirCountingFiles(chunksDir); err != nil {
		e.log.Warn("tier-1 cleanup: removing chunks dir failed", "upload_id", uploadID, "error", err)
		res.Errors = append(res.Errors, err)
	} else {
		res.ChunksDeleted += n
		if existed {
			res.DirsDeleted++
		}
	}

	if _, existed, err := removeDirCountingFiles(assemblyDir); err != nil {
		e.log.Warn("tier-1 cleanup: removing assembly dir failed", "upload_id", uploadID, "error", err)
		res.Errors = append(res.Errors, err)
	} else if existed {
		res.DirsDeleted++
	}

	res.Elapsed = time.Since(start)
	return res
}

// Tier2 expires the calling user's stale in_progress sessions before a new
// create_session is accepted. Ordering is mandatory: each session is
// marked expired in the database and committed before its files are
// touched, so a crash between the two steps never advertises a session
// the filesystem has already lost.
func (e *Engine) Tier2(ctx context.Context, userID string, now time.Time) Result {
	var res Result
	start := time.Now()

	sessions, err := e.store.ExpiredSessionsForUser(ctx, userID, now)
	if err != nil {
		e.log.Warn("tier-2 cleanup: listing expired sessions failed", "user_id", userID, "error", err)
		res.Errors = append(res.Errors, err)
		res.Elapsed = time.Since(start)
		return res
	}

	for _, sess := range sessions {
		if err := e.store.ExpireSession(ctx, sess.ID); err != nil {
			e.log.Warn("tier-2 cleanup: expiring session failed", "upload_id", sess.ID, "error", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		res.SessionsExpired++
		res.merge(e.Tier1(sess.ID))
		if err := removeSessionDir(e.root, sess.ID); err != nil {
			e.log.Warn("tier-2 cleanup: removing session dir failed", "upload_id", sess.ID, "error", err)
			res.Errors = append(res.Errors, err)
		} else {
			res.DirsDeleted++
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// Tier3 runs the global periodic/startup sweep: expire every stale
// session across all users, remove directories older than
// contract.OrphanRetentionHours whose name is not an in-progress session
// id, and
// remove residual ".assembling" staging files older than
// contract.AssemblingMaxAgeHours. Idempotent: a second call immediately
// after the first performs no further deletions.
func (e *Engine) Tier3(ctx context.Context, now time.Time) Result {
	var res Result
	start := time.Now()

	sessions, err := e.store.AllExpiredSessions(ctx, now)
	if err != nil {
		e.log.Warn("tier-3 cleanup: listing all expired sessions failed", "error", err)
		res.Errors = append(res.Errors, err)
	} else {
		for _, sess := range sessions {
			if err := e.store.ExpireSession(ctx, sess.ID); err != nil {
				e.log.Warn("tier-3 cleanup: expiring session failed", "upload_id", sess.ID, "error", err)
				res.Errors = append(res.Errors, err)
				continue
			}
			res.SessionsExpired++
			res.merge(e.Tier1(sess.ID))
			if err := removeSessionDir(e.root, sess.ID); err != nil {
				e.log.Warn("tier-3 cleanup: removing session dir failed", "upload_id", sess.ID, "error", err)
				res.Errors = append(res.Errors, err)
			} else {
				res.DirsDeleted++
			}
		}
	}

	activeIDs, err := e.store.ActiveSessionIDs(ctx)
	if err != nil {
		e.log.Warn("tier-3 cleanup: listing active session ids failed", "error", err)
		res.Errors = append(res.Errors, err)
		res.Elapsed = time.Since(start)
		return res
	}

	entries, err := os.ReadDir(e.root)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn("tier-3 cleanup: reading upload root failed", "error", err)
			res.Errors = append(res.Errors, err)
		}
		res.Elapsed = time.Since(start)
		return res
	}

	orphanCutoff := now.Add(-contract.OrphanRetentionHours * time.Hour)
	assemblingCutoff := now.Add(-contract.AssemblingMaxAgeHours * time.Hour)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue // bundle files (<hash>.bundle) live alongside session dirs
		}
		uploadID := entry.Name()
		dirPath := filepath.Join(e.root, uploadID)

		if !activeIDs[uploadID] {
			info, err := entry.Info()
			if err != nil {
				e.log.Warn("tier-3 cleanup: stat failed during orphan sweep", "path", dirPath, "error", err)
				res.Errors = append(res.Errors, err)
				continue
			}
			if info.ModTime().Before(orphanCutoff) {
				if err := os.RemoveAll(dirPath); err != nil {
					e.log.Warn("tier-3 cleanup: removing orphan dir failed", "path", dirPath, "error", err)
					res.Errors = append(res.Errors, err)
				} else {
					res.OrphansCleaned++
				}
				continue
			}
		}

		// Residual .assembling sweep over every directory still present:
		// in-progress sessions and orphans younger than the retention
		// window (older orphans were removed wholesale above).
		assemblyDir := filepath.Join(dirPath, "assembly")
		staging, err := os.ReadDir(assemblyDir)
		if err != nil {
			continue // no assembly dir, or unreadable — nothing to sweep
		}
		for _, f := range staging {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".assembling") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(assemblingCutoff) {
				p := filepath.Join(assemblyDir, f.Name())
				if err := os.Remove(p); err != nil {
					e.log.Warn("tier-3 cleanup: removing residual assembling file failed", "path", p, "error", err)
					res.Errors = append(res.Errors, err)
				} else {
					res.AssemblingCleaned++
				}
			}
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

func removeSessionDir(root, uploadID string) error {
	dir, err := layout.SessionDir(root, uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// removeDirCountingFiles removes dir and everything under it, returning how
// many regular files it contained and whether it existed at all. A
// missing directory is not an error.
func removeDirCountingFiles(dir string) (count int, existed bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return count, true, err
	}
	return count, true, nil
}
