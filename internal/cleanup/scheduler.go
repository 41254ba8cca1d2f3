package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives Tier3 on a periodic cadence plus once at startup, the
// way the upstream agent drives its per-entry backup jobs: one cron.Cron
// instance, a guard against overlapping runs, and the last result kept
// for inspection.
type Scheduler struct {
	cron   *cron.Cron
	engine *Engine
	log    *slog.Logger

	mu         sync.Mutex
	running    bool
	LastResult *Result
}

// NewScheduler registers a single Tier3 job on schedule (a cron expression
// or descriptor, e.g. "0 * * * *" or "@every 1h"). It does not check the
// one-hour cadence floor; package config enforces that before this
// constructor runs.
func NewScheduler(engine *Engine, schedule string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{engine: engine, log: logger}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("adding tier-3 cleanup cron job: %w", err)
	}
	s.cron = c
	return s, nil
}

// Start runs Tier3 once immediately (the startup sweep required by the
// spec) and then starts the periodic cadence.
func (s *Scheduler) Start() {
	s.log.Info("cleanup scheduler starting, running startup sweep")
	s.runOnce()
	s.cron.Start()
}

// Stop halts the periodic cadence and waits for any in-flight sweep.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("cleanup scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("cleanup scheduler stop timed out")
	}
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("tier-3 cleanup already running, skipping scheduled sweep")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	res := s.engine.Tier3(context.Background(), time.Now())
	s.LastResult = &res
	s.log.Info("tier-3 cleanup sweep completed",
		"sessions_expired", res.SessionsExpired,
		"orphans_cleaned", res.OrphansCleaned,
		"assembling_cleaned", res.AssemblingCleaned,
		"dirs_deleted", res.DirsDeleted,
		"chunks_deleted", res.ChunksDeleted,
		"errors", len(res.Errors),
		"elapsed", res.Elapsed,
	)
}
