// Command ingestd is the HTTP-facing bundle ingest server: it loads
// configuration, wires the assembly/dedup/cleanup/store layers into an
// orchestrator, mounts the wire layer's routes, and serves until a
// signal requests graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aether3d/ingest/internal/assembly"
	"github.com/aether3d/ingest/internal/cleanup"
	"github.com/aether3d/ingest/internal/config"
	"github.com/aether3d/ingest/internal/dedup"
	"github.com/aether3d/ingest/internal/diskquota"
	"github.com/aether3d/ingest/internal/ingesterr"
	"github.com/aether3d/ingest/internal/logging"
	"github.com/aether3d/ingest/internal/orchestrator"
	"github.com/aether3d/ingest/internal/store"
	"github.com/aether3d/ingest/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/ingestd/config.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	quota := diskquota.NewGate(cfg.Storage.UploadRoot, cfg.Storage.DiskQuotaRejectThreshold, cfg.Storage.DiskQuotaEmergencyThreshold)
	asm := assembly.NewEngine(cfg.Storage.UploadRoot, quota)
	dd := dedup.NewEngine(db)
	cl := cleanup.NewEngine(db, cfg.Storage.UploadRoot, logger)
	orch := orchestrator.New(db, asm, dd, cl, logger)

	schedule := fmt.Sprintf("@every %s", cfg.Cleanup.Interval)
	scheduler, err := cleanup.NewScheduler(cl, schedule, logger)
	if err != nil {
		return fmt.Errorf("building cleanup scheduler: %w", err)
	}
	if cfg.Cleanup.RunOnStartup {
		scheduler.Start()
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		scheduler.Stop(stopCtx)
	}()

	router := wire.NewRouter(orch, logger, noopUserID)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // bundle assembly under load can exceed the assembly stage timeout
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestd listening", "address", cfg.Server.Listen, "upload_root", cfg.Storage.UploadRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listening: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// noopUserID is a placeholder UserIDFunc for a fresh deployment with no
// auth middleware wired in yet. A real deployment must replace this with
// JWT/mTLS/API-key resolution before going live; this stand-in only
// trusts a debug header, and fails closed with AUTH_FAILED otherwise.
func noopUserID(r *http.Request) (string, error) {
	userID := r.Header.Get("X-Debug-User-Id")
	if userID == "" {
		return "", ingesterr.New(ingesterr.KindAuthFailed, "no authentication middleware configured; set X-Debug-User-Id for local testing only")
	}
	return userID, nil
}
