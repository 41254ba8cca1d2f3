// Command ingestctl is the operator's out-of-band tool: trigger a Tier-3
// cleanup sweep on demand (cron, deploy hooks) and inspect the engine's
// normative contract constants without starting the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aether3d/ingest/internal/cleanup"
	"github.com/aether3d/ingest/internal/config"
	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/logging"
	"github.com/aether3d/ingest/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "cleanup":
		runCleanup(os.Args[2:])
	case "constants":
		runConstants()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ingestctl <cleanup|constants> [flags]\n")
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "/etc/ingestd/config.yaml", "path to server config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	engine := cleanup.NewEngine(db, cfg.Storage.UploadRoot, logger)
	res := engine.Tier3(context.Background(), time.Now())

	fmt.Printf("sessions_expired=%d dirs_deleted=%d chunks_deleted=%d orphans_cleaned=%d assembling_cleaned=%d elapsed=%s errors=%d\n",
		res.SessionsExpired, res.DirsDeleted, res.ChunksDeleted, res.OrphansCleaned, res.AssemblingCleaned, res.Elapsed, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", e)
	}
	if len(res.Errors) > 0 {
		os.Exit(1)
	}
}

func runConstants() {
	fmt.Printf("chunk_size_bytes=%d\n", contract.ChunkSizeBytes)
	fmt.Printf("max_bundle_size_bytes=%d\n", contract.MaxBundleSizeBytes)
	fmt.Printf("max_chunk_count=%d\n", contract.MaxChunkCount)
	fmt.Printf("upload_expiry_hours=%d\n", contract.UploadExpiryHours)
	fmt.Printf("orphan_retention_hours=%d\n", contract.OrphanRetentionHours)
	fmt.Printf("max_active_sessions_per_user=%d\n", contract.MaxActiveSessionsPerUser)
	fmt.Printf("contract_version=%s\n", contract.ContractVersion)
}
