package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"aidbeacon.org/beacon/internal/cli"
	"aidbeacon.org/beacon/internal/config"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/lifecycle"
	"aidbeacon.org/beacon/internal/logging"
	"aidbeacon.org/beacon/internal/synctrack"
)

func runSyncClose(args []string) int {
	fs := flag.NewFlagSet("sync-close", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	sourceSlug := fs.String("source", "", "Source slug (required)")
	cycle := fs.Int64("cycle", 0, "Cycle to close (defaults to the source's current cycle)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	slug := strings.TrimSpace(*sourceSlug)
	if slug == "" {
		fmt.Fprintln(os.Stderr, "--source is required")
		return 2
	}
	if *cycle < 0 {
		fmt.Fprintln(os.Stderr, "--cycle must be >= 0")
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("sync-close command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	sourceID, currentCycle, err := lookupSource(ctx, pool, slug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync-close failed: %v\n", err)
		return 1
	}

	cycleID := *cycle
	if cycleID == 0 {
		cycleID = currentCycle
	}

	tracker := synctrack.NewTracker(pool, logger, cfg.DisappearMissThreshold)
	result, err := tracker.CloseCycle(ctx, sourceID, cycleID)
	if err != nil {
		logger.Error().Err(err).
			Int64("source_id", sourceID).
			Int64("cycle_id", cycleID).
			Msg("sync-close failed")
		fmt.Fprintf(os.Stderr, "Sync-close failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int64("source_id", sourceID).
		Int64("cycle_id", cycleID).
		Int("missed", result.Missed).
		Int("disappeared", result.Disappeared).
		Msg("sync-close completed")
	fmt.Printf("sync-close source_id=%d cycle_id=%d missed=%d disappeared=%d\n",
		sourceID, cycleID, result.Missed, result.Disappeared)
	return 0
}

func runExpire(args []string) int {
	fs := flag.NewFlagSet("expire", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("expire command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	sweeper := lifecycle.NewSweeper(pool, logger, cfg.DisappearedArchiveDays)
	expired, err := sweeper.ExpireDue(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("expire failed")
		fmt.Fprintf(os.Stderr, "Expire failed: %v\n", err)
		return 1
	}

	archived, err := sweeper.ArchiveLongDisappeared(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("disappeared archive sweep failed")
		fmt.Fprintf(os.Stderr, "Expire failed: %v\n", err)
		return 1
	}

	logger.Info().Int("expired", expired).Int("archived", archived).Msg("expire completed")
	fmt.Printf("expire expired=%d archived=%d\n", expired, archived)
	return 0
}

func lookupSource(ctx context.Context, pool *db.Pool, slug string) (int64, int64, error) {
	var sourceID, currentCycle int64
	err := pool.QueryRow(ctx,
		`SELECT source_id, current_cycle FROM beacon.sources WHERE slug = $1`, slug).
		Scan(&sourceID, &currentCycle)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, 0, fmt.Errorf("unknown source %q", slug)
		}
		return 0, 0, fmt.Errorf("look up source %q: %w", slug, err)
	}
	return sourceID, currentCycle, nil
}
