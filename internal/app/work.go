package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/ai"
	"aidbeacon.org/beacon/internal/cli"
	"aidbeacon.org/beacon/internal/config"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/extraction"
	"aidbeacon.org/beacon/internal/jobs"
	"aidbeacon.org/beacon/internal/lifecycle"
	"aidbeacon.org/beacon/internal/logging"
	"aidbeacon.org/beacon/internal/synctrack"
)

// limitPayload bounds one stage invocation from a job; zero means the
// handler's default.
type limitPayload struct {
	Limit int `json:"limit"`
}

type syncClosePayload struct {
	SourceID int64 `json:"source_id"`
	CycleID  int64 `json:"cycle_id"`
}

const defaultJobStageLimit = 200

func runEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 20*time.Second, "Command timeout")
	jobType := fs.String("type", "", "Job type (required)")
	key := fs.String("key", "", "Idempotency key (required)")
	payload := fs.String("payload", "{}", "Job payload JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	typ := strings.TrimSpace(*jobType)
	idempotencyKey := strings.TrimSpace(*key)
	if typ == "" || idempotencyKey == "" {
		fmt.Fprintln(os.Stderr, "--type and --key are required")
		return 2
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
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
		logger.Error().Err(err).Msg("enqueue command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	queue := jobs.NewQueue(pool, logger, cfg.JobLeaseSecs, cfg.JobMaxAttempts)
	inserted, err := queue.Enqueue(ctx, typ, idempotencyKey, json.RawMessage(*payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enqueue failed: %v\n", err)
		return 1
	}

	fmt.Printf("enqueue type=%s key=%s inserted=%t\n", typ, idempotencyKey, inserted)
	return 0
}

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")

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

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("work command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	queue := jobs.NewQueue(pool, logger, cfg.JobLeaseSecs, cfg.JobMaxAttempts)
	worker := jobs.NewWorker(queue, logger)
	registerPipelineHandlers(worker, pool, logger, cfg)

	logger.Info().Msg("job worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("job worker failed")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}

	logger.Info().Msg("job worker stopped")
	return 0
}

func registerPipelineHandlers(worker *jobs.Worker, pool *db.Pool, logger zerolog.Logger, cfg *config.Config) {
	chat := ai.NewClient(cfg)

	worker.Register(jobs.TypeExtract, func(ctx context.Context, payload json.RawMessage) error {
		_, err := extraction.NewExtractor(pool, logger, chat).ProcessPending(ctx, stageLimit(payload))
		return err
	})

	worker.Register(jobs.TypeEmbed, func(ctx context.Context, payload json.RawMessage) error {
		svc := newEmbedService(pool, logger, cfg)
		limit := stageLimit(payload)
		if _, err := svc.EmbedCandidates(ctx, limit); err != nil {
			return err
		}
		_, err := svc.EmbedMembers(ctx, limit)
		return err
	})

	worker.Register(jobs.TypeDedup, func(ctx context.Context, payload json.RawMessage) error {
		_, err := newDedupEngine(pool, logger, cfg).ProcessPending(ctx, stageLimit(payload))
		return err
	})

	worker.Register(jobs.TypeSyncClose, func(ctx context.Context, payload json.RawMessage) error {
		var req syncClosePayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode sync-close payload: %w", err)
		}
		if req.SourceID <= 0 || req.CycleID <= 0 {
			return fmt.Errorf("sync-close payload requires source_id and cycle_id")
		}
		tracker := synctrack.NewTracker(pool, logger, cfg.DisappearMissThreshold)
		_, err := tracker.CloseCycle(ctx, req.SourceID, req.CycleID)
		return err
	})

	worker.Register(jobs.TypeExpire, func(ctx context.Context, _ json.RawMessage) error {
		sweeper := lifecycle.NewSweeper(pool, logger, cfg.DisappearedArchiveDays)
		if _, err := sweeper.ExpireDue(ctx); err != nil {
			return err
		}
		_, err := sweeper.ArchiveLongDisappeared(ctx)
		return err
	})

	worker.Register(jobs.TypeMatch, func(ctx context.Context, payload json.RawMessage) error {
		_, err := newMatchEngine(pool, logger, cfg).ProcessPending(ctx, stageLimit(payload))
		return err
	})
}

func stageLimit(payload json.RawMessage) int {
	var req limitPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return defaultJobStageLimit
		}
	}
	if req.Limit <= 0 {
		return defaultJobStageLimit
	}
	return req.Limit
}
