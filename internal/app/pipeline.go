package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/ai"
	"aidbeacon.org/beacon/internal/cli"
	"aidbeacon.org/beacon/internal/config"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/dedup"
	"aidbeacon.org/beacon/internal/embed"
	"aidbeacon.org/beacon/internal/extraction"
	"aidbeacon.org/beacon/internal/logging"
	"aidbeacon.org/beacon/internal/match"
)

func runExtract(args []string) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	limit := fs.Int("limit", 100, "Maximum pending pages to extract")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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
		logger.Error().Err(err).Msg("extract command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	extractor := extraction.NewExtractor(pool, logger, ai.NewClient(cfg))
	processed, err := extractor.ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Int("limit", *limit).Msg("extract failed")
		fmt.Fprintf(os.Stderr, "Extract failed: %v\n", err)
		return 1
	}

	logger.Info().Int("limit", *limit).Int("processed", processed).Msg("extract completed")
	fmt.Printf("extract processed=%d limit=%d\n", processed, *limit)
	return 0
}

func runEmbed(args []string) int {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum rows to embed per target")
	candidatesOnly := fs.Bool("candidates-only", false, "Skip member profile embeddings")
	membersOnly := fs.Bool("members-only", false, "Skip candidate embeddings")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}
	if *candidatesOnly && *membersOnly {
		fmt.Fprintln(os.Stderr, "--candidates-only and --members-only are mutually exclusive")
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
		logger.Error().Err(err).Msg("embed command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := newEmbedService(pool, logger, cfg)

	candidates := 0
	if !*membersOnly {
		candidates, err = svc.EmbedCandidates(ctx, *limit)
		if err != nil {
			logger.Error().Err(err).Int("limit", *limit).Msg("candidate embedding failed")
			fmt.Fprintf(os.Stderr, "Embed failed: %v\n", err)
			return 1
		}
	}

	members := 0
	if !*candidatesOnly {
		members, err = svc.EmbedMembers(ctx, *limit)
		if err != nil {
			logger.Error().Err(err).Int("limit", *limit).Msg("member embedding failed")
			fmt.Fprintf(os.Stderr, "Embed failed: %v\n", err)
			return 1
		}
	}

	logger.Info().
		Int("candidates", candidates).
		Int("members", members).
		Msg("embed completed")
	fmt.Printf("embed candidates=%d members=%d limit=%d\n", candidates, members, *limit)
	return 0
}

func runDedup(args []string) int {
	fs := flag.NewFlagSet("dedup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	limit := fs.Int("limit", 200, "Maximum pending candidates to decide")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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
		logger.Error().Err(err).Msg("dedup command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	engine := newDedupEngine(pool, logger, cfg)
	processed, err := engine.ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Int("limit", *limit).Msg("dedup failed")
		fmt.Fprintf(os.Stderr, "Dedup failed: %v\n", err)
		return 1
	}

	logger.Info().Int("limit", *limit).Int("processed", processed).Msg("dedup completed")
	fmt.Printf("dedup processed=%d limit=%d\n", processed, *limit)
	return 0
}

func runMatch(args []string) int {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	limit := fs.Int("limit", 100, "Maximum pending resources to match")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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
		logger.Error().Err(err).Msg("match command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	engine := newMatchEngine(pool, logger, cfg)
	processed, err := engine.ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Int("limit", *limit).Msg("match failed")
		fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
		return 1
	}

	logger.Info().Int("limit", *limit).Int("processed", processed).Msg("match completed")
	fmt.Printf("match processed=%d limit=%d\n", processed, *limit)
	return 0
}

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	limit := fs.Int("limit", 200, "Maximum rows per stage")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
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
		logger.Error().Err(err).Msg("process command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	chat := ai.NewClient(cfg)

	extracted, err := extraction.NewExtractor(pool, logger, chat).ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("process stopped at extract")
		fmt.Fprintf(os.Stderr, "Process failed at extract: %v\n", err)
		return 1
	}

	svc := newEmbedService(pool, logger, cfg)
	embeddedCandidates, err := svc.EmbedCandidates(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("process stopped at candidate embedding")
		fmt.Fprintf(os.Stderr, "Process failed at embed: %v\n", err)
		return 1
	}
	embeddedMembers, err := svc.EmbedMembers(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("process stopped at member embedding")
		fmt.Fprintf(os.Stderr, "Process failed at embed: %v\n", err)
		return 1
	}

	deduped, err := newDedupEngine(pool, logger, cfg).ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("process stopped at dedup")
		fmt.Fprintf(os.Stderr, "Process failed at dedup: %v\n", err)
		return 1
	}

	matched, err := newMatchEngine(pool, logger, cfg).ProcessPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("process stopped at match")
		fmt.Fprintf(os.Stderr, "Process failed at match: %v\n", err)
		return 1
	}

	logger.Info().
		Int("extracted", extracted).
		Int("embedded_candidates", embeddedCandidates).
		Int("embedded_members", embeddedMembers).
		Int("deduped", deduped).
		Int("matched", matched).
		Msg("process completed")
	fmt.Printf("process extracted=%d embedded_candidates=%d embedded_members=%d deduped=%d matched=%d\n",
		extracted, embeddedCandidates, embeddedMembers, deduped, matched)
	return 0
}

func newEmbedService(pool *db.Pool, logger zerolog.Logger, cfg *config.Config) *embed.Service {
	client := embed.NewClient(
		cfg.EmbeddingEndpoint,
		cfg.EmbeddingDims,
		time.Duration(cfg.EmbeddingTimeoutSecs)*time.Second,
	)
	return embed.NewService(pool, logger, client, cfg.EmbeddingModelName, cfg.EmbeddingModelVersion, cfg.EmbeddingBatchSize)
}

func newDedupEngine(pool *db.Pool, logger zerolog.Logger, cfg *config.Config) *dedup.Engine {
	return dedup.NewEngine(pool, logger, dedup.NewAdjudicator(ai.NewClient(cfg)), dedup.Config{
		AutoMergeCosine: cfg.SemanticAutoMergeCosine,
		ReviewMinCosine: cfg.SemanticReviewMinCosine,
		CandidateLimit:  cfg.SemanticCandidateLimit,
		ModelName:       cfg.EmbeddingModelName,
		ModelVersion:    cfg.EmbeddingModelVersion,
	})
}

func newMatchEngine(pool *db.Pool, logger zerolog.Logger, cfg *config.Config) *match.Engine {
	return match.NewEngine(pool, logger, ai.NewClient(cfg), match.Config{
		RetrievalLimit:   cfg.MatchRetrievalLimit,
		BatchLimit:       cfg.MatchBatchLimit,
		WeeklyCap:        cfg.WeeklyNotificationCap,
		JudgeMaxAttempts: cfg.JudgeMaxAttempts,
	})
}
