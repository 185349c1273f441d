package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"aidbeacon.org/beacon/internal/cli"
	"aidbeacon.org/beacon/internal/config"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/ingest"
	"aidbeacon.org/beacon/internal/logging"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	sourceSlug := fs.String("source", "", "Source slug (required)")
	sourceName := fs.String("name", "", "Source display name (defaults to the slug)")
	baseURL := fs.String("base-url", "", "Source base URL")
	pageURL := fs.String("url", "", "Page URL within the source (required)")
	text := fs.String("text", "", "Raw page text")
	textFile := fs.String("text-file", "", "Path to raw page text, \"-\" for stdin (overrides --text)")
	newCycle := fs.Bool("new-cycle", false, "Begin a new crawl cycle before ingesting")

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
	url := strings.TrimSpace(*pageURL)
	if url == "" {
		fmt.Fprintln(os.Stderr, "--url is required")
		return 2
	}

	rawText, err := loadTextInput(*text, *textFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid page text: %v\n", err)
		return 2
	}
	if strings.TrimSpace(rawText) == "" {
		fmt.Fprintln(os.Stderr, "page text is empty; pass --text or --text-file")
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
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	name := strings.TrimSpace(*sourceName)
	if name == "" {
		name = slug
	}

	svc := ingest.NewService(pool, logger)
	sourceID, cycleID, err := svc.EnsureSource(ctx, slug, name, strings.TrimSpace(*baseURL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	if *newCycle {
		cycleID, err = svc.BeginCycle(ctx, sourceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
			return 1
		}
	}

	result, err := svc.IngestPage(ctx, sourceID, cycleID, url, rawText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	fmt.Printf("source_id=%d cycle_id=%d page_id=%d duplicate=%t refreshed=%d\n",
		sourceID, cycleID, result.PageID, result.Duplicate, result.Refreshed)
	return 0
}

func loadTextInput(inline, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return inline, nil
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
