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
	"aidbeacon.org/beacon/internal/logging"
)

func runMemberAdd(args []string) int {
	fs := flag.NewFlagSet("member-add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 20*time.Second, "Command timeout")
	name := fs.String("name", "", "Member name (required)")
	contact := fs.String("contact", "", "Delivery contact, e.g. an email address (required)")
	profile := fs.String("profile", "", "Free-text needs profile")
	profileFile := fs.String("profile-file", "", "Path to a needs profile file, \"-\" for stdin (overrides --profile)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	memberName := strings.TrimSpace(*name)
	memberContact := strings.TrimSpace(*contact)
	if memberName == "" || memberContact == "" {
		fmt.Fprintln(os.Stderr, "--name and --contact are required")
		return 2
	}

	profileText, err := loadTextInput(*profile, *profileFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid profile: %v\n", err)
		return 2
	}
	profileText = strings.TrimSpace(profileText)
	if profileText == "" {
		fmt.Fprintln(os.Stderr, "profile text is empty; pass --profile or --profile-file")
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
		logger.Error().Err(err).Msg("member-add command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	memberID, memberUUID, err := insertMember(ctx, pool, memberName, memberContact, profileText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Member-add failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int64("member_id", memberID).
		Str("member_uuid", memberUUID).
		Msg("member registered")
	fmt.Printf("member_id=%d member_uuid=%s\n", memberID, memberUUID)
	fmt.Println("run \"beacon embed\" to generate the profile embedding")
	return 0
}

func insertMember(ctx context.Context, pool *db.Pool, name, contact, profileText string) (int64, string, error) {
	var memberID int64
	var memberUUID string
	err := pool.QueryRow(ctx, `
		INSERT INTO beacon.members (name, contact, profile_text)
		VALUES ($1, $2, $3)
		RETURNING member_id, member_uuid`,
		name, contact, profileText).Scan(&memberID, &memberUUID)
	if err != nil {
		return 0, "", fmt.Errorf("insert member: %w", err)
	}
	return memberID, memberUUID, nil
}
