package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/auth"
	"aidbeacon.org/beacon/internal/config"
	"aidbeacon.org/beacon/internal/db"
)

// ensureDefaultReviewer seeds the first reviewer account so a fresh install
// can log in to the review queue. Does nothing once any reviewer exists.
func ensureDefaultReviewer(ctx context.Context, pool *db.Pool, cfg *config.Config, logger zerolog.Logger) error {
	if pool == nil || cfg == nil {
		return fmt.Errorf("ensure default reviewer: missing dependencies")
	}

	count, err := pool.CountReviewers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	username := auth.NormalizeUsername(cfg.DefaultReviewerUser)
	password := strings.TrimSpace(cfg.DefaultReviewerPassword)
	if username == "" || password == "" {
		return fmt.Errorf("no reviewers exist and BEACON_DEFAULT_REVIEWER_PASSWORD is not set")
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash default reviewer password: %w", err)
	}

	reviewer, err := pool.CreateReviewer(ctx, username, passwordHash, cfg.DefaultReviewerMustChangePassword)
	if err != nil {
		// Another instance may have seeded concurrently.
		if strings.Contains(strings.ToLower(err.Error()), "duplicate key value") {
			return nil
		}
		return err
	}

	logger.Warn().
		Str("username", reviewer.Username).
		Bool("must_change_password", reviewer.MustChangePassword).
		Msg("created default reviewer")

	return nil
}
