package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
)

// Sweeper runs the time-driven transitions: urgency-based TTL expiry and the
// optional secondary sweep that archives long-disappeared resources.
type Sweeper struct {
	pool        *db.Pool
	logger      zerolog.Logger
	archiveDays int
}

func NewSweeper(pool *db.Pool, logger zerolog.Logger, archiveDays int) *Sweeper {
	return &Sweeper{
		pool:        pool,
		logger:      logger,
		archiveDays: archiveDays,
	}
}

// ExpireDue moves every active resource whose TTL elapsed to expired. The
// conditional update makes concurrent sweeps converge; rows are never deleted.
func (s *Sweeper) ExpireDue(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("lifecycle sweeper is not initialized")
	}

	const q = `
UPDATE beacon.resources
SET status = 'expired', updated_at = $1
WHERE status = 'active'
  AND expires_at IS NOT NULL
  AND expires_at <= $1
`

	now := globaltime.UTC()
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("expire due resources: %w", err)
	}

	expired := int(tag.RowsAffected())
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("ttl sweep retired resources")
	}
	return expired, nil
}

// ArchiveLongDisappeared moves resources that have been disappeared past the
// configured horizon to archived. Disabled when the horizon is zero.
func (s *Sweeper) ArchiveLongDisappeared(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("lifecycle sweeper is not initialized")
	}
	if s.archiveDays <= 0 {
		return 0, nil
	}

	const q = `
UPDATE beacon.resources r
SET status = 'archived', updated_at = $1
WHERE r.status = 'disappeared'
  AND EXISTS (
	SELECT 1
	FROM beacon.source_sync_records ssr
	WHERE ssr.resource_id = r.resource_id
	  AND ssr.disappeared_at IS NOT NULL
	  AND ssr.disappeared_at <= $2
  )
`

	now := globaltime.UTC()
	cutoff := now.AddDate(0, 0, -s.archiveDays)
	tag, err := s.pool.Exec(ctx, q, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive long-disappeared resources: %w", err)
	}

	archived := int(tag.RowsAffected())
	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("secondary sweep archived disappeared resources")
	}
	return archived, nil
}
