// Package synctrack maintains per (resource, source) observation records
// across repeated crawl cycles: first/last seen timestamps, a consecutive-miss
// counter, and the disappearance flag. Records are created on first detection,
// updated every cycle, and never deleted.
package synctrack

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
	"aidbeacon.org/beacon/internal/lifecycle"
)

type Tracker struct {
	logger        zerolog.Logger
	missThreshold int
	beginCycle    func(ctx context.Context, sourceID int64) (cycleStore, error)
}

type CloseCycleResult struct {
	Missed      int
	Disappeared int
}

// missRecord is one sync record that gained a miss when a cycle closed.
type missRecord struct {
	ResourceID int64
	Misses     int
}

// cycleStore is the transactional slice of one cycle close. A store seam so
// tests can script miss counts without a database.
type cycleStore interface {
	IncrementMisses(ctx context.Context, cycleID int64, now time.Time) ([]missRecord, error)
	FlagDisappeared(ctx context.Context, resourceID int64, now time.Time) error
	DisappearResource(ctx context.Context, resourceID int64, now time.Time) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func NewTracker(pool *db.Pool, logger zerolog.Logger, missThreshold int) *Tracker {
	if missThreshold < 1 {
		missThreshold = 2
	}
	t := &Tracker{
		logger:        logger,
		missThreshold: missThreshold,
	}
	t.beginCycle = func(ctx context.Context, sourceID int64) (cycleStore, error) {
		if pool == nil {
			return nil, fmt.Errorf("sync tracker is not initialized")
		}
		tx, err := pool.BeginTx(ctx, db.TxOptions{})
		if err != nil {
			return nil, fmt.Errorf("begin close-cycle tx: %w", err)
		}
		return &sqlCycleStore{tx: tx, sourceID: sourceID}, nil
	}
	return t
}

// MarkObservedTx records that a resource's content was seen in this crawl
// cycle: refreshes lastSeenAt, resets the miss counter, and clears the
// disappearance flag. Safe to re-run; the upsert converges.
func MarkObservedTx(
	ctx context.Context,
	tx db.Tx,
	resourceID int64,
	sourceID int64,
	cycleID int64,
	pageID *int64,
	now time.Time,
) error {
	const q = `
INSERT INTO beacon.source_sync_records (
	resource_id,
	source_id,
	first_seen_at,
	last_seen_at,
	last_seen_cycle,
	last_missed_cycle,
	last_seen_page_id,
	consecutive_misses,
	disappeared_at,
	updated_at
)
VALUES ($1, $2, $3, $3, $4, 0, $5, 0, NULL, $3)
ON CONFLICT (resource_id, source_id) DO UPDATE SET
	last_seen_at = GREATEST(beacon.source_sync_records.last_seen_at, EXCLUDED.last_seen_at),
	last_seen_cycle = GREATEST(beacon.source_sync_records.last_seen_cycle, EXCLUDED.last_seen_cycle),
	last_seen_page_id = COALESCE(EXCLUDED.last_seen_page_id, beacon.source_sync_records.last_seen_page_id),
	consecutive_misses = 0,
	disappeared_at = NULL,
	updated_at = EXCLUDED.updated_at
`

	if _, err := tx.Exec(ctx, q, resourceID, sourceID, cycleID, pageID, now); err != nil {
		return fmt.Errorf("mark sync record observed resource_id=%d source_id=%d: %w", resourceID, sourceID, err)
	}
	return nil
}

// CloseCycle finishes a source's crawl cycle: every tracked resource that was
// not observed during the cycle gains one miss, and resources at or past the
// miss threshold are flagged disappeared and transitioned active->disappeared.
// One transient fetch/parse failure therefore never retires a resource.
// Idempotent per cycle: last_missed_cycle guards against double counting when
// the coordinating job is retried.
func (t *Tracker) CloseCycle(ctx context.Context, sourceID, cycleID int64) (CloseCycleResult, error) {
	if t == nil || t.beginCycle == nil {
		return CloseCycleResult{}, fmt.Errorf("sync tracker is not initialized")
	}

	now := globaltime.UTC()

	store, err := t.beginCycle(ctx, sourceID)
	if err != nil {
		return CloseCycleResult{}, err
	}
	defer store.Rollback(ctx)

	missed, err := store.IncrementMisses(ctx, cycleID, now)
	if err != nil {
		return CloseCycleResult{}, err
	}
	result := CloseCycleResult{Missed: len(missed)}

	for _, rec := range missed {
		if rec.Misses < t.missThreshold {
			continue
		}
		if err := store.FlagDisappeared(ctx, rec.ResourceID, now); err != nil {
			return CloseCycleResult{}, err
		}
		transitioned, err := store.DisappearResource(ctx, rec.ResourceID, now)
		if err != nil {
			return CloseCycleResult{}, err
		}
		if transitioned {
			result.Disappeared++
		}
	}

	if err := store.Commit(ctx); err != nil {
		return CloseCycleResult{}, fmt.Errorf("commit close-cycle tx: %w", err)
	}

	t.logger.Info().
		Int64("source_id", sourceID).
		Int64("cycle_id", cycleID).
		Int("missed", result.Missed).
		Int("disappeared", result.Disappeared).
		Msg("crawl cycle closed")

	return result, nil
}

type sqlCycleStore struct {
	tx       db.Tx
	sourceID int64
}

func (s *sqlCycleStore) IncrementMisses(ctx context.Context, cycleID int64, now time.Time) ([]missRecord, error) {
	const q = `
UPDATE beacon.source_sync_records ssr
SET
	consecutive_misses = ssr.consecutive_misses + 1,
	last_missed_cycle = $2,
	updated_at = $3
FROM beacon.resources r
WHERE r.resource_id = ssr.resource_id
  AND ssr.source_id = $1
  AND ssr.last_seen_cycle < $2
  AND ssr.last_missed_cycle < $2
  AND ssr.disappeared_at IS NULL
  AND r.status IN ('pending_approval', 'active')
RETURNING ssr.resource_id, ssr.consecutive_misses
`

	rows, err := s.tx.Query(ctx, q, s.sourceID, cycleID, now)
	if err != nil {
		return nil, fmt.Errorf("increment miss counters source_id=%d cycle_id=%d: %w", s.sourceID, cycleID, err)
	}
	defer rows.Close()

	missed := make([]missRecord, 0, 8)
	for rows.Next() {
		var rec missRecord
		if err := rows.Scan(&rec.ResourceID, &rec.Misses); err != nil {
			return nil, fmt.Errorf("scan missed sync record: %w", err)
		}
		missed = append(missed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missed sync records: %w", err)
	}
	return missed, nil
}

func (s *sqlCycleStore) FlagDisappeared(ctx context.Context, resourceID int64, now time.Time) error {
	const q = `
UPDATE beacon.source_sync_records
SET disappeared_at = $3, updated_at = $3
WHERE resource_id = $1
  AND source_id = $2
  AND disappeared_at IS NULL
`

	if _, err := s.tx.Exec(ctx, q, resourceID, s.sourceID, now); err != nil {
		return fmt.Errorf("flag disappeared sync record resource_id=%d source_id=%d: %w", resourceID, s.sourceID, err)
	}
	return nil
}

func (s *sqlCycleStore) DisappearResource(ctx context.Context, resourceID int64, now time.Time) (bool, error) {
	return lifecycle.DisappearTx(ctx, s.tx, resourceID, now)
}

func (s *sqlCycleStore) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *sqlCycleStore) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

// ObservedResourceIDsForPageTx returns the resources whose latest snapshot
// came from the given (source, url). Used by the ingest path to refresh
// observations when a byte-identical page is re-crawled without re-running
// extraction and dedup.
func ObservedResourceIDsForPageTx(ctx context.Context, tx db.Tx, sourceID int64, url string) ([]int64, error) {
	const q = `
SELECT r.resource_id
FROM beacon.resources r
JOIN beacon.fetched_pages p ON p.page_id = r.last_page_id
WHERE p.source_id = $1
  AND p.url = $2
  AND r.status IN ('pending_approval', 'active', 'disappeared')
`

	rows, err := tx.Query(ctx, q, sourceID, url)
	if err != nil {
		return nil, fmt.Errorf("query resources for page source_id=%d url=%q: %w", sourceID, url, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 4)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id for page: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources for page: %w", err)
	}
	return ids, nil
}
