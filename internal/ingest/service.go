// Package ingest is the fetch boundary: it accepts raw page snapshots from
// the crawl collaborator and queues them for extraction. A byte-identical
// re-crawl of a known page refreshes sync observations without re-running
// extraction.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
	"aidbeacon.org/beacon/internal/lifecycle"
	"aidbeacon.org/beacon/internal/synctrack"
)

type Service struct {
	pool   *db.Pool
	logger zerolog.Logger
}

func NewService(pool *db.Pool, logger zerolog.Logger) *Service {
	return &Service{
		pool:   pool,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// EnsureSource upserts a source by slug and returns its id and current cycle.
func (s *Service) EnsureSource(ctx context.Context, slug, name, baseURL string) (int64, int64, error) {
	slug = strings.TrimSpace(strings.ToLower(slug))
	if slug == "" {
		return 0, 0, fmt.Errorf("source slug is empty")
	}
	if name == "" {
		name = slug
	}

	var (
		sourceID     int64
		currentCycle int64
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO beacon.sources (slug, name, base_url, enabled, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), TRUE, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
		RETURNING source_id, current_cycle`,
		slug, name, baseURL).Scan(&sourceID, &currentCycle)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert source %q: %w", slug, err)
	}
	return sourceID, currentCycle, nil
}

// BeginCycle advances the source's crawl cycle and returns the new cycle id.
// Every page ingested afterwards is attributed to this cycle until the next
// call.
func (s *Service) BeginCycle(ctx context.Context, sourceID int64) (int64, error) {
	var cycleID int64
	err := s.pool.QueryRow(ctx, `
		UPDATE beacon.sources
		SET current_cycle = current_cycle + 1, updated_at = NOW()
		WHERE source_id = $1 AND enabled
		RETURNING current_cycle`, sourceID).Scan(&cycleID)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, fmt.Errorf("source %d not found or disabled", sourceID)
		}
		return 0, fmt.Errorf("begin cycle for source %d: %w", sourceID, err)
	}

	s.logger.Info().Int64("source_id", sourceID).Int64("cycle_id", cycleID).Msg("crawl cycle started")
	return cycleID, nil
}

type IngestResult struct {
	PageID    int64
	Duplicate bool
	Refreshed int
}

// IngestPage stores one raw snapshot for the source's current cycle. If the
// same (url, content) was already stored this cycle, nothing happens. If the
// content is byte-identical to the page that produced resources in an earlier
// cycle, the snapshot is stored with extraction skipped and the resources'
// observations are refreshed instead.
func (s *Service) IngestPage(ctx context.Context, sourceID, cycleID int64, url, rawText string) (IngestResult, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return IngestResult{}, fmt.Errorf("page url is empty")
	}
	if strings.TrimSpace(rawText) == "" {
		return IngestResult{}, fmt.Errorf("page body is empty for %s", url)
	}

	hash := sha256.Sum256([]byte(rawText))
	now := globaltime.Now()

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return IngestResult{}, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Did an earlier cycle already produce resources from this exact content?
	var priorPageID *int64
	err = tx.QueryRow(ctx, `
		SELECT page_id
		FROM beacon.fetched_pages
		WHERE source_id = $1 AND url = $2 AND raw_text_hash = $3 AND cycle_id < $4
		ORDER BY cycle_id DESC
		LIMIT 1`, sourceID, url, hash[:], cycleID).Scan(&priorPageID)
	if err != nil && !db.IsNoRows(err) {
		return IngestResult{}, fmt.Errorf("look up prior snapshot for %s: %w", url, err)
	}

	extractionStatus := db.ExtractionStatusPending
	if priorPageID != nil {
		extractionStatus = db.ExtractionStatusSkipped
	}

	var pageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO beacon.fetched_pages (source_id, url, cycle_id, raw_text, raw_text_hash, fetched_at, extraction_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id, url, cycle_id, raw_text_hash) DO NOTHING
		RETURNING page_id`,
		sourceID, url, cycleID, rawText, hash[:], now, extractionStatus).Scan(&pageID)
	if db.IsNoRows(err) {
		// Already stored this cycle; the first insert did all the work.
		if err := tx.Rollback(ctx); err != nil {
			return IngestResult{}, fmt.Errorf("rollback duplicate ingest: %w", err)
		}
		return IngestResult{Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert snapshot for %s: %w", url, err)
	}

	refreshed := 0
	if priorPageID != nil {
		resourceIDs, err := synctrack.ObservedResourceIDsForPageTx(ctx, tx, sourceID, url)
		if err != nil {
			return IngestResult{}, err
		}
		for _, resourceID := range resourceIDs {
			if err := synctrack.MarkObservedTx(ctx, tx, resourceID, sourceID, cycleID, &pageID, now); err != nil {
				return IngestResult{}, err
			}
			// A disappeared resource whose page came back is alive again.
			if _, err := lifecycle.ReappearTx(ctx, tx, resourceID, now); err != nil {
				return IngestResult{}, err
			}
			refreshed++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return IngestResult{}, fmt.Errorf("commit ingest tx: %w", err)
	}

	event := s.logger.Debug()
	if refreshed > 0 {
		event = s.logger.Info()
	}
	event.Int64("page_id", pageID).
		Int64("source_id", sourceID).
		Int64("cycle_id", cycleID).
		Str("url", url).
		Int("refreshed", refreshed).
		Msg("snapshot ingested")

	return IngestResult{PageID: pageID, Refreshed: refreshed}, nil
}
