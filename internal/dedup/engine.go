// Package dedup decides, for each extracted candidate, whether it is a new
// resource, an update to a known one, or a duplicate. One candidate is
// claimed per transaction; the decision and all its side effects commit
// atomically, so a crashed worker leaves nothing half-applied.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
	"aidbeacon.org/beacon/internal/lifecycle"
	"aidbeacon.org/beacon/internal/synctrack"
)

// Similarity bands for the semantic stage.
const (
	bandDistinct = iota
	bandReview
	bandAutoMerge
)

const semanticSearchEF = 80

// Decision names recorded on the candidate row.
const (
	outcomeUnchanged = "unchanged"
	outcomeUpdated   = "content_updated"
	outcomeMerged    = "merged"
	outcomeReview    = "review_staged"
	outcomeNew       = "new"
)

type Config struct {
	AutoMergeCosine float64
	ReviewMinCosine float64
	CandidateLimit  int
	ModelName       string
	ModelVersion    string
}

type Engine struct {
	pool        *db.Pool
	logger      zerolog.Logger
	adjudicator *Adjudicator
	cfg         Config
}

func NewEngine(pool *db.Pool, logger zerolog.Logger, adjudicator *Adjudicator, cfg Config) *Engine {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 20
	}
	return &Engine{
		pool:        pool,
		logger:      logger.With().Str("component", "dedup").Logger(),
		adjudicator: adjudicator,
		cfg:         cfg,
	}
}

// band classifies a cosine similarity against the configured thresholds.
func band(cosine, autoMerge, reviewMin float64) int {
	switch {
	case cosine >= autoMerge:
		return bandAutoMerge
	case cosine >= reviewMin:
		return bandReview
	default:
		return bandDistinct
	}
}

type pendingCandidate struct {
	CandidateID int64
	PageID      int64
	SourceID    int64
	CycleID     int64
	Title       string
	Description string
	ContactInfo *string
	Urgency     string
	Confidence  float64
	Language    string
	ContentHash []byte
	Fingerprint string
	Embedding   string
}

type semanticMatch struct {
	ResourceID  int64
	Title       string
	Description string
	Cosine      float64
}

// ProcessPending runs dedup decisions until no embedded candidates remain or
// limit is reached. Returns the number of candidates decided.
func (e *Engine) ProcessPending(ctx context.Context, limit int) (int, error) {
	decided := 0
	for limit <= 0 || decided < limit {
		ok, err := e.processOne(ctx)
		if err != nil {
			return decided, err
		}
		if !ok {
			break
		}
		decided++
	}
	return decided, nil
}

func (e *Engine) processOne(ctx context.Context) (bool, error) {
	tx, err := e.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin dedup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	candidate, ok, err := e.claimCandidateTx(ctx, tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	outcome, resourceID, err := e.decideTx(ctx, tx, candidate)
	if err != nil {
		return false, err
	}

	if err := finishCandidateTx(ctx, tx, candidate.CandidateID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit dedup tx: %w", err)
	}

	e.logger.Info().
		Int64("candidate_id", candidate.CandidateID).
		Int64("resource_id", resourceID).
		Str("outcome", outcome).
		Msg("candidate decided")
	return true, nil
}

// decideTx walks the decision ladder: exact content hash, fingerprint,
// semantic similarity, then insert-as-new.
func (e *Engine) decideTx(ctx context.Context, tx db.Tx, c pendingCandidate) (string, int64, error) {
	now := globaltime.Now()

	// Stage 1: byte-identical content from the same source is a pure
	// observation. No version row; the resource did not change.
	if resourceID, status, found, err := findExactTx(ctx, tx, c.SourceID, c.ContentHash); err != nil {
		return "", 0, err
	} else if found {
		if err := e.observeTx(ctx, tx, resourceID, status, c, now); err != nil {
			return "", 0, err
		}
		return outcomeUnchanged, resourceID, nil
	}

	// Stage 2: same normalized identity, different content. The source
	// edited the listing in place.
	if resourceID, status, found, err := findFingerprintTx(ctx, tx, c.SourceID, c.Fingerprint); err != nil {
		return "", 0, err
	} else if found {
		if err := e.applyContentUpdateTx(ctx, tx, resourceID, status, c, now); err != nil {
			return "", 0, err
		}
		return outcomeUpdated, resourceID, nil
	}

	// Stage 3: semantic similarity against open resources from any source.
	matches, err := e.findSemanticTx(ctx, tx, c.Embedding)
	if err != nil {
		return "", 0, err
	}

	var best *semanticMatch
	for i := range matches {
		match := matches[i]
		if best == nil || match.Cosine > best.Cosine {
			best = &match
		}
		if band(match.Cosine, e.cfg.AutoMergeCosine, e.cfg.ReviewMinCosine) == bandAutoMerge {
			if err := e.applyMergeTx(ctx, tx, match.ResourceID, c, match.Cosine, "cosine above auto-merge threshold", now); err != nil {
				return "", 0, err
			}
			return outcomeMerged, match.ResourceID, nil
		}
	}

	if best != nil && band(best.Cosine, e.cfg.AutoMergeCosine, e.cfg.ReviewMinCosine) == bandReview {
		verdict, reason, err := e.adjudicator.Adjudicate(ctx, c.Title, c.Description, best.Title, best.Description)
		if err != nil && verdict == "" {
			return "", 0, err
		}
		switch verdict {
		case VerdictSame:
			if err := e.applyMergeTx(ctx, tx, best.ResourceID, c, best.Cosine, reason, now); err != nil {
				return "", 0, err
			}
			return outcomeMerged, best.ResourceID, nil
		case VerdictUncertain:
			resourceID, err := e.insertNewTx(ctx, tx, c, lifecycle.DecisionReviewStage, best, reason, now)
			if err != nil {
				return "", 0, err
			}
			return outcomeReview, resourceID, nil
		case VerdictDifferent:
			// Insert as new, but keep the near match and the adjudicator's
			// ruling on the version row as evidence for the decision.
			resourceID, err := e.insertNewTx(ctx, tx, c, lifecycle.DecisionNew, best, reason, now)
			if err != nil {
				return "", 0, err
			}
			return outcomeNew, resourceID, nil
		}
	}

	resourceID, err := e.insertNewTx(ctx, tx, c, lifecycle.DecisionNew, nil, "", now)
	if err != nil {
		return "", 0, err
	}
	return outcomeNew, resourceID, nil
}

func (e *Engine) claimCandidateTx(ctx context.Context, tx db.Tx) (pendingCandidate, bool, error) {
	const q = `
SELECT
	c.candidate_id,
	c.page_id,
	c.source_id,
	c.cycle_id,
	c.title,
	c.description,
	c.contact_info,
	c.urgency,
	c.confidence,
	c.language,
	c.content_hash,
	c.fingerprint,
	e.embedding::text
FROM beacon.extracted_candidates c
JOIN beacon.candidate_embeddings e
	ON e.candidate_id = c.candidate_id
	AND e.model_name = $1
	AND e.model_version = $2
WHERE c.dedup_status = 'pending'
ORDER BY c.candidate_id
LIMIT 1
FOR UPDATE OF c SKIP LOCKED
`

	var c pendingCandidate
	err := tx.QueryRow(ctx, q, e.cfg.ModelName, e.cfg.ModelVersion).Scan(
		&c.CandidateID,
		&c.PageID,
		&c.SourceID,
		&c.CycleID,
		&c.Title,
		&c.Description,
		&c.ContactInfo,
		&c.Urgency,
		&c.Confidence,
		&c.Language,
		&c.ContentHash,
		&c.Fingerprint,
		&c.Embedding,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return pendingCandidate{}, false, nil
		}
		return pendingCandidate{}, false, fmt.Errorf("claim pending candidate: %w", err)
	}
	return c, true, nil
}

func findExactTx(ctx context.Context, tx db.Tx, sourceID int64, contentHash []byte) (int64, string, bool, error) {
	const q = `
SELECT resource_id, status
FROM beacon.resources
WHERE source_id = $1
  AND content_hash = $2
  AND status IN ('pending_approval', 'active', 'disappeared')
ORDER BY resource_id
LIMIT 1
`

	var (
		resourceID int64
		status     string
	)
	err := tx.QueryRow(ctx, q, sourceID, contentHash).Scan(&resourceID, &status)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("find exact content match: %w", err)
	}
	return resourceID, status, true, nil
}

func findFingerprintTx(ctx context.Context, tx db.Tx, sourceID int64, fp string) (int64, string, bool, error) {
	const q = `
SELECT resource_id, status
FROM beacon.resources
WHERE source_id = $1
  AND fingerprint = $2
  AND status IN ('pending_approval', 'active', 'disappeared')
ORDER BY resource_id
LIMIT 1
`

	var (
		resourceID int64
		status     string
	)
	err := tx.QueryRow(ctx, q, sourceID, fp).Scan(&resourceID, &status)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("find fingerprint match: %w", err)
	}
	return resourceID, status, true, nil
}

func (e *Engine) findSemanticTx(ctx context.Context, tx db.Tx, embedding string) ([]semanticMatch, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", semanticSearchEF)); err != nil {
		return nil, fmt.Errorf("set hnsw.ef_search: %w", err)
	}

	const q = `
SELECT
	resource_id,
	title,
	description,
	(1 - (embedding <=> $1::vector))::DOUBLE PRECISION AS cosine
FROM beacon.resources
WHERE status IN ('pending_approval', 'active')
  AND embedding IS NOT NULL
ORDER BY embedding <=> $1::vector ASC
LIMIT $2
`

	rows, err := tx.Query(ctx, q, embedding, e.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("query semantic matches: %w", err)
	}
	defer rows.Close()

	matches := make([]semanticMatch, 0, e.cfg.CandidateLimit)
	for rows.Next() {
		var m semanticMatch
		if err := rows.Scan(&m.ResourceID, &m.Title, &m.Description, &m.Cosine); err != nil {
			return nil, fmt.Errorf("scan semantic match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate semantic matches: %w", err)
	}
	return matches, nil
}

// observeTx refreshes the sync record for a resource whose content arrived
// unchanged, reviving it if it had disappeared.
func (e *Engine) observeTx(ctx context.Context, tx db.Tx, resourceID int64, status string, c pendingCandidate, now time.Time) error {
	if err := synctrack.MarkObservedTx(ctx, tx, resourceID, c.SourceID, c.CycleID, &c.PageID, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE beacon.resources SET last_page_id = $2, updated_at = $3 WHERE resource_id = $1`,
		resourceID, c.PageID, now); err != nil {
		return fmt.Errorf("touch resource %d: %w", resourceID, err)
	}
	if status == db.ResourceStatusDisappeared {
		if _, err := lifecycle.ReappearTx(ctx, tx, resourceID, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyContentUpdateTx(ctx context.Context, tx db.Tx, resourceID int64, status string, c pendingCandidate, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE beacon.resources
		SET title = $2,
		    description = $3,
		    contact_info = $4,
		    urgency = $5,
		    confidence = $6,
		    language = $7,
		    content_hash = $8,
		    fingerprint = $9,
		    embedding = $10::vector,
		    last_page_id = $11,
		    updated_at = $12
		WHERE resource_id = $1`,
		resourceID, c.Title, c.Description, c.ContactInfo, c.Urgency, c.Confidence,
		c.Language, c.ContentHash, c.Fingerprint, c.Embedding, c.PageID, now)
	if err != nil {
		return fmt.Errorf("apply content update to resource %d: %w", resourceID, err)
	}

	if err := lifecycle.AppendVersionTx(ctx, tx, lifecycle.VersionRecord{
		ResourceID:  resourceID,
		CandidateID: &c.CandidateID,
		PageID:      &c.PageID,
		Decision:    lifecycle.DecisionContentUpdated,
		Snapshot:    candidateSnapshot(c),
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	if err := synctrack.MarkObservedTx(ctx, tx, resourceID, c.SourceID, c.CycleID, &c.PageID, now); err != nil {
		return err
	}
	if status == db.ResourceStatusDisappeared {
		if _, err := lifecycle.ReappearTx(ctx, tx, resourceID, now); err != nil {
			return err
		}
	}
	return nil
}

// applyMergeTx folds a duplicate candidate into the canonical resource: an
// audit row plus an observation, leaving the canonical's content untouched.
func (e *Engine) applyMergeTx(ctx context.Context, tx db.Tx, canonicalID int64, c pendingCandidate, cosine float64, reasoning string, now time.Time) error {
	var reasonPtr *string
	if reasoning != "" {
		reasonPtr = &reasoning
	}
	if err := lifecycle.AppendVersionTx(ctx, tx, lifecycle.VersionRecord{
		ResourceID:        canonicalID,
		CandidateID:       &c.CandidateID,
		PageID:            &c.PageID,
		Decision:          lifecycle.DecisionMerged,
		MatchedResourceID: &canonicalID,
		Similarity:        &cosine,
		Reasoning:         reasonPtr,
		Snapshot:          candidateSnapshot(c),
		CreatedAt:         now,
	}); err != nil {
		return err
	}
	return synctrack.MarkObservedTx(ctx, tx, canonicalID, c.SourceID, c.CycleID, &c.PageID, now)
}

// insertNewTx creates a pending_approval resource from the candidate. When a
// concurrent worker inserted the same (source, content) first, the partial
// unique index turns this into an observation of that resource instead.
func (e *Engine) insertNewTx(ctx context.Context, tx db.Tx, c pendingCandidate, decision string, nearMatch *semanticMatch, reasoning string, now time.Time) (int64, error) {
	var resourceID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO beacon.resources
			(source_id, title, description, contact_info, urgency, status, confidence, language,
			 content_hash, fingerprint, embedding, matching_status, seed_page_id, last_page_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending_approval', $6, $7, $8, $9, $10::vector, 'pending', $11, $11, $12, $12)
		ON CONFLICT (source_id, content_hash) WHERE status IN ('pending_approval', 'active') DO NOTHING
		RETURNING resource_id`,
		c.SourceID, c.Title, c.Description, c.ContactInfo, c.Urgency, c.Confidence, c.Language,
		c.ContentHash, c.Fingerprint, c.Embedding, c.PageID, now).Scan(&resourceID)
	if db.IsNoRows(err) {
		existingID, status, found, findErr := findExactTx(ctx, tx, c.SourceID, c.ContentHash)
		if findErr != nil {
			return 0, findErr
		}
		if !found {
			return 0, fmt.Errorf("insert lost race but no open resource for candidate %d", c.CandidateID)
		}
		if err := e.observeTx(ctx, tx, existingID, status, c, now); err != nil {
			return 0, err
		}
		return existingID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert resource for candidate %d: %w", c.CandidateID, err)
	}

	if err := lifecycle.AppendVersionTx(ctx, tx, insertVersionRecord(resourceID, c, decision, nearMatch, reasoning, now)); err != nil {
		return 0, err
	}

	if err := synctrack.MarkObservedTx(ctx, tx, resourceID, c.SourceID, c.CycleID, &c.PageID, now); err != nil {
		return 0, err
	}
	return resourceID, nil
}

func finishCandidateTx(ctx context.Context, tx db.Tx, candidateID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE beacon.extracted_candidates
		SET dedup_status = 'decided', decided_at = $2
		WHERE candidate_id = $1`, candidateID, globaltime.Now())
	if err != nil {
		return fmt.Errorf("finish candidate %d: %w", candidateID, err)
	}
	return nil
}

// insertVersionRecord builds the audit row for an inserted resource. The near
// match and reasoning are carried whenever the decision had one, including an
// adjudicated near miss that stayed distinct.
func insertVersionRecord(resourceID int64, c pendingCandidate, decision string, nearMatch *semanticMatch, reasoning string, now time.Time) lifecycle.VersionRecord {
	record := lifecycle.VersionRecord{
		ResourceID:  resourceID,
		CandidateID: &c.CandidateID,
		PageID:      &c.PageID,
		Decision:    decision,
		Snapshot:    candidateSnapshot(c),
		CreatedAt:   now,
	}
	if nearMatch != nil {
		record.MatchedResourceID = &nearMatch.ResourceID
		record.Similarity = &nearMatch.Cosine
		if reasoning != "" {
			record.Reasoning = &reasoning
		}
	}
	return record
}

func candidateSnapshot(c pendingCandidate) map[string]any {
	snapshot := map[string]any{
		"title":       c.Title,
		"description": c.Description,
		"urgency":     c.Urgency,
		"confidence":  c.Confidence,
		"language":    c.Language,
	}
	if c.ContactInfo != nil && *c.ContactInfo != "" {
		snapshot["contact_info"] = *c.ContactInfo
	}
	return snapshot
}
