// Package lifecycle owns resource status transitions. Every transition is a
// conditional UPDATE guarded by the expected current status, so concurrent
// workers on separate machines converge without in-process locks: the loser
// of a race simply affects zero rows.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aidbeacon.org/beacon/internal/db"
)

// Version row decisions.
const (
	DecisionNew            = "new"
	DecisionContentUpdated = "content_updated"
	DecisionMerged         = "merged"
	DecisionReviewStage    = "review_staged"
	DecisionApproved       = "approved"
	DecisionRejected       = "rejected"
)

// TTLPolicy sets expiry horizons at approval time, keyed by urgency.
type TTLPolicy struct {
	UrgentDays int
	NormalDays int
}

func (p TTLPolicy) ExpiryFor(urgency string, approvedAt time.Time) time.Time {
	days := p.NormalDays
	if days < 1 {
		days = 30
	}
	if strings.EqualFold(strings.TrimSpace(urgency), db.UrgencyUrgent) {
		days = p.UrgentDays
		if days < 1 {
			days = 7
		}
	}
	return approvedAt.AddDate(0, 0, days)
}

var allowedTransitions = map[string]map[string]struct{}{
	db.ResourceStatusPendingApproval: {
		db.ResourceStatusActive:   {},
		db.ResourceStatusRejected: {},
		db.ResourceStatusMerged:   {},
	},
	db.ResourceStatusActive: {
		db.ResourceStatusExpired:     {},
		db.ResourceStatusDisappeared: {},
		db.ResourceStatusMerged:      {},
	},
	db.ResourceStatusDisappeared: {
		db.ResourceStatusActive:   {},
		db.ResourceStatusArchived: {},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// rejected, expired, archived, and merged are terminal.
func CanTransition(from, to string) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case db.ResourceStatusRejected, db.ResourceStatusExpired, db.ResourceStatusArchived, db.ResourceStatusMerged:
		return true
	}
	// expired is terminal in the transition table but rows are kept forever.
	return false
}

// ApprovalEdits carries the reviewer's optional field overrides.
type ApprovalEdits struct {
	Title       *string
	Description *string
	ContactInfo *string
}

// ApproveTx moves pending_approval -> active, applies reviewer edits, and
// stamps the urgency-based expiry. Returns false when the resource was not in
// pending_approval (already decided, or racing reviewer won).
func ApproveTx(ctx context.Context, tx db.Tx, resourceID int64, edits ApprovalEdits, ttl TTLPolicy, now time.Time) (bool, error) {
	const q = `
UPDATE beacon.resources
SET
	status = 'active',
	title = COALESCE($2, title),
	description = COALESCE($3, description),
	contact_info = COALESCE($4, contact_info),
	approved_at = $5,
	expires_at = CASE WHEN urgency = 'urgent' THEN $6::timestamptz ELSE $7::timestamptz END,
	updated_at = $5
WHERE resource_id = $1
  AND status = 'pending_approval'
`

	urgentExpiry := ttl.ExpiryFor(db.UrgencyUrgent, now)
	normalExpiry := ttl.ExpiryFor(db.UrgencyNormal, now)

	tag, err := tx.Exec(ctx, q, resourceID, edits.Title, edits.Description, edits.ContactInfo, now, urgentExpiry, normalExpiry)
	if err != nil {
		return false, fmt.Errorf("approve resource_id=%d: %w", resourceID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := AppendVersionTx(ctx, tx, VersionRecord{
		ResourceID: resourceID,
		Decision:   DecisionApproved,
		CreatedAt:  now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// RejectTx moves pending_approval -> rejected with the reviewer's reason.
func RejectTx(ctx context.Context, tx db.Tx, resourceID int64, reason string, now time.Time) (bool, error) {
	const q = `
UPDATE beacon.resources
SET status = 'rejected', updated_at = $2
WHERE resource_id = $1
  AND status = 'pending_approval'
`

	tag, err := tx.Exec(ctx, q, resourceID, now)
	if err != nil {
		return false, fmt.Errorf("reject resource_id=%d: %w", resourceID, err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	reasonCopy := strings.TrimSpace(reason)
	record := VersionRecord{
		ResourceID: resourceID,
		Decision:   DecisionRejected,
		CreatedAt:  now,
	}
	if reasonCopy != "" {
		record.Reasoning = &reasonCopy
	}
	if err := AppendVersionTx(ctx, tx, record); err != nil {
		return false, err
	}
	return true, nil
}

// DisappearTx moves active -> disappeared. Driven by the sync tracker.
func DisappearTx(ctx context.Context, tx db.Tx, resourceID int64, now time.Time) (bool, error) {
	const q = `
UPDATE beacon.resources
SET status = 'disappeared', updated_at = $2
WHERE resource_id = $1
  AND status = 'active'
`

	tag, err := tx.Exec(ctx, q, resourceID, now)
	if err != nil {
		return false, fmt.Errorf("disappear resource_id=%d: %w", resourceID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReappearTx moves disappeared -> active when content is observed again.
func ReappearTx(ctx context.Context, tx db.Tx, resourceID int64, now time.Time) (bool, error) {
	const q = `
UPDATE beacon.resources
SET status = 'active', updated_at = $2
WHERE resource_id = $1
  AND status = 'disappeared'
`

	tag, err := tx.Exec(ctx, q, resourceID, now)
	if err != nil {
		return false, fmt.Errorf("reappear resource_id=%d: %w", resourceID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeTx absorbs a duplicate into a canonical record: the absorbed resource
// keeps its row, flips to merged, and points at the canonical id. Both staged
// duplicates and already-active resources can be absorbed. Rows with outbound
// references are never deleted.
func MergeTx(ctx context.Context, tx db.Tx, absorbedID, canonicalID int64, now time.Time) (bool, error) {
	if absorbedID == canonicalID {
		return false, fmt.Errorf("resource cannot merge into itself: resource_id=%d", absorbedID)
	}

	const q = `
UPDATE beacon.resources
SET status = 'merged', merged_into_id = $2, updated_at = $3
WHERE resource_id = $1
  AND status IN ('pending_approval', 'active')
`

	tag, err := tx.Exec(ctx, q, absorbedID, canonicalID, now)
	if err != nil {
		return false, fmt.Errorf("merge resource_id=%d into %d: %w", absorbedID, canonicalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// VersionRecord is one append-only audit snapshot.
type VersionRecord struct {
	ResourceID        int64
	CandidateID       *int64
	PageID            *int64
	Decision          string
	MatchedResourceID *int64
	Similarity        *float64
	Reasoning         *string
	Snapshot          map[string]any
	CreatedAt         time.Time
}

// AppendVersionTx inserts one audit row. When a candidate id is present the
// partial unique index makes the insert idempotent under job retries.
func AppendVersionTx(ctx context.Context, tx db.Tx, record VersionRecord) error {
	const q = `
INSERT INTO beacon.resource_versions (
	resource_id,
	candidate_id,
	page_id,
	decision,
	matched_resource_id,
	similarity,
	reasoning,
	snapshot,
	created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
ON CONFLICT (candidate_id) WHERE candidate_id IS NOT NULL DO NOTHING
`

	var snapshotJSON *string
	if len(record.Snapshot) > 0 {
		encoded, err := json.Marshal(record.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal version snapshot resource_id=%d: %w", record.ResourceID, err)
		}
		text := string(encoded)
		snapshotJSON = &text
	}

	_, err := tx.Exec(
		ctx,
		q,
		record.ResourceID,
		record.CandidateID,
		record.PageID,
		record.Decision,
		record.MatchedResourceID,
		record.Similarity,
		record.Reasoning,
		snapshotJSON,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert resource version resource_id=%d decision=%s: %w", record.ResourceID, record.Decision, err)
	}
	return nil
}
