// Package match routes newly activated resources to members: vector
// retrieval narrows the audience, a judge model rules on relevance, and a
// rolling seven-day per-member quota throttles delivery. Notifications are
// insert-once facts, so replays after a crash cannot double-notify.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/ai"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
	payloadschema "aidbeacon.org/beacon/schema"
)

const judgeSystemPrompt = `You decide which members should be notified about a community resource.
You receive one resource and a numbered list of member interest profiles.
A member is relevant when the resource plausibly serves a need stated in their profile. When in doubt, err toward inclusion; a missed resource costs a member more than an extra notification.
Reply with a JSON array only, one element per member, every member exactly once:
  [{"member_id": number, "is_relevant": boolean, "reason": string}]`

const judgeBackoff = 2 * time.Second

// quotaWindow is the rolling span the per-member notification cap covers.
// The cap is enforced by counting notifications sent inside this window, so
// there is no bucket boundary a burst can straddle.
const quotaWindow = 7 * 24 * time.Hour

type Config struct {
	RetrievalLimit   int
	BatchLimit       int
	WeeklyCap        int
	JudgeMaxAttempts int
}

type Engine struct {
	pool          *db.Pool
	logger        zerolog.Logger
	chat          *ai.Client
	cfg           Config
	beginDelivery func(ctx context.Context) (deliveryTx, error)
}

func NewEngine(pool *db.Pool, logger zerolog.Logger, chat *ai.Client, cfg Config) *Engine {
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 20
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5
	}
	if cfg.WeeklyCap <= 0 {
		cfg.WeeklyCap = 3
	}
	if cfg.JudgeMaxAttempts <= 0 {
		cfg.JudgeMaxAttempts = 3
	}
	e := &Engine{
		pool:   pool,
		logger: logger.With().Str("component", "match").Logger(),
		chat:   chat,
		cfg:    cfg,
	}
	e.beginDelivery = func(ctx context.Context) (deliveryTx, error) {
		tx, err := pool.BeginTx(ctx, db.TxOptions{})
		if err != nil {
			return nil, fmt.Errorf("begin notify tx: %w", err)
		}
		return &sqlDeliveryTx{tx: tx}, nil
	}
	return e
}

type claimedResource struct {
	ResourceID  int64
	Title       string
	Description string
	Urgency     string
}

type memberCandidate struct {
	MemberID   int64
	Name       string
	Profile    string
	Similarity float64
}

type relevantMember struct {
	memberCandidate
	Reason string
}

// ProcessPending matches active resources whose matching is still pending,
// one per claim, until none remain or limit is reached. Returns the number of
// resources processed.
func (e *Engine) ProcessPending(ctx context.Context, limit int) (int, error) {
	processed := 0
	for limit <= 0 || processed < limit {
		ok, err := e.processOne(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		processed++
	}
	return processed, nil
}

func (e *Engine) processOne(ctx context.Context) (bool, error) {
	tx, err := e.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin match tx: %w", err)
	}
	defer tx.Rollback(ctx)

	resource, ok, err := claimResourceTx(ctx, tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	logger := e.logger.With().Int64("resource_id", resource.ResourceID).Logger()

	members, err := e.retrieveMembersTx(ctx, tx, resource.ResourceID)
	if err != nil {
		return false, err
	}

	var relevant []relevantMember
	if len(members) > 0 {
		relevant, err = e.judge(ctx, resource, members)
		if err != nil {
			// The claim is still held; record the failure so the resource is
			// not retried forever, then move on.
			if markErr := markFailedTx(ctx, tx, resource.ResourceID, err.Error()); markErr != nil {
				return false, markErr
			}
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return false, fmt.Errorf("commit match failure: %w", commitErr)
			}
			logger.Error().Err(err).Msg("relevance judgment failed")
			return true, nil
		}
	}

	// Notifications commit member by member before the resource is marked
	// matched. A crash in between re-runs the judge; the unique
	// (resource, member) constraint absorbs the replay.
	delivered := 0
	for _, member := range orderForDelivery(relevant) {
		if delivered >= e.cfg.BatchLimit {
			break
		}
		sent, err := e.notifyMember(ctx, resource.ResourceID, member)
		if err != nil {
			return false, err
		}
		if sent {
			delivered++
		}
	}

	if err := markMatchedTx(ctx, tx, resource.ResourceID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit match tx: %w", err)
	}

	logger.Info().
		Int("retrieved", len(members)).
		Int("relevant", len(relevant)).
		Int("delivered", delivered).
		Msg("resource matched")
	return true, nil
}

func claimResourceTx(ctx context.Context, tx db.Tx) (claimedResource, bool, error) {
	const q = `
SELECT resource_id, title, description, urgency
FROM beacon.resources
WHERE status = 'active'
  AND matching_status = 'pending'
  AND embedding IS NOT NULL
ORDER BY resource_id
LIMIT 1
FOR UPDATE SKIP LOCKED
`

	var r claimedResource
	err := tx.QueryRow(ctx, q).Scan(&r.ResourceID, &r.Title, &r.Description, &r.Urgency)
	if err != nil {
		if db.IsNoRows(err) {
			return claimedResource{}, false, nil
		}
		return claimedResource{}, false, fmt.Errorf("claim matchable resource: %w", err)
	}
	return r, true, nil
}

func (e *Engine) retrieveMembersTx(ctx context.Context, tx db.Tx, resourceID int64) ([]memberCandidate, error) {
	const q = `
SELECT
	m.member_id,
	m.name,
	m.profile_text,
	(1 - (m.embedding <=> r.embedding))::DOUBLE PRECISION AS similarity
FROM beacon.members m
CROSS JOIN beacon.resources r
WHERE r.resource_id = $1
  AND m.active
  AND m.embedding IS NOT NULL
ORDER BY m.embedding <=> r.embedding ASC
LIMIT $2
`

	rows, err := tx.Query(ctx, q, resourceID, e.cfg.RetrievalLimit)
	if err != nil {
		return nil, fmt.Errorf("retrieve member candidates: %w", err)
	}
	defer rows.Close()

	members := make([]memberCandidate, 0, e.cfg.RetrievalLimit)
	for rows.Next() {
		var m memberCandidate
		if err := rows.Scan(&m.MemberID, &m.Name, &m.Profile, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan member candidate: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member candidates: %w", err)
	}
	return members, nil
}

// judge asks the chat model to rule on every retrieved member in one batched
// call, retrying transient failures.
func (e *Engine) judge(ctx context.Context, resource claimedResource, members []memberCandidate) ([]relevantMember, error) {
	prompt := judgePrompt(resource, members)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.JudgeMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * judgeBackoff):
			}
		}

		raw, err := e.chat.Complete(ctx, judgeSystemPrompt, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		verdicts, err := payloadschema.ValidateJudgeResponse(json.RawMessage(ai.ExtractJSONPayload(raw)))
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
			continue
		}

		relevant, err := filterRelevant(members, verdicts)
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
			continue
		}
		return relevant, nil
	}

	return nil, fmt.Errorf("judge failed after %d attempts: %w", e.cfg.JudgeMaxAttempts, lastErr)
}

func judgePrompt(resource claimedResource, members []memberCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resource:\nTitle: %s\nUrgency: %s\n%s\n\nMembers:\n", resource.Title, resource.Urgency, resource.Description)
	for _, m := range members {
		fmt.Fprintf(&b, "member_id %d: %s\n", m.MemberID, m.Profile)
	}
	return b.String()
}

// filterRelevant keeps members the judge ruled relevant, rejecting verdicts
// that reference members outside the retrieved set.
func filterRelevant(members []memberCandidate, verdicts []payloadschema.JudgeVerdict) ([]relevantMember, error) {
	byID := make(map[int64]memberCandidate, len(members))
	for _, m := range members {
		byID[m.MemberID] = m
	}

	relevant := make([]relevantMember, 0, len(verdicts))
	for _, verdict := range verdicts {
		member, ok := byID[verdict.MemberID]
		if !ok {
			return nil, fmt.Errorf("judge ruled on unknown member_id %d", verdict.MemberID)
		}
		if !verdict.IsRelevant {
			continue
		}
		relevant = append(relevant, relevantMember{memberCandidate: member, Reason: verdict.Reason})
	}
	return relevant, nil
}

// orderForDelivery sorts relevant members by similarity, strongest first, so
// the batch cap keeps the best matches.
func orderForDelivery(relevant []relevantMember) []relevantMember {
	ordered := make([]relevantMember, len(relevant))
	copy(ordered, relevant)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})
	return ordered
}

// deliveryTx is the transactional slice of one delivery: lock the member
// row, count recent notifications, insert one. A store seam so tests can
// script quota and conflict outcomes.
type deliveryTx interface {
	LockMember(ctx context.Context, memberID int64) (bool, error)
	NotificationsSince(ctx context.Context, memberID int64, since time.Time) (int, error)
	InsertNotification(ctx context.Context, resourceID int64, member relevantMember, sentAt time.Time) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type sqlDeliveryTx struct {
	tx db.Tx
}

func (d *sqlDeliveryTx) LockMember(ctx context.Context, memberID int64) (bool, error) {
	var id int64
	err := d.tx.QueryRow(ctx, `
		SELECT member_id FROM beacon.members
		WHERE member_id = $1 AND active
		FOR UPDATE`, memberID).Scan(&id)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock member %d: %w", memberID, err)
	}
	return true, nil
}

func (d *sqlDeliveryTx) NotificationsSince(ctx context.Context, memberID int64, since time.Time) (int, error) {
	var count int
	err := d.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM beacon.notifications
		WHERE member_id = $1 AND sent_at > $2`, memberID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent notifications for member %d: %w", memberID, err)
	}
	return count, nil
}

func (d *sqlDeliveryTx) InsertNotification(ctx context.Context, resourceID int64, member relevantMember, sentAt time.Time) (bool, error) {
	tag, err := d.tx.Exec(ctx, `
		INSERT INTO beacon.notifications (resource_id, member_id, reasoning, similarity, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, member_id) DO NOTHING`,
		resourceID, member.MemberID, member.Reason, member.Similarity, sentAt)
	if err != nil {
		return false, fmt.Errorf("insert notification for member %d: %w", member.MemberID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (d *sqlDeliveryTx) Commit(ctx context.Context) error   { return d.tx.Commit(ctx) }
func (d *sqlDeliveryTx) Rollback(ctx context.Context) error { return d.tx.Rollback(ctx) }

// notifyMember records one notification in its own transaction, capped by a
// rolling seven-day count of the member's notifications. The member row lock
// serializes concurrent workers, so the count and the insert are race-free.
// Returns false without error when the member is over quota, inactive, or was
// already notified about this resource.
func (e *Engine) notifyMember(ctx context.Context, resourceID int64, member relevantMember) (bool, error) {
	now := globaltime.Now()

	dtx, err := e.beginDelivery(ctx)
	if err != nil {
		return false, err
	}
	defer dtx.Rollback(ctx)

	locked, err := dtx.LockMember(ctx, member.MemberID)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}

	recent, err := dtx.NotificationsSince(ctx, member.MemberID, now.Add(-quotaWindow))
	if err != nil {
		return false, err
	}
	if recent >= e.cfg.WeeklyCap {
		e.logger.Debug().
			Int64("member_id", member.MemberID).
			Int64("resource_id", resourceID).
			Int("recent", recent).
			Msg("member over rolling quota")
		return false, nil
	}

	inserted, err := dtx.InsertNotification(ctx, resourceID, member, now)
	if err != nil {
		return false, err
	}
	if !inserted {
		// Already notified on a previous run; the deferred rollback leaves
		// nothing charged.
		return false, nil
	}

	if err := dtx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit notify tx: %w", err)
	}

	e.logger.Info().
		Int64("member_id", member.MemberID).
		Int64("resource_id", resourceID).
		Float64("similarity", member.Similarity).
		Msg("notification recorded")
	return true, nil
}

func markMatchedTx(ctx context.Context, tx db.Tx, resourceID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE beacon.resources
		SET matching_status = 'matched', matching_error = NULL, matched_at = $2
		WHERE resource_id = $1`, resourceID, globaltime.Now())
	if err != nil {
		return fmt.Errorf("mark resource %d matched: %w", resourceID, err)
	}
	return nil
}

func markFailedTx(ctx context.Context, tx db.Tx, resourceID int64, message string) error {
	_, err := tx.Exec(ctx, `
		UPDATE beacon.resources
		SET matching_status = 'failed', matching_error = $2
		WHERE resource_id = $1`, resourceID, message)
	if err != nil {
		return fmt.Errorf("mark resource %d match-failed: %w", resourceID, err)
	}
	return nil
}
