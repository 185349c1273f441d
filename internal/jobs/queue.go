// Package jobs is the at-least-once coordination substrate: a Postgres-backed
// queue with idempotent enqueue, lease-based claims, and bounded retries.
// Exactly-once effects come from the domain tables' unique constraints, not
// from this queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 30 * time.Minute
)

type Queue struct {
	pool        *db.Pool
	logger      zerolog.Logger
	leaseSecs   int
	maxAttempts int
}

func NewQueue(pool *db.Pool, logger zerolog.Logger, leaseSecs, maxAttempts int) *Queue {
	if leaseSecs <= 0 {
		leaseSecs = 120
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		pool:        pool,
		logger:      logger.With().Str("component", "jobs").Logger(),
		leaseSecs:   leaseSecs,
		maxAttempts: maxAttempts,
	}
}

// ClaimedJob is a leased job handed to a worker.
type ClaimedJob struct {
	JobID    int64
	JobType  string
	Payload  json.RawMessage
	Attempts int
}

// Enqueue inserts a job keyed by its idempotency key. Returns false when a
// job with the same key already exists.
func (q *Queue) Enqueue(ctx context.Context, jobType, idempotencyKey string, payload any) (bool, error) {
	if jobType == "" || idempotencyKey == "" {
		return false, fmt.Errorf("job type and idempotency key are required")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload for %s: %w", jobType, err)
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO beacon.jobs (job_type, idempotency_key, payload, status, max_attempts, run_at)
		VALUES ($1, $2, $3::jsonb, 'queued', $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		jobType, idempotencyKey, string(encoded), q.maxAttempts)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		q.logger.Debug().Str("job_type", jobType).Str("key", idempotencyKey).Msg("job enqueued")
	}
	return inserted, nil
}

// Claim leases one runnable job. A job whose lease expired is reclaimed, so a
// crashed worker's job reruns after the lease window.
func (q *Queue) Claim(ctx context.Context) (ClaimedJob, bool, error) {
	now := globaltime.Now()

	const claimQ = `
UPDATE beacon.jobs
SET status = 'leased',
    attempts = attempts + 1,
    lease_expires_at = $2,
    updated_at = $1
WHERE job_id = (
	SELECT job_id
	FROM beacon.jobs
	WHERE (status IN ('queued', 'failed') AND run_at <= $1)
	   OR (status = 'leased' AND lease_expires_at < $1)
	ORDER BY run_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING job_id, job_type, payload, attempts
`

	var job ClaimedJob
	err := q.pool.QueryRow(ctx, claimQ, now, now.Add(time.Duration(q.leaseSecs)*time.Second)).Scan(
		&job.JobID, &job.JobType, &job.Payload, &job.Attempts)
	if err != nil {
		if db.IsNoRows(err) {
			return ClaimedJob{}, false, nil
		}
		return ClaimedJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Ack marks a leased job done.
func (q *Queue) Ack(ctx context.Context, jobID int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE beacon.jobs
		SET status = 'done', last_error = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status = 'leased'`, jobID)
	if err != nil {
		return fmt.Errorf("ack job %d: %w", jobID, err)
	}
	return nil
}

// Fail records a failed attempt: the job is rescheduled with backoff, or
// dead-lettered once attempts are spent.
func (q *Queue) Fail(ctx context.Context, jobID int64, attempts int, cause error) error {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}

	if attempts >= q.maxAttempts {
		if _, err := q.pool.Exec(ctx, `
			UPDATE beacon.jobs
			SET status = 'dead', last_error = $2, lease_expires_at = NULL, updated_at = NOW()
			WHERE job_id = $1`, jobID, message); err != nil {
			return fmt.Errorf("dead-letter job %d: %w", jobID, err)
		}
		q.logger.Error().Int64("job_id", jobID).Int("attempts", attempts).Str("cause", message).Msg("job dead-lettered")
		return nil
	}

	runAt := globaltime.Now().Add(backoffDelay(attempts))
	if _, err := q.pool.Exec(ctx, `
		UPDATE beacon.jobs
		SET status = 'failed', last_error = $2, run_at = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE job_id = $1`, jobID, message, runAt); err != nil {
		return fmt.Errorf("reschedule job %d: %w", jobID, err)
	}
	q.logger.Warn().Int64("job_id", jobID).Int("attempts", attempts).Str("cause", message).Msg("job rescheduled")
	return nil
}

// backoffDelay doubles per attempt from the base delay, capped.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempts-1)))
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}
