package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Job types understood by the worker loop.
const (
	TypeExtract   = "extract"
	TypeEmbed     = "embed"
	TypeDedup     = "dedup"
	TypeSyncClose = "sync_close"
	TypeExpire    = "expire"
	TypeMatch     = "match"
)

const defaultPollInterval = 5 * time.Second

// Handler executes one claimed job's payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker drains the queue, dispatching each claimed job to its registered
// handler. Multiple workers on separate machines cooperate through the
// queue's SKIP LOCKED claims.
type Worker struct {
	queue    *Queue
	logger   zerolog.Logger
	handlers map[string]Handler
	poll     time.Duration
}

func NewWorker(queue *Queue, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		logger:   logger.With().Str("component", "worker").Logger(),
		handlers: make(map[string]Handler),
		poll:     defaultPollInterval,
	}
}

func (w *Worker) Register(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

// Run processes jobs until the context is canceled, sleeping between polls
// when the queue is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info().Msg("worker stopping")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("job processing error")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopping")
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes at most one job. Returns false when the queue
// had nothing runnable.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	logger := w.logger.With().Int64("job_id", job.JobID).Str("job_type", job.JobType).Logger()

	handler, ok := w.handlers[job.JobType]
	if !ok {
		err := fmt.Errorf("no handler registered for job type %q", job.JobType)
		if failErr := w.queue.Fail(ctx, job.JobID, job.Attempts, err); failErr != nil {
			return true, failErr
		}
		logger.Error().Msg("unhandled job type")
		return true, nil
	}

	if err := handler(ctx, job.Payload); err != nil {
		if failErr := w.queue.Fail(ctx, job.JobID, job.Attempts, err); failErr != nil {
			return true, failErr
		}
		logger.Warn().Err(err).Int("attempts", job.Attempts).Msg("job attempt failed")
		return true, nil
	}

	if err := w.queue.Ack(ctx, job.JobID); err != nil {
		return true, err
	}
	logger.Debug().Msg("job done")
	return true, nil
}
