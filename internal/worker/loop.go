package worker

import (
	"context"
	"fmt"
	"time"

	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/events"
)

// StuckCheckInterval is how often StartWorkerLoop looks for stuck jobs.
const StuckCheckInterval = 2 * time.Minute

// StartWorkerLoop processes batches until the queue is empty, then waits for
// the poll interval, a signal on wake, or cancellation. It returns when ctx
// is done.
func (w *Worker) StartWorkerLoop(ctx context.Context, interval time.Duration, wake <-chan struct{}) error {
	w.logger.Info("ingestion worker started",
		"interval", interval,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)

	if _, _, err := w.RequeueStuckJobs(ctx); err != nil {
		w.logger.Error("failed to requeue stuck jobs", "error", err)
	}

	poll := time.NewTicker(interval)
	defer poll.Stop()
	stuck := time.NewTicker(StuckCheckInterval)
	defer stuck.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("ingestion worker stopped")
			return ctx.Err()
		case <-poll.C:
		case <-wake:
		case <-stuck.C:
			if _, _, err := w.RequeueStuckJobs(ctx); err != nil {
				w.logger.Error("failed to requeue stuck jobs", "error", err)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.ProcessPendingJobs(ctx)
		if err != nil {
			w.logger.Error("failed to process pending jobs", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// RequeueStuckJobs returns jobs that have been running longer than the
// stuck threshold to the queue. Jobs out of attempts are failed instead and
// their pending assets marked failed.
func (w *Worker) RequeueStuckJobs(ctx context.Context) (requeued, failed int, err error) {
	arg := &db.StuckIngestionJobsParams{
		StartedBefore: db.Timestamptz(w.now().Add(-w.cfg.StuckAfter)),
		MaxAttempts:   int32(w.cfg.MaxAttempts),
	}

	n, err := w.store.RequeueStuckIngestionJobs(ctx, arg)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	requeued = int(n)
	w.metrics.JobsRequeued(requeued)

	exhausted, err := w.store.FailExhaustedIngestionJobs(ctx, arg)
	if err != nil {
		return requeued, 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	for _, job := range exhausted {
		msg := db.Deref(job.Error)
		var marked bool
		_, err := db.RetryOnConflict(ctx, w.cfg.ConflictRetries, w.metrics.ConflictRetry, func() (struct{}, error) {
			return struct{}{}, w.store.InTx(ctx, func(q db.Querier) error {
				var err error
				marked, err = failPendingAsset(ctx, q, job.AssetID, msg)
				return err
			})
		})
		if err != nil {
			w.logger.Error("failed to mark asset of exhausted job", "job_id", db.GoUUID(job.ID), "error", err)
			continue
		}
		failed++
		if marked {
			w.publish(ctx, events.Event{
				Type:    events.AssetFailed,
				AssetID: db.GoUUID(job.AssetID).String(),
				JobID:   db.GoUUID(job.ID).String(),
				Error:   msg,
			})
		}
	}

	if requeued > 0 || failed > 0 {
		w.logger.Warn("stuck jobs handled", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}
