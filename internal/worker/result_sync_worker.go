package worker

import (
	"context"
	"time"

	"github.com/opencbt/examhall-backend/internal/syncqueue"
	"github.com/rs/zerolog"
)

// ResultSyncWorker periodically retries results that were graded while the
// result endpoint was unreachable. The queue itself is also flushed
// opportunistically on lobby reads; this worker is the backstop that runs
// even when no student is active.
type ResultSyncWorker struct {
	queue    *syncqueue.Queue
	submit   syncqueue.Submitter
	interval time.Duration
	log      zerolog.Logger
}

// NewResultSyncWorker creates a new ResultSyncWorker.
func NewResultSyncWorker(queue *syncqueue.Queue, submit syncqueue.Submitter, interval time.Duration, log zerolog.Logger) *ResultSyncWorker {
	return &ResultSyncWorker{
		queue:    queue,
		submit:   submit,
		interval: interval,
		log:      log.With().Str("component", "result_sync_worker").Logger(),
	}
}

// Start begins the periodic flush loop. Call in a goroutine.
func (w *ResultSyncWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One last attempt so a clean shutdown drains what it can.
			report := w.queue.Flush(context.Background(), w.submit)
			if report.Synced > 0 || report.StillPending > 0 {
				w.log.Info().
					Int("synced", report.Synced).
					Int("still_pending", report.StillPending).
					Msg("Final flush before shutdown")
			}
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			report := w.queue.Flush(ctx, w.submit)
			if report.Synced > 0 {
				w.log.Info().
					Int("synced", report.Synced).
					Int("still_pending", report.StillPending).
					Msg("Queued results synced")
			}
		}
	}
}
