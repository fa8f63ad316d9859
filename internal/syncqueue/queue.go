// Package syncqueue holds Result snapshots whose network submission failed,
// and retries them opportunistically. Entries are appended without
// deduplication — a duplicate submission is safer than a silent loss — and
// are removed only once a retry succeeds.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opencbt/examhall-backend/internal/config"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrUnreachable marks a submission failure caused by connectivity rather
// than rejection. Submitters wrap transport-level errors with it; anything
// matching it is routed into the queue instead of surfacing as a failure.
var ErrUnreachable = errors.New("result endpoint unreachable")

// Submitter delivers one result to the external endpoint.
type Submitter interface {
	Submit(ctx context.Context, result *model.Result) error
}

// FlushReport summarizes one flush pass. Partial failure is reported here,
// never propagated as an error.
type FlushReport struct {
	Synced       int `json:"synced"`
	StillPending int `json:"still_pending"`
}

// Queue is a Redis-list backed durable queue of unsent results.
type Queue struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a Queue over an existing Redis client.
func New(rdb *redis.Client, log zerolog.Logger) *Queue {
	return &Queue{
		rdb: rdb,
		log: log.With().Str("component", "sync_queue").Logger(),
	}
}

// Enqueue appends a result snapshot with a locally monotonic identifier.
func (q *Queue) Enqueue(ctx context.Context, result *model.Result) error {
	localID, err := q.rdb.Incr(ctx, config.WorkerKey.SyncResultsSeq).Result()
	if err != nil {
		return err
	}

	entry := model.SyncEntry{LocalID: localID, Result: *result}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := q.rdb.RPush(ctx, config.WorkerKey.SyncResultsQueue, raw).Err(); err != nil {
		return err
	}

	q.log.Info().
		Int64("local_id", localID).
		Str("exam_id", result.ExamID.String()).
		Int("student_id", result.StudentID).
		Msg("Result queued for later sync")
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, config.WorkerKey.SyncResultsQueue).Result()
}

// Flush attempts each pending entry in order. Entries that succeed are
// removed; the remainder keeps its original order at the head of the queue.
// Flush never returns an error.
func (q *Queue) Flush(ctx context.Context, submit Submitter) FlushReport {
	var entries []model.SyncEntry
	var rawEntries []string

	for {
		raw, err := q.rdb.LPop(ctx, config.WorkerKey.SyncResultsQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.log.Error().Err(err).Msg("LPop error, aborting flush pass")
			}
			break
		}
		var entry model.SyncEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.log.Error().Err(err).Msg("Dropping undecodable queue entry")
			continue
		}
		entries = append(entries, entry)
		rawEntries = append(rawEntries, raw)
	}

	synced, pendingIdx := flushEntries(ctx, entries, submit, q.log)

	// Re-insert failures at the head, reversed so the original order holds.
	for i := len(pendingIdx) - 1; i >= 0; i-- {
		if err := q.rdb.LPush(ctx, config.WorkerKey.SyncResultsQueue, rawEntries[pendingIdx[i]]).Err(); err != nil {
			q.log.Error().Err(err).
				Int64("local_id", entries[pendingIdx[i]].LocalID).
				Msg("Failed to requeue entry")
		}
	}

	return FlushReport{Synced: synced, StillPending: len(pendingIdx)}
}

// flushEntries attempts every entry in order and returns the count of
// successes plus the indices of entries still pending, in original order.
func flushEntries(ctx context.Context, entries []model.SyncEntry, submit Submitter, log zerolog.Logger) (int, []int) {
	synced := 0
	var pending []int
	for i := range entries {
		if err := submit.Submit(ctx, &entries[i].Result); err != nil {
			log.Warn().Err(err).
				Int64("local_id", entries[i].LocalID).
				Msg("Sync retry failed, keeping entry")
			pending = append(pending, i)
			continue
		}
		synced++
	}
	return synced, pending
}
