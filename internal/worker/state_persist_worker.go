package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencbt/examhall-backend/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StatePersistWorker consumes the persist queue and merges single answers
// into the durable session_state rows. The queue carries one answer per
// entry, pushed at save time, so an answer survives a crash even when it
// landed between two debounced snapshots.
type StatePersistWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewStatePersistWorker creates a new StatePersistWorker.
func NewStatePersistWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *StatePersistWorker {
	return &StatePersistWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "state_persist_worker").Logger(),
	}
}

type statePayload struct {
	ExamID    string          `json:"exam_id"`
	StudentID int             `json:"student_id"`
	QID       string          `json:"q_id"`
	Answer    json.RawMessage `json:"answer"`
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *StatePersistWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *StatePersistWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistStateQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var payload statePayload
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.mergeAnswer(ctx, &payload); err != nil {
		w.log.Error().Err(err).
			Int("student_id", payload.StudentID).
			Str("exam_id", payload.ExamID).
			Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistStateQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// mergeAnswer upserts one answer into the session_state row, merging it
// into the existing answers map rather than replacing the whole snapshot.
func (w *StatePersistWorker) mergeAnswer(ctx context.Context, p *statePayload) error {
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(p.QID); err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO session_state (exam_id, student_id, answers, flags, saved_at)
		 VALUES ($1, $2, jsonb_build_object($3::text, $4::jsonb), '{}'::jsonb, NOW())
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET answers = session_state.answers || EXCLUDED.answers,
		     saved_at = NOW()`,
		examID, p.StudentID, p.QID, []byte(p.Answer),
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *StatePersistWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistStateQueue).Result()
		if err != nil {
			break
		}

		var payload statePayload
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.mergeAnswer(ctx, &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistStateQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
