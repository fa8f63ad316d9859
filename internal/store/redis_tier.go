package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/config"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisTier is the fast, capacity-limited tier. Answers and flags live in
// separate hashes so the WebSocket fast path can HSet a single answer
// without rewriting the whole snapshot.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier creates the fast tier over an existing Redis client.
func NewRedisTier(rdb *redis.Client) *RedisTier {
	return &RedisTier{rdb: rdb}
}

func (t *RedisTier) Write(ctx context.Context, snap *model.StateSnapshot) error {
	examID := snap.ExamID.String()

	answers := make(map[string]interface{}, len(snap.Answers))
	for qid, raw := range snap.Answers {
		answers[qid] = string(raw)
	}
	flags := make(map[string]interface{}, len(snap.Flags))
	for qid, flag := range snap.Flags {
		raw, err := json.Marshal(flag)
		if err != nil {
			return fmt.Errorf("marshal flag: %w", err)
		}
		flags[qid] = string(raw)
	}

	pipe := t.rdb.Pipeline()
	if len(answers) > 0 {
		pipe.HSet(ctx, config.CacheKey.StateAnswersKey(examID, snap.StudentID), answers)
	}
	if len(flags) > 0 {
		pipe.HSet(ctx, config.CacheKey.StateFlagsKey(examID, snap.StudentID), flags)
	}
	pipe.Set(ctx, config.CacheKey.StateSavedAtKey(examID, snap.StudentID), snap.SavedAt.Unix(), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write fast tier: %w", err)
	}
	return nil
}

func (t *RedisTier) Read(ctx context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error) {
	id := examID.String()

	answers, err := t.rdb.HGetAll(ctx, config.CacheKey.StateAnswersKey(id, studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	flags, err := t.rdb.HGetAll(ctx, config.CacheKey.StateFlagsKey(id, studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	if len(answers) == 0 && len(flags) == 0 {
		return nil, nil
	}

	snap := model.NewStateSnapshot(examID, studentID)
	for qid, raw := range answers {
		snap.Answers[qid] = json.RawMessage(raw)
	}
	for qid, raw := range flags {
		var flag model.FlagRecord
		if err := json.Unmarshal([]byte(raw), &flag); err != nil {
			return nil, fmt.Errorf("unmarshal flag %s: %w", qid, err)
		}
		snap.Flags[qid] = flag
	}

	if ts, err := t.rdb.Get(ctx, config.CacheKey.StateSavedAtKey(id, studentID)).Int64(); err == nil {
		snap.SavedAt = time.Unix(ts, 0)
	}
	return snap, nil
}

func (t *RedisTier) Clear(ctx context.Context, examID uuid.UUID, studentID int) error {
	id := examID.String()
	return t.rdb.Del(ctx,
		config.CacheKey.StateAnswersKey(id, studentID),
		config.CacheKey.StateFlagsKey(id, studentID),
		config.CacheKey.StateSavedAtKey(id, studentID),
	).Err()
}

// SetAnswer writes one answer into the fast tier, bypassing the snapshot.
// Used by the WebSocket autosave path for low-latency single-field saves.
func (t *RedisTier) SetAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID string, answer json.RawMessage) error {
	key := config.CacheKey.StateAnswersKey(examID.String(), studentID)
	return t.rdb.HSet(ctx, key, questionID, string(answer)).Err()
}
