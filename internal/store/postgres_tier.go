package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencbt/examhall-backend/internal/model"
)

// PostgresTier is the larger durable tier: one row per (exam, student) with
// the answer and flag maps as jsonb.
type PostgresTier struct {
	pool *pgxpool.Pool
}

// NewPostgresTier creates the durable tier over an existing pool.
func NewPostgresTier(pool *pgxpool.Pool) *PostgresTier {
	return &PostgresTier{pool: pool}
}

func (t *PostgresTier) Write(ctx context.Context, snap *model.StateSnapshot) error {
	answers, err := json.Marshal(snap.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	flags, err := json.Marshal(snap.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	_, err = t.pool.Exec(ctx,
		`INSERT INTO session_state (exam_id, student_id, answers, flags, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET answers = EXCLUDED.answers,
		     flags = EXCLUDED.flags,
		     saved_at = EXCLUDED.saved_at`,
		snap.ExamID, snap.StudentID, answers, flags, snap.SavedAt,
	)
	return err
}

func (t *PostgresTier) Read(ctx context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error) {
	var answers, flags []byte
	snap := model.NewStateSnapshot(examID, studentID)

	err := t.pool.QueryRow(ctx,
		`SELECT answers, flags, saved_at
		 FROM session_state
		 WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&answers, &flags, &snap.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read durable tier: %w", err)
	}

	if err := json.Unmarshal(answers, &snap.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := json.Unmarshal(flags, &snap.Flags); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	return snap, nil
}

func (t *PostgresTier) Clear(ctx context.Context, examID uuid.UUID, studentID int) error {
	_, err := t.pool.Exec(ctx,
		`DELETE FROM session_state WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	)
	return err
}
