package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/syncqueue"
)

// ResultRepository handles submitted result data access. Its Submit method
// satisfies the sync queue's submitter contract: the upsert is keyed on
// (exam_id, student_id), so replaying a queued result after a successful
// direct submit converges on the same row instead of duplicating it.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// Submit upserts a result row. Connection-class failures are wrapped so
// callers can tell an unreachable database apart from a rejected payload.
func (r *ResultRepository) Submit(ctx context.Context, result *model.Result) error {
	answers, err := json.Marshal(result.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	flags, err := json.Marshal(result.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO results (exam_id, student_id, answers, score, points_scored,
		                      total_points, pass_score, passed, flags, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET answers = EXCLUDED.answers, score = EXCLUDED.score,
		     points_scored = EXCLUDED.points_scored, total_points = EXCLUDED.total_points,
		     pass_score = EXCLUDED.pass_score, passed = EXCLUDED.passed,
		     flags = EXCLUDED.flags, submitted_at = EXCLUDED.submitted_at`,
		result.ExamID, result.StudentID, answers, result.Score, result.PointsScored,
		result.TotalPoints, result.PassScore, result.Passed, flags, result.SubmittedAt)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// classifyErr tags transport-level failures as unreachable so the caller
// routes the result into the offline queue instead of surfacing an error.
func classifyErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", syncqueue.ErrUnreachable, err)
	}
	return err
}

// GetByExamAndStudent retrieves a submitted result.
func (r *ResultRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Result, error) {
	res := &model.Result{}
	var answers, flags []byte
	err := r.pool.QueryRow(ctx,
		`SELECT exam_id, student_id, answers, score, points_scored,
		        total_points, pass_score, passed, flags, submitted_at
		 FROM results
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID,
	).Scan(&res.ExamID, &res.StudentID, &answers, &res.Score, &res.PointsScored,
		&res.TotalPoints, &res.PassScore, &res.Passed, &flags, &res.SubmittedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answers, &res.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := json.Unmarshal(flags, &res.Flags); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	return res, nil
}

// SetFlag rewrites one question's flag record inside a result's flags jsonb.
func (r *ResultRepository) SetFlag(ctx context.Context, examID uuid.UUID, studentID int, questionID string, record model.FlagRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal flag: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE results
		 SET flags = jsonb_set(flags, ARRAY[$1], $2::jsonb, true)
		 WHERE exam_id = $3 AND student_id = $4`,
		questionID, raw, examID, studentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result for exam %s student %d not found", examID, studentID)
	}
	return nil
}

// FlaggedQuestion is one raised or resolved flag with its owning attempt,
// used by the teacher's review listing.
type FlaggedQuestion struct {
	StudentID   int              `json:"student_id"`
	StudentName string           `json:"student_name"`
	QuestionID  string           `json:"question_id"`
	Flag        model.FlagRecord `json:"flag"`
}

// ListFlagged returns every flag attached to an exam's results.
func (r *ResultRepository) ListFlagged(ctx context.Context, examID uuid.UUID) ([]FlaggedQuestion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT res.student_id, s.name, f.key, f.value
		 FROM results res
		 JOIN students s ON res.student_id = s.id,
		 LATERAL jsonb_each(res.flags) AS f(key, value)
		 WHERE res.exam_id = $1
		 ORDER BY s.name, f.key`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flagged []FlaggedQuestion
	for rows.Next() {
		var fq FlaggedQuestion
		var raw []byte
		if err := rows.Scan(&fq.StudentID, &fq.StudentName, &fq.QuestionID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fq.Flag); err != nil {
			return nil, fmt.Errorf("unmarshal flag: %w", err)
		}
		flagged = append(flagged, fq)
	}
	return flagged, rows.Err()
}
