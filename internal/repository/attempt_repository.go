package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencbt/examhall-backend/internal/model"
)

// AttemptOverview combines student data with their attempt details, used by
// the teacher's per-exam result listing.
type AttemptOverview struct {
	StudentID  int                 `json:"student_id"`
	Name       string              `json:"name"`
	NIS        string              `json:"nis"`
	FinalScore *int                `json:"score"`
	Status     model.AttemptStatus `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at"`
}

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByExamAndStudent retrieves an attempt for a specific exam-student combination.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_id, started_at, finished_at, status, final_score
		 FROM attempts
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID,
	).Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.FinishedAt, &a.Status, &a.FinalScore)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new attempt (student joins the exam). The insert is a
// no-op when an attempt already exists, so joining is idempotent; callers
// fall back to GetByExamAndStudent when no row comes back.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		a.ExamID, a.StudentID, model.AttemptStatusInProgress,
	).Scan(&a.ID, &a.StartedAt)
}

// Complete marks an attempt as completed with a final percentage score.
func (r *AttemptRepository) Complete(ctx context.Context, examID uuid.UUID, studentID int, score int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, final_score = $2, finished_at = NOW()
		 WHERE exam_id = $3 AND student_id = $4`,
		model.AttemptStatusCompleted, score, examID, studentID)
	return err
}

// ListByStudent retrieves all attempts for a given student.
func (r *AttemptRepository) ListByStudent(ctx context.Context, studentID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, started_at, finished_at, status, final_score
		 FROM attempts
		 WHERE student_id = $1
		 ORDER BY started_at DESC`, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.FinishedAt, &a.Status, &a.FinalScore); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListByExam retrieves all student attempts for a specific exam with pagination.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]AttemptOverview, int64, error) {
	offset := (page - 1) * perPage

	baseQuery := `
		FROM attempts a
		JOIN students s ON a.student_id = s.id
		WHERE a.exam_id = $1
	`
	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, examID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT s.id, s.name, s.nis, a.final_score, a.status, a.started_at, a.finished_at
		` + baseQuery + `
		ORDER BY s.name ASC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, examID, perPage, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var overviews []AttemptOverview
	for rows.Next() {
		var o AttemptOverview
		if err := rows.Scan(&o.StudentID, &o.Name, &o.NIS, &o.FinalScore, &o.Status, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, 0, err
		}
		overviews = append(overviews, o)
	}
	return overviews, total, rows.Err()
}
