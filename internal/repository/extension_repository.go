package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencbt/examhall-backend/internal/model"
)

// ExtensionRepository handles time extension data access.
type ExtensionRepository struct {
	pool *pgxpool.Pool
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(pool *pgxpool.Pool) *ExtensionRepository {
	return &ExtensionRepository{pool: pool}
}

// ListByExam retrieves all time extensions for an exam.
func (r *ExtensionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.TimeExtension, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, extra_minutes, factor
		 FROM time_extensions WHERE exam_id = $1
		 ORDER BY id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var extensions []model.TimeExtension
	for rows.Next() {
		var t model.TimeExtension
		if err := rows.Scan(&t.ID, &t.ExamID, &t.StudentID, &t.ExtraMinutes, &t.Factor); err != nil {
			return nil, err
		}
		extensions = append(extensions, t)
	}
	return extensions, rows.Err()
}

// Create inserts a new time extension.
func (r *ExtensionRepository) Create(ctx context.Context, t *model.TimeExtension) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO time_extensions (exam_id, student_id, extra_minutes, factor)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		t.ExamID, t.StudentID, t.ExtraMinutes, t.Factor,
	).Scan(&t.ID)
}

// Delete removes a time extension.
func (r *ExtensionRepository) Delete(ctx context.Context, id int) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM time_extensions WHERE id = $1`, id)
	return err
}
