package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
)

// Attempt represents a student's exam attempt.
type Attempt struct {
	ID         int           `json:"id"`
	ExamID     uuid.UUID     `json:"exam_id"`
	StudentID  int           `json:"student_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Status     AttemptStatus `json:"status"`
	FinalScore *int          `json:"final_score,omitempty"`
}

// StateSnapshot is the durable mirror of one session's in-memory state,
// keyed by (exam, student). The in-memory state stays authoritative for a
// live session; a persisted snapshot may lag it.
type StateSnapshot struct {
	ExamID    uuid.UUID                  `json:"exam_id"`
	StudentID int                        `json:"student_id"`
	Answers   map[string]json.RawMessage `json:"answers"`
	Flags     map[string]FlagRecord      `json:"flags"`
	SavedAt   time.Time                  `json:"saved_at"`
}

// NewStateSnapshot returns an empty snapshot for a fresh session.
func NewStateSnapshot(examID uuid.UUID, studentID int) *StateSnapshot {
	return &StateSnapshot{
		ExamID:    examID,
		StudentID: studentID,
		Answers:   make(map[string]json.RawMessage),
		Flags:     make(map[string]FlagRecord),
	}
}
