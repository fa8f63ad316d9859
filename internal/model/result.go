package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Result is the submitted record for one (exam, student) attempt. Once
// stored it is immutable from the student's perspective except through the
// bounded resolution flow, which may only touch questions whose flag is in
// "resolved" state with an unexpired deadline.
type Result struct {
	ExamID    uuid.UUID `json:"exam_id"`
	StudentID int       `json:"student_id"`
	// Answers maps question id to the kind-specific submitted payload.
	Answers map[string]json.RawMessage `json:"answers"`
	// Score is the rounded percentage.
	Score        int                   `json:"score"`
	PointsScored float64               `json:"points_scored"`
	TotalPoints  float64               `json:"total_points"`
	PassScore    int                   `json:"pass_score"`
	Passed       bool                  `json:"passed"`
	Flags        map[string]FlagRecord `json:"flags"`
	SubmittedAt  time.Time             `json:"submitted_at"`
}

// SyncEntry is a Result snapshot held in the durable sync queue after a
// failed network submit. LocalID is a locally monotonic identifier; entries
// are never silently dropped, only removed once a retry succeeds.
type SyncEntry struct {
	LocalID int64  `json:"local_id"`
	Result  Result `json:"result"`
}
