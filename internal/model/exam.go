package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft      ExamStatus = "DRAFT"
	ExamStatusPublished  ExamStatus = "PUBLISHED"
	ExamStatusInProgress ExamStatus = "IN_PROGRESS"
	ExamStatusCompleted  ExamStatus = "COMPLETED"
	ExamStatusArchived   ExamStatus = "ARCHIVED"
)

// Exam represents an exam entity.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	AuthorID        int        `json:"author_id"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	// PassThreshold is the pass mark as a percentage (0-100).
	PassThreshold int  `json:"pass_threshold"`
	Scramble      bool `json:"scramble"`
	Status        ExamStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TimeExtension grants extra working time for an exam, either globally
// (StudentID nil) or for one student. Exactly one of ExtraMinutes or
// Factor is meaningful; the zero value of the other marks it unused.
type TimeExtension struct {
	ID        int       `json:"id"`
	ExamID    uuid.UUID `json:"exam_id"`
	StudentID *int      `json:"student_id,omitempty"`
	// ExtraMinutes adds minutes on top of the base duration.
	ExtraMinutes int `json:"extra_minutes"`
	// Factor multiplies the base duration (e.g. 1.5). Zero means unused.
	Factor float64 `json:"factor"`
}

// EffectiveMinutes returns the total duration this extension yields for the
// given base. An extension that sets neither field yields the base itself.
func (t TimeExtension) EffectiveMinutes(base int) int {
	minutes := base
	if t.ExtraMinutes > 0 && base+t.ExtraMinutes > minutes {
		minutes = base + t.ExtraMinutes
	}
	if t.Factor > 0 {
		scaled := int(float64(base)*t.Factor + 0.5)
		if scaled > minutes {
			minutes = scaled
		}
	}
	return minutes
}

// AppliesTo reports whether the extension covers the given student.
func (t TimeExtension) AppliesTo(studentID int) bool {
	return t.StudentID == nil || *t.StudentID == studentID
}

// EffectiveDuration computes the working duration for a student: the base
// duration or the single applicable extension granting the most minutes.
// When a global and a per-student extension both apply, the larger result
// wins, not the more specific one.
func EffectiveDuration(base int, studentID int, extensions []TimeExtension) time.Duration {
	minutes := base
	for _, ext := range extensions {
		if !ext.AppliesTo(studentID) {
			continue
		}
		if m := ext.EffectiveMinutes(base); m > minutes {
			minutes = m
		}
	}
	return time.Duration(minutes) * time.Minute
}

// ExamPayload is the Redis-cached payload sent to students (no answer keys).
type ExamPayload struct {
	ExamID        uuid.UUID            `json:"exam_id"`
	Title         string               `json:"title"`
	Duration      int                  `json:"duration_minutes"`
	PassThreshold int                  `json:"pass_threshold"`
	Scramble      bool                 `json:"scramble"`
	Questions     []QuestionForStudent `json:"questions"`
}

// QuestionForStudent is a question without the answer key, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID       `json:"id"`
	Kind     QuestionKind    `json:"kind"`
	Text     string          `json:"text"`
	Points   float64         `json:"points"`
	Options  json.RawMessage `json:"options"`
	OrderNum int             `json:"order_num"`
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Title           string     `json:"title" binding:"required,min=3,max=255"`
	ScheduledStart  *time.Time `json:"scheduled_start" binding:"omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end" binding:"omitempty,gtfield=ScheduledStart"`
	DurationMinutes int        `json:"duration_minutes" binding:"required,min=1,max=480"`
	PassThreshold   int        `json:"pass_threshold" binding:"min=0,max=100"`
	Scramble        *bool      `json:"scramble" binding:"omitempty"`
}

// UpdateExamRequest is the payload for updating an existing draft exam.
type UpdateExamRequest struct {
	Title           string     `json:"title" binding:"omitempty,min=3,max=255"`
	ScheduledStart  *time.Time `json:"scheduled_start" binding:"omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end" binding:"omitempty,gtfield=ScheduledStart"`
	DurationMinutes int        `json:"duration_minutes" binding:"omitempty,min=1,max=480"`
	PassThreshold   *int       `json:"pass_threshold" binding:"omitempty,min=0,max=100"`
	Scramble        *bool      `json:"scramble" binding:"omitempty"`
}

// AddExtensionRequest is the payload for granting a time extension.
type AddExtensionRequest struct {
	StudentID    *int    `json:"student_id" binding:"omitempty"`
	ExtraMinutes int     `json:"extra_minutes" binding:"min=0"`
	Factor       float64 `json:"factor" binding:"min=0,max=10"`
}
