package model

import "time"

// FlagStatus is the lifecycle state of a student-raised question flag.
//
//	raised -> resolved (teacher reopens with a deadline)
//	resolved -> accepted (student resubmits within the deadline)
//	resolved -> expired (deadline passes without a resubmission)
type FlagStatus string

const (
	FlagStatusRaised   FlagStatus = "raised"
	FlagStatusResolved FlagStatus = "resolved"
	FlagStatusAccepted FlagStatus = "accepted"
	FlagStatusExpired  FlagStatus = "expired"
)

// FlagRecord is the per-question flag attached to a session or result.
type FlagRecord struct {
	Status FlagStatus `json:"status"`
	// Reason is the student's note explaining why the question was flagged.
	Reason string `json:"reason,omitempty"`
	// Note is the teacher's response when resolving.
	Note string `json:"note,omitempty"`
	// Deadline bounds the resolution edit window. Set when the teacher
	// resolves the flag; edits past the deadline are refused server-side
	// regardless of what any client timer shows.
	Deadline *time.Time `json:"deadline,omitempty"`
	RaisedAt time.Time  `json:"raised_at"`
}

// Editable reports whether the flagged question may be re-answered now.
func (f FlagRecord) Editable(now time.Time) bool {
	return f.Status == FlagStatusResolved && f.Deadline != nil && now.Before(*f.Deadline)
}

// RaiseFlagRequest is the payload for a student flagging a question.
type RaiseFlagRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Reason     string `json:"reason" binding:"omitempty,max=1000"`
}

// ResolveFlagRequest is the teacher payload reopening a flagged question.
type ResolveFlagRequest struct {
	Note            string `json:"note" binding:"omitempty,max=1000"`
	DeadlineMinutes int    `json:"deadline_minutes" binding:"required,min=1,max=10080"`
}
