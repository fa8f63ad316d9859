// Package store mirrors in-memory session state to two durable tiers: a
// fast capacity-limited tier (Redis) and a larger durable tier (Postgres).
// Writes are best-effort on both sides; a live session's in-memory state
// stays authoritative, so losing the most recent write is acceptable.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/rs/zerolog"
)

// Tier is one storage backend for session state snapshots.
// Read returns (nil, nil) when no snapshot exists.
type Tier interface {
	Write(ctx context.Context, snap *model.StateSnapshot) error
	Read(ctx context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error)
	Clear(ctx context.Context, examID uuid.UUID, studentID int) error
}

// SessionStore coordinates the two tiers.
type SessionStore struct {
	fast    Tier
	durable Tier
	log     zerolog.Logger
}

// New creates a SessionStore over a fast and a durable tier.
func New(fast, durable Tier, log zerolog.Logger) *SessionStore {
	return &SessionStore{
		fast:    fast,
		durable: durable,
		log:     log.With().Str("component", "session_store").Logger(),
	}
}

// Persist writes the snapshot to both tiers. A failure in one tier never
// blocks the other; failures are logged and swallowed.
func (s *SessionStore) Persist(ctx context.Context, snap *model.StateSnapshot) {
	if err := s.fast.Write(ctx, snap); err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", snap.ExamID.String()).
			Int("student_id", snap.StudentID).
			Msg("fast tier write failed")
	}
	if err := s.durable.Write(ctx, snap); err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", snap.ExamID.String()).
			Int("student_id", snap.StudentID).
			Msg("durable tier write failed")
	}
}

// Restore loads the most trustworthy snapshot: the durable tier first, the
// fast tier as fallback. Returns (nil, nil) when neither tier has data, in
// which case the caller starts a fresh empty state.
func (s *SessionStore) Restore(ctx context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error) {
	snap, err := s.durable.Read(ctx, examID, studentID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Msg("durable tier read failed, falling back to fast tier")
	} else if snap != nil {
		return snap, nil
	}

	snap, err = s.fast.Read(ctx, examID, studentID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Msg("fast tier read failed")
		return nil, nil
	}
	return snap, nil
}

// Clear removes the snapshot from both tiers. Called only after a final
// submission has been accepted.
func (s *SessionStore) Clear(ctx context.Context, examID uuid.UUID, studentID int) {
	if err := s.fast.Clear(ctx, examID, studentID); err != nil {
		s.log.Warn().Err(err).Msg("fast tier clear failed")
	}
	if err := s.durable.Clear(ctx, examID, studentID); err != nil {
		s.log.Warn().Err(err).Msg("durable tier clear failed")
	}
}
