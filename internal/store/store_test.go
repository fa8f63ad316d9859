package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/rs/zerolog"
)

// fakeTier is an in-memory Tier with injectable failures.
type fakeTier struct {
	snaps    map[string]*model.StateSnapshot
	writeErr error
	readErr  error
	writes   int
}

func newFakeTier() *fakeTier {
	return &fakeTier{snaps: make(map[string]*model.StateSnapshot)}
}

func tierKey(examID uuid.UUID, studentID int) string {
	return examID.String() + ":" + strconv.Itoa(studentID)
}

func (f *fakeTier) Write(_ context.Context, snap *model.StateSnapshot) error {
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.snaps[tierKey(snap.ExamID, snap.StudentID)] = snap
	return nil
}

func (f *fakeTier) Read(_ context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.snaps[tierKey(examID, studentID)], nil
}

func (f *fakeTier) Clear(_ context.Context, examID uuid.UUID, studentID int) error {
	delete(f.snaps, tierKey(examID, studentID))
	return nil
}

func snapshot(examID uuid.UUID, studentID int) *model.StateSnapshot {
	snap := model.NewStateSnapshot(examID, studentID)
	snap.Answers["q1"] = json.RawMessage(`{"option":"A"}`)
	snap.Flags["q2"] = model.FlagRecord{Status: model.FlagStatusRaised, RaisedAt: time.Now()}
	snap.SavedAt = time.Now()
	return snap
}

func TestPersist_WritesBothTiers(t *testing.T) {
	fast, durable := newFakeTier(), newFakeTier()
	s := New(fast, durable, zerolog.Nop())
	examID := uuid.New()

	s.Persist(context.Background(), snapshot(examID, 1))

	if fast.writes != 1 || durable.writes != 1 {
		t.Errorf("writes fast=%d durable=%d, want 1 each", fast.writes, durable.writes)
	}
}

func TestPersist_OneTierFailureDoesNotBlockOther(t *testing.T) {
	fast, durable := newFakeTier(), newFakeTier()
	fast.writeErr = errors.New("quota exceeded")
	s := New(fast, durable, zerolog.Nop())
	examID := uuid.New()

	// Must not panic or skip the durable write.
	s.Persist(context.Background(), snapshot(examID, 1))

	if durable.writes != 1 {
		t.Errorf("durable writes = %d, want 1", durable.writes)
	}

	// And the inverse direction.
	fast.writeErr = nil
	durable.writeErr = errors.New("connection refused")
	s.Persist(context.Background(), snapshot(examID, 2))
	if fast.writes != 2 {
		t.Errorf("fast writes = %d, want 2", fast.writes)
	}
}

func TestRestore_PrefersDurableTier(t *testing.T) {
	fast, durable := newFakeTier(), newFakeTier()
	s := New(fast, durable, zerolog.Nop())
	examID := uuid.New()

	fastSnap := snapshot(examID, 1)
	durableSnap := snapshot(examID, 1)
	durableSnap.Answers["q9"] = json.RawMessage(`{"option":"B"}`)
	fast.snaps[tierKey(examID, 1)] = fastSnap
	durable.snaps[tierKey(examID, 1)] = durableSnap

	got, err := s.Restore(context.Background(), examID, 1)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := got.Answers["q9"]; !ok {
		t.Error("restored fast-tier snapshot, want durable-tier snapshot")
	}
}

func TestRestore_FallsBackToFastTier(t *testing.T) {
	fast, durable := newFakeTier(), newFakeTier()
	durable.readErr = errors.New("db down")
	s := New(fast, durable, zerolog.Nop())
	examID := uuid.New()

	fast.snaps[tierKey(examID, 1)] = snapshot(examID, 1)

	got, err := s.Restore(context.Background(), examID, 1)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got == nil {
		t.Fatal("expected fast-tier snapshot, got nil")
	}
}

func TestRestore_NilWhenNeitherTierHasData(t *testing.T) {
	s := New(newFakeTier(), newFakeTier(), zerolog.Nop())

	got, err := s.Restore(context.Background(), uuid.New(), 1)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil snapshot for fresh session, got %+v", got)
	}
}

func TestClear_RemovesBothTiers(t *testing.T) {
	fast, durable := newFakeTier(), newFakeTier()
	s := New(fast, durable, zerolog.Nop())
	examID := uuid.New()

	s.Persist(context.Background(), snapshot(examID, 1))
	s.Clear(context.Background(), examID, 1)

	got, _ := s.Restore(context.Background(), examID, 1)
	if got != nil {
		t.Error("snapshot survived clear")
	}
}
