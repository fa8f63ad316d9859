package syncqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/rs/zerolog"
)

// fakeSubmitter fails for the student IDs in failFor.
type fakeSubmitter struct {
	failFor   map[int]bool
	submitted []int
}

func (f *fakeSubmitter) Submit(_ context.Context, result *model.Result) error {
	if f.failFor[result.StudentID] {
		return ErrUnreachable
	}
	f.submitted = append(f.submitted, result.StudentID)
	return nil
}

func entry(localID int64, studentID int) model.SyncEntry {
	return model.SyncEntry{
		LocalID: localID,
		Result:  model.Result{ExamID: uuid.New(), StudentID: studentID},
	}
}

func TestFlushEntries_MiddleFailureKeepsOnlyThatEntry(t *testing.T) {
	entries := []model.SyncEntry{entry(1, 10), entry(2, 20), entry(3, 30)}
	sub := &fakeSubmitter{failFor: map[int]bool{20: true}}

	synced, pending := flushEntries(context.Background(), entries, sub, zerolog.Nop())

	if synced != 2 {
		t.Errorf("synced = %d, want 2", synced)
	}
	if len(pending) != 1 || pending[0] != 1 {
		t.Errorf("pending = %v, want [1] (the middle entry)", pending)
	}
	// Entries 1 and 3 were submitted, in order.
	if len(sub.submitted) != 2 || sub.submitted[0] != 10 || sub.submitted[1] != 30 {
		t.Errorf("submitted = %v, want [10 30]", sub.submitted)
	}
}

func TestFlushEntries_PreservesOrderOfRemainder(t *testing.T) {
	entries := []model.SyncEntry{
		entry(1, 10), entry(2, 20), entry(3, 30), entry(4, 40), entry(5, 50),
	}
	sub := &fakeSubmitter{failFor: map[int]bool{20: true, 40: true}}

	_, pending := flushEntries(context.Background(), entries, sub, zerolog.Nop())

	if len(pending) != 2 || pending[0] != 1 || pending[1] != 3 {
		t.Errorf("pending indices = %v, want [1 3] in original order", pending)
	}
}

func TestFlushEntries_AllFail(t *testing.T) {
	entries := []model.SyncEntry{entry(1, 10), entry(2, 20)}
	sub := &fakeSubmitter{failFor: map[int]bool{10: true, 20: true}}

	synced, pending := flushEntries(context.Background(), entries, sub, zerolog.Nop())

	if synced != 0 || len(pending) != 2 {
		t.Errorf("synced=%d pending=%v, want 0 synced and both pending", synced, pending)
	}
}

func TestFlushEntries_Empty(t *testing.T) {
	sub := &fakeSubmitter{}
	synced, pending := flushEntries(context.Background(), nil, sub, zerolog.Nop())
	if synced != 0 || pending != nil {
		t.Errorf("empty flush: synced=%d pending=%v", synced, pending)
	}
}

func TestFlushEntries_NeverPanicsOnRejection(t *testing.T) {
	// A non-network rejection is treated like any failure: kept, reported.
	entries := []model.SyncEntry{entry(1, 10)}
	sub := &rejectingSubmitter{}

	synced, pending := flushEntries(context.Background(), entries, sub, zerolog.Nop())
	if synced != 0 || len(pending) != 1 {
		t.Errorf("rejected entry must stay pending: synced=%d pending=%v", synced, pending)
	}
}

type rejectingSubmitter struct{}

func (r *rejectingSubmitter) Submit(context.Context, *model.Result) error {
	return errors.New("validation rejected")
}
