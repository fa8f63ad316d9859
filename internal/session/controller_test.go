package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/store"
	"github.com/opencbt/examhall-backend/internal/syncqueue"
	"github.com/rs/zerolog"
)

type memTier struct {
	mu    sync.Mutex
	snaps map[string]*model.StateSnapshot
}

func newMemTier() *memTier {
	return &memTier{snaps: make(map[string]*model.StateSnapshot)}
}

func memKey(examID uuid.UUID, studentID int) string {
	return fmt.Sprintf("%s:%d", examID, studentID)
}

func (t *memTier) Write(_ context.Context, snap *model.StateSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snaps[memKey(snap.ExamID, snap.StudentID)] = snap
	return nil
}

func (t *memTier) Read(_ context.Context, examID uuid.UUID, studentID int) (*model.StateSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snaps[memKey(examID, studentID)], nil
}

func (t *memTier) Clear(_ context.Context, examID uuid.UUID, studentID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.snaps, memKey(examID, studentID))
	return nil
}

func (t *memTier) has(examID uuid.UUID, studentID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snaps[memKey(examID, studentID)] != nil
}

type captureSubmitter struct {
	mu       sync.Mutex
	err      error
	results  []*model.Result
	attempts int
}

func (s *captureSubmitter) Submit(_ context.Context, result *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

func (s *captureSubmitter) submitted() []*model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

type captureQueue struct {
	mu      sync.Mutex
	err     error
	entries []*model.Result
}

func (q *captureQueue) Enqueue(_ context.Context, result *model.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries = append(q.entries, result)
	return nil
}

func (q *captureQueue) queued() []*model.Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries
}

func optionJSON(t *testing.T, option string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(model.OptionValue{Option: option})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func choiceQuestion(examID uuid.UUID, correct string, points float64) model.Question {
	return model.Question{
		ID:        uuid.New(),
		ExamID:    examID,
		Kind:      model.KindSingleChoice,
		Text:      "pick one",
		Points:    points,
		AnswerKey: json.RawMessage(`{"option":"` + correct + `"}`),
	}
}

type fixture struct {
	exam      *model.Exam
	questions []model.Question
	fast      *memTier
	durable   *memTier
	submitter *captureSubmitter
	queue     *captureQueue
	now       time.Time
}

func newFixture(durationMinutes int, questions ...model.Question) *fixture {
	examID := uuid.New()
	for i := range questions {
		questions[i].ExamID = examID
	}
	return &fixture{
		exam: &model.Exam{
			ID:              examID,
			Title:           "Midterm",
			DurationMinutes: durationMinutes,
			PassThreshold:   60,
			Status:          model.ExamStatusInProgress,
		},
		questions: questions,
		fast:      newMemTier(),
		durable:   newMemTier(),
		submitter: &captureSubmitter{},
		queue:     &captureQueue{},
		now:       time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) controller(studentID int, extensions ...model.TimeExtension) *Controller {
	return New(Config{
		Exam:       f.exam,
		Questions:  f.questions,
		StudentID:  studentID,
		StartedAt:  f.now,
		Extensions: extensions,
		Store:      store.New(f.fast, f.durable, zerolog.Nop()),
		Submitter:  f.submitter,
		Queue:      f.queue,
		Log:        zerolog.Nop(),
		Now:        func() time.Time { return f.now },
	})
}

func TestOpenRestoresPersistedAnswers(t *testing.T) {
	q := choiceQuestion(uuid.Nil, "a", 1)
	f := newFixture(60, q)

	prior := model.NewStateSnapshot(f.exam.ID, 7)
	prior.Answers[f.questions[0].ID.String()] = optionJSON(t, "a")
	if err := f.durable.Write(context.Background(), prior); err != nil {
		t.Fatal(err)
	}

	c := f.controller(7)
	defer c.Close()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := c.Phase(); got != PhaseInProgress {
		t.Fatalf("phase = %s, want %s", got, PhaseInProgress)
	}

	snap := c.Snapshot()
	if len(snap.Answers) != 1 {
		t.Fatalf("restored %d answers, want 1", len(snap.Answers))
	}
}

func TestOpenWithoutPriorStateStartsFresh(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	c := f.controller(7)
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := c.Snapshot()
	if len(snap.Answers) != 0 || len(snap.Flags) != 0 {
		t.Fatalf("fresh session has answers=%d flags=%d", len(snap.Answers), len(snap.Flags))
	}
}

func TestSetAnswerRejectsUnknownQuestion(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	c := f.controller(7)
	defer c.Close()
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := c.SetAnswer(context.Background(), uuid.NewString(), optionJSON(t, "a"))
	if !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("err = %v, want ErrUnknownQuestion", err)
	}
	if len(c.Snapshot().Answers) != 0 {
		t.Fatal("rejected answer must not be recorded")
	}
}

func TestEffectiveDurationMaxWins(t *testing.T) {
	student := 7
	tests := []struct {
		name       string
		base       int
		extensions []model.TimeExtension
		want       time.Duration
	}{
		{
			name: "larger global factor wins over student factor",
			base: 60,
			extensions: []model.TimeExtension{
				{Factor: 1.25},
				{StudentID: &student, Factor: 1.5},
			},
			want: 90 * time.Minute,
		},
		{
			name: "global double beats student factor",
			base: 60,
			extensions: []model.TimeExtension{
				{Factor: 2.0},
				{StudentID: &student, Factor: 1.5},
			},
			want: 120 * time.Minute,
		},
		{
			name: "extra minutes and factor compared, not stacked",
			base: 40,
			extensions: []model.TimeExtension{
				{ExtraMinutes: 30},
				{Factor: 1.5},
			},
			want: 70 * time.Minute,
		},
		{
			name: "extension for another student ignored",
			base: 60,
			extensions: []model.TimeExtension{
				{StudentID: intPtr(99), Factor: 2.0},
			},
			want: 60 * time.Minute,
		},
		{
			name:       "no extensions",
			base:       45,
			extensions: nil,
			want:       45 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := model.EffectiveDuration(tt.base, student, tt.extensions)
			if got != tt.want {
				t.Fatalf("EffectiveDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestSubmitGradesAndClearsState(t *testing.T) {
	q1 := choiceQuestion(uuid.Nil, "a", 1)
	q2 := choiceQuestion(uuid.Nil, "b", 1)
	f := newFixture(60, q1, q2)
	c := f.controller(7)
	defer c.Close()
	ctx := context.Background()

	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[0].ID.String(), optionJSON(t, "a")); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[1].ID.String(), optionJSON(t, "x")); err != nil {
		t.Fatal(err)
	}

	outcome, result, err := c.Submit(ctx, TriggerStudent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome != OutcomeSubmitted {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeSubmitted)
	}
	if result.Score != 50 {
		t.Fatalf("score = %d, want 50", result.Score)
	}
	if result.Passed {
		t.Fatal("50 against pass threshold 60 must not pass")
	}
	if c.Phase() != PhaseSubmitted {
		t.Fatalf("phase = %s, want %s", c.Phase(), PhaseSubmitted)
	}
	if f.fast.has(f.exam.ID, 7) || f.durable.has(f.exam.ID, 7) {
		t.Fatal("state must be cleared from both tiers after submit")
	}
	if len(f.submitter.submitted()) != 1 {
		t.Fatalf("submitted %d results, want 1", len(f.submitter.submitted()))
	}
}

func TestSubmitIsReentrantNoOp(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	c := f.controller(7)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	if _, _, err := c.Submit(ctx, TriggerStudent); err != nil {
		t.Fatal(err)
	}
	outcome, result, err := c.Submit(ctx, TriggerTimer)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if outcome != OutcomeInFlight || result != nil {
		t.Fatalf("second submit = (%s, %v), want no-op", outcome, result)
	}
	if f.submitter.attempts != 1 {
		t.Fatalf("endpoint called %d times, want 1", f.submitter.attempts)
	}
}

func TestSubmitUnreachableEndpointSavesOffline(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	f.submitter.err = fmt.Errorf("dial tcp: %w", syncqueue.ErrUnreachable)
	c := f.controller(7)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[0].ID.String(), optionJSON(t, "a")); err != nil {
		t.Fatal(err)
	}

	outcome, result, err := c.Submit(ctx, TriggerStudent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome != OutcomeSavedOffline {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeSavedOffline)
	}
	if result == nil || result.Score != 100 {
		t.Fatalf("offline result = %+v, want graded result", result)
	}
	if len(f.queue.queued()) != 1 {
		t.Fatalf("queued %d results, want 1", len(f.queue.queued()))
	}
	if c.Phase() != PhaseSubmitted {
		t.Fatalf("phase = %s, offline save is terminal success", c.Phase())
	}
}

func TestSubmitRejectionReturnsToInProgress(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	f.submitter.err = errors.New("attempt already completed")
	c := f.controller(7)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	if _, _, err := c.Submit(ctx, TriggerStudent); err == nil {
		t.Fatal("expected submit error")
	}
	if c.Phase() != PhaseInProgress {
		t.Fatalf("phase = %s, want %s for retry", c.Phase(), PhaseInProgress)
	}
	if len(f.queue.queued()) != 0 {
		t.Fatal("non-network rejection must not hit the offline queue")
	}

	// The session stays usable: a retry after the endpoint recovers works.
	f.submitter.err = nil
	outcome, _, err := c.Submit(ctx, TriggerStudent)
	if err != nil || outcome != OutcomeSubmitted {
		t.Fatalf("retry = (%s, %v), want submitted", outcome, err)
	}
}

func TestTimerExpiryAutoSubmits(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	examID := f.exam.ID
	c := New(Config{
		Exam:      f.exam,
		Questions: f.questions,
		StudentID: 7,
		// Started long enough ago that the effective duration has elapsed.
		StartedAt: time.Now().Add(-61 * time.Minute),
		Store:     store.New(f.fast, f.durable, zerolog.Nop()),
		Submitter: f.submitter,
		Queue:     f.queue,
		Log:       zerolog.Nop(),
	})
	defer c.Close()

	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == PhaseSubmitted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.Phase() != PhaseSubmitted {
		t.Fatalf("phase = %s, want auto-submitted", c.Phase())
	}
	results := f.submitter.submitted()
	if len(results) != 1 || results[0].ExamID != examID {
		t.Fatalf("auto-submit delivered %d results", len(results))
	}
}

func TestDebouncedPersistCoalescesWrites(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1), choiceQuestion(uuid.Nil, "b", 1))
	c := New(Config{
		Exam:            f.exam,
		Questions:       f.questions,
		StudentID:       7,
		StartedAt:       time.Now(),
		Store:           store.New(f.fast, f.durable, zerolog.Nop()),
		Submitter:       f.submitter,
		Queue:           f.queue,
		Log:             zerolog.Nop(),
		PersistDebounce: 30 * time.Millisecond,
	})
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.SetAnswer(ctx, f.questions[0].ID.String(), optionJSON(t, "a")); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[1].ID.String(), optionJSON(t, "b")); err != nil {
		t.Fatal(err)
	}
	if f.durable.has(f.exam.ID, 7) {
		t.Fatal("persist must not run before the debounce window elapses")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !f.durable.has(f.exam.ID, 7) {
		time.Sleep(10 * time.Millisecond)
	}
	snap, err := f.durable.Read(ctx, f.exam.ID, 7)
	if err != nil || snap == nil {
		t.Fatalf("debounced persist never ran: %v", err)
	}
	if len(snap.Answers) != 2 {
		t.Fatalf("persisted %d answers, want both coalesced", len(snap.Answers))
	}
}

func TestRaiseFlagRecordsReason(t *testing.T) {
	f := newFixture(60, choiceQuestion(uuid.Nil, "a", 1))
	c := f.controller(7)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	qid := f.questions[0].ID.String()
	if err := c.RaiseFlag(ctx, qid, "ambiguous wording"); err != nil {
		t.Fatal(err)
	}
	flag, ok := c.Snapshot().Flags[qid]
	if !ok {
		t.Fatal("flag not recorded")
	}
	if flag.Status != model.FlagStatusRaised || flag.Reason != "ambiguous wording" {
		t.Fatalf("flag = %+v", flag)
	}

	_, _, err := c.Submit(ctx, TriggerStudent)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.submitter.submitted()[0].Flags[qid]; !ok {
		t.Fatal("submitted result must carry raised flags")
	}
}

func resolutionFixture(t *testing.T) (*fixture, *model.Result) {
	t.Helper()
	q1 := choiceQuestion(uuid.Nil, "a", 1)
	q2 := choiceQuestion(uuid.Nil, "b", 1)
	q3 := choiceQuestion(uuid.Nil, "c", 1)
	f := newFixture(60, q1, q2, q3)

	deadline := f.now.Add(24 * time.Hour)
	result := &model.Result{
		ExamID:    f.exam.ID,
		StudentID: 7,
		Answers: map[string]json.RawMessage{
			f.questions[0].ID.String(): optionJSON(t, "a"), // correct
			f.questions[1].ID.String(): optionJSON(t, "x"), // wrong, flagged
			f.questions[2].ID.String(): optionJSON(t, "x"), // wrong, flagged
		},
		Score:        33,
		PointsScored: 1,
		TotalPoints:  3,
		PassScore:    60,
		Flags: map[string]model.FlagRecord{
			f.questions[1].ID.String(): {Status: model.FlagStatusResolved, Deadline: &deadline},
			f.questions[2].ID.String(): {Status: model.FlagStatusResolved, Deadline: &deadline},
		},
		SubmittedAt: f.now.Add(-time.Hour),
	}
	return f, result
}

func (f *fixture) resolutionController(result *model.Result) *Controller {
	return NewResolution(Config{
		Exam:      f.exam,
		Questions: f.questions,
		StudentID: 7,
		Store:     store.New(f.fast, f.durable, zerolog.Nop()),
		Submitter: f.submitter,
		Queue:     f.queue,
		Log:       zerolog.Nop(),
		Now:       func() time.Time { return f.now },
	}, result)
}

func TestResolutionCorrectingTwoFlagsAddsTwoPoints(t *testing.T) {
	f, prior := resolutionFixture(t)
	c := f.resolutionController(prior)
	defer c.Close()
	ctx := context.Background()

	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.Phase(); got != PhaseResolution {
		t.Fatalf("phase = %s, want %s", got, PhaseResolution)
	}

	if err := c.SetAnswer(ctx, f.questions[1].ID.String(), optionJSON(t, "b")); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[2].ID.String(), optionJSON(t, "c")); err != nil {
		t.Fatal(err)
	}

	outcome, updated, err := c.SubmitResolution(ctx)
	if err != nil {
		t.Fatalf("resolution submit: %v", err)
	}
	if outcome != OutcomeSubmitted {
		t.Fatalf("outcome = %s", outcome)
	}
	if updated.PointsScored != prior.PointsScored+2 {
		t.Fatalf("points = %v, want %v", updated.PointsScored, prior.PointsScored+2)
	}
	if updated.Score != 100 {
		t.Fatalf("score = %d, want 100", updated.Score)
	}
	if !updated.Passed {
		t.Fatal("recomputed pass flag not applied")
	}
	for _, qid := range []string{f.questions[1].ID.String(), f.questions[2].ID.String()} {
		if updated.Flags[qid].Status != model.FlagStatusAccepted {
			t.Fatalf("flag %s = %s, want accepted", qid, updated.Flags[qid].Status)
		}
	}
	if c.Phase() != PhaseResolutionSubmitted {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestResolutionUneditedFlagKeepsOldContribution(t *testing.T) {
	f, prior := resolutionFixture(t)
	c := f.resolutionController(prior)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	// Only one of the two flagged questions is actually changed. The other
	// resubmits its old answer, so its contribution is unchanged.
	if err := c.SetAnswer(ctx, f.questions[1].ID.String(), optionJSON(t, "b")); err != nil {
		t.Fatal(err)
	}

	_, updated, err := c.SubmitResolution(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if updated.PointsScored != prior.PointsScored+1 {
		t.Fatalf("points = %v, want %v", updated.PointsScored, prior.PointsScored+1)
	}
}

func TestResolutionRejectsUnflaggedQuestion(t *testing.T) {
	f, prior := resolutionFixture(t)
	c := f.resolutionController(prior)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	// questions[0] carries no flag at all.
	err := c.SetAnswer(ctx, f.questions[0].ID.String(), optionJSON(t, "z"))
	if !errors.Is(err, ErrNotEditable) {
		t.Fatalf("err = %v, want ErrNotEditable", err)
	}
}

func TestResolutionRejectsExpiredDeadline(t *testing.T) {
	f, prior := resolutionFixture(t)
	past := f.now.Add(-time.Minute)
	qid := f.questions[1].ID.String()
	prior.Flags[qid] = model.FlagRecord{Status: model.FlagStatusResolved, Deadline: &past}

	c := f.resolutionController(prior)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}

	err := c.SetAnswer(ctx, qid, optionJSON(t, "b"))
	if !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("err = %v, want ErrDeadlinePassed", err)
	}

	_, updated, err := c.SubmitResolution(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Flags[qid].Status != model.FlagStatusExpired {
		t.Fatalf("flag = %s, want expired", updated.Flags[qid].Status)
	}
	if updated.PointsScored != prior.PointsScored {
		t.Fatal("expired flag must not change the score")
	}
}

func TestResolutionUnreachableEndpointSavesOffline(t *testing.T) {
	f, prior := resolutionFixture(t)
	f.submitter.err = fmt.Errorf("connection refused: %w", syncqueue.ErrUnreachable)
	c := f.resolutionController(prior)
	defer c.Close()
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAnswer(ctx, f.questions[1].ID.String(), optionJSON(t, "b")); err != nil {
		t.Fatal(err)
	}

	outcome, _, err := c.SubmitResolution(ctx)
	if err != nil {
		t.Fatalf("resolution submit: %v", err)
	}
	if outcome != OutcomeSavedOffline {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeSavedOffline)
	}
	if len(f.queue.queued()) != 1 {
		t.Fatalf("queued %d, want 1", len(f.queue.queued()))
	}
}
