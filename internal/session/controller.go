// Package session implements the per-attempt controller: one Controller is
// constructed per (exam, student) attempt and owns that attempt's state for
// its lifetime. Nothing here is shared between attempts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencbt/examhall-backend/internal/grading"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/store"
	"github.com/opencbt/examhall-backend/internal/syncqueue"
	"github.com/rs/zerolog"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseLoading             Phase = "LOADING"
	PhaseInProgress          Phase = "IN_PROGRESS"
	PhaseSubmitting          Phase = "SUBMITTING"
	PhaseSubmitted           Phase = "SUBMITTED"
	PhaseResolution          Phase = "RESOLUTION_IN_PROGRESS"
	PhaseResolutionSubmitted Phase = "RESOLUTION_SUBMITTED"
)

// Trigger identifies what initiated a submission.
type Trigger string

const (
	TriggerStudent Trigger = "student"
	TriggerTimer   Trigger = "timer"
)

// SubmitOutcome is the terminal classification of a submit call.
type SubmitOutcome string

const (
	// OutcomeSubmitted: the result reached the endpoint.
	OutcomeSubmitted SubmitOutcome = "submitted"
	// OutcomeSavedOffline: the endpoint was unreachable and the result was
	// accepted into the sync queue. Terminal success from the student's
	// perspective, not an error state.
	OutcomeSavedOffline SubmitOutcome = "saved_offline"
	// OutcomeInFlight: a submission is already running; this call was a no-op.
	OutcomeInFlight SubmitOutcome = "in_flight"
)

var (
	ErrUnknownQuestion = errors.New("unknown question id")
	ErrWrongPhase      = errors.New("operation not valid in current phase")
	ErrNotEditable     = errors.New("question is not open for resolution edits")
	ErrDeadlinePassed  = errors.New("resolution deadline has passed")
)

// OfflineQueue accepts results that could not reach the endpoint.
type OfflineQueue interface {
	Enqueue(ctx context.Context, result *model.Result) error
}

// Config wires a Controller's collaborators.
type Config struct {
	Exam       *model.Exam
	Questions  []model.Question
	StudentID  int
	StartedAt  time.Time
	Extensions []model.TimeExtension
	Store      *store.SessionStore
	Submitter  syncqueue.Submitter
	Queue      OfflineQueue
	Log        zerolog.Logger
	// PersistDebounce delays the snapshot write after a mutation. Zero
	// persists synchronously on every mutation.
	PersistDebounce time.Duration
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Controller owns one attempt's session state. Mutations are applied
// synchronously in call order; persistence is debounced and best-effort, so
// a persisted snapshot may lag the in-memory state.
type Controller struct {
	mu sync.Mutex

	exam       *model.Exam
	questions  map[string]model.Question
	studentID  int
	deadline   time.Time
	stor       *store.SessionStore
	submitter  syncqueue.Submitter
	queue      OfflineQueue
	log        zerolog.Logger
	debounce   time.Duration
	now        func() time.Time

	phase        Phase
	snap         *model.StateSnapshot
	baseResult   *model.Result // resolution mode only: the submitted result
	timer        *time.Timer
	persistTimer *time.Timer
	inFlight     bool
}

// New creates a controller in the Loading phase for a normal attempt.
func New(cfg Config) *Controller {
	c := newController(cfg)
	c.deadline = cfg.StartedAt.Add(model.EffectiveDuration(cfg.Exam.DurationMinutes, cfg.StudentID, cfg.Extensions))
	return c
}

// NewResolution creates a controller in resolve mode over a submitted
// result. There is no countdown timer: each flag's own deadline bounds the
// edit window instead.
func NewResolution(cfg Config, submitted *model.Result) *Controller {
	c := newController(cfg)
	c.baseResult = submitted
	return c
}

func newController(cfg Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	questions := make(map[string]model.Question, len(cfg.Questions))
	for _, q := range cfg.Questions {
		questions[q.ID.String()] = q
	}
	return &Controller{
		exam:      cfg.Exam,
		questions: questions,
		studentID: cfg.StudentID,
		stor:      cfg.Store,
		submitter: cfg.Submitter,
		queue:     cfg.Queue,
		log: cfg.Log.With().
			Str("component", "session_controller").
			Str("exam_id", cfg.Exam.ID.String()).
			Int("student_id", cfg.StudentID).
			Logger(),
		debounce: cfg.PersistDebounce,
		now:      now,
		phase:    PhaseLoading,
	}
}

// Open transitions Loading -> InProgress (or -> ResolutionInProgress in
// resolve mode). For a normal attempt it restores the prior snapshot, or
// starts fresh when no tier has data, and arms the countdown timer.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseLoading {
		return fmt.Errorf("%w: open in %s", ErrWrongPhase, c.phase)
	}

	if c.baseResult != nil {
		// Resolve mode: seed state from the immutable submitted result.
		snap := model.NewStateSnapshot(c.exam.ID, c.studentID)
		for qid, raw := range c.baseResult.Answers {
			snap.Answers[qid] = raw
		}
		for qid, flag := range c.baseResult.Flags {
			snap.Flags[qid] = flag
		}
		c.snap = snap
		c.phase = PhaseResolution
		return nil
	}

	snap, err := c.stor.Restore(ctx, c.exam.ID, c.studentID)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if snap == nil {
		snap = model.NewStateSnapshot(c.exam.ID, c.studentID)
	}
	c.snap = snap
	c.phase = PhaseInProgress

	c.armTimer()
	c.log.Info().Time("deadline", c.deadline).Msg("Session opened")
	return nil
}

// armTimer schedules the auto-submit. Caller holds the lock.
func (c *Controller) armTimer() {
	remaining := c.deadline.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	c.timer = time.AfterFunc(remaining, func() {
		// A stale tick after a manual submit is absorbed by the in-flight
		// guard inside Submit.
		outcome, _, err := c.Submit(context.Background(), TriggerTimer)
		if err != nil {
			c.log.Error().Err(err).Msg("Auto-submit failed")
			return
		}
		if outcome != OutcomeInFlight {
			c.log.Info().Str("outcome", string(outcome)).Msg("Auto-submitted on timer expiry")
		}
	})
}

// stopTimers cancels the countdown and any pending debounced persist.
// Caller holds the lock. Stopping before a terminal transition is mandatory:
// a stale tick must never fire a duplicate auto-submit.
func (c *Controller) stopTimers() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.persistTimer != nil {
		c.persistTimer.Stop()
		c.persistTimer = nil
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Remaining returns the time left on the countdown.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.deadline.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns a copy of the current state for read-only use.
func (c *Controller) Snapshot() *model.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copySnapshotLocked()
}

func (c *Controller) copySnapshotLocked() *model.StateSnapshot {
	out := model.NewStateSnapshot(c.exam.ID, c.studentID)
	for qid, raw := range c.snap.Answers {
		out.Answers[qid] = raw
	}
	for qid, flag := range c.snap.Flags {
		out.Flags[qid] = flag
	}
	out.SavedAt = c.snap.SavedAt
	return out
}

// SetAnswer records an answer. Unknown question ids are rejected before any
// write. In resolve mode only questions whose flag is resolved with an
// unexpired deadline are editable.
func (c *Controller) SetAnswer(ctx context.Context, questionID string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseInProgress && c.phase != PhaseResolution {
		return fmt.Errorf("%w: answer in %s", ErrWrongPhase, c.phase)
	}
	if _, ok := c.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}

	if c.phase == PhaseResolution {
		flag, ok := c.snap.Flags[questionID]
		if !ok || flag.Status != model.FlagStatusResolved {
			return ErrNotEditable
		}
		if !flag.Editable(c.now()) {
			// Past deadline: mark expired and refuse, even if the client's
			// timer has not fired.
			flag.Status = model.FlagStatusExpired
			c.snap.Flags[questionID] = flag
			return ErrDeadlinePassed
		}
	}

	c.snap.Answers[questionID] = value

	if c.phase == PhaseInProgress {
		c.schedulePersistLocked(ctx)
	}
	return nil
}

// RaiseFlag marks a question for teacher review.
func (c *Controller) RaiseFlag(ctx context.Context, questionID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseInProgress {
		return fmt.Errorf("%w: flag in %s", ErrWrongPhase, c.phase)
	}
	if _, ok := c.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}

	c.snap.Flags[questionID] = model.FlagRecord{
		Status:   model.FlagStatusRaised,
		Reason:   reason,
		RaisedAt: c.now(),
	}
	c.schedulePersistLocked(ctx)
	return nil
}

// schedulePersistLocked debounces the snapshot write. Caller holds the lock.
func (c *Controller) schedulePersistLocked(ctx context.Context) {
	if c.debounce <= 0 {
		c.stor.Persist(ctx, c.persistableSnapshotLocked())
		return
	}
	if c.persistTimer != nil {
		c.persistTimer.Reset(c.debounce)
		return
	}
	c.persistTimer = time.AfterFunc(c.debounce, c.persistNow)
}

func (c *Controller) persistNow() {
	c.mu.Lock()
	if c.phase != PhaseInProgress {
		c.mu.Unlock()
		return
	}
	snap := c.persistableSnapshotLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.stor.Persist(ctx, snap)
}

func (c *Controller) persistableSnapshotLocked() *model.StateSnapshot {
	c.snap.SavedAt = c.now()
	return c.copySnapshotLocked()
}

// Submit grades the attempt and delivers the result. Only one submission is
// ever in flight; a re-entrant call is a no-op returning OutcomeInFlight.
// An unreachable endpoint routes the result into the offline queue and still
// counts as terminal success. A non-network rejection returns the controller
// to InProgress for a retry.
func (c *Controller) Submit(ctx context.Context, trigger Trigger) (SubmitOutcome, *model.Result, error) {
	c.mu.Lock()
	if c.inFlight || c.phase == PhaseSubmitted || c.phase == PhaseSubmitting {
		c.mu.Unlock()
		return OutcomeInFlight, nil, nil
	}
	if c.phase != PhaseInProgress {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: submit in %s", ErrWrongPhase, c.phase)
	}

	c.inFlight = true
	c.phase = PhaseSubmitting
	c.stopTimers()

	result := c.buildResultLocked()
	c.mu.Unlock()

	err := c.submitter.Submit(ctx, result)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	switch {
	case err == nil:
		c.phase = PhaseSubmitted
		c.clearState(ctx)
		c.log.Info().Str("trigger", string(trigger)).Int("score", result.Score).Msg("Result submitted")
		return OutcomeSubmitted, result, nil

	case errors.Is(err, syncqueue.ErrUnreachable):
		if qErr := c.queue.Enqueue(ctx, result); qErr != nil {
			// Both the endpoint and the queue failed: recoverable, retry.
			c.phase = PhaseInProgress
			c.rearmTimerLocked()
			return "", nil, fmt.Errorf("enqueue offline result: %w", qErr)
		}
		c.phase = PhaseSubmitted
		c.clearState(ctx)
		c.log.Warn().Str("trigger", string(trigger)).Msg("Endpoint unreachable, result saved offline")
		return OutcomeSavedOffline, result, nil

	default:
		// Validation-class failure: recoverable, back to InProgress.
		c.phase = PhaseInProgress
		c.rearmTimerLocked()
		c.log.Warn().Err(err).Msg("Submission rejected, session recoverable")
		return "", nil, err
	}
}

// rearmTimerLocked restarts the countdown after a failed submit, if time
// remains. Caller holds the lock.
func (c *Controller) rearmTimerLocked() {
	if c.deadline.After(c.now()) {
		c.armTimer()
	}
}

func (c *Controller) clearState(ctx context.Context) {
	c.stor.Clear(ctx, c.exam.ID, c.studentID)
}

// buildResultLocked grades the current state. Caller holds the lock.
func (c *Controller) buildResultLocked() *model.Result {
	questions := make([]model.Question, 0, len(c.questions))
	for _, q := range c.questions {
		questions = append(questions, q)
	}
	score := grading.Grade(questions, c.snap.Answers)

	snap := c.copySnapshotLocked()
	return &model.Result{
		ExamID:       c.exam.ID,
		StudentID:    c.studentID,
		Answers:      snap.Answers,
		Score:        score.Percent,
		PointsScored: score.PointsScored,
		TotalPoints:  score.PointsPossible,
		PassScore:    c.exam.PassThreshold,
		Passed:       score.Percent >= c.exam.PassThreshold,
		Flags:        snap.Flags,
		SubmittedAt:  c.now(),
	}
}

// SubmitResolution closes the resolve-mode edit window: for exactly the
// flagged questions whose edits were allowed, the old per-question
// contribution is replaced by the new one; every other question's scoring is
// untouched and the total stays the same. Successful flags become accepted.
func (c *Controller) SubmitResolution(ctx context.Context) (SubmitOutcome, *model.Result, error) {
	c.mu.Lock()
	if c.inFlight || c.phase == PhaseResolutionSubmitted {
		c.mu.Unlock()
		return OutcomeInFlight, nil, nil
	}
	if c.phase != PhaseResolution {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: resolution submit in %s", ErrWrongPhase, c.phase)
	}
	c.inFlight = true

	now := c.now()
	updated := *c.baseResult
	updated.Answers = make(map[string]json.RawMessage, len(c.baseResult.Answers))
	for qid, raw := range c.baseResult.Answers {
		updated.Answers[qid] = raw
	}
	updated.Flags = make(map[string]model.FlagRecord, len(c.baseResult.Flags))
	for qid, flag := range c.baseResult.Flags {
		updated.Flags[qid] = flag
	}

	points := c.baseResult.PointsScored
	for qid, flag := range c.snap.Flags {
		if flag.Status == model.FlagStatusExpired {
			// Marked during an edit attempt past the deadline.
			updated.Flags[qid] = flag
			continue
		}
		if flag.Status != model.FlagStatusResolved {
			continue
		}
		question, ok := c.questions[qid]
		if !ok {
			continue
		}
		if flag.Deadline == nil || !now.Before(*flag.Deadline) {
			flag.Status = model.FlagStatusExpired
			updated.Flags[qid] = flag
			continue
		}

		oldEarned, _ := grading.GradeQuestion(question, c.baseResult.Answers[qid])
		newEarned, _ := grading.GradeQuestion(question, c.snap.Answers[qid])
		points = points - oldEarned + newEarned

		updated.Answers[qid] = c.snap.Answers[qid]
		flag.Status = model.FlagStatusAccepted
		updated.Flags[qid] = flag
	}

	updated.PointsScored = points
	updated.Score = grading.Percent(points, updated.TotalPoints)
	updated.Passed = updated.Score >= updated.PassScore
	updated.SubmittedAt = now
	c.mu.Unlock()

	err := c.submitter.Submit(ctx, &updated)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	switch {
	case err == nil:
		c.phase = PhaseResolutionSubmitted
		c.log.Info().Int("score", updated.Score).Msg("Resolution submitted")
		return OutcomeSubmitted, &updated, nil

	case errors.Is(err, syncqueue.ErrUnreachable):
		if qErr := c.queue.Enqueue(ctx, &updated); qErr != nil {
			return "", nil, fmt.Errorf("enqueue offline resolution: %w", qErr)
		}
		c.phase = PhaseResolutionSubmitted
		return OutcomeSavedOffline, &updated, nil

	default:
		return "", nil, err
	}
}

// Close releases the controller's timers without submitting. Used when the
// hosting process shuts down; state remains in the store tiers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimers()
}
