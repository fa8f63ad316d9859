package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/opencbt/examhall-backend/internal/config"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/repository"
	"github.com/opencbt/examhall-backend/internal/session"
	"github.com/opencbt/examhall-backend/internal/shuffle"
	"github.com/opencbt/examhall-backend/internal/store"
	"github.com/opencbt/examhall-backend/internal/syncqueue"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Session errors.
var (
	ErrExamNotJoinable  = errors.New("exam is not available for joining")
	ErrExamArchived     = errors.New("exam has been archived")
	ErrAttemptCompleted = errors.New("attempt is already completed")
	ErrNoAttempt        = errors.New("no attempt for this exam")
	ErrNoResult         = errors.New("no submitted result for this exam")
)

// SessionService owns the live attempt controllers and the flow around
// them: joining, state reads, submission, and the resolution window. One
// controller exists per (exam, student) for the life of its attempt.
type SessionService struct {
	attemptRepo *repository.AttemptRepository
	resultRepo  *repository.ResultRepository
	examService *ExamService
	stateStore  *store.SessionStore
	queue       *syncqueue.Queue
	rdb         *redis.Client
	cfg         *config.Config
	log         zerolog.Logger

	mu          sync.Mutex
	controllers map[string]*session.Controller
	resolutions map[string]*session.Controller
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	attemptRepo *repository.AttemptRepository,
	resultRepo *repository.ResultRepository,
	examService *ExamService,
	stateStore *store.SessionStore,
	queue *syncqueue.Queue,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		attemptRepo: attemptRepo,
		resultRepo:  resultRepo,
		examService: examService,
		stateStore:  stateStore,
		queue:       queue,
		rdb:         rdb,
		cfg:         cfg,
		log:         log.With().Str("component", "session_service").Logger(),
		controllers: make(map[string]*session.Controller),
		resolutions: make(map[string]*session.Controller),
	}
}

func controllerKey(examID uuid.UUID, studentID int) string {
	return examID.String() + ":" + strconv.Itoa(studentID)
}

// ─── Lobby & join ───────────────────────────────────────────────────────────

// LobbyStatus represents the concrete state of an exam in the lobby.
type LobbyStatus string

const (
	LobbyStatusUpcoming   LobbyStatus = "UPCOMING"
	LobbyStatusAvailable  LobbyStatus = "AVAILABLE"
	LobbyStatusInProgress LobbyStatus = "IN_PROGRESS"
	LobbyStatusCompleted  LobbyStatus = "COMPLETED"
)

// LobbyExam represents an exam as displayed in the student lobby.
type LobbyExam struct {
	model.Exam
	LobbyStatus   LobbyStatus          `json:"lobby_status"`
	AttemptStatus *model.AttemptStatus `json:"attempt_status,omitempty"`
	FinalScore    *int                 `json:"final_score,omitempty"`
}

// GetLobby returns the joinable exams with the student's attempt status
// overlaid. An opportunistic sync flush runs first so a reconnecting
// student's queued result lands before their lobby shows stale state.
func (s *SessionService) GetLobby(ctx context.Context, studentID int) ([]LobbyExam, error) {
	s.FlushSyncQueue(ctx)

	exams, err := s.examService.examRepo.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}

	attempts, err := s.attemptRepo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	attemptMap := make(map[uuid.UUID]*model.Attempt, len(attempts))
	for i := range attempts {
		attemptMap[attempts[i].ExamID] = &attempts[i]
	}

	var lobby []LobbyExam
	now := time.Now()

	for i := range exams {
		exam := exams[i]
		entry := LobbyExam{Exam: exam}

		if att, ok := attemptMap[exam.ID]; ok {
			entry.AttemptStatus = &att.Status
			entry.FinalScore = att.FinalScore
			if att.Status == model.AttemptStatusCompleted {
				entry.LobbyStatus = LobbyStatusCompleted
			} else {
				entry.LobbyStatus = LobbyStatusInProgress
			}
		} else if exam.ScheduledStart != nil && exam.ScheduledStart.After(now) {
			entry.LobbyStatus = LobbyStatusUpcoming
		} else if exam.ScheduledEnd != nil && exam.ScheduledEnd.Before(now) {
			// Window closed without an attempt; nothing to show.
			continue
		} else {
			entry.LobbyStatus = LobbyStatusAvailable
		}

		lobby = append(lobby, entry)
	}

	return lobby, nil
}

// JoinExam creates or resumes an attempt. Joining is idempotent: a second
// join returns the existing attempt with its original start time, so a
// reopened browser never restarts the countdown.
func (s *SessionService) JoinExam(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	exam, err := s.examService.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if exam.Status == model.ExamStatusArchived {
		return nil, ErrExamArchived
	}
	if exam.Status != model.ExamStatusPublished && exam.Status != model.ExamStatusInProgress {
		return nil, ErrExamNotJoinable
	}
	now := time.Now()
	if exam.ScheduledStart != nil && exam.ScheduledStart.After(now) {
		return nil, ErrExamNotJoinable
	}
	if exam.ScheduledEnd != nil && exam.ScheduledEnd.Before(now) {
		return nil, ErrExamNotJoinable
	}

	existing, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}
	if existing != nil {
		_ = s.rdb.Set(ctx, config.CacheKey.AttemptStartKey(examID.String(), studentID), existing.StartedAt.Unix(), 0)
		return existing, nil
	}

	attempt := &model.Attempt{
		ExamID:    examID,
		StudentID: studentID,
	}
	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent join: the conflict clause swallowed the insert.
			existing, fetchErr := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent join detected, but fetch failed: %w", fetchErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	attempt.Status = model.AttemptStatusInProgress

	startKey := config.CacheKey.AttemptStartKey(examID.String(), studentID)
	if err := s.rdb.Set(ctx, startKey, attempt.StartedAt.Unix(), 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).
			Msg("Failed to cache attempt start time")
	}

	return attempt, nil
}

// GetPaper returns the student's question paper. When the exam scrambles,
// objective questions are reordered by the per-student seed and theory
// questions follow in authored order. The same student always gets the
// same order.
func (s *SessionService) GetPaper(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamPayload, error) {
	payload, err := s.examService.GetExamPayload(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !payload.Scramble {
		return payload, nil
	}

	questions, err := s.examService.GetGradingSet(ctx, examID)
	if err != nil {
		return nil, err
	}
	ordered := shuffle.Questions(questions, shuffle.StudentSeed(examID.String(), studentID))

	studentQuestions := make([]model.QuestionForStudent, len(ordered))
	for i, q := range ordered {
		studentQuestions[i] = model.QuestionForStudent{
			ID:       q.ID,
			Kind:     q.Kind,
			Text:     q.Text,
			Points:   q.Points,
			Options:  q.Options,
			OrderNum: q.OrderNum,
		}
	}
	out := *payload
	out.Questions = studentQuestions
	return &out, nil
}

// ─── Controller lifecycle ───────────────────────────────────────────────────

// getController returns the live controller for an attempt, opening one on
// first touch. The start time comes from the Redis cache with a PostgreSQL
// fallback, so a restarted server resumes countdowns correctly.
func (s *SessionService) getController(ctx context.Context, examID uuid.UUID, studentID int) (*session.Controller, error) {
	key := controllerKey(examID, studentID)

	s.mu.Lock()
	if ctrl, ok := s.controllers[key]; ok {
		s.mu.Unlock()
		return ctrl, nil
	}
	s.mu.Unlock()

	attemptStart, err := s.attemptStart(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}

	exam, err := s.examService.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.examService.GetGradingSet(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get grading set: %w", err)
	}
	extensions, err := s.examService.GetExtensions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get extensions: %w", err)
	}

	ctrl := session.New(session.Config{
		Exam:            exam,
		Questions:       questions,
		StudentID:       studentID,
		StartedAt:       attemptStart,
		Extensions:      extensions,
		Store:           s.stateStore,
		Submitter:       s.resultRepo,
		Queue:           s.queue,
		Log:             s.log,
		PersistDebounce: s.cfg.PersistDebounce,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if racing, ok := s.controllers[key]; ok {
		// Another request opened one first; use theirs.
		ctrl.Close()
		return racing, nil
	}
	if err := ctrl.Open(ctx); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.controllers[key] = ctrl
	return ctrl, nil
}

// attemptStart resolves the attempt's start time, preferring the Redis
// cache and self-healing it from PostgreSQL on a miss.
func (s *SessionService) attemptStart(ctx context.Context, examID uuid.UUID, studentID int) (time.Time, error) {
	startKey := config.CacheKey.AttemptStartKey(examID.String(), studentID)

	val, err := s.rdb.Get(ctx, startKey).Result()
	if err == nil {
		unix, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr == nil {
			return time.Unix(unix, 0), nil
		}
		s.log.Warn().Str("value", val).Msg("Invalid start time in cache, falling back to db")
	} else if !errors.Is(err, redis.Nil) {
		return time.Time{}, fmt.Errorf("redis error getting start time: %w", err)
	}

	attempt, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNoAttempt
		}
		return time.Time{}, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Status == model.AttemptStatusCompleted {
		return time.Time{}, ErrAttemptCompleted
	}

	_ = s.rdb.Set(ctx, startKey, attempt.StartedAt.Unix(), 0)
	return attempt.StartedAt, nil
}

// ─── State & mutations ──────────────────────────────────────────────────────

// SessionState is the reconnect payload: everything a client needs to
// rebuild its view after a refresh.
type SessionState struct {
	ExamID           uuid.UUID                   `json:"exam_id"`
	StudentID        int                         `json:"student_id"`
	Phase            session.Phase               `json:"phase"`
	Answers          map[string]json.RawMessage  `json:"answers"`
	Flags            map[string]model.FlagRecord `json:"flags"`
	RemainingSeconds float64                     `json:"remaining_seconds"`
}

// GetState returns the live session state for a reconnecting client.
func (s *SessionService) GetState(ctx context.Context, examID uuid.UUID, studentID int) (*SessionState, error) {
	ctrl, err := s.getController(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	snap := ctrl.Snapshot()
	return &SessionState{
		ExamID:           examID,
		StudentID:        studentID,
		Phase:            ctrl.Phase(),
		Answers:          snap.Answers,
		Flags:            snap.Flags,
		RemainingSeconds: ctrl.Remaining().Seconds(),
	}, nil
}

// SetAnswer records an answer on the live session. Accepted answers are
// also queued individually for the state persist worker, so a single
// answer reaches the durable tier ahead of the next debounced snapshot.
func (s *SessionService) SetAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID string, answer json.RawMessage) error {
	ctrl, err := s.getController(ctx, examID, studentID)
	if err != nil {
		return err
	}
	if err := ctrl.SetAnswer(ctx, questionID, answer); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"exam_id":    examID.String(),
		"student_id": studentID,
		"q_id":       questionID,
		"answer":     answer,
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistStateQueue, payload).Err(); err != nil {
		s.log.Warn().Err(err).Msg("persist queue push failed")
	}
	return nil
}

// RaiseFlag marks a question for review on the live session.
func (s *SessionService) RaiseFlag(ctx context.Context, examID uuid.UUID, studentID int, questionID, reason string) error {
	ctrl, err := s.getController(ctx, examID, studentID)
	if err != nil {
		return err
	}
	return ctrl.RaiseFlag(ctx, questionID, reason)
}

// Submit finalizes the attempt. On success (direct or saved-offline) the
// attempt row is marked completed and the controller retires.
func (s *SessionService) Submit(ctx context.Context, examID uuid.UUID, studentID int) (session.SubmitOutcome, *model.Result, error) {
	ctrl, err := s.getController(ctx, examID, studentID)
	if err != nil {
		return "", nil, err
	}

	outcome, result, err := ctrl.Submit(ctx, session.TriggerStudent)
	if err != nil || outcome == session.OutcomeInFlight {
		return outcome, result, err
	}

	s.finishAttempt(ctx, examID, studentID, result.Score)
	return outcome, result, nil
}

// finishAttempt marks the attempt completed and releases the controller.
func (s *SessionService) finishAttempt(ctx context.Context, examID uuid.UUID, studentID int, score int) {
	if err := s.attemptRepo.Complete(ctx, examID, studentID, score); err != nil {
		s.log.Error().Err(err).
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Msg("Failed to mark attempt completed")
	}

	key := controllerKey(examID, studentID)
	s.mu.Lock()
	if ctrl, ok := s.controllers[key]; ok {
		ctrl.Close()
		delete(s.controllers, key)
	}
	s.mu.Unlock()

	_ = s.rdb.Del(ctx, config.CacheKey.AttemptStartKey(examID.String(), studentID))
}

// ─── Resolution flow ────────────────────────────────────────────────────────

// GetResult returns the student's submitted result.
func (s *SessionService) GetResult(ctx context.Context, examID uuid.UUID, studentID int) (*model.Result, error) {
	result, err := s.resultRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoResult
		}
		return nil, err
	}
	return result, nil
}

// StartResolution opens the bounded edit window over a submitted result.
// Only questions whose flag a teacher resolved with a live deadline accept
// edits.
func (s *SessionService) StartResolution(ctx context.Context, examID uuid.UUID, studentID int) (*SessionState, error) {
	key := controllerKey(examID, studentID)

	s.mu.Lock()
	if ctrl, ok := s.resolutions[key]; ok {
		s.mu.Unlock()
		snap := ctrl.Snapshot()
		return &SessionState{
			ExamID: examID, StudentID: studentID,
			Phase: ctrl.Phase(), Answers: snap.Answers, Flags: snap.Flags,
		}, nil
	}
	s.mu.Unlock()

	result, err := s.GetResult(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	exam, err := s.examService.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	questions, err := s.examService.GetGradingSet(ctx, examID)
	if err != nil {
		return nil, err
	}

	ctrl := session.NewResolution(session.Config{
		Exam:      exam,
		Questions: questions,
		StudentID: studentID,
		Store:     s.stateStore,
		Submitter: s.resultRepo,
		Queue:     s.queue,
		Log:       s.log,
	}, result)

	s.mu.Lock()
	defer s.mu.Unlock()
	if racing, ok := s.resolutions[key]; ok {
		ctrl.Close()
		ctrl = racing
	} else {
		if err := ctrl.Open(ctx); err != nil {
			return nil, err
		}
		s.resolutions[key] = ctrl
	}

	snap := ctrl.Snapshot()
	return &SessionState{
		ExamID: examID, StudentID: studentID,
		Phase: ctrl.Phase(), Answers: snap.Answers, Flags: snap.Flags,
	}, nil
}

// SetResolutionAnswer records a corrected answer inside the edit window.
func (s *SessionService) SetResolutionAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID string, answer json.RawMessage) error {
	s.mu.Lock()
	ctrl, ok := s.resolutions[controllerKey(examID, studentID)]
	s.mu.Unlock()
	if !ok {
		return ErrNoResult
	}
	return ctrl.SetAnswer(ctx, questionID, answer)
}

// SubmitResolution closes the edit window and re-grades only the reopened
// questions. The updated result replaces the stored one and the attempt's
// final score follows it.
func (s *SessionService) SubmitResolution(ctx context.Context, examID uuid.UUID, studentID int) (session.SubmitOutcome, *model.Result, error) {
	key := controllerKey(examID, studentID)
	s.mu.Lock()
	ctrl, ok := s.resolutions[key]
	s.mu.Unlock()
	if !ok {
		return "", nil, ErrNoResult
	}

	outcome, result, err := ctrl.SubmitResolution(ctx)
	if err != nil || outcome == session.OutcomeInFlight {
		return outcome, result, err
	}

	if err := s.attemptRepo.Complete(ctx, examID, studentID, result.Score); err != nil {
		s.log.Error().Err(err).Str("exam_id", examID.String()).Int("student_id", studentID).
			Msg("Failed to update attempt score after resolution")
	}

	s.mu.Lock()
	ctrl.Close()
	delete(s.resolutions, key)
	s.mu.Unlock()

	return outcome, result, nil
}

// ─── Sync queue ─────────────────────────────────────────────────────────────

// FlushSyncQueue drains queued offline results, preserving order for
// whatever still fails. Safe to call opportunistically.
func (s *SessionService) FlushSyncQueue(ctx context.Context) syncqueue.FlushReport {
	return s.queue.Flush(ctx, s.resultRepo)
}

// ListResults returns the per-exam attempt overview for teachers.
func (s *SessionService) ListResults(ctx context.Context, examID uuid.UUID, page, perPage int) ([]repository.AttemptOverview, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return s.attemptRepo.ListByExam(ctx, examID, page, perPage)
}

// Shutdown closes every live controller without submitting; persisted
// snapshots keep the sessions resumable.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ctrl := range s.controllers {
		ctrl.Close()
		delete(s.controllers, key)
	}
	for key, ctrl := range s.resolutions {
		ctrl.Close()
		delete(s.resolutions, key)
	}
}
