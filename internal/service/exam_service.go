package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/config"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/repository"
	"github.com/opencbt/examhall-backend/internal/response"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Domain Errors
var (
	ErrNotExamAuthor    = errors.New("not the author of this exam")
	ErrNoQuestions      = errors.New("exam has no questions, cannot publish/start")
	ErrExamNotDraft     = errors.New("exam status is not DRAFT")
	ErrExamNotPublished = errors.New("exam status is not PUBLISHED")
	ErrFlagNotRaised    = errors.New("flag is not in raised state")
)

// ExamService handles exam business logic and Redis caching.
type ExamService struct {
	examRepo      *repository.ExamRepository
	questionRepo  *repository.QuestionRepository
	extensionRepo *repository.ExtensionRepository
	resultRepo    *repository.ResultRepository
	rdb           *redis.Client
	log           zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	extensionRepo *repository.ExtensionRepository,
	resultRepo *repository.ResultRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		examRepo:      examRepo,
		questionRepo:  questionRepo,
		extensionRepo: extensionRepo,
		resultRepo:    resultRepo,
		rdb:           rdb,
		log:           log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// ListByAuthor retrieves the author's exams with pagination.
func (s *ExamService) ListByAuthor(ctx context.Context, authorID, page, perPage int) ([]model.Exam, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}

	limit := perPage
	offset := (page - 1) * perPage

	exams, total, err := s.examRepo.ListByAuthorPaginated(ctx, authorID, limit, offset)
	if err != nil {
		return nil, nil, err
	}

	if exams == nil {
		exams = []model.Exam{}
	}

	totalPages := (total + perPage - 1) / perPage

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: totalPages,
	}

	return exams, pagination, nil
}

// Create inserts a new exam as DRAFT.
func (s *ExamService) Create(ctx context.Context, exam *model.Exam) error {
	exam.Status = model.ExamStatusDraft
	return s.examRepo.Create(ctx, exam)
}

// Update modifies an existing draft exam.
func (s *ExamService) Update(ctx context.Context, authorID int, exam *model.Exam) error {
	existing, err := s.examRepo.GetByID(ctx, exam.ID)
	if err != nil {
		return err
	}
	if existing.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if existing.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	return s.examRepo.Update(ctx, exam)
}

// Delete removes a draft exam.
func (s *ExamService) Delete(ctx context.Context, id uuid.UUID, authorID int) error {
	existing, err := s.examRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if existing.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	return s.examRepo.Delete(ctx, id)
}

// Publish changes exam status to PUBLISHED and caches the payload, grading
// set, and extensions in Redis. This is the critical path that populates the
// fast lane before students arrive.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}

	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	if err := s.WarmExamCache(ctx, exam); err != nil {
		return err
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam published")
	return nil
}

// Archive moves a completed exam out of the student lobby. An archived exam
// refuses new joins but its results stay readable.
func (s *ExamService) Archive(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusArchived); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	// Drop the cached payload so joins stop resolving from the fast lane.
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.ExamPayloadKey(examID.String()))
	pipe.Del(ctx, config.CacheKey.ExamGradingSetKey(examID.String()))
	pipe.Del(ctx, config.CacheKey.ExamExtensionsKey(examID.String()))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to evict archived exam cache")
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam archived")
	return nil
}

// RefreshCache re-caches the payload, grading set, and extensions for a
// published exam. Called when questions or extensions change after publish.
func (s *ExamService) RefreshCache(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}

	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusPublished && exam.Status != model.ExamStatusInProgress {
		return ErrExamNotPublished
	}

	if err := s.WarmExamCache(ctx, exam); err != nil {
		return err
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Cache refreshed")
	return nil
}

// WarmExamCache loads an exam's payload, grading set, and extensions from
// PostgreSQL into Redis. Used by Publish, RefreshCache, and PrewarmAllCaches.
func (s *ExamService) WarmExamCache(ctx context.Context, exam *model.Exam) error {
	questions, err := s.questionRepo.ListByExam(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	// Build student-facing payload (without answer keys). Per-student
	// scrambling happens at paper fetch time, so the cached payload keeps
	// the authored order.
	studentQuestions := make([]model.QuestionForStudent, len(questions))
	for i, q := range questions {
		studentQuestions[i] = model.QuestionForStudent{
			ID:       q.ID,
			Kind:     q.Kind,
			Text:     q.Text,
			Points:   q.Points,
			Options:  q.Options,
			OrderNum: q.OrderNum,
		}
	}

	payload := model.ExamPayload{
		ExamID:        exam.ID,
		Title:         exam.Title,
		Duration:      exam.DurationMinutes,
		PassThreshold: exam.PassThreshold,
		Scramble:      exam.Scramble,
		Questions:     studentQuestions,
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// The grading set carries the full questions including keys; it never
	// leaves the server.
	gradingJSON, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal grading set: %w", err)
	}

	extensions, err := s.extensionRepo.ListByExam(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("list extensions: %w", err)
	}
	extensionsJSON, err := json.Marshal(extensions)
	if err != nil {
		return fmt.Errorf("marshal extensions: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID.String()), payloadJSON, 0)
	pipe.Set(ctx, config.CacheKey.ExamGradingSetKey(exam.ID.String()), gradingJSON, 0)
	pipe.Set(ctx, config.CacheKey.ExamExtensionsKey(exam.ID.String()), extensionsJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(questions)).
		Int("extensions", len(extensions)).
		Msg("Cache warmed")
	return nil
}

// PrewarmAllCaches loads all joinable exams into Redis on application startup.
// This prevents any lazy-loading race conditions under thundering herd traffic.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(exams) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(exams)).Msg("Prewarming published exams...")

	warmed := 0
	for i := range exams {
		if err := s.WarmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}

// GetExamPayload retrieves the cached student payload from Redis, falling
// back to PostgreSQL (and re-warming the cache) on a miss.
func (s *ExamService) GetExamPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	key := config.CacheKey.ExamPayloadKey(examID.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var payload model.ExamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return &payload, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get payload: %w", err)
	}

	// Cache miss: self-heal from PostgreSQL.
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished && exam.Status != model.ExamStatusInProgress {
		return nil, ErrExamNotPublished
	}
	if err := s.WarmExamCache(ctx, exam); err != nil {
		return nil, err
	}

	data, err = s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get payload after warm: %w", err)
	}
	var payload model.ExamPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}

// GetGradingSet retrieves the full question set (with answer keys) for
// grading, from cache or PostgreSQL.
func (s *ExamService) GetGradingSet(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	key := config.CacheKey.ExamGradingSetKey(examID.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var questions []model.Question
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, fmt.Errorf("unmarshal grading set: %w", err)
		}
		return questions, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get grading set: %w", err)
	}
	return s.questionRepo.ListByExam(ctx, examID)
}

// GetExtensions retrieves an exam's time extensions, from cache or PostgreSQL.
func (s *ExamService) GetExtensions(ctx context.Context, examID uuid.UUID) ([]model.TimeExtension, error) {
	key := config.CacheKey.ExamExtensionsKey(examID.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var extensions []model.TimeExtension
		if err := json.Unmarshal(data, &extensions); err != nil {
			return nil, fmt.Errorf("unmarshal extensions: %w", err)
		}
		return extensions, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get extensions: %w", err)
	}
	return s.extensionRepo.ListByExam(ctx, examID)
}

// ListQuestions returns an exam's questions, keys included, for the author.
func (s *ExamService) ListQuestions(ctx context.Context, examID uuid.UUID, authorID int) ([]model.Question, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}
	return s.questionRepo.ListByExam(ctx, examID)
}

// AddQuestion appends a question to a draft exam.
func (s *ExamService) AddQuestion(ctx context.Context, authorID int, q *model.Question) error {
	exam, err := s.examRepo.GetByID(ctx, q.ExamID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	if err := q.ValidateKey(); err != nil {
		return err
	}
	return s.questionRepo.Create(ctx, q)
}

// ReplaceQuestions swaps a draft exam's full question set.
func (s *ExamService) ReplaceQuestions(ctx context.Context, authorID int, examID uuid.UUID, questions []model.Question) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	for i := range questions {
		questions[i].ExamID = examID
		if err := questions[i].ValidateKey(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}
	return s.questionRepo.ReplaceAll(ctx, examID, questions)
}

// AddExtension grants a time extension. For a live exam the cached
// extensions are refreshed so running sessions pick the grant up on their
// next state read.
func (s *ExamService) AddExtension(ctx context.Context, authorID int, ext *model.TimeExtension) error {
	exam, err := s.examRepo.GetByID(ctx, ext.ExamID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}

	if err := s.extensionRepo.Create(ctx, ext); err != nil {
		return err
	}

	if exam.Status == model.ExamStatusPublished || exam.Status == model.ExamStatusInProgress {
		if err := s.WarmExamCache(ctx, exam); err != nil {
			s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to refresh cache after extension")
		}
	}
	return nil
}

// ListExtensions returns an exam's extensions for the author.
func (s *ExamService) ListExtensions(ctx context.Context, examID uuid.UUID, authorID int) ([]model.TimeExtension, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}
	return s.extensionRepo.ListByExam(ctx, examID)
}

// ListFlagged returns every flag attached to an exam's submitted results.
func (s *ExamService) ListFlagged(ctx context.Context, examID uuid.UUID, authorID int) ([]repository.FlaggedQuestion, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}
	return s.resultRepo.ListFlagged(ctx, examID)
}

// ResolveFlag reopens a flagged question for one student with a deadline.
// The deadline is computed server-side; a client clock never decides when
// the edit window closes.
func (s *ExamService) ResolveFlag(ctx context.Context, authorID int, examID uuid.UUID, studentID int, questionID, note string, deadlineMinutes int) (*model.FlagRecord, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}

	result, err := s.resultRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	flag, ok := result.Flags[questionID]
	if !ok || flag.Status != model.FlagStatusRaised {
		return nil, ErrFlagNotRaised
	}

	deadline := time.Now().Add(time.Duration(deadlineMinutes) * time.Minute)
	flag.Status = model.FlagStatusResolved
	flag.Note = note
	flag.Deadline = &deadline

	if err := s.resultRepo.SetFlag(ctx, examID, studentID, questionID, flag); err != nil {
		return nil, fmt.Errorf("set flag: %w", err)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Str("question_id", questionID).
		Time("deadline", deadline).
		Msg("Flag resolved, question reopened")
	return &flag, nil
}
