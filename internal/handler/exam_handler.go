package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/opencbt/examhall-backend/internal/middleware"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/repository"
	"github.com/opencbt/examhall-backend/internal/response"
	"github.com/opencbt/examhall-backend/internal/service"
	"github.com/opencbt/examhall-backend/internal/validator"
)

// ExamHandler handles teacher-facing exam management endpoints.
type ExamHandler struct {
	examService    *service.ExamService
	sessionService *service.SessionService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, sessionService *service.SessionService) *ExamHandler {
	return &ExamHandler{
		examService:    examService,
		sessionService: sessionService,
	}
}

// examAuthor returns the authenticated teacher id, failing the request
// when claims are missing.
func examAuthor(c *gin.Context) (int, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return 0, false
	}
	return claims.UserID, true
}

func examParam(c *gin.Context) (uuid.UUID, bool) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return examID, true
}

// failExam maps exam-domain errors onto response codes.
func failExam(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotExamAuthor):
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
	case errors.Is(err, service.ErrExamNotDraft):
		response.Fail(c, http.StatusConflict, response.ErrExamNotDraft)
	case errors.Is(err, service.ErrExamNotPublished):
		response.Fail(c, http.StatusConflict, response.ErrExamNotPublished)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusConflict, response.ErrNoQuestions)
	case errors.Is(err, service.ErrFlagNotRaised):
		response.Fail(c, http.StatusConflict, response.ErrActionForbidden)
	case errors.Is(err, model.ErrBadAnswerKey):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// ListExams godoc
// GET /api/v1/teacher/exams
func (h *ExamHandler) ListExams(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}

	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 10)

	exams, pagination, err := h.examService.ListByAuthor(c.Request.Context(), authorID, page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"exams": exams}, pagination)
}

// GetExam godoc
// GET /api/v1/teacher/exams/:exam_id
func (h *ExamHandler) GetExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}
	if exam.AuthorID != authorID {
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// CreateExam godoc
// POST /api/v1/teacher/exams
func (h *ExamHandler) CreateExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	scramble := true
	if req.Scramble != nil {
		scramble = *req.Scramble
	}

	exam := &model.Exam{
		Title:           req.Title,
		AuthorID:        authorID,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		DurationMinutes: req.DurationMinutes,
		PassThreshold:   req.PassThreshold,
		Scramble:        scramble,
	}

	if err := h.examService.Create(c.Request.Context(), exam); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": exam})
}

// UpdateExam godoc
// PUT /api/v1/teacher/exams/:exam_id
func (h *ExamHandler) UpdateExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req model.UpdateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	if req.Title != "" {
		exam.Title = req.Title
	}
	if req.ScheduledStart != nil {
		exam.ScheduledStart = req.ScheduledStart
	}
	if req.ScheduledEnd != nil {
		exam.ScheduledEnd = req.ScheduledEnd
	}
	if req.DurationMinutes > 0 {
		exam.DurationMinutes = req.DurationMinutes
	}
	if req.PassThreshold != nil {
		exam.PassThreshold = *req.PassThreshold
	}
	if req.Scramble != nil {
		exam.Scramble = *req.Scramble
	}

	if err := h.examService.Update(c.Request.Context(), authorID, exam); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// DeleteExam godoc
// DELETE /api/v1/teacher/exams/:exam_id
func (h *ExamHandler) DeleteExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.Delete(c.Request.Context(), examID, authorID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// PublishExam godoc
// POST /api/v1/teacher/exams/:exam_id/publish
func (h *ExamHandler) PublishExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.Publish(c.Request.Context(), examID, authorID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "published"})
}

// ArchiveExam godoc
// POST /api/v1/teacher/exams/:exam_id/archive
func (h *ExamHandler) ArchiveExam(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.Archive(c.Request.Context(), examID, authorID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "archived"})
}

// RefreshExamCache godoc
// POST /api/v1/teacher/exams/:exam_id/refresh-cache
func (h *ExamHandler) RefreshExamCache(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.RefreshCache(c.Request.Context(), examID, authorID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "refreshed"})
}

// AddExtension godoc
// POST /api/v1/teacher/exams/:exam_id/extensions
func (h *ExamHandler) AddExtension(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req model.AddExtensionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ext := &model.TimeExtension{
		ExamID:       examID,
		StudentID:    req.StudentID,
		ExtraMinutes: req.ExtraMinutes,
		Factor:       req.Factor,
	}

	if err := h.examService.AddExtension(c.Request.Context(), authorID, ext); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"extension": ext})
}

// ListExtensions godoc
// GET /api/v1/teacher/exams/:exam_id/extensions
func (h *ExamHandler) ListExtensions(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	extensions, err := h.examService.ListExtensions(c.Request.Context(), examID, authorID)
	if err != nil {
		failExam(c, err)
		return
	}
	if extensions == nil {
		extensions = []model.TimeExtension{}
	}

	response.Success(c, http.StatusOK, gin.H{"extensions": extensions})
}

// ListFlags godoc
// GET /api/v1/teacher/exams/:exam_id/flags
func (h *ExamHandler) ListFlags(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	flagged, err := h.examService.ListFlagged(c.Request.Context(), examID, authorID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"flags": flagged})
}

// ResolveFlag godoc
// POST /api/v1/teacher/exams/:exam_id/students/:student_id/flags/:question_id/resolve
func (h *ExamHandler) ResolveFlag(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}
	studentID, ok := paramInt(c, "student_id")
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	questionID := c.Param("question_id")
	if _, err := uuid.Parse(questionID); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ResolveFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	flag, err := h.examService.ResolveFlag(c.Request.Context(), authorID, examID, studentID, questionID, req.Note, req.DeadlineMinutes)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"flag": flag})
}

// ListResults godoc
// GET /api/v1/teacher/exams/:exam_id/results
func (h *ExamHandler) ListResults(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}
	if exam.AuthorID != authorID {
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
		return
	}

	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 20)

	results, total, err := h.sessionService.ListResults(c.Request.Context(), examID, page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if results == nil {
		results = []repository.AttemptOverview{}
	}

	totalPages := (int(total) + perPage - 1) / perPage
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"results": results}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: totalPages,
	})
}
