package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/response"
	"github.com/opencbt/examhall-backend/internal/service"
	"github.com/opencbt/examhall-backend/internal/validator"
)

// QuestionHandler handles teacher-facing question management.
type QuestionHandler struct {
	examService *service.ExamService
}

// NewQuestionHandler creates a new QuestionHandler.
func NewQuestionHandler(examService *service.ExamService) *QuestionHandler {
	return &QuestionHandler{examService: examService}
}

// ListQuestions godoc
// GET /api/v1/teacher/exams/:exam_id/questions
func (h *QuestionHandler) ListQuestions(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	questions, err := h.examService.ListQuestions(c.Request.Context(), examID, authorID)
	if err != nil {
		failExam(c, err)
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}

	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// AddQuestion godoc
// POST /api/v1/teacher/exams/:exam_id/questions
func (h *QuestionHandler) AddQuestion(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req model.AddQuestionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	question := &model.Question{
		ExamID:    examID,
		Kind:      model.QuestionKind(req.Kind),
		Text:      req.Text,
		Points:    req.Points,
		OrderNum:  req.OrderNum,
		Options:   req.Options,
		AnswerKey: req.AnswerKey,
	}

	if err := h.examService.AddQuestion(c.Request.Context(), authorID, question); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"question": question})
}

// ReplaceQuestions godoc
// PUT /api/v1/teacher/exams/:exam_id/questions
// Replaces the full question set of a draft exam.
func (h *QuestionHandler) ReplaceQuestions(c *gin.Context) {
	authorID, ok := examAuthor(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req model.ReplaceQuestionsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	questions := make([]model.Question, len(req.Questions))
	for i, q := range req.Questions {
		questions[i] = model.Question{
			ExamID:    examID,
			Kind:      model.QuestionKind(q.Kind),
			Text:      q.Text,
			Points:    q.Points,
			OrderNum:  q.OrderNum,
			Options:   q.Options,
			AnswerKey: q.AnswerKey,
		}
	}

	if err := h.examService.ReplaceQuestions(c.Request.Context(), authorID, examID, questions); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}
