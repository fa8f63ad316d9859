package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/opencbt/examhall-backend/internal/middleware"
	"github.com/opencbt/examhall-backend/internal/model"
	"github.com/opencbt/examhall-backend/internal/response"
	"github.com/opencbt/examhall-backend/internal/service"
	"github.com/opencbt/examhall-backend/internal/session"
	"github.com/opencbt/examhall-backend/internal/validator"
)

// StudentPortalHandler handles the student-facing exam-taking endpoints.
type StudentPortalHandler struct {
	sessionService *service.SessionService
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessionService *service.SessionService) *StudentPortalHandler {
	return &StudentPortalHandler{sessionService: sessionService}
}

// portalStudent returns the authenticated student id, failing the request
// when claims are missing.
func portalStudent(c *gin.Context) (int, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return 0, false
	}
	return claims.UserID, true
}

// failSession maps session-domain errors onto response codes.
func failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotJoinable):
		response.Fail(c, http.StatusConflict, response.ErrExamNotAvailable)
	case errors.Is(err, service.ErrExamArchived):
		response.Fail(c, http.StatusGone, response.ErrExamArchived)
	case errors.Is(err, service.ErrAttemptCompleted):
		response.Fail(c, http.StatusConflict, response.ErrAttemptCompleted)
	case errors.Is(err, service.ErrNoAttempt):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrNoResult):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, session.ErrUnknownQuestion):
		response.Fail(c, http.StatusNotFound, response.ErrUnknownQuestion)
	case errors.Is(err, session.ErrWrongPhase):
		response.Fail(c, http.StatusConflict, response.ErrActionForbidden)
	case errors.Is(err, session.ErrNotEditable):
		response.Fail(c, http.StatusConflict, response.ErrFlagNotEditable)
	case errors.Is(err, session.ErrDeadlinePassed):
		response.Fail(c, http.StatusConflict, response.ErrResolutionDeadline)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// GetLobby godoc
// GET /api/v1/student/lobby
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}

	exams, err := h.sessionService.GetLobby(c.Request.Context(), studentID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if exams == nil {
		exams = []service.LobbyExam{}
	}

	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// JoinExam godoc
// POST /api/v1/student/exams/:exam_id/join
func (h *StudentPortalHandler) JoinExam(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	attempt, err := h.sessionService.JoinExam(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// GetExamPaper godoc
// GET /api/v1/student/exams/:exam_id/paper
func (h *StudentPortalHandler) GetExamPaper(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	payload, err := h.sessionService.GetPaper(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": payload})
}

// GetExamState godoc
// GET /api/v1/student/exams/:exam_id/state
func (h *StudentPortalHandler) GetExamState(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	state, err := h.sessionService.GetState(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

// SetAnswerRequest is the HTTP payload for saving one answer.
type SetAnswerRequest struct {
	QuestionID string          `json:"question_id" binding:"required,uuid"`
	Answer     json.RawMessage `json:"answer" binding:"required"`
}

// SetAnswer godoc
// POST /api/v1/student/exams/:exam_id/answers
func (h *StudentPortalHandler) SetAnswer(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.SetAnswer(c.Request.Context(), examID, studentID, req.QuestionID, req.Answer); err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "status": "saved"})
}

// RaiseFlag godoc
// POST /api/v1/student/exams/:exam_id/flags
func (h *StudentPortalHandler) RaiseFlag(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req model.RaiseFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.RaiseFlag(c.Request.Context(), examID, studentID, req.QuestionID, req.Reason); err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "status": "flagged"})
}

// SubmitExam godoc
// POST /api/v1/student/exams/:exam_id/submit
//
// A submission that cannot reach the result endpoint is still a success for
// the student: the graded result is queued locally and the response carries
// an offline marker.
func (h *StudentPortalHandler) SubmitExam(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	outcome, result, err := h.sessionService.Submit(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}
	if outcome == session.OutcomeInFlight {
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)
		return
	}

	response.Success(c, http.StatusOK, submitBody(outcome, result))
}

// submitBody builds the submit success payload. A saved-offline outcome
// carries the RESULT_SAVED_OFFLINE code so clients can tell the student
// their result is queued rather than delivered.
func submitBody(outcome session.SubmitOutcome, result *model.Result) gin.H {
	body := gin.H{
		"score":   result.Score,
		"passed":  result.Passed,
		"status":  string(outcome),
		"offline": outcome == session.OutcomeSavedOffline,
	}
	if outcome == session.OutcomeSavedOffline {
		body["code"] = response.ErrResultSavedOffline
		body["message"] = response.GetMessage(response.ErrResultSavedOffline)
	}
	return body
}

// GetResult godoc
// GET /api/v1/student/exams/:exam_id/result
func (h *StudentPortalHandler) GetResult(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	result, err := h.sessionService.GetResult(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": result})
}

// StartResolution godoc
// POST /api/v1/student/exams/:exam_id/resolution
func (h *StudentPortalHandler) StartResolution(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	state, err := h.sessionService.StartResolution(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

// SetResolutionAnswer godoc
// POST /api/v1/student/exams/:exam_id/resolution/answers
func (h *StudentPortalHandler) SetResolutionAnswer(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var req SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.SetResolutionAnswer(c.Request.Context(), examID, studentID, req.QuestionID, req.Answer); err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "status": "saved"})
}

// SubmitResolution godoc
// POST /api/v1/student/exams/:exam_id/resolution/submit
func (h *StudentPortalHandler) SubmitResolution(c *gin.Context) {
	studentID, ok := portalStudent(c)
	if !ok {
		return
	}
	examID, ok := examParam(c)
	if !ok {
		return
	}

	outcome, result, err := h.sessionService.SubmitResolution(c.Request.Context(), examID, studentID)
	if err != nil {
		failSession(c, err)
		return
	}
	if outcome == session.OutcomeInFlight {
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)
		return
	}

	response.Success(c, http.StatusOK, submitBody(outcome, result))
}

// FlushSync godoc
// POST /api/v1/student/sync/flush
//
// Drains the local queue of results that were graded while the endpoint
// was unreachable.
func (h *StudentPortalHandler) FlushSync(c *gin.Context) {
	if _, ok := portalStudent(c); !ok {
		return
	}

	report := h.sessionService.FlushSyncQueue(c.Request.Context())

	response.Success(c, http.StatusOK, gin.H{
		"synced":        report.Synced,
		"still_pending": report.StillPending,
	})
}
