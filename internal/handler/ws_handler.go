package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opencbt/examhall-backend/internal/middleware"
	"github.com/opencbt/examhall-backend/internal/service"
	"github.com/opencbt/examhall-backend/internal/session"
	ws "github.com/opencbt/examhall-backend/internal/websocket"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles WebSocket exam streaming.
type WSHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for real-time autosave, flagging and grading.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID

	// The session controller refuses operations without a live attempt, so
	// probe once before streaming to fail fast on dead connections.
	if _, err := h.sessionService.GetState(c.Request.Context(), examID, studentID); err != nil {
		ws.WriteError(conn, "no active session for this exam")
		return
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		data, err := ws.ReadRaw(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var envelope ws.RequestEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			ws.WriteError(conn, "malformed message")
			continue
		}

		switch envelope.Action {
		case ws.ActionAnswer:
			h.handleAnswer(conn, wsLog, examID, studentID, data)
		case ws.ActionFlag:
			h.handleFlag(conn, wsLog, examID, studentID, data)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, examID, studentID)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(envelope.Action)).Msg("Unknown action")
			ws.WriteError(conn, "unknown action: "+string(envelope.Action))
		}
	}
}

// handleAnswer saves a single answer into the running session.
func (h *WSHandler) handleAnswer(conn *websocket.Conn, wsLog zerolog.Logger, examID uuid.UUID, studentID int, data []byte) {
	var msg ws.AnswerRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		ws.WriteError(conn, "malformed answer message")
		return
	}
	if msg.QID == "" || len(msg.Answer) == 0 {
		ws.WriteError(conn, "q_id and ans are required")
		return
	}
	// SECURITY: Validate QID is a well-formed UUID to prevent key injection.
	if _, err := uuid.Parse(msg.QID); err != nil {
		ws.WriteError(conn, "invalid q_id format")
		return
	}

	if err := h.sessionService.SetAnswer(context.Background(), examID, studentID, msg.QID, msg.Answer); err != nil {
		h.writeDomainError(conn, wsLog, "Autosave error", err)
		return
	}

	ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, Status: "saved", QID: msg.QID})
}

// handleFlag records a student flag against a question.
func (h *WSHandler) handleFlag(conn *websocket.Conn, wsLog zerolog.Logger, examID uuid.UUID, studentID int, data []byte) {
	var msg ws.FlagRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		ws.WriteError(conn, "malformed flag message")
		return
	}
	if msg.QID == "" {
		ws.WriteError(conn, "q_id is required")
		return
	}
	if _, err := uuid.Parse(msg.QID); err != nil {
		ws.WriteError(conn, "invalid q_id format")
		return
	}

	if err := h.sessionService.RaiseFlag(context.Background(), examID, studentID, msg.QID, msg.Reason); err != nil {
		h.writeDomainError(conn, wsLog, "Flag error", err)
		return
	}

	ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, Status: "flagged", QID: msg.QID})
}

// handleSubmit finishes the attempt and returns the graded result.
func (h *WSHandler) handleSubmit(conn *websocket.Conn, wsLog zerolog.Logger, examID uuid.UUID, studentID int) {
	outcome, result, err := h.sessionService.Submit(context.Background(), examID, studentID)
	if err != nil {
		h.writeDomainError(conn, wsLog, "Submit error", err)
		return
	}
	if outcome == session.OutcomeInFlight {
		ws.WriteError(conn, "submission already in progress")
		return
	}

	wsLog.Info().
		Int("score", result.Score).
		Bool("passed", result.Passed).
		Bool("offline", outcome == session.OutcomeSavedOffline).
		Msg("Exam submitted and graded")

	ws.WriteTyped(conn, ws.GradedResponse{
		Event:   ws.EventGraded,
		Status:  "completed",
		Score:   result.Score,
		Passed:  result.Passed,
		Offline: outcome == session.OutcomeSavedOffline,
	})
}

// writeDomainError translates session errors into short client messages.
func (h *WSHandler) writeDomainError(conn *websocket.Conn, wsLog zerolog.Logger, logMsg string, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownQuestion):
		ws.WriteError(conn, "unknown question")
	case errors.Is(err, session.ErrWrongPhase):
		ws.WriteError(conn, "exam is not in progress")
	case errors.Is(err, service.ErrNoAttempt):
		ws.WriteError(conn, "no active session for this exam")
	case errors.Is(err, service.ErrAttemptCompleted):
		ws.WriteError(conn, "attempt is already completed")
	default:
		wsLog.Error().Err(err).Msg(logMsg)
		ws.WriteError(conn, "internal error")
	}
}
