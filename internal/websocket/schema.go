package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionFlag   Action = "flag"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest is sent by the client to save a single answer. The answer
// payload shape depends on the question's kind and is passed through opaque.
type AnswerRequest struct {
	Action Action          `json:"action"`
	QID    string          `json:"q_id"`
	Answer json.RawMessage `json:"ans"`
}

// FlagRequest is sent by the client to flag a question for review.
type FlagRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Reason string `json:"reason,omitempty"`
}

// SubmitRequest is sent by the client to finish and grade the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

type SavedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
	QID    string `json:"q_id,omitempty"`
}

type GradedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
	Score  int    `json:"score"`
	Passed bool   `json:"passed"`
	// Offline is true when the result endpoint was unreachable and the
	// result is waiting in the sync queue. Still a successful submission.
	Offline bool `json:"offline,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
