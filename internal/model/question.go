package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// QuestionKind is the tagged-union discriminator for question variants.
// Each kind carries its own answer-key and answer-payload shape; decoding
// is always switched on the kind, never probed from the payload itself.
type QuestionKind string

const (
	KindSingleChoice QuestionKind = "SINGLE_CHOICE"
	KindTrueFalse    QuestionKind = "TRUE_FALSE"
	KindFillBlank    QuestionKind = "FILL_BLANK"
	KindMatching     QuestionKind = "MATCHING"
	KindMultiPart    QuestionKind = "MULTI_PART"
	KindTheory       QuestionKind = "THEORY"
)

// Objective reports whether the kind is machine-gradable. Theory questions
// are graded by a human out-of-band and contribute zero to automatic scoring.
func (k QuestionKind) Objective() bool {
	return k != KindTheory
}

// Valid reports whether the kind is one of the known variants.
func (k QuestionKind) Valid() bool {
	switch k {
	case KindSingleChoice, KindTrueFalse, KindFillBlank, KindMatching, KindMultiPart, KindTheory:
		return true
	}
	return false
}

// Question represents a single exam question.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	ExamID   uuid.UUID    `json:"exam_id"`
	Kind     QuestionKind `json:"kind"`
	Text     string       `json:"text"`
	Points   float64      `json:"points"`
	OrderNum int          `json:"order_num"`
	// Options is the kind-specific presentation payload shown to students
	// (choice labels, blank hints, left/right matching columns, sub-parts).
	Options json.RawMessage `json:"options"`
	// AnswerKey is the kind-specific key, withheld from students:
	//   SINGLE_CHOICE / TRUE_FALSE -> OptionValue
	//   FILL_BLANK                 -> TextValue
	//   MATCHING                   -> PairsValue
	//   MULTI_PART                 -> PartsValue
	//   THEORY                     -> empty (no machine-checkable key)
	AnswerKey json.RawMessage `json:"answer_key,omitempty"`
}

// Kind-specific payload shapes.
// The same shapes are used for answer keys and for submitted answers,
// so a key and a submission for one question always decode identically.

// OptionValue is the payload for SINGLE_CHOICE and TRUE_FALSE.
type OptionValue struct {
	Option string `json:"option"`
}

// TextValue is the payload for FILL_BLANK and THEORY.
type TextValue struct {
	Text string `json:"text"`
}

// PairsValue is the payload for MATCHING: left item id -> right value.
type PairsValue struct {
	Pairs map[string]string `json:"pairs"`
}

// PartsValue is the payload for MULTI_PART: sub-question id -> answer.
type PartsValue struct {
	Parts map[string]string `json:"parts"`
}

// ErrBadAnswerKey reports an answer key that does not decode as the
// question kind's shape. Caught at authoring time; a mis-shaped key that
// reached grading would silently score the whole cohort zero.
var ErrBadAnswerKey = errors.New("answer key does not match question kind")

// ValidateKey checks the answer key against the kind's shape. Decoding is
// strict: a key carrying another kind's fields is rejected, not silently
// zero-valued.
func (q *Question) ValidateKey() error {
	if q.Kind == KindTheory {
		if keyPresent(q.AnswerKey) {
			return fmt.Errorf("%w: THEORY has no machine-checkable key", ErrBadAnswerKey)
		}
		return nil
	}
	if !keyPresent(q.AnswerKey) {
		return fmt.Errorf("%w: %s requires an answer key", ErrBadAnswerKey, q.Kind)
	}

	switch q.Kind {
	case KindSingleChoice, KindTrueFalse:
		var key OptionValue
		if err := decodeStrict(q.AnswerKey, &key); err != nil || key.Option == "" {
			return fmt.Errorf("%w: %s key must be {\"option\": <non-empty>}", ErrBadAnswerKey, q.Kind)
		}
	case KindFillBlank:
		var key TextValue
		if err := decodeStrict(q.AnswerKey, &key); err != nil || strings.TrimSpace(key.Text) == "" {
			return fmt.Errorf("%w: FILL_BLANK key must be {\"text\": <non-empty>}", ErrBadAnswerKey)
		}
	case KindMatching:
		var key PairsValue
		if err := decodeStrict(q.AnswerKey, &key); err != nil || len(key.Pairs) == 0 {
			return fmt.Errorf("%w: MATCHING key must be {\"pairs\": <non-empty map>}", ErrBadAnswerKey)
		}
	case KindMultiPart:
		var key PartsValue
		if err := decodeStrict(q.AnswerKey, &key); err != nil || len(key.Parts) == 0 {
			return fmt.Errorf("%w: MULTI_PART key must be {\"parts\": <non-empty map>}", ErrBadAnswerKey)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadAnswerKey, q.Kind)
	}
	return nil
}

func keyPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// AddQuestionRequest is the payload for adding a question to an exam.
type AddQuestionRequest struct {
	Kind      string          `json:"kind" binding:"required,oneof=SINGLE_CHOICE TRUE_FALSE FILL_BLANK MATCHING MULTI_PART THEORY"`
	Text      string          `json:"text" binding:"required,min=1,max=4000"`
	Points    float64         `json:"points" binding:"min=0"`
	OrderNum  int             `json:"order_num" binding:"min=0"`
	Options   json.RawMessage `json:"options" binding:"required"`
	AnswerKey json.RawMessage `json:"answer_key" binding:"omitempty"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing questions.
type ReplaceQuestionsRequest struct {
	Questions []AddQuestionRequest `json:"questions" binding:"dive"`
}
