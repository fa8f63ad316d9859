// Package grading scores an answer map against an exam's question set.
// Everything here is pure: same inputs always yield the same Score, and
// grading twice has no side effects, so the resolution flow can re-grade
// individual questions without touching anything else.
package grading

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/opencbt/examhall-backend/internal/model"
)

// Score is the outcome of grading one attempt.
type Score struct {
	PointsScored   float64 `json:"points_scored"`
	PointsPossible float64 `json:"points_possible"`
	Percent        int     `json:"percent"`
}

// Grade scores the full answer map. Theory questions are excluded from both
// PointsScored and PointsPossible; their human-assigned marks are reconciled
// out-of-band. PointsPossible is always recomputed from the question set,
// never trusted from stored exam metadata.
func Grade(questions []model.Question, answers map[string]json.RawMessage) Score {
	var scored, possible float64
	for _, q := range questions {
		earned, worth := GradeQuestion(q, answers[q.ID.String()])
		scored += earned
		possible += worth
	}
	return Score{
		PointsScored:   scored,
		PointsPossible: possible,
		Percent:        Percent(scored, possible),
	}
}

// Percent converts raw points to a rounded percentage. Zero possible points
// (an all-theory exam) is defined as zero percent, never a division by zero.
func Percent(scored, possible float64) int {
	if possible <= 0 {
		return 0
	}
	return int(math.Round(scored / possible * 100))
}

// GradeQuestion scores a single question, returning the points earned and
// the points the question is worth for automatic scoring. A theory question
// is worth zero. A missing or undecodable answer earns zero.
func GradeQuestion(q model.Question, answer json.RawMessage) (earned, worth float64) {
	if !q.Kind.Objective() {
		return 0, 0
	}
	worth = q.Points
	if len(answer) == 0 || len(q.AnswerKey) == 0 {
		return 0, worth
	}

	switch q.Kind {
	case model.KindSingleChoice, model.KindTrueFalse:
		earned = gradeOption(q, answer)
	case model.KindFillBlank:
		earned = gradeBlank(q, answer)
	case model.KindMatching:
		earned = gradeMatching(q, answer)
	case model.KindMultiPart:
		earned = gradeMultiPart(q, answer)
	}
	return earned, worth
}

// gradeOption: full points on an exact option-id match, else zero.
func gradeOption(q model.Question, answer json.RawMessage) float64 {
	var key, got model.OptionValue
	if json.Unmarshal(q.AnswerKey, &key) != nil || json.Unmarshal(answer, &got) != nil {
		return 0
	}
	if got.Option != "" && got.Option == key.Option {
		return q.Points
	}
	return 0
}

// gradeBlank: trimmed, case-insensitive equality.
func gradeBlank(q model.Question, answer json.RawMessage) float64 {
	var key, got model.TextValue
	if json.Unmarshal(q.AnswerKey, &key) != nil || json.Unmarshal(answer, &got) != nil {
		return 0
	}
	want := strings.TrimSpace(key.Text)
	have := strings.TrimSpace(got.Text)
	if want != "" && strings.EqualFold(want, have) {
		return q.Points
	}
	return 0
}

// gradeMatching: all-or-nothing — every left item must map to the key's
// right value, with no partial credit for partially correct matches.
func gradeMatching(q model.Question, answer json.RawMessage) float64 {
	var key, got model.PairsValue
	if json.Unmarshal(q.AnswerKey, &key) != nil || json.Unmarshal(answer, &got) != nil {
		return 0
	}
	if len(key.Pairs) == 0 {
		return 0
	}
	for left, right := range key.Pairs {
		if got.Pairs[left] != right {
			return 0
		}
	}
	return q.Points
}

// gradeMultiPart: the one kind with partial credit. Points split evenly
// across sub-questions; credit is matches × (points / sub-count).
func gradeMultiPart(q model.Question, answer json.RawMessage) float64 {
	var key, got model.PartsValue
	if json.Unmarshal(q.AnswerKey, &key) != nil || json.Unmarshal(answer, &got) != nil {
		return 0
	}
	if len(key.Parts) == 0 {
		return 0
	}
	perPart := q.Points / float64(len(key.Parts))
	matches := 0
	for part, want := range key.Parts {
		if got.Parts[part] == want {
			matches++
		}
	}
	return perPart * float64(matches)
}
