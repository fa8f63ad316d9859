package grading

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/opencbt/examhall-backend/internal/model"
)

func q(kind model.QuestionKind, points float64, key string) model.Question {
	question := model.Question{
		ID:     uuid.New(),
		Kind:   kind,
		Points: points,
	}
	if key != "" {
		question.AnswerKey = json.RawMessage(key)
	}
	return question
}

func answers(pairs ...any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		question := pairs[i].(model.Question)
		out[question.ID.String()] = json.RawMessage(pairs[i+1].(string))
	}
	return out
}

func TestGrade_SingleChoice(t *testing.T) {
	question := q(model.KindSingleChoice, 4, `{"option":"B"}`)

	tests := []struct {
		name   string
		answer string
		want   float64
	}{
		{name: "correct option", answer: `{"option":"B"}`, want: 4},
		{name: "wrong option", answer: `{"option":"C"}`, want: 0},
		{name: "empty option", answer: `{"option":""}`, want: 0},
		{name: "malformed payload", answer: `{"option":`, want: 0},
		{name: "unanswered", answer: "", want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var am map[string]json.RawMessage
			if tc.answer != "" {
				am = answers(question, tc.answer)
			}
			got := Grade([]model.Question{question}, am)
			if got.PointsScored != tc.want {
				t.Errorf("scored %v, want %v", got.PointsScored, tc.want)
			}
			if got.PointsPossible != 4 {
				t.Errorf("possible %v, want 4", got.PointsPossible)
			}
		})
	}
}

func TestGrade_TrueFalse(t *testing.T) {
	question := q(model.KindTrueFalse, 1, `{"option":"true"}`)

	got := Grade([]model.Question{question}, answers(question, `{"option":"true"}`))
	if got.PointsScored != 1 || got.Percent != 100 {
		t.Errorf("got %+v, want full credit", got)
	}

	got = Grade([]model.Question{question}, answers(question, `{"option":"false"}`))
	if got.PointsScored != 0 {
		t.Errorf("wrong answer scored %v", got.PointsScored)
	}
}

func TestGrade_FillBlank_TrimmedCaseInsensitive(t *testing.T) {
	question := q(model.KindFillBlank, 2, `{"text":"Mitochondria"}`)

	tests := []struct {
		name   string
		answer string
		want   float64
	}{
		{name: "exact", answer: `{"text":"Mitochondria"}`, want: 2},
		{name: "different case", answer: `{"text":"mitochondria"}`, want: 2},
		{name: "surrounding whitespace", answer: `{"text":"  MITOCHONDRIA  "}`, want: 2},
		{name: "wrong text", answer: `{"text":"ribosome"}`, want: 0},
		{name: "empty", answer: `{"text":""}`, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Grade([]model.Question{question}, answers(question, tc.answer))
			if got.PointsScored != tc.want {
				t.Errorf("scored %v, want %v", got.PointsScored, tc.want)
			}
		})
	}
}

func TestGrade_Matching_AllOrNothing(t *testing.T) {
	question := q(model.KindMatching, 3, `{"pairs":{"l1":"r1","l2":"r2","l3":"r3"}}`)

	allCorrect := `{"pairs":{"l1":"r1","l2":"r2","l3":"r3"}}`
	got := Grade([]model.Question{question}, answers(question, allCorrect))
	if got.PointsScored != 3 {
		t.Errorf("all-correct scored %v, want 3", got.PointsScored)
	}

	oneWrong := `{"pairs":{"l1":"r1","l2":"r3","l3":"r3"}}`
	got = Grade([]model.Question{question}, answers(question, oneWrong))
	if got.PointsScored != 0 {
		t.Errorf("one mismatched pair scored %v, want 0 (all-or-nothing)", got.PointsScored)
	}
}

func TestGrade_MultiPart_LinearPartialCredit(t *testing.T) {
	question := q(model.KindMultiPart, 4, `{"parts":{"p1":"A","p2":"B","p3":"C","p4":"D"}}`)

	// 2 of 4 correct sub-answers on a 4-point question yields 2.0 points.
	half := `{"parts":{"p1":"A","p2":"B","p3":"X","p4":"X"}}`
	got := Grade([]model.Question{question}, answers(question, half))
	if got.PointsScored != 2.0 {
		t.Errorf("2/4 sub-answers scored %v, want 2.0", got.PointsScored)
	}

	all := `{"parts":{"p1":"A","p2":"B","p3":"C","p4":"D"}}`
	got = Grade([]model.Question{question}, answers(question, all))
	if got.PointsScored != 4.0 {
		t.Errorf("4/4 sub-answers scored %v, want 4.0", got.PointsScored)
	}
}

func TestGrade_TheoryOnlyExam_NoDivisionByZero(t *testing.T) {
	theory1 := q(model.KindTheory, 0, "")
	theory2 := q(model.KindTheory, 0, "")

	got := Grade([]model.Question{theory1, theory2}, answers(theory1, `{"text":"a long essay"}`))

	if got.PointsPossible != 0 {
		t.Errorf("theory-only exam possible = %v, want 0", got.PointsPossible)
	}
	if got.Percent != 0 {
		t.Errorf("theory-only exam percent = %v, want 0", got.Percent)
	}
}

func TestGrade_TheoryExcludedFromTotals(t *testing.T) {
	objective := q(model.KindSingleChoice, 5, `{"option":"A"}`)
	theory := q(model.KindTheory, 0, "")

	got := Grade([]model.Question{objective, theory}, answers(objective, `{"option":"A"}`, theory, `{"text":"essay"}`))

	if got.PointsPossible != 5 {
		t.Errorf("possible %v, want 5 (theory excluded)", got.PointsPossible)
	}
	if got.Percent != 100 {
		t.Errorf("percent %v, want 100", got.Percent)
	}
}

func TestGrade_Idempotent(t *testing.T) {
	qs := []model.Question{
		q(model.KindSingleChoice, 2, `{"option":"A"}`),
		q(model.KindMultiPart, 4, `{"parts":{"p1":"A","p2":"B"}}`),
	}
	am := answers(qs[0], `{"option":"A"}`, qs[1], `{"parts":{"p1":"A","p2":"X"}}`)

	first := Grade(qs, am)
	second := Grade(qs, am)
	if first != second {
		t.Errorf("grading twice differed: %+v vs %+v", first, second)
	}
}

func TestPercent_Rounding(t *testing.T) {
	tests := []struct {
		scored, possible float64
		want             int
	}{
		{scored: 1, possible: 3, want: 33},
		{scored: 2, possible: 3, want: 67},
		{scored: 0, possible: 0, want: 0},
		{scored: 5, possible: 5, want: 100},
	}
	for _, tc := range tests {
		if got := Percent(tc.scored, tc.possible); got != tc.want {
			t.Errorf("Percent(%v, %v) = %d, want %d", tc.scored, tc.possible, got, tc.want)
		}
	}
}
