package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		kind    QuestionKind
		key     string
		wantErr bool
	}{
		{name: "single choice ok", kind: KindSingleChoice, key: `{"option":"B"}`},
		{name: "single choice empty option", kind: KindSingleChoice, key: `{"option":""}`, wantErr: true},
		{name: "single choice matching-shaped key", kind: KindSingleChoice, key: `{"pairs":{"a":"b"}}`, wantErr: true},
		{name: "single choice missing key", kind: KindSingleChoice, key: "", wantErr: true},
		{name: "single choice null key", kind: KindSingleChoice, key: "null", wantErr: true},
		{name: "true false ok", kind: KindTrueFalse, key: `{"option":"true"}`},
		{name: "fill blank ok", kind: KindFillBlank, key: `{"text":"mitochondria"}`},
		{name: "fill blank whitespace only", kind: KindFillBlank, key: `{"text":"   "}`, wantErr: true},
		{name: "fill blank option-shaped key", kind: KindFillBlank, key: `{"option":"a"}`, wantErr: true},
		{name: "matching ok", kind: KindMatching, key: `{"pairs":{"a":"x","b":"y"}}`},
		{name: "matching empty pairs", kind: KindMatching, key: `{"pairs":{}}`, wantErr: true},
		{name: "matching text-shaped key", kind: KindMatching, key: `{"text":"x"}`, wantErr: true},
		{name: "multi part ok", kind: KindMultiPart, key: `{"parts":{"1":"a"}}`},
		{name: "multi part empty parts", kind: KindMultiPart, key: `{"parts":{}}`, wantErr: true},
		{name: "theory without key", kind: KindTheory, key: ""},
		{name: "theory null key", kind: KindTheory, key: "null"},
		{name: "theory with key", kind: KindTheory, key: `{"text":"essay"}`, wantErr: true},
		{name: "unknown kind", kind: QuestionKind("ESSAY"), key: `{"text":"x"}`, wantErr: true},
		{name: "malformed json", kind: KindSingleChoice, key: `{"option":`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			question := Question{Kind: tc.kind}
			if tc.key != "" {
				question.AnswerKey = json.RawMessage(tc.key)
			}
			err := question.ValidateKey()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				if !errors.Is(err, ErrBadAnswerKey) {
					t.Fatalf("error %v does not wrap ErrBadAnswerKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
