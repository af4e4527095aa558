package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/logflow/logstream/internal/model"
	lserrors "github.com/logflow/logstream/pkg/errors"
)

func TestErrorPolicy_String(t *testing.T) {
	tests := []struct {
		policy   ErrorPolicy
		expected string
	}{
		{PolicyResilient, "resilient"},
		{PolicyStrict, "strict"},
		{ErrorPolicy(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.policy.String()
		if got != tt.expected {
			t.Errorf("ErrorPolicy(%d).String() = %q, want %q", tt.policy, got, tt.expected)
		}
	}
}

func TestParseErrorPolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected ErrorPolicy
		wantErr  bool
	}{
		{"strict", PolicyStrict, false},
		{"resilient", PolicyResilient, false},
		{"skip", PolicyResilient, false},
		{"", PolicyResilient, false},
		{"quarantine", PolicyResilient, true},
	}

	for _, tt := range tests {
		got, err := ParseErrorPolicy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseErrorPolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseErrorPolicy(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func stageErr(code lserrors.Code) error {
	return lserrors.Wrap(errors.New("boom"), code, "stage failed")
}

func TestErrorHandler_Strict(t *testing.T) {
	handler := NewErrorHandler(PolicyStrict)
	e := model.NewEvent()
	e.Source, e.Line = "app.log", 4

	err := handler.HandleError(stageErr(lserrors.CodeStageExec), e)
	if err == nil {
		t.Fatal("Expected abort error for strict policy")
	}

	stats := handler.Stats()
	if stats.Count != 1 {
		t.Errorf("Expected Count=1, got %d", stats.Count)
	}
	if got := handler.Errors()[0].Position(); got != "app.log:4" {
		t.Errorf("Expected position app.log:4, got %s", got)
	}
}

func TestErrorHandler_Resilient(t *testing.T) {
	handler := NewErrorHandler(PolicyResilient)

	var seen []string
	handler.WithOnError(func(rec ErrorRecord) {
		seen = append(seen, rec.Kind)
	})

	for _, code := range []lserrors.Code{lserrors.CodeStageExec, lserrors.CodeStageFilter, lserrors.CodeParse, lserrors.CodeStageExec} {
		if err := handler.HandleError(stageErr(code), model.NewEvent()); err != nil {
			t.Fatalf("Expected no abort for resilient policy, got: %v", err)
		}
	}

	stats := handler.Stats()
	if stats.Count != 4 {
		t.Errorf("Expected Count=4, got %d", stats.Count)
	}
	if stats.ByKind[lserrors.KindExec] != 2 || stats.ByKind[lserrors.KindFilter] != 1 || stats.ByKind[lserrors.KindParse] != 1 {
		t.Errorf("Unexpected breakdown: %v", stats.ByKind)
	}
	if len(seen) != 4 {
		t.Errorf("Expected 4 callbacks, got %d", len(seen))
	}

	handler.Reset()
	if handler.Stats().Count != 0 {
		t.Error("Expected Reset to clear counts")
	}
}

func TestErrorHandler_FatalAlwaysAborts(t *testing.T) {
	handler := NewErrorHandler(PolicyResilient)
	if err := handler.HandleError(lserrors.Config("bad"), nil); err == nil {
		t.Error("Expected configuration errors to abort under resilient policy")
	}
}

func TestErrorHandler_MaxErrors(t *testing.T) {
	handler := NewErrorHandler(PolicyResilient).WithMaxErrors(3)

	for i := 0; i < 2; i++ {
		if err := handler.HandleError(stageErr(lserrors.CodeStageExec), model.NewEvent()); err != nil {
			t.Fatalf("Unexpected abort at error %d: %v", i+1, err)
		}
	}
	if err := handler.HandleError(stageErr(lserrors.CodeStageExec), model.NewEvent()); err == nil {
		t.Error("Expected abort once max errors is reached")
	}
}

func TestErrorHandler_DeadLetter(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDeadLetterWriter(&buf)
	handler := NewErrorHandler(PolicyResilient).WithDeadLetter(dl)

	e := model.NewEventFromMap(map[string]interface{}{"user": "a"})
	e.Source, e.Line, e.Seq, e.Raw = "in.jsonl", 9, 12, `{"user":"a"}`
	if err := handler.HandleError(stageErr(lserrors.CodeStageFilter), e); err != nil {
		t.Fatal(err)
	}

	var rec DeadLetterRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("dead letter output is not JSON: %v", err)
	}
	if rec.Seq != 12 || rec.Line != 9 || rec.Kind != lserrors.KindFilter {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.Fields["user"] != "a" {
		t.Errorf("Expected fields to be kept, got %v", rec.Fields)
	}
	if !strings.Contains(rec.Error, "boom") {
		t.Errorf("Expected cause in error message, got %q", rec.Error)
	}
	if dl.Count() != 1 {
		t.Errorf("Expected Count=1, got %d", dl.Count())
	}

	if err := dl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dl.Write(ErrorRecord{}, nil); err == nil {
		t.Error("Expected write after close to fail")
	}
}

func TestErrorHandler_Discount(t *testing.T) {
	handler := NewErrorHandler(PolicyResilient)
	for _, code := range []lserrors.Code{lserrors.CodeStageExec, lserrors.CodeStageExec, lserrors.CodeTimestamp} {
		if err := handler.HandleError(stageErr(code), nil); err != nil {
			t.Fatalf("Expected resilient policy to continue, got %v", err)
		}
	}

	handler.Discount(map[string]int64{lserrors.KindExec: 1, lserrors.KindTimestamp: 1})
	handler.Discount(nil)

	stats := handler.Stats()
	if stats.Count != 1 {
		t.Errorf("Expected Count=1, got %d", stats.Count)
	}
	if len(stats.ByKind) != 1 || stats.ByKind[lserrors.KindExec] != 1 {
		t.Errorf("Expected ByKind={exec:1}, got %v", stats.ByKind)
	}
}
