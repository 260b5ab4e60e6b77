package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestItemValidate(t *testing.T) {
	tests := []struct {
		name    string
		item    Item
		wantErr error
	}{
		{
			name: "valid closed book",
			item: Item{Prompt: "Who won the 2019 Nobel Prize in Physics?", NSamples: 7, M: 6, SkeletonPolicy: PolicyClosedBook},
		},
		{
			name:    "blank prompt",
			item:    Item{Prompt: "   ", NSamples: 7, M: 6, SkeletonPolicy: PolicyAuto},
			wantErr: ErrPolicy,
		},
		{
			name:    "too many samples",
			item:    Item{Prompt: "q", NSamples: 16, M: 6, SkeletonPolicy: PolicyAuto},
			wantErr: ErrConfiguration,
		},
		{
			name:    "m below two",
			item:    Item{Prompt: "q", NSamples: 3, M: 1, SkeletonPolicy: PolicyAuto},
			wantErr: ErrPolicy,
		},
		{
			name:    "unknown policy",
			item:    Item{Prompt: "q", NSamples: 3, M: 2, SkeletonPolicy: "open_book"},
			wantErr: ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if (err != nil) != (tt.wantErr != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error %v does not wrap %v", err, tt.wantErr)
			}
		})
	}
}

func TestItemLabel(t *testing.T) {
	if got := (Item{ID: "q1", Prompt: "anything"}).Label(); got != "q1" {
		t.Errorf("Label with ID: got %q, want %q", got, "q1")
	}
	long := Item{Prompt: strings.Repeat("word ", 20)}
	if got := long.Label(); len(got) != 48 || !strings.HasSuffix(got, "...") {
		t.Errorf("Label of long prompt: got %q (len %d)", got, len(got))
	}
}

func TestMetricISRIsDerived(t *testing.T) {
	m := Metric{DeltaBar: 3, B2T: 2}
	if got := m.ISR(); got != 1.5 {
		t.Fatalf("ISR: got %v, want 1.5", got)
	}

	m.DeltaBar = 1
	if got := m.ISR(); got != 0.5 {
		t.Errorf("ISR after DeltaBar change: got %v, want 0.5", got)
	}

	if got := (Metric{DeltaBar: 1}).ISR(); got != 0 {
		t.Errorf("ISR with zero B2T: got %v, want 0", got)
	}
}

func TestMetricMarshalIncludesISR(t *testing.T) {
	data, err := json.Marshal(Metric{DeltaBar: 2.5, B2T: 1.25, RohBound: 0.02})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["isr"] != 2.0 {
		t.Errorf("isr: got %v, want 2", out["isr"])
	}
	if out["delta_bar"] != 2.5 {
		t.Errorf("delta_bar: got %v, want 2.5", out["delta_bar"])
	}
}

func TestNewEvaluation(t *testing.T) {
	item := Item{ID: "a"}
	ev := NewEvaluation(item, Metric{DecisionAnswer: true, Rationale: "ok"})
	if ev.Decision != DecisionAnswer || !ev.DecisionAnswer {
		t.Errorf("answer evaluation: got %q/%v", ev.Decision, ev.DecisionAnswer)
	}
	ev = NewEvaluation(item, Metric{})
	if ev.Decision != DecisionRefuse || ev.DecisionAnswer {
		t.Errorf("refuse evaluation: got %q/%v", ev.Decision, ev.DecisionAnswer)
	}
}

func TestSampleSetHelpers(t *testing.T) {
	set := SampleSet{
		Condition: ConditionInformed,
		Variant:   -1,
		Samples: []Sample{
			{Signal: 1, Usage: TokenUsage{InputTokens: 10, OutputTokens: 2}},
			{Signal: 0.25, Usage: TokenUsage{InputTokens: 11, OutputTokens: 3}},
		},
	}
	sig := set.Signals()
	if len(sig) != 2 || sig[0] != 1 || sig[1] != 0.25 {
		t.Errorf("Signals: got %v", sig)
	}
	u := set.Usage()
	if u.InputTokens != 21 || u.OutputTokens != 5 {
		t.Errorf("Usage: got %+v", u)
	}
}

func TestItemErrorUnwrap(t *testing.T) {
	err := &ItemError{Index: 2, ID: "x", Err: BackendError("openai", errors.New("boom"))}
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("ItemError should unwrap to ErrBackend: %v", err)
	}
	if !strings.Contains(err.Error(), "item 2 (x)") {
		t.Errorf("Error(): got %q", err.Error())
	}
	if ErrorKind(err) != "BackendError" {
		t.Errorf("ErrorKind: got %q", ErrorKind(err))
	}
}
