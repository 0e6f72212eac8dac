package redo

import (
	"slices"
	"testing"

	"github.com/chrofis/magicalstory/internal/types"
)

func feedbackWith(scores map[int]float64, issues map[int]int) types.CollectedFeedback {
	fb := types.CollectedFeedback{Pages: make(map[int]types.PageFeedback)}
	for n, s := range scores {
		pf := types.PageFeedback{PageNumber: n, QualityScore: types.Float(s)}
		for i := 0; i < issues[n]; i++ {
			pf.FixableIssues = append(pf.FixableIssues, types.Issue{Type: "detail", Severity: types.SeverityMinor})
		}
		fb.Pages[n] = pf
		fb.TotalIssues += issues[n]
	}
	return fb
}

func TestAutoIdentify_Thresholds(t *testing.T) {
	sel := Selector{Feedback: feedbackWith(
		map[int]float64{1: 80, 2: 55, 3: 90},
		map[int]int{1: 1, 2: 4, 3: 0},
	)}

	got := sel.AutoIdentify(types.NewRedoPages(), 60, 3)

	if list := got.List(); !slices.Equal(list, []int{2}) {
		t.Fatalf("List() = %v, want [2]", list)
	}
	if reason := got.Reason(2); reason != "score 55 < 60; 4 issues >= 3" {
		t.Errorf("Reason(2) = %q", reason)
	}
}

func TestAutoIdentify_Rules(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		issues int
		want   bool
	}{
		{"score below threshold", 59.5, 0, true},
		{"score at threshold", 60, 0, false},
		{"issues at threshold", 90, 3, true},
		{"issues below threshold", 90, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := Selector{Feedback: feedbackWith(map[int]float64{7: tt.score}, map[int]int{7: tt.issues})}
			got := sel.AutoIdentify(types.NewRedoPages(), 60, 3)
			if got.Contains(7) != tt.want {
				t.Errorf("Contains(7) = %v, want %v (reason %q)", got.Contains(7), tt.want, got.Reason(7))
			}
		})
	}
}

func TestAutoIdentify_NoScoreUsesIssuesOnly(t *testing.T) {
	fb := types.CollectedFeedback{Pages: map[int]types.PageFeedback{
		1: {PageNumber: 1},
		2: {PageNumber: 2, EntityIssues: make([]types.Issue, 3)},
	}}
	got := Selector{Feedback: fb}.AutoIdentify(types.NewRedoPages(), 60, 3)
	if list := got.List(); !slices.Equal(list, []int{2}) {
		t.Errorf("List() = %v, want [2]", list)
	}
}

func TestAutoIdentify_ReEvaluationOverrides(t *testing.T) {
	sel := Selector{
		Feedback: feedbackWith(map[int]float64{1: 30, 2: 90}, nil),
		ReEvaluation: map[int]types.EvaluationResult{
			1: {PageNumber: 1, Score: 85},
			2: {PageNumber: 2, Score: 45},
		},
	}
	got := sel.AutoIdentify(types.NewRedoPages(), 60, 3)
	if list := got.List(); !slices.Equal(list, []int{2}) {
		t.Errorf("List() = %v, want [2]", list)
	}
}

func TestToggle_PreservedAcrossAutoIdentify(t *testing.T) {
	sel := Selector{Feedback: feedbackWith(map[int]float64{1: 80, 2: 55, 3: 90}, nil)}

	pages := sel.AutoIdentify(types.NewRedoPages(), 60, 3)
	pages = Toggle(pages, 3)
	pages = sel.AutoIdentify(pages, 60, 3)

	if list := pages.List(); !slices.Equal(list, []int{2, 3}) {
		t.Fatalf("List() = %v, want [2 3]", list)
	}
	if reason := pages.Reason(3); reason != "manually selected" {
		t.Errorf("Reason(3) = %q, want manually selected", reason)
	}

	// Toggling an auto-selected page adds a manual mark and leaves it selected.
	pages = Toggle(pages, 2)
	if !pages.Contains(2) {
		t.Error("auto-selected page dropped by Toggle()")
	}
	pages = Toggle(pages, 2)
	pages = Toggle(pages, 3)
	if list := pages.List(); !slices.Equal(list, []int{2}) {
		t.Errorf("List() after untoggle = %v, want [2]", list)
	}

	if cleared := Clear(); len(cleared.List()) != 0 {
		t.Errorf("Clear().List() = %v, want empty", cleared.List())
	}
}

func TestToggle_DoesNotMutateInput(t *testing.T) {
	in := types.NewRedoPages()
	_ = Toggle(in, 4)
	if in.Contains(4) {
		t.Error("Toggle() mutated its input")
	}
}
