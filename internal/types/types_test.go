package types

import (
	"slices"
	"testing"
)

func TestStepOrder(t *testing.T) {
	if got := StepCoverRepair.Index(); got != 8 {
		t.Errorf("StepCoverRepair.Index() = %d, want 8", got)
	}
	if _, ok := StepCollectFeedback.Previous(); ok {
		t.Error("collect-feedback should have no gating predecessor")
	}
	prev, ok := StepCharacterRepair.Previous()
	if !ok || prev != StepConsistencyCheck {
		t.Errorf("StepCharacterRepair.Previous() = %q, %v, want %q", prev, ok, StepConsistencyCheck)
	}
	if _, err := ParseStep("bogus"); err == nil {
		t.Error("ParseStep(bogus) expected error")
	}
	if got := len(RepairSteps()); got != 8 {
		t.Errorf("len(RepairSteps()) = %d, want 8", got)
	}
}

func TestPageFeedback_TotalIssues(t *testing.T) {
	pf := PageFeedback{
		FixableIssues:  []Issue{{Type: "hands"}},
		EntityIssues:   []Issue{{Type: "hair"}, {Type: "eyes"}},
		SemanticIssues: []Issue{{Type: "missing dog"}},
	}
	if got := pf.TotalIssues(); got != 4 {
		t.Errorf("TotalIssues() = %d, want 4", got)
	}
	if got := len(pf.AllIssues()); got != pf.TotalIssues() {
		t.Errorf("len(AllIssues()) = %d, want %d", got, pf.TotalIssues())
	}
}

func TestRedoPages(t *testing.T) {
	r := NewRedoPages()
	r.Auto[4] = "quality score 40 < 60"
	r.Manual[2] = true
	r.Manual[4] = true

	if got := r.List(); !slices.Equal(got, []int{2, 4}) {
		t.Errorf("List() = %v, want [2 4]", got)
	}
	if got := r.Reason(4); got != "quality score 40 < 60; manually selected" {
		t.Errorf("Reason(4) = %q", got)
	}
	if r.Contains(3) {
		t.Error("Contains(3) = true, want false")
	}
}

func TestConsistencyReport_PagesWithSevereIssues(t *testing.T) {
	r := &ConsistencyReport{Characters: []CharacterConsistency{
		{
			Character: "Mia",
			Issues:    []ConsistencyIssue{{Severity: SeverityMinor, PagesToFix: []int{9}}},
			Variants: []VariantConsistency{
				{Variant: "raincoat", Issues: []ConsistencyIssue{{Severity: SeverityCritical, PagesToFix: []int{5, 3}}}},
				{Variant: "pyjamas", Issues: []ConsistencyIssue{{Severity: SeverityMajor, PagesToFix: []int{3, 7}}}},
			},
		},
		{Character: "Leo", Issues: []ConsistencyIssue{{Severity: SeverityCritical, PagesToFix: []int{1}}}},
	}}

	if got := r.PagesWithSevereIssues("mia"); !slices.Equal(got, []int{3, 5, 7}) {
		t.Errorf("PagesWithSevereIssues(mia) = %v, want [3 5 7]", got)
	}
	var nilReport *ConsistencyReport
	if got := nilReport.PagesWithSevereIssues("Mia"); len(got) != 0 {
		t.Errorf("nil report returned %v", got)
	}
}

func TestWorkflowState_Clone(t *testing.T) {
	s := NewWorkflowState()
	s.CollectedFeedback.Pages[1] = PageFeedback{PageNumber: 1, FixableIssues: []Issue{{Type: "a"}}}
	s.RedoPages.Manual[1] = true

	c := s.Clone()
	c.StepStatus[StepRedoPages] = StatusCompleted
	c.RedoPages.Manual[2] = true
	pf := c.CollectedFeedback.Pages[1]
	pf.FixableIssues[0].Type = "changed"

	if s.StepStatus[StepRedoPages] != StatusPending {
		t.Error("clone shares StepStatus with original")
	}
	if s.RedoPages.Manual[2] {
		t.Error("clone shares RedoPages with original")
	}
	if s.CollectedFeedback.Pages[1].FixableIssues[0].Type != "a" {
		t.Error("clone shares issue slices with original")
	}
}

func TestWorseVerdict(t *testing.T) {
	tests := []struct {
		a, b, want Verdict
	}{
		{VerdictPass, VerdictFail, VerdictFail},
		{VerdictSoftFail, VerdictPass, VerdictSoftFail},
		{"", VerdictPass, VerdictPass},
		{VerdictFail, "", VerdictFail},
	}
	for _, tt := range tests {
		if got := WorseVerdict(tt.a, tt.b); got != tt.want {
			t.Errorf("WorseVerdict(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRedoResults_Merge(t *testing.T) {
	earlier := RedoResults{
		PagesCompleted: []RedoResult{{PageNumber: 2, Version: 1}, {PageNumber: 5, Version: 1}},
		PagesFailed:    []UnitFailure{PageFailure(7, "no image")},
	}
	later := RedoResults{
		PagesCompleted: []RedoResult{{PageNumber: 7, Version: 2}, {PageNumber: 1, Version: 1}},
		PagesFailed:    []UnitFailure{PageFailure(5, "timeout")},
	}

	got := earlier.Merge(later)
	var pages []int
	for _, p := range got.PagesCompleted {
		pages = append(pages, p.PageNumber)
	}
	if want := []int{1, 2, 7}; !slices.Equal(pages, want) {
		t.Errorf("Merge() completed pages = %v, want %v", pages, want)
	}
	if len(got.PagesFailed) != 1 || got.PagesFailed[0].ID != "5" {
		t.Errorf("Merge() failed = %v, want only page 5", got.PagesFailed)
	}
	if len(earlier.PagesCompleted) != 2 {
		t.Errorf("Merge() modified the receiver: %v", earlier.PagesCompleted)
	}
}
