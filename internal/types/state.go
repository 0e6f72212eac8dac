package types

import (
	"maps"
	"slices"
)

// WorkflowState is the canonical state of one story's repair workflow.
// Recorded results are treated as immutable; Clone copies containers only.
type WorkflowState struct {
	StepStatus             map[Step]Status                  `json:"step_status"`
	StageErrors            map[Step]string                  `json:"stage_errors,omitempty"`
	StageNotes             map[Step]string                  `json:"stage_notes,omitempty"` // why a step was skipped
	CollectedFeedback      CollectedFeedback                `json:"collected_feedback"`
	RedoPages              RedoPages                        `json:"redo_pages"`
	RedoResults            RedoResults                      `json:"redo_results"`
	ReEvaluationResults    map[int]EvaluationResult         `json:"re_evaluation_results"`
	ConsistencyResults     *ConsistencyReport               `json:"consistency_results,omitempty"`
	CharacterRepairResults map[string]CharacterRepairResult `json:"character_repair_results"`
	ArtifactRepairResults  *ArtifactRepairResult            `json:"artifact_repair_results,omitempty"`
	CoverRepairResults     map[CoverType]CoverResult        `json:"cover_repair_results"`
}

// NewWorkflowState returns the initial state: every step pending, everything empty.
func NewWorkflowState() WorkflowState {
	status := make(map[Step]Status, len(Steps))
	for _, s := range Steps {
		status[s] = StatusPending
	}
	return WorkflowState{
		StepStatus:             status,
		StageErrors:            make(map[Step]string),
		StageNotes:             make(map[Step]string),
		CollectedFeedback:      CollectedFeedback{Pages: make(map[int]PageFeedback)},
		RedoPages:              NewRedoPages(),
		ReEvaluationResults:    make(map[int]EvaluationResult),
		CharacterRepairResults: make(map[string]CharacterRepairResult),
		CoverRepairResults:     make(map[CoverType]CoverResult),
	}
}

// Clone returns a copy that shares no mutable containers with s.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.StepStatus = maps.Clone(s.StepStatus)
	out.StageErrors = maps.Clone(s.StageErrors)
	out.StageNotes = maps.Clone(s.StageNotes)
	out.CollectedFeedback = s.CollectedFeedback.Clone()
	out.RedoPages = s.RedoPages.Clone()
	out.RedoResults = RedoResults{
		PagesCompleted: slices.Clone(s.RedoResults.PagesCompleted),
		PagesFailed:    slices.Clone(s.RedoResults.PagesFailed),
	}
	out.ReEvaluationResults = maps.Clone(s.ReEvaluationResults)
	out.ConsistencyResults = s.ConsistencyResults.Clone()
	out.CharacterRepairResults = make(map[string]CharacterRepairResult, len(s.CharacterRepairResults))
	for name, r := range s.CharacterRepairResults {
		r.PagesCompleted = slices.Clone(r.PagesCompleted)
		r.PagesFailed = slices.Clone(r.PagesFailed)
		out.CharacterRepairResults[name] = r
	}
	if s.ArtifactRepairResults != nil {
		a := *s.ArtifactRepairResults
		a.Pages = slices.Clone(a.Pages)
		a.Failures = slices.Clone(a.Failures)
		out.ArtifactRepairResults = &a
	}
	out.CoverRepairResults = maps.Clone(s.CoverRepairResults)
	return out
}

// UnitProgress reports progress through the units of a stage.
type UnitProgress struct {
	Current      int       `json:"current"`
	Total        int       `json:"total"`
	CurrentPage  int       `json:"current_page,omitempty"`
	CurrentCover CoverType `json:"current_cover,omitempty"`
}

// Progress holds the counters exposed for the redo and cover stages.
type Progress struct {
	Redo  UnitProgress `json:"redo"`
	Cover UnitProgress `json:"cover"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
