// Package types provides shared types used across the repair workflow.
// This package has no dependencies on other magicalstory packages to avoid import cycles.
package types

import "fmt"

// Step names one phase of the repair workflow.
type Step string

const (
	StepIdle              Step = "idle"
	StepCollectFeedback   Step = "collect-feedback"
	StepIdentifyRedoPages Step = "identify-redo-pages"
	StepRedoPages         Step = "redo-pages"
	StepReEvaluate        Step = "re-evaluate"
	StepConsistencyCheck  Step = "consistency-check"
	StepCharacterRepair   Step = "character-repair"
	StepArtifactRepair    Step = "artifact-repair"
	StepCoverRepair       Step = "cover-repair"
)

// Steps lists every step in workflow order. The position of a step is its
// displayed step number.
var Steps = []Step{
	StepIdle,
	StepCollectFeedback,
	StepIdentifyRedoPages,
	StepRedoPages,
	StepReEvaluate,
	StepConsistencyCheck,
	StepCharacterRepair,
	StepArtifactRepair,
	StepCoverRepair,
}

// RepairSteps returns the eight runnable stages (everything after idle).
func RepairSteps() []Step {
	out := make([]Step, len(Steps)-1)
	copy(out, Steps[1:])
	return out
}

// Index returns the step's position, or -1 for unknown steps.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// Previous returns the direct predecessor of a runnable stage.
// The first stage and idle have no predecessor that gates them.
func (s Step) Previous() (Step, bool) {
	i := s.Index()
	if i <= 1 {
		return "", false
	}
	return Steps[i-1], true
}

// Runnable reports whether the step is one of the eight repair stages.
func (s Step) Runnable() bool {
	return s.Index() >= 1
}

// ParseStep converts a string to a Step.
func ParseStep(s string) (Step, error) {
	step := Step(s)
	if step.Index() < 0 {
		return "", fmt.Errorf("unknown step %q", s)
	}
	return step, nil
}

// Status is the status of one step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for completed, skipped and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// Satisfies returns true if a stage in this status lets its successor complete.
func (s Status) Satisfies() bool {
	return s == StatusCompleted || s == StatusSkipped
}
