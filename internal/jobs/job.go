// Package jobs records workflow runs in DefraDB so operators have an audit
// trail of every stage and full-workflow run.
package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Collection is the DefraDB collection holding run records.
const Collection = "WorkflowRun"

// Run types.
const (
	TypeStage        = "stage"
	TypeFullWorkflow = "full_workflow"
)

// Status represents the current state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that end a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record represents a run record stored in DefraDB.
// This maps to the WorkflowRun schema.
type Record struct {
	ID          string         `json:"_docID,omitempty"`
	RunType     string         `json:"run_type"`
	StoryID     string         `json:"story_id"`
	Step        string         `json:"step,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewRecord creates a running record for submission.
func NewRecord(runType, storyID, step string, metadata map[string]any) *Record {
	return &Record{
		RunType:   runType,
		StoryID:   storyID,
		Step:      step,
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Recorder is what the workflow needs to keep run records.
type Recorder interface {
	Start(ctx context.Context, runType, storyID, step string, metadata map[string]any) (string, error)
	Finish(ctx context.Context, runID string, status Status, errMsg string, metadata map[string]any) error
}
