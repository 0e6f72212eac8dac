// Package workflow sequences the repair stages of one story. An Orchestrator
// owns the story's WorkflowState, runs one stage (or the full chain) at a time
// and merges each stage's results back into the state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/stages/artifact"
	"github.com/chrofis/magicalstory/internal/stages/charrepair"
	"github.com/chrofis/magicalstory/internal/stages/consistency"
	"github.com/chrofis/magicalstory/internal/stages/cover"
	"github.com/chrofis/magicalstory/internal/stages/evaluate"
	"github.com/chrofis/magicalstory/internal/stages/redo"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// Config holds the defaults a run falls back to when its input leaves a field unset.
type Config struct {
	ScoreThreshold float64
	IssueThreshold int
	MaxRetries     int
	AcceptScore    float64
	MinScore       float64
	RedoMode       regen.Mode
	RepairBackend  types.RepairBackend
}

// DefaultConfig returns the workflow defaults.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 60,
		IssueThreshold: 3,
		MaxRetries:     regen.DefaultMaxRetries,
		AcceptScore:    regen.DefaultAcceptScore,
		MinScore:       regen.DefaultMinScore,
		RedoMode:       regen.ModeReference,
		RepairBackend:  types.BackendGemini,
	}
}

// Stages are the components the orchestrator drives. A nil component makes
// its stage fail when run.
type Stages struct {
	Regen       *regen.Regenerator
	Evaluator   *evaluate.Evaluator
	Consistency *consistency.Checker
	Characters  *charrepair.Repairer
	Artifacts   *artifact.Repairer
	Covers      *cover.Regenerator
}

// Deps are shared by every orchestrator a Manager creates.
type Deps struct {
	Store    story.Store
	Stages   Stages
	Config   Config
	Recorder jobs.Recorder       // optional
	Metrics  *metrics.Prometheus // optional
	Logger   *slog.Logger
}

// StageInput parameterizes a single stage run. Zero fields use the configured
// defaults; empty target lists fall back to automatic selection.
type StageInput struct {
	ScoreThreshold float64             `json:"score_threshold,omitempty"`
	IssueThreshold int                 `json:"issue_threshold,omitempty"`
	MaxRetries     int                 `json:"max_retries,omitempty"`
	Mode           regen.Mode          `json:"mode,omitempty"`
	Pages          []int               `json:"pages,omitempty"`
	Characters     []string            `json:"characters,omitempty"`
	Backend        types.RepairBackend `json:"backend,omitempty"`
	CoverTypes     []types.CoverType   `json:"cover_types,omitempty"`
}

// StageResult summarizes one stage run.
type StageResult struct {
	Step     types.Step          `json:"step"`
	Status   types.Status        `json:"status"`
	Total    int                 `json:"total"`
	Done     int                 `json:"done"`
	Failures []types.UnitFailure `json:"failures,omitempty"`
	Note     string              `json:"note,omitempty"`
	Error    string              `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Snapshot is a consistent view of the orchestrator for callers.
type Snapshot struct {
	StoryID   string              `json:"story_id"`
	State     types.WorkflowState `json:"state"`
	IsRunning bool                `json:"is_running"`
	IsAborted bool                `json:"is_aborted"`
	Current   types.Step          `json:"current_step"`
	Progress  types.Progress      `json:"progress"`
}

// Orchestrator runs the repair workflow of one story. At most one stage or
// full run is active at a time; concurrent requests get ErrAlreadyRunning.
type Orchestrator struct {
	storyID  string
	store    story.Store
	stages   Stages
	cfg      Config
	recorder jobs.Recorder
	prom     *metrics.Prometheus
	logger   *slog.Logger

	mu       sync.Mutex
	state    types.WorkflowState
	running  bool
	closed   bool
	current  types.Step
	token    *cancel.Token
	progress types.Progress
}

// New creates an orchestrator for storyID with every step pending.
func New(storyID string, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = def.ScoreThreshold
	}
	if cfg.IssueThreshold <= 0 {
		cfg.IssueThreshold = def.IssueThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.AcceptScore <= 0 {
		cfg.AcceptScore = def.AcceptScore
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.RedoMode == "" {
		cfg.RedoMode = def.RedoMode
	}
	if cfg.RepairBackend == "" {
		cfg.RepairBackend = def.RepairBackend
	}
	return &Orchestrator{
		storyID:  storyID,
		store:    deps.Store,
		stages:   deps.Stages,
		cfg:      cfg,
		recorder: deps.Recorder,
		prom:     deps.Metrics,
		logger:   logger.With("story_id", storyID),
		state:    types.NewWorkflowState(),
		current:  types.StepIdle,
	}
}

// StoryID returns the story this orchestrator repairs.
func (o *Orchestrator) StoryID() string {
	return o.storyID
}

// RunStage runs one stage synchronously. Input errors return ErrValidation
// and a busy workflow returns ErrAlreadyRunning; in both cases the state is
// unchanged. Stage failures are reported in the result, not as an error.
func (o *Orchestrator) RunStage(ctx context.Context, step types.Step, in StageInput) (*StageResult, error) {
	p, token, err := o.beginStage(step, in)
	if err != nil {
		return nil, err
	}
	defer o.release()
	return o.runPlanned(ctx, token, p, nil), nil
}

// StartStage validates and claims the workflow like RunStage, then runs the
// stage in the background. ctx must outlive the caller's request.
func (o *Orchestrator) StartStage(ctx context.Context, step types.Step, in StageInput) error {
	p, token, err := o.beginStage(step, in)
	if err != nil {
		return err
	}
	go func() {
		defer o.release()
		o.runPlanned(ctx, token, p, nil)
	}()
	return nil
}

func (o *Orchestrator) beginStage(step types.Step, in StageInput) (*plan, *cancel.Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.claimable(); err != nil {
		return nil, nil, err
	}
	p, err := o.planStage(step, in)
	if errors.Is(err, errNothingToDo) {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrValidation, step, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return p, o.acquire(), nil
}

// claimable must be called with o.mu held.
func (o *Orchestrator) claimable() error {
	switch {
	case o.closed:
		return ErrDiscarded
	case o.running:
		return ErrAlreadyRunning
	}
	return nil
}

// retire closes the orchestrator so no further run can start on it. A
// running orchestrator cannot be closed.
func (o *Orchestrator) retire() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	o.closed = true
	return nil
}

// acquire must be called with o.mu held.
func (o *Orchestrator) acquire() *cancel.Token {
	o.running = true
	o.token = cancel.New()
	o.progress = types.Progress{}
	return o.token
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.current = types.StepIdle
}

// Abort asks the active run to stop before its next unit. The unit in flight
// finishes and completed work is kept. Returns false if nothing is running.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.token.Abort()
	o.logger.Info("workflow abort requested", "step", o.current)
	return true
}

// Reset clears all results and sets every step back to pending.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	o.state = types.NewWorkflowState()
	o.progress = types.Progress{}
	o.token = nil
	o.logger.Info("workflow reset")
	return nil
}

// State returns a deep copy of the workflow state.
func (o *Orchestrator) State() types.WorkflowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// IsRunning reports whether a stage or full run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// IsAborted reports whether the current or most recent run was aborted.
func (o *Orchestrator) IsAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.token.Aborted()
}

// Progress returns the redo and cover counters of the current run.
func (o *Orchestrator) Progress() types.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Snapshot returns state, run flags and progress taken under one lock.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		StoryID:   o.storyID,
		State:     o.state.Clone(),
		IsRunning: o.running,
		IsAborted: o.token.Aborted(),
		Current:   o.current,
		Progress:  o.progress,
	}
}

// ToggleRedoPage flips the manual redo mark of a page.
func (o *Orchestrator) ToggleRedoPage(page int) (types.RedoPages, error) {
	if page < 1 {
		return types.RedoPages{}, fmt.Errorf("%w: page %d", ErrValidation, page)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return types.RedoPages{}, ErrRunning
	}
	o.state.RedoPages = redo.Toggle(o.state.RedoPages, page)
	return o.state.RedoPages.Clone(), nil
}

// ClearRedoPages empties the redo set.
func (o *Orchestrator) ClearRedoPages() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	o.state.RedoPages = redo.Clear()
	return nil
}

// PagesWithSevereIssuesForCharacter returns the pages the consistency check
// wants fixed for name. It is empty until consistency-check has completed.
func (o *Orchestrator) PagesWithSevereIssuesForCharacter(name string) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.severePages(name)
}

// severePages must be called with o.mu held.
func (o *Orchestrator) severePages(name string) []int {
	if o.state.StepStatus[types.StepConsistencyCheck] != types.StatusCompleted {
		return nil
	}
	return o.state.ConsistencyResults.PagesWithSevereIssues(name)
}

func (o *Orchestrator) setProgress(update func(*types.Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	update(&o.progress)
}

// runPlanned moves the step to in-progress, executes it without holding the
// lock and merges the outcome.
func (o *Orchestrator) runPlanned(ctx context.Context, token *cancel.Token, p *plan, notify func(types.Step, string)) *StageResult {
	start := time.Now()

	o.mu.Lock()
	o.startStep(p.step)
	o.mu.Unlock()

	runID := o.recordStart(ctx, jobs.TypeStage, p.step, map[string]any{"input": p.in})
	sctx := metrics.WithAttribution(ctx, metrics.RecordOpts{RunID: runID, StoryID: o.storyID, Stage: string(p.step)})
	o.logger.Info("stage started", "step", p.step, "run_id", runID)
	if notify != nil {
		notify(p.step, "started")
		p.notify = func(detail string) { notify(p.step, detail) }
	}

	out := o.execute(sctx, token, p)

	o.mu.Lock()
	res := o.finishStep(p.step, out, token)
	o.mu.Unlock()
	res.Duration = time.Since(start)

	o.prom.ObserveStage(string(p.step), string(res.Status), res.Duration)
	for range res.Done - len(res.Failures) {
		o.prom.ObserveUnit(string(p.step), "completed")
	}
	for range res.Failures {
		o.prom.ObserveUnit(string(p.step), "failed")
	}
	o.recordFinish(ctx, runID, res)

	o.logger.Info("stage finished", "step", p.step, "status", res.Status,
		"done", res.Done, "total", res.Total, "failed", len(res.Failures), "duration", res.Duration)
	if notify != nil {
		notify(p.step, describe(res))
	}
	return res
}

// startStep must be called with o.mu held. A manual run overrides an
// unsatisfied predecessor gate. A predecessor that never ran is marked
// skipped; one that failed keeps its status and the bypass is noted on step.
func (o *Orchestrator) startStep(step types.Step) {
	var bypass string
	if prev, ok := step.Previous(); ok && !o.state.StepStatus[prev].Satisfies() {
		if o.state.StepStatus[prev] == types.StatusPending {
			o.skipStep(prev, fmt.Sprintf("bypassed by manual %s run", step))
		} else {
			bypass = fmt.Sprintf("ran despite %s %s", o.state.StepStatus[prev], prev)
		}
	}
	next, err := Transition(o.state.StepStatus[step], ActionStart)
	if err != nil {
		o.logger.Warn("unexpected step status", "step", step, "error", err)
	}
	o.state.StepStatus[step] = next
	delete(o.state.StageErrors, step)
	delete(o.state.StageNotes, step)
	if bypass != "" {
		o.state.StageNotes[step] = bypass
	}
	o.current = step
}

// skipStep must be called with o.mu held.
func (o *Orchestrator) skipStep(step types.Step, note string) {
	next, err := Transition(o.state.StepStatus[step], ActionSkip)
	if err != nil {
		return
	}
	o.state.StepStatus[step] = next
	o.state.StageNotes[step] = note
}

// finishStep must be called with o.mu held. A stage completes unless it was
// aborted with units left, hit a fatal error, or every unit failed.
func (o *Orchestrator) finishStep(step types.Step, out outcome, token *cancel.Token) *StageResult {
	res := &StageResult{Step: step, Total: out.total, Done: out.done, Failures: out.failures, Note: out.note}
	if out.apply != nil {
		out.apply(&o.state)
	}

	action := ActionComplete
	switch {
	case token.Aborted() && out.done < out.total:
		action = ActionSkip
		res.Note = fmt.Sprintf("aborted after %d/%d", out.done, out.total)
	case out.err != nil:
		action = ActionFail
		res.Error = out.err.Error()
	case out.total > 0 && len(out.failures) >= out.total:
		action = ActionFail
		res.Error = fmt.Sprintf("all %d units failed", out.total)
	}

	next, err := Transition(o.state.StepStatus[step], action)
	if err != nil {
		o.logger.Warn("unexpected step status", "step", step, "error", err)
	}
	o.state.StepStatus[step] = next
	res.Status = next
	if res.Error != "" {
		o.state.StageErrors[step] = res.Error
	}
	if prior := o.state.StageNotes[step]; prior != "" && res.Note != "" {
		res.Note = prior + "; " + res.Note
	} else if prior != "" {
		res.Note = prior
	}
	if res.Note != "" {
		o.state.StageNotes[step] = res.Note
	}
	return res
}

func (o *Orchestrator) recordStart(ctx context.Context, runType string, step types.Step, metadata map[string]any) string {
	if o.recorder == nil {
		return uuid.New().String()
	}
	id, err := o.recorder.Start(context.WithoutCancel(ctx), runType, o.storyID, string(step), metadata)
	if err != nil {
		o.logger.Warn("failed to record run start", "type", runType, "step", step, "error", err)
		return uuid.New().String()
	}
	return id
}

func (o *Orchestrator) recordFinish(ctx context.Context, runID string, res *StageResult) {
	if o.recorder == nil {
		return
	}
	status := jobs.StatusCompleted
	switch {
	case res.Status == types.StatusFailed:
		status = jobs.StatusFailed
	case res.Status == types.StatusSkipped:
		status = jobs.StatusCancelled
	}
	meta := map[string]any{
		"status":   string(res.Status),
		"total":    res.Total,
		"done":     res.Done,
		"failed":   len(res.Failures),
		"duration": res.Duration.String(),
	}
	if res.Note != "" {
		meta["note"] = res.Note
	}
	if err := o.recorder.Finish(context.WithoutCancel(ctx), runID, status, res.Error, meta); err != nil {
		o.logger.Warn("failed to record run finish", "run_id", runID, "error", err)
	}
}

func describe(res *StageResult) string {
	switch {
	case res.Error != "":
		return fmt.Sprintf("%s: %s", res.Status, res.Error)
	case res.Note != "":
		return fmt.Sprintf("%s: %s", res.Status, res.Note)
	case len(res.Failures) > 0:
		return fmt.Sprintf("%s: %d/%d done, %d failed", res.Status, res.Done, res.Total, len(res.Failures))
	default:
		return fmt.Sprintf("%s: %d/%d done", res.Status, res.Done, res.Total)
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
