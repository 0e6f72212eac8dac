package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/types"
)

// FullConfig parameterizes a full automatic run.
type FullConfig struct {
	ScoreThreshold float64
	IssueThreshold int
	MaxRetries     int
	Mode           regen.Mode
	CoverTypes     []types.CoverType

	// OnProgress, if set, receives a line per stage event.
	OnProgress func(step types.Step, detail string)
}

func (c FullConfig) input() StageInput {
	return StageInput{
		ScoreThreshold: c.ScoreThreshold,
		IssueThreshold: c.IssueThreshold,
		MaxRetries:     c.MaxRetries,
		Mode:           c.Mode,
		CoverTypes:     c.CoverTypes,
	}
}

// RunFullWorkflow runs all eight stages in order. A stage with nothing to do
// is skipped. A failed stage blocks its direct successor and every stage that
// consumes its results; the others still run and the first failure is
// returned. An abort stops before the next unit and is not an error.
func (o *Orchestrator) RunFullWorkflow(ctx context.Context, cfg FullConfig) error {
	token, err := o.beginFull(cfg)
	if err != nil {
		return err
	}
	defer o.release()
	return o.runFull(ctx, token, cfg)
}

// StartFullWorkflow claims the workflow and runs it in the background.
func (o *Orchestrator) StartFullWorkflow(ctx context.Context, cfg FullConfig) error {
	token, err := o.beginFull(cfg)
	if err != nil {
		return err
	}
	go func() {
		defer o.release()
		if err := o.runFull(ctx, token, cfg); err != nil {
			o.logger.Warn("full workflow finished with errors", "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) beginFull(cfg FullConfig) (*cancel.Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.claimable(); err != nil {
		return nil, err
	}
	if _, err := o.withDefaults(cfg.input()); err != nil {
		return nil, err
	}
	return o.acquire(), nil
}

func (o *Orchestrator) runFull(ctx context.Context, token *cancel.Token, cfg FullConfig) error {
	start := time.Now()
	notify := func(step types.Step, detail string) {
		if cfg.OnProgress != nil {
			cfg.OnProgress(step, detail)
		}
	}

	runID := o.recordStart(ctx, jobs.TypeFullWorkflow, "", map[string]any{"input": cfg.input()})
	ctx = metrics.WithAttribution(ctx, metrics.RecordOpts{RunID: runID, StoryID: o.storyID})
	o.logger.Info("full workflow started", "run_id", runID)

	var (
		failed  types.Step
		results []*StageResult
		blocked = make(map[types.Step]types.Step) // step -> failed stage behind it
	)
	for _, step := range types.RepairSteps() {
		if token.Aborted() {
			notify(step, "not started: aborted")
			break
		}

		o.mu.Lock()
		if cause, ok := blockedBy(step, blocked); ok {
			blocked[step] = cause
			o.skipStep(step, fmt.Sprintf("blocked by failed %s", cause))
			o.mu.Unlock()
			notify(step, "skipped: blocked by failed "+string(cause))
			continue
		}
		p, err := o.planStage(step, cfg.input())
		if err != nil {
			o.skipStep(step, err.Error())
			o.mu.Unlock()
			notify(step, "skipped: "+err.Error())
			continue
		}
		o.mu.Unlock()

		res := o.runPlanned(ctx, token, p, notify)
		results = append(results, res)
		if res.Status == types.StatusFailed {
			blocked[step] = step
			if failed == "" {
				failed = step
			}
		}
	}

	status := types.StatusCompleted
	var runErr error
	switch {
	case failed != "":
		status = types.StatusFailed
		runErr = fmt.Errorf("stage %s failed: %s", failed, o.State().StageErrors[failed])
	case token.Aborted():
		status = types.StatusSkipped
	}

	summary := &StageResult{Step: types.StepIdle, Status: status, Total: len(types.RepairSteps()), Done: len(results)}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if token.Aborted() {
		summary.Note = "aborted"
	}
	summary.Duration = time.Since(start)
	o.recordFinish(ctx, runID, summary)
	o.logger.Info("full workflow finished", "run_id", runID, "status", status, "stages_run", len(results), "duration", summary.Duration)
	return runErr
}

// inputs lists the stages whose results a stage selects its work from.
var inputs = map[types.Step][]types.Step{
	types.StepIdentifyRedoPages: {types.StepCollectFeedback},
	types.StepRedoPages:         {types.StepIdentifyRedoPages},
	types.StepReEvaluate:        {types.StepRedoPages},
	types.StepCharacterRepair:   {types.StepConsistencyCheck},
	types.StepArtifactRepair:    {types.StepCollectFeedback},
}

// blockedBy reports the failed stage that blocks step: a direct predecessor
// that failed, or an input that failed or was itself blocked.
func blockedBy(step types.Step, blocked map[types.Step]types.Step) (types.Step, bool) {
	if prev, ok := step.Previous(); ok && blocked[prev] == prev {
		return prev, true
	}
	for _, in := range inputs[step] {
		if cause, ok := blocked[in]; ok {
			return cause, true
		}
	}
	return "", false
}
