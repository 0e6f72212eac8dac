package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/stages/artifact"
	"github.com/chrofis/magicalstory/internal/stages/charrepair"
	"github.com/chrofis/magicalstory/internal/stages/cover"
	"github.com/chrofis/magicalstory/internal/stages/feedback"
	"github.com/chrofis/magicalstory/internal/stages/redo"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/types"
)

// plan is a stage run resolved against a snapshot of the state.
type plan struct {
	step     types.Step
	in       StageInput
	snapshot types.WorkflowState
	pages    []int
	targets  []characterTarget
	notify   func(detail string)
}

type characterTarget struct {
	name  string
	pages []int
}

// outcome is what a stage hands back for merging.
type outcome struct {
	total    int
	done     int
	failures []types.UnitFailure
	note     string
	err      error
	apply    func(*types.WorkflowState)
}

// planStage must be called with o.mu held. It validates the input and
// resolves targets without touching the state or any external service.
func (o *Orchestrator) planStage(step types.Step, in StageInput) (*plan, error) {
	if !step.Runnable() {
		return nil, fmt.Errorf("%w: %q is not a repair stage", ErrValidation, step)
	}
	in, err := o.withDefaults(in)
	if err != nil {
		return nil, err
	}
	p := &plan{step: step, in: in, snapshot: o.state.Clone()}
	st := p.snapshot

	switch step {
	case types.StepRedoPages:
		p.pages = in.Pages
		if len(p.pages) == 0 {
			p.pages = st.RedoPages.List()
		}
		if len(p.pages) == 0 {
			return nil, fmt.Errorf("%w: no pages marked for regeneration", errNothingToDo)
		}

	case types.StepReEvaluate:
		p.pages = in.Pages
		if len(p.pages) == 0 {
			for _, r := range st.RedoResults.PagesCompleted {
				p.pages = append(p.pages, r.PageNumber)
			}
		}
		if len(p.pages) == 0 {
			return nil, fmt.Errorf("%w: no regenerated pages to evaluate", errNothingToDo)
		}

	case types.StepCharacterRepair:
		names := in.Characters
		if len(names) == 0 && st.ConsistencyResults != nil {
			for _, c := range st.ConsistencyResults.Characters {
				names = append(names, c.Character)
			}
		}
		for _, name := range names {
			pages := in.Pages
			if len(pages) == 0 {
				pages = o.severePages(name)
			}
			if len(pages) > 0 {
				p.targets = append(p.targets, characterTarget{name: name, pages: pages})
			}
		}
		if len(p.targets) == 0 {
			return nil, fmt.Errorf("%w: no characters with pages to repair", errNothingToDo)
		}

	case types.StepArtifactRepair:
		p.pages = in.Pages
		if len(p.pages) == 0 {
			p.pages = sortedKeys(artifact.Select(st.CollectedFeedback))
		}
		if len(p.pages) == 0 {
			return nil, fmt.Errorf("%w: no pages with artifact issues", errNothingToDo)
		}
	}

	p.pages = compact(p.pages)
	return p, nil
}

func (o *Orchestrator) withDefaults(in StageInput) (StageInput, error) {
	if in.ScoreThreshold == 0 {
		in.ScoreThreshold = o.cfg.ScoreThreshold
	}
	if in.ScoreThreshold < 0 || in.ScoreThreshold > 100 {
		return in, fmt.Errorf("%w: score threshold %v outside 0-100", ErrValidation, in.ScoreThreshold)
	}
	if in.IssueThreshold == 0 {
		in.IssueThreshold = o.cfg.IssueThreshold
	}
	if in.IssueThreshold < 0 {
		return in, fmt.Errorf("%w: negative issue threshold %d", ErrValidation, in.IssueThreshold)
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = o.cfg.MaxRetries
	}
	if in.MaxRetries < 0 {
		return in, fmt.Errorf("%w: negative max retries %d", ErrValidation, in.MaxRetries)
	}
	if in.Mode == "" {
		in.Mode = o.cfg.RedoMode
	}
	mode, err := regen.ParseMode(string(in.Mode))
	if err != nil {
		return in, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	in.Mode = mode
	if in.Backend == "" {
		in.Backend = o.cfg.RepairBackend
	}
	backend, err := types.ParseRepairBackend(string(in.Backend))
	if err != nil {
		return in, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	in.Backend = backend
	for _, n := range in.Pages {
		if n < 1 {
			return in, fmt.Errorf("%w: page %d", ErrValidation, n)
		}
	}
	in.CoverTypes = slices.Clone(in.CoverTypes)
	for i, ct := range in.CoverTypes {
		parsed, err := types.ParseCoverType(string(ct))
		if err != nil {
			return in, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		in.CoverTypes[i] = parsed
	}
	return in, nil
}

func (o *Orchestrator) execute(ctx context.Context, token *cancel.Token, p *plan) outcome {
	switch p.step {
	case types.StepCollectFeedback:
		return o.collectFeedback(ctx)
	case types.StepIdentifyRedoPages:
		return o.identifyRedoPages(p)
	case types.StepRedoPages:
		return o.redoPages(ctx, token, p)
	case types.StepReEvaluate:
		return o.reEvaluate(ctx, token, p)
	case types.StepConsistencyCheck:
		return o.consistencyCheck(ctx, token)
	case types.StepCharacterRepair:
		return o.characterRepair(ctx, token, p)
	case types.StepArtifactRepair:
		return o.artifactRepair(ctx, token, p)
	case types.StepCoverRepair:
		return o.coverRepair(ctx, token, p)
	}
	return outcome{err: fmt.Errorf("unknown step %s", p.step)}
}

func notConfigured(step types.Step) outcome {
	return outcome{err: fmt.Errorf("%s is not configured", step)}
}

func (o *Orchestrator) collectFeedback(ctx context.Context) outcome {
	st, err := o.store.Story(ctx, o.storyID)
	if err != nil {
		return outcome{err: fmt.Errorf("failed to load story: %w", err)}
	}
	if len(st.Pages) == 0 {
		return outcome{err: fmt.Errorf("story %s has no pages", o.storyID)}
	}
	fb := feedback.Collect(feedback.FromPages(st.Pages)...)
	return outcome{
		total: len(st.Pages),
		done:  len(st.Pages),
		apply: func(s *types.WorkflowState) { s.CollectedFeedback = fb },
	}
}

func (o *Orchestrator) identifyRedoPages(p *plan) outcome {
	sel := redo.Selector{Feedback: p.snapshot.CollectedFeedback, ReEvaluation: p.snapshot.ReEvaluationResults}
	pages := sel.AutoIdentify(p.snapshot.RedoPages, p.in.ScoreThreshold, p.in.IssueThreshold)
	n := len(p.snapshot.CollectedFeedback.Pages)
	return outcome{
		total: n,
		done:  n,
		note:  fmt.Sprintf("%d pages marked", len(pages.List())),
		apply: func(s *types.WorkflowState) { s.RedoPages = pages },
	}
}

func (o *Orchestrator) redoPages(ctx context.Context, token *cancel.Token, p *plan) outcome {
	if o.stages.Regen == nil {
		return notConfigured(p.step)
	}
	req := regen.Request{
		StoryID:     o.storyID,
		Pages:       p.pages,
		Feedback:    p.snapshot.CollectedFeedback,
		Evaluations: p.snapshot.ReEvaluationResults,
	}
	opts := regen.Options{
		Mode:        p.in.Mode,
		MaxRetries:  p.in.MaxRetries,
		AcceptScore: o.cfg.AcceptScore,
		MinScore:    o.cfg.MinScore,
	}
	lastPage := 0
	results, err := o.stages.Regen.Redo(ctx, token, req, opts, func(u types.UnitProgress) {
		o.setProgress(func(pr *types.Progress) { pr.Redo = u })
		if p.notify != nil && u.CurrentPage != lastPage {
			lastPage = u.CurrentPage
			p.notify(fmt.Sprintf("page %d (%d/%d)", u.CurrentPage, u.Current+1, u.Total))
		}
	})
	out := outcome{
		total:    len(p.pages),
		done:     len(results.PagesCompleted) + len(results.PagesFailed),
		failures: results.PagesFailed,
		err:      err,
	}
	if err == nil {
		out.apply = func(s *types.WorkflowState) { s.RedoResults = s.RedoResults.Merge(results) }
	}
	return out
}

func (o *Orchestrator) reEvaluate(ctx context.Context, token *cancel.Token, p *plan) outcome {
	if o.stages.Evaluator == nil {
		return notConfigured(p.step)
	}
	st, err := o.store.Story(ctx, o.storyID)
	if err != nil {
		return outcome{err: fmt.Errorf("failed to load story: %w", err)}
	}
	pages := st.PagesByNumber(p.pages)
	var missing []types.UnitFailure
	for _, n := range p.pages {
		if _, ok := st.Page(n); !ok {
			missing = append(missing, types.PageFailure(n, "page not found"))
		}
	}

	results, failures := o.stages.Evaluator.Evaluate(ctx, token, pages)
	for _, r := range results {
		o.prom.ObservePageScore(r.Score)
	}
	failures = append(failures, missing...)
	return outcome{
		total:    len(p.pages),
		done:     len(results) + len(failures),
		failures: failures,
		apply: func(s *types.WorkflowState) {
			if s.ReEvaluationResults == nil {
				s.ReEvaluationResults = make(map[int]types.EvaluationResult)
			}
			for _, r := range results {
				s.ReEvaluationResults[r.PageNumber] = r
			}
		},
	}
}

func (o *Orchestrator) consistencyCheck(ctx context.Context, token *cancel.Token) outcome {
	if o.stages.Consistency == nil {
		return notConfigured(types.StepConsistencyCheck)
	}
	st, err := o.store.Story(ctx, o.storyID)
	if err != nil {
		return outcome{err: fmt.Errorf("failed to load story: %w", err)}
	}
	total := 0
	for _, ch := range st.Characters {
		for _, pg := range st.Pages {
			if _, ok := pg.Appearance(ch.Name); ok {
				total++
				break
			}
		}
	}

	report, err := o.stages.Consistency.Check(ctx, token, st.Characters, st.Pages)
	if err != nil {
		return outcome{total: total, err: err}
	}
	out := outcome{total: total, done: len(report.Characters), note: report.Summary}
	for _, cc := range report.Characters {
		if cc.Error != "" {
			out.failures = append(out.failures, types.UnitFailure{Kind: types.UnitCharacter, ID: cc.Character, Reason: cc.Error})
		}
	}
	out.apply = func(s *types.WorkflowState) { s.ConsistencyResults = report }
	return out
}

func (o *Orchestrator) characterRepair(ctx context.Context, token *cancel.Token, p *plan) outcome {
	if o.stages.Characters == nil {
		return notConfigured(p.step)
	}
	var out outcome
	for _, t := range p.targets {
		out.total += len(t.pages)
	}

	results := make(map[string]types.CharacterRepairResult)
	for _, t := range p.targets {
		if token.Aborted() {
			break
		}
		opts := charrepair.Options{
			Backend: p.in.Backend,
			Issues:  issuesByPage(p.snapshot.ConsistencyResults, t.name),
		}
		res, err := o.stages.Characters.Repair(ctx, token, o.storyID, t.name, t.pages, opts)
		if err != nil {
			for _, n := range t.pages {
				out.failures = append(out.failures, characterFailure(t.name, n, err.Error()))
			}
			out.done += len(t.pages)
			continue
		}
		for _, pg := range res.PagesFailed {
			if !pg.Rejected {
				out.failures = append(out.failures, characterFailure(t.name, pg.PageNumber, pg.Reason))
			}
		}
		out.done += len(res.PagesCompleted) + len(res.PagesFailed)
		results[res.Character] = res
	}

	out.apply = func(s *types.WorkflowState) {
		if s.CharacterRepairResults == nil {
			s.CharacterRepairResults = make(map[string]types.CharacterRepairResult)
		}
		for name, r := range results {
			s.CharacterRepairResults[name] = r
		}
	}
	return out
}

func characterFailure(name string, page int, reason string) types.UnitFailure {
	return types.UnitFailure{Kind: types.UnitCharacter, ID: fmt.Sprintf("%s page %d", name, page), Reason: reason}
}

// issuesByPage turns the consistency issues of a character into per-page
// repair instructions.
func issuesByPage(report *types.ConsistencyReport, name string) map[int][]string {
	if report == nil {
		return nil
	}
	out := make(map[int][]string)
	for _, c := range report.Characters {
		if !strings.EqualFold(c.Character, name) {
			continue
		}
		for _, issue := range c.AllIssues() {
			for _, n := range issue.PagesToFix {
				out[n] = append(out[n], issue.Description)
			}
		}
	}
	return out
}

func (o *Orchestrator) artifactRepair(ctx context.Context, token *cancel.Token, p *plan) outcome {
	if o.stages.Artifacts == nil {
		return notConfigured(p.step)
	}
	res, err := o.stages.Artifacts.Repair(ctx, token, artifact.Request{
		StoryID:  o.storyID,
		Pages:    p.pages,
		Feedback: p.snapshot.CollectedFeedback,
	})
	out := outcome{
		total:    len(p.pages),
		done:     res.PagesProcessed + len(res.Failures),
		failures: res.Failures,
		err:      err,
	}
	if err == nil {
		out.note = fmt.Sprintf("%d issues fixed", res.IssuesFixed)
		out.apply = func(s *types.WorkflowState) { s.ArtifactRepairResults = &res }
	}
	return out
}

func (o *Orchestrator) coverRepair(ctx context.Context, token *cancel.Token, p *plan) outcome {
	if o.stages.Covers == nil {
		return notConfigured(p.step)
	}
	covers := p.in.CoverTypes
	if len(covers) == 0 {
		st, err := o.store.Story(ctx, o.storyID)
		if err != nil {
			return outcome{err: fmt.Errorf("failed to load story: %w", err)}
		}
		covers = st.CoverTypes()
	}
	if len(covers) == 0 {
		return outcome{note: "story has no covers"}
	}

	var lastCover types.CoverType
	results, err := o.stages.Covers.Regenerate(ctx, token, o.storyID, covers, func(u types.UnitProgress) {
		o.setProgress(func(pr *types.Progress) { pr.Cover = u })
		if p.notify != nil && u.CurrentCover != lastCover {
			lastCover = u.CurrentCover
			p.notify(fmt.Sprintf("%s cover (%d/%d)", u.CurrentCover, u.Current+1, u.Total))
		}
	})
	out := outcome{
		total:    len(covers),
		done:     len(results),
		failures: cover.Failures(results),
		err:      err,
	}
	if err == nil {
		out.apply = func(s *types.WorkflowState) {
			if s.CoverRepairResults == nil {
				s.CoverRepairResults = make(map[types.CoverType]types.CoverResult)
			}
			for ct, r := range results {
				s.CoverRepairResults[ct] = r
			}
		}
	}
	return out
}

func compact(pages []int) []int {
	if len(pages) == 0 {
		return pages
	}
	out := slices.Clone(pages)
	slices.Sort(out)
	return slices.Compact(out)
}
