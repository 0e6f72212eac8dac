// Package regen regenerates whole page illustrations, retrying and keeping
// the best-scoring candidate.
package regen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// Mode selects how a page is regenerated.
type Mode string

const (
	// ModeFresh draws from the scene description alone.
	ModeFresh Mode = "fresh"
	// ModeReference conditions on the current image to keep its composition.
	ModeReference Mode = "reference"
	// ModeBlackout masks the problem regions and repaints only those.
	ModeBlackout Mode = "blackout"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFresh, ModeReference, ModeBlackout:
		return m, nil
	case "":
		return ModeReference, nil
	default:
		return "", fmt.Errorf("unknown redo mode %q", s)
	}
}

// Defaults for Options.
const (
	DefaultMaxRetries  = 3
	DefaultAcceptScore = 85.0
	DefaultMinScore    = 40.0
)

// Options controls a redo run.
type Options struct {
	Mode        Mode
	MaxRetries  int     // attempts per page
	AcceptScore float64 // stop retrying once reached
	MinScore    float64 // results below this never replace the page
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeReference
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.AcceptScore <= 0 {
		o.AcceptScore = DefaultAcceptScore
	}
	if o.MinScore <= 0 {
		o.MinScore = DefaultMinScore
	}
	return o
}

// ErrNoPages is returned when a redo is requested without marked pages.
var ErrNoPages = errors.New("no pages marked for regeneration")

// Scorer rates a candidate image for a page.
type Scorer interface {
	EvaluateImage(ctx context.Context, page story.Page, image []byte) (types.EvaluationResult, error)
}

// Request names the pages to regenerate and the feedback that drives the prompts.
type Request struct {
	StoryID  string
	Pages    []int
	Feedback types.CollectedFeedback
	// Evaluations, when present for a page, supply its before score.
	Evaluations map[int]types.EvaluationResult
}

// Regenerator redraws pages one at a time.
type Regenerator struct {
	store  story.Store
	images providers.ImageProvider
	scorer Scorer
	logger *slog.Logger
}

// New creates a regenerator.
func New(store story.Store, images providers.ImageProvider, scorer Scorer, logger *slog.Logger) *Regenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Regenerator{store: store, images: images, scorer: scorer, logger: logger}
}

// Redo regenerates the requested pages sequentially. A page whose attempts
// all fail, or whose best attempt scores below opts.MinScore, is reported as
// failed and keeps its current image. The token is checked before each page;
// the page in flight always finishes. onProgress, if set, is called when a
// page starts and again when it finishes.
func (r *Regenerator) Redo(ctx context.Context, token *cancel.Token, req Request, opts Options, onProgress func(types.UnitProgress)) (types.RedoResults, error) {
	var results types.RedoResults
	if len(req.Pages) == 0 {
		return results, ErrNoPages
	}
	opts = opts.withDefaults()

	st, err := r.store.Story(ctx, req.StoryID)
	if err != nil {
		return results, fmt.Errorf("failed to load story %s: %w", req.StoryID, err)
	}

	progress := func(p types.UnitProgress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	total := len(req.Pages)
	for i, num := range req.Pages {
		if token.Aborted() {
			r.logger.Info("redo aborted", "story_id", req.StoryID, "completed", i, "total", total)
			break
		}
		progress(types.UnitProgress{Current: i, Total: total, CurrentPage: num})

		pctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: metrics.PageKey(num)})
		res, err := r.redoPage(pctx, st, num, req, opts)
		if err != nil {
			r.logger.Warn("page regeneration failed", "story_id", req.StoryID, "page_num", num, "error", err)
			results.PagesFailed = append(results.PagesFailed, types.PageFailure(num, err.Error()))
		} else {
			r.logger.Info("page regenerated", "story_id", req.StoryID, "page_num", num,
				"version", res.Version, "attempts", res.Attempts, "score", *res.AfterScore)
			results.PagesCompleted = append(results.PagesCompleted, *res)
		}
		progress(types.UnitProgress{Current: i + 1, Total: total, CurrentPage: num})
	}
	return results, nil
}

func (r *Regenerator) redoPage(ctx context.Context, st *story.Story, num int, req Request, opts Options) (*types.RedoResult, error) {
	page, ok := st.Page(num)
	if !ok {
		return nil, fmt.Errorf("page %d: %w", num, story.ErrNotFound)
	}
	fb := req.Feedback.Pages[num]

	imgReq, mode, blackout, err := r.buildRequest(st, *page, fb, opts.Mode)
	if err != nil {
		return nil, err
	}

	outcome := BestOf(opts.MaxRetries, opts.AcceptScore, func(attempt int) (Candidate, error) {
		gen, err := r.images.Generate(ctx, imgReq)
		if err != nil {
			return Candidate{}, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		eval, err := r.scorer.EvaluateImage(ctx, *page, gen.Image)
		if err != nil {
			return Candidate{}, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		r.logger.Debug("redo attempt scored", "page_num", num, "attempt", attempt, "score", eval.Score)
		return Candidate{Image: gen.Image, Evaluation: eval}, nil
	})

	if outcome.Best == nil {
		return nil, fmt.Errorf("all %d attempts failed: %w", outcome.Attempts, errors.Join(outcome.Errors...))
	}
	if outcome.Best.Score() < opts.MinScore {
		return nil, fmt.Errorf("best score %.1f after %d attempts is below minimum %.1f", outcome.Best.Score(), outcome.Attempts, opts.MinScore)
	}

	result := &types.RedoResult{
		PageNumber:  num,
		Mode:        string(mode),
		Attempts:    outcome.Attempts,
		BeforeImage: page.ImageRef,
		BeforeScore: beforeScore(num, fb, req.Evaluations),
		AfterScore:  types.Float(outcome.Best.Score()),
	}
	if blackout != nil {
		ref, err := r.store.SaveArtifact(ctx, st.ID, fmt.Sprintf("page_%04d_blackout.png", num), blackout)
		if err != nil {
			r.logger.Warn("failed to save blackout image", "page_num", num, "error", err)
		} else {
			result.BlackoutImage = ref
		}
	}

	updated, err := r.store.ReplacePage(ctx, st.ID, num, outcome.Best.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to save page %d: %w", num, err)
	}
	result.Version = updated.Version
	result.AfterImage = updated.ImageRef
	return result, nil
}

// buildRequest assembles the image request for a page. Blackout mode without
// any located issue falls back to reference mode.
func (r *Regenerator) buildRequest(st *story.Story, page story.Page, fb types.PageFeedback, mode Mode) (*providers.ImageRequest, Mode, []byte, error) {
	var (
		names []string
		refs  [][]byte
	)
	for _, a := range page.Characters {
		names = append(names, a.Name)
		if c, ok := st.Character(a.Name); ok && len(c.Reference) > 0 {
			refs = append(refs, c.Reference)
		}
	}

	if mode != ModeFresh && len(page.Image) == 0 {
		return nil, mode, nil, fmt.Errorf("page %d has no current image for %s mode", page.Number, mode)
	}

	var blackout []byte
	req := &providers.ImageRequest{}
	switch mode {
	case ModeBlackout:
		regions := fb.Regions()
		if len(regions) == 0 {
			r.logger.Debug("no issue regions, using reference mode", "page_num", page.Number)
			mode = ModeReference
			req.ReferenceImages = append([][]byte{page.Image}, refs...)
			break
		}
		img, mask, err := imageutil.Blackout(page.Image, regions)
		if err != nil {
			return nil, mode, nil, fmt.Errorf("failed to black out page %d: %w", page.Number, err)
		}
		blackout = img
		req.BaseImage = img
		req.Mask = mask
		req.ReferenceImages = refs
	case ModeReference:
		req.ReferenceImages = append([][]byte{page.Image}, refs...)
	default:
		req.ReferenceImages = refs
	}
	req.Prompt = Prompt(mode, page.Prompt(), names, fb.AllIssues())
	return req, mode, blackout, nil
}

func beforeScore(num int, fb types.PageFeedback, evals map[int]types.EvaluationResult) *float64 {
	if e, ok := evals[num]; ok {
		return types.Float(e.Score)
	}
	if fb.QualityScore != nil {
		return types.Float(*fb.QualityScore)
	}
	return nil
}
