// Package evaluate scores page illustrations for quality and scene match.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// Verdict thresholds on the combined 0-100 score.
const (
	PassScore     = 70.0
	SoftFailScore = 50.0
)

// ErrNoImage is returned when a page has no image to score.
var ErrNoImage = errors.New("page has no image")

// Request is one image to score against its scene description.
type Request struct {
	PageNumber  int
	Image       []byte
	Description string
	Characters  []string
}

// Score is a scorer's raw answer.
type Score struct {
	Quality  float64       // 0-100
	Semantic *float64      // 0-100, nil if the scorer does not judge scene match
	Verdict  types.Verdict // optional provider verdict
	Issues   []types.Issue
}

// Scorer rates one image.
type Scorer interface {
	Score(ctx context.Context, req Request) (*Score, error)
}

// Evaluator turns scorer answers into evaluation results. It never modifies images.
type Evaluator struct {
	scorer Scorer
	logger *slog.Logger
}

// New creates an evaluator.
func New(scorer Scorer, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{scorer: scorer, logger: logger}
}

// EvaluateImage scores image as the illustration of page.
func (e *Evaluator) EvaluateImage(ctx context.Context, page story.Page, image []byte) (types.EvaluationResult, error) {
	if len(image) == 0 {
		return types.EvaluationResult{}, fmt.Errorf("page %d: %w", page.Number, ErrNoImage)
	}
	req := Request{
		PageNumber:  page.Number,
		Image:       image,
		Description: page.Prompt(),
	}
	for _, a := range page.Characters {
		req.Characters = append(req.Characters, a.Name)
	}

	s, err := e.scorer.Score(ctx, req)
	if err != nil {
		return types.EvaluationResult{}, fmt.Errorf("failed to score page %d: %w", page.Number, err)
	}
	score, verdict := Combine(s.Quality, s.Semantic, s.Verdict)
	return types.EvaluationResult{
		PageNumber:    page.Number,
		QualityScore:  clamp(s.Quality),
		SemanticScore: s.Semantic,
		Score:         score,
		Verdict:       verdict,
		Issues:        s.Issues,
	}, nil
}

// Evaluate scores each page's current image in order. Pages that fail to
// score are reported as failures and do not stop the run. The token is
// checked before each page.
func (e *Evaluator) Evaluate(ctx context.Context, token *cancel.Token, pages []story.Page) ([]types.EvaluationResult, []types.UnitFailure) {
	var (
		results  []types.EvaluationResult
		failures []types.UnitFailure
	)
	for _, p := range pages {
		if token.Aborted() {
			break
		}
		pctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: metrics.PageKey(p.Number)})
		r, err := e.EvaluateImage(pctx, p, p.Image)
		if err != nil {
			e.logger.Warn("page evaluation failed", "page_num", p.Number, "error", err)
			failures = append(failures, types.PageFailure(p.Number, err.Error()))
			continue
		}
		e.logger.Debug("page evaluated", "page_num", p.Number, "score", r.Score, "verdict", r.Verdict)
		results = append(results, r)
	}
	return results, failures
}

// Combine merges the quality and optional semantic score into one score and
// verdict. The combined score is their mean; the verdict is the worse of the
// score-derived verdict and the provider's own.
func Combine(quality float64, semantic *float64, providerVerdict types.Verdict) (float64, types.Verdict) {
	score := clamp(quality)
	if semantic != nil {
		score = (score + clamp(*semantic)) / 2
	}
	return score, types.WorseVerdict(VerdictFor(score), providerVerdict)
}

// VerdictFor maps a combined score to a verdict.
func VerdictFor(score float64) types.Verdict {
	switch {
	case score >= PassScore:
		return types.VerdictPass
	case score >= SoftFailScore:
		return types.VerdictSoftFail
	default:
		return types.VerdictFail
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 100)
}
