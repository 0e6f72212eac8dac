// Package charrepair corrects one character's appearance on selected pages
// and keeps a repair only when verification against the character's
// reference shows it helped.
package charrepair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// cropPad grows the character box for verification crops.
const cropPad = 0.15

var (
	// ErrNoPages is returned when no pages are selected for repair.
	ErrNoPages = errors.New("no pages selected for character repair")
	// ErrNoReference is returned when the character has no reference image.
	ErrNoReference = errors.New("character has no reference image")
	// ErrUnknownBackend is returned for a backend with no registered strategy.
	ErrUnknownBackend = errors.New("unknown repair backend")
)

// Job is one character on one page.
type Job struct {
	Character story.Character
	Page      story.Page
	Region    types.Region // where the character is drawn
	Issues    []string     // what to correct
}

// Attempt is a verified repair candidate.
type Attempt struct {
	Image        []byte
	Verification Verification
	Tries        int
}

// Strategy is one repair backend.
type Strategy interface {
	Backend() types.RepairBackend
	Repair(ctx context.Context, job Job) (*Attempt, error)
}

// Options controls a repair run.
type Options struct {
	Backend types.RepairBackend
	// Issues per page; pages without an entry get a generic instruction.
	Issues map[int][]string
}

// Repairer runs character repairs through the selected strategy.
type Repairer struct {
	store      story.Store
	strategies map[types.RepairBackend]Strategy
	logger     *slog.Logger
}

// New creates a repairer with the given strategies.
func New(store story.Store, logger *slog.Logger, strategies ...Strategy) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repairer{store: store, strategies: make(map[types.RepairBackend]Strategy), logger: logger}
	for _, s := range strategies {
		r.strategies[s.Backend()] = s
	}
	return r
}

// Repair fixes the character on each page in order. Each result is verified;
// a low-confidence result that does not improve on the original is rejected
// and the page keeps its image. The token is checked before each page.
func (r *Repairer) Repair(ctx context.Context, token *cancel.Token, storyID, name string, pages []int, opts Options) (types.CharacterRepairResult, error) {
	result := types.CharacterRepairResult{Character: name}
	if len(pages) == 0 {
		return result, ErrNoPages
	}
	backend := opts.Backend
	if backend == "" {
		backend = types.BackendGemini
	}
	strategy, ok := r.strategies[backend]
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	ch, err := r.store.Character(ctx, storyID, name)
	if err != nil {
		return result, fmt.Errorf("failed to load character %s: %w", name, err)
	}
	if len(ch.Reference) == 0 {
		return result, fmt.Errorf("%s: %w", name, ErrNoReference)
	}
	result.Character = ch.Name

	for _, num := range pages {
		if token.Aborted() {
			r.logger.Info("character repair aborted", "story_id", storyID, "character", ch.Name,
				"done", len(result.PagesCompleted)+len(result.PagesFailed), "total", len(pages))
			break
		}
		pctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: metrics.CharacterKey(story.Slug(ch.Name), num)})
		page := r.repairPage(pctx, storyID, *ch, num, strategy, opts.Issues[num])
		if page.AfterImage != "" && !page.Rejected {
			result.PagesCompleted = append(result.PagesCompleted, page)
		} else {
			result.PagesFailed = append(result.PagesFailed, page)
		}
	}
	return result, nil
}

func (r *Repairer) repairPage(ctx context.Context, storyID string, ch story.Character, num int, strategy Strategy, issues []string) types.CharacterRepairPage {
	out := types.CharacterRepairPage{
		PageNumber:     num,
		Backend:        strategy.Backend(),
		ReferenceImage: ch.ReferenceRef,
	}
	page, err := r.store.Page(ctx, storyID, num)
	if err != nil {
		out.Reason = err.Error()
		return out
	}
	out.BeforeImage = page.ImageRef

	region := imageutil.CenterRegion
	if a, ok := page.Appearance(ch.Name); ok && a.Region != nil && a.Region.Valid() {
		region = *a.Region
	}

	attempt, err := strategy.Repair(ctx, Job{Character: ch, Page: *page, Region: region, Issues: issues})
	if err != nil {
		r.logger.Warn("character repair failed", "character", ch.Name, "page_num", num, "backend", strategy.Backend(), "error", err)
		out.Reason = err.Error()
		return out
	}

	v := attempt.Verification
	out.Confidence = v.Confidence
	out.Explanation = v.Explanation
	out.BeforeScore = v.BeforeScore
	out.AfterScore = v.AfterScore

	if reject, reason := ShouldReject(v); reject {
		r.logger.Info("character repair rejected", "character", ch.Name, "page_num", num, "reason", reason)
		out.Rejected = true
		out.Reason = reason
		return out
	}

	updated, err := r.store.ReplacePage(ctx, storyID, num, attempt.Image)
	if err != nil {
		out.Reason = fmt.Sprintf("failed to save page: %v", err)
		return out
	}
	out.AfterImage = updated.ImageRef
	r.logger.Info("character repaired", "character", ch.Name, "page_num", num, "backend", strategy.Backend(),
		"confidence", v.Confidence, "before", v.BeforeScore, "after", v.AfterScore, "tries", attempt.Tries)
	return out
}

// ShouldReject reports whether a verified repair must be discarded: low
// confidence with no improvement over the original.
func ShouldReject(v Verification) (bool, string) {
	if v.Confidence == types.ConfidenceLow && v.AfterScore <= v.BeforeScore {
		return true, fmt.Sprintf("low confidence and no improvement (%.1f -> %.1f)", v.BeforeScore, v.AfterScore)
	}
	return false, ""
}

// crop cuts the character out of an image, falling back to the whole image.
func crop(image []byte, region types.Region) []byte {
	c, err := imageutil.Crop(image, region, cropPad)
	if err != nil {
		return image
	}
	return c
}
