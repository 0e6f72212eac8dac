// Package cover regenerates the front, back and dedication images.
package cover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// ErrNoCovers is returned when no cover types are requested.
var ErrNoCovers = errors.New("no cover types selected")

// Regenerator redraws covers with one attempt each.
type Regenerator struct {
	store  story.Store
	images providers.ImageProvider
	logger *slog.Logger
}

// New creates a cover regenerator.
func New(store story.Store, images providers.ImageProvider, logger *slog.Logger) *Regenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Regenerator{store: store, images: images, logger: logger}
}

// Regenerate redraws each requested cover in order. A cover that fails keeps
// its image and carries the error in its result. onProgress, if set, is
// called when a cover starts and when it finishes. The token is checked
// before each cover.
func (g *Regenerator) Regenerate(ctx context.Context, token *cancel.Token, storyID string, coverTypes []types.CoverType, onProgress func(types.UnitProgress)) (map[types.CoverType]types.CoverResult, error) {
	if len(coverTypes) == 0 {
		return nil, ErrNoCovers
	}
	st, err := g.store.Story(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load story %s: %w", storyID, err)
	}
	progress := func(p types.UnitProgress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	results := make(map[types.CoverType]types.CoverResult, len(coverTypes))
	for i, ct := range coverTypes {
		if token.Aborted() {
			g.logger.Info("cover repair aborted", "story_id", storyID, "completed", i, "total", len(coverTypes))
			break
		}
		progress(types.UnitProgress{Current: i, Total: len(coverTypes), CurrentCover: ct})
		cctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: metrics.CoverKey(string(ct))})
		res := g.regenerate(cctx, st, ct)
		if res.Error != "" {
			g.logger.Warn("cover regeneration failed", "story_id", storyID, "cover", ct, "error", res.Error)
		} else {
			g.logger.Info("cover regenerated", "story_id", storyID, "cover", ct, "version", res.Version)
		}
		results[ct] = res
		progress(types.UnitProgress{Current: i + 1, Total: len(coverTypes), CurrentCover: ct})
	}
	return results, nil
}

func (g *Regenerator) regenerate(ctx context.Context, st *story.Story, ct types.CoverType) types.CoverResult {
	res := types.CoverResult{Type: ct}
	cv, ok := st.Cover(ct)
	if !ok {
		res.Error = fmt.Sprintf("cover %s: %v", ct, story.ErrNotFound)
		return res
	}

	req := &providers.ImageRequest{Prompt: Prompt(st, *cv)}
	for _, ch := range st.Characters {
		if len(ch.Reference) > 0 {
			req.ReferenceImages = append(req.ReferenceImages, ch.Reference)
		}
	}
	gen, err := g.images.Generate(ctx, req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	updated, err := g.store.ReplaceCover(ctx, st.ID, ct, gen.Image)
	if err != nil {
		res.Error = fmt.Sprintf("failed to save cover: %v", err)
		return res
	}
	res.Image = updated.ImageRef
	res.Version = updated.Version
	return res
}

// Failures lists the covers that could not be regenerated.
func Failures(results map[types.CoverType]types.CoverResult) []types.UnitFailure {
	var out []types.UnitFailure
	for _, ct := range types.CoverTypes {
		if r, ok := results[ct]; ok && r.Error != "" {
			out = append(out, types.UnitFailure{Kind: types.UnitCover, ID: string(ct), Reason: r.Error})
		}
	}
	return out
}
