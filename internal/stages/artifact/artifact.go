// Package artifact repairs small rendering artifacts on several pages with a
// single image edit over a grid of those pages.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// Defaults for the grid layout.
const (
	DefaultBatchSize = 4
	DefaultCellSize  = 512
)

// IssueKeywords select the issue types this stage repairs.
var IssueKeywords = []string{"artifact", "distortion"}

// ErrNoPages is returned when no pages are selected.
var ErrNoPages = errors.New("no pages selected for artifact repair")

// Select returns the pages whose feedback contains artifact or distortion
// issues, with those issues.
func Select(fb types.CollectedFeedback) map[int][]types.Issue {
	out := make(map[int][]types.Issue)
	for _, n := range fb.PageNumbers() {
		for _, issue := range fb.Pages[n].AllIssues() {
			if types.IssueTypeMatches(issue, IssueKeywords...) {
				out[n] = append(out[n], issue)
			}
		}
	}
	return out
}

// Request names the pages to repair. Issues per page come from Feedback;
// a manually chosen page without artifact issues gets a general cleanup.
type Request struct {
	StoryID  string
	Pages    []int
	Feedback types.CollectedFeedback
}

// Repairer runs grid repairs.
type Repairer struct {
	store     story.Store
	images    providers.ImageProvider
	batchSize int
	cellSize  int
	logger    *slog.Logger
}

// New creates a repairer. A non-positive batch size uses DefaultBatchSize.
func New(store story.Store, images providers.ImageProvider, batchSize int, logger *slog.Logger) *Repairer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{store: store, images: images, batchSize: batchSize, cellSize: DefaultCellSize, logger: logger}
}

// Repair processes the pages in batches, one image edit per batch. A failed
// batch marks each of its pages failed and the next batch still runs. The
// token is checked before each batch.
func (r *Repairer) Repair(ctx context.Context, token *cancel.Token, req Request) (types.ArtifactRepairResult, error) {
	var result types.ArtifactRepairResult
	pages := slices.Clone(req.Pages)
	slices.Sort(pages)
	pages = slices.Compact(pages)
	if len(pages) == 0 {
		return result, ErrNoPages
	}
	selected := Select(req.Feedback)

	for start := 0; start < len(pages); start += r.batchSize {
		if token.Aborted() {
			r.logger.Info("artifact repair aborted", "story_id", req.StoryID, "processed", result.PagesProcessed)
			break
		}
		batch := pages[start:min(start+r.batchSize, len(pages))]
		bctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: fmt.Sprintf("grid_%04d", batch[0])})
		if err := r.repairBatch(bctx, req.StoryID, batch, selected); err != nil {
			r.logger.Warn("artifact batch failed", "story_id", req.StoryID, "pages", batch, "error", err)
			for _, n := range batch {
				result.Failures = append(result.Failures, types.PageFailure(n, err.Error()))
			}
			continue
		}
		for _, n := range batch {
			result.PagesProcessed++
			result.IssuesFixed += len(selected[n])
			result.Pages = append(result.Pages, n)
		}
	}
	return result, nil
}

func (r *Repairer) repairBatch(ctx context.Context, storyID string, batch []int, selected map[int][]types.Issue) error {
	cols := int(math.Ceil(math.Sqrt(float64(len(batch)))))
	rows := (len(batch) + cols - 1) / cols

	var (
		images [][]byte
		sizes  [][2]int
		panels []Panel
	)
	for i, n := range batch {
		page, err := r.store.Page(ctx, storyID, n)
		if err != nil {
			return err
		}
		w, h, err := imageutil.Size(page.Image)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		images = append(images, page.Image)
		sizes = append(sizes, [2]int{w, h})
		panels = append(panels, Panel{Index: i + 1, Page: n, Issues: selected[n]})
	}

	grid, err := imageutil.Grid(images, cols, r.cellSize)
	if err != nil {
		return err
	}
	gen, err := r.images.Generate(ctx, &providers.ImageRequest{
		Prompt:    Prompt(cols, rows, panels),
		BaseImage: grid,
	})
	if err != nil {
		return fmt.Errorf("grid edit failed: %w", err)
	}
	cells, err := imageutil.SplitGrid(gen.Image, cols, rows, len(batch))
	if err != nil {
		return fmt.Errorf("failed to split repaired grid: %w", err)
	}

	// Resize every cell before writing so a bad cell leaves the whole batch untouched.
	fixed := make([][]byte, len(cells))
	for i, cell := range cells {
		if fixed[i], err = imageutil.Resize(cell, sizes[i][0], sizes[i][1]); err != nil {
			return fmt.Errorf("page %d: %w", batch[i], err)
		}
	}
	for i, n := range batch {
		if _, err := r.store.ReplacePage(ctx, storyID, n, fixed[i]); err != nil {
			return fmt.Errorf("failed to save page %d: %w", n, err)
		}
	}
	r.logger.Info("artifact batch repaired", "story_id", storyID, "pages", batch)
	return nil
}
