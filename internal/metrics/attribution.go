package metrics

import (
	"context"
	"fmt"
)

type attributionKey struct{}

// RecordOpts attributes a provider call to the run, story, stage and unit it served.
type RecordOpts struct {
	RunID   string
	StoryID string
	Stage   string
	ItemKey string
}

// WithAttribution returns a context carrying opts. Empty fields inherit the
// values already present in ctx, so a stage can set Stage once and each unit
// only adds its ItemKey.
func WithAttribution(ctx context.Context, opts RecordOpts) context.Context {
	prev := AttributionFrom(ctx)
	if opts.RunID == "" {
		opts.RunID = prev.RunID
	}
	if opts.StoryID == "" {
		opts.StoryID = prev.StoryID
	}
	if opts.Stage == "" {
		opts.Stage = prev.Stage
	}
	if opts.ItemKey == "" {
		opts.ItemKey = prev.ItemKey
	}
	return context.WithValue(ctx, attributionKey{}, opts)
}

// AttributionFrom returns the attribution stored in ctx, or zero opts.
func AttributionFrom(ctx context.Context) RecordOpts {
	opts, _ := ctx.Value(attributionKey{}).(RecordOpts)
	return opts
}

// PageKey is the item key for a page.
func PageKey(page int) string {
	return fmt.Sprintf("page_%04d", page)
}

// CharacterKey is the item key for a character on a page.
func CharacterKey(slug string, page int) string {
	return fmt.Sprintf("character_%s_%04d", slug, page)
}

// CoverKey is the item key for a cover.
func CoverKey(coverType string) string {
	return "cover_" + coverType
}
