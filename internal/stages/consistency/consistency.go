// Package consistency checks that each character looks the same across the
// pages it appears on.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// DefaultThreshold is the group score (0-10) at or above which a group is consistent.
const DefaultThreshold = 7.0

// DefaultVariant names the group of appearances without a clothing variant.
const DefaultVariant = "default"

// cropPad grows a character box before it is sent for comparison.
const cropPad = 0.15

// ErrNoCharacters is returned when there is nothing to check.
var ErrNoCharacters = errors.New("no characters appear on any page")

// PageImage is one page's view of a character.
type PageImage struct {
	Number int
	Image  []byte
}

// Request asks for one consistency group to be scored.
type Request struct {
	Character   string
	Description string
	Variant     string
	Reference   []byte
	Pages       []PageImage
}

// Analysis is the analyzer's verdict for one group.
type Analysis struct {
	Score  float64 // 0-10
	Issues []types.ConsistencyIssue
}

// Analyzer compares a group of pages against a character's reference.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// Checker builds consistency reports.
type Checker struct {
	analyzer  Analyzer
	threshold float64
	logger    *slog.Logger
}

// New creates a checker. A non-positive threshold uses DefaultThreshold.
func New(analyzer Analyzer, threshold float64, logger *slog.Logger) *Checker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{analyzer: analyzer, threshold: threshold, logger: logger}
}

// group is the set of pages showing a character in one visual state.
type group struct {
	variant string
	pages   []PageImage
}

// Check scores every character, one consistency group per clothing variant.
// A character whose analysis fails carries the error in its breakdown and
// the check continues; if every character fails the check itself fails.
// The token is checked before each character.
func (c *Checker) Check(ctx context.Context, token *cancel.Token, characters []story.Character, pages []story.Page) (*types.ConsistencyReport, error) {
	report := &types.ConsistencyReport{OverallConsistent: true}
	var checked, failed int
	var lastErr error

	for _, ch := range characters {
		if token.Aborted() {
			break
		}
		groups := groupPages(ch.Name, pages)
		if len(groups) == 0 {
			continue
		}
		cctx := metrics.WithAttribution(ctx, metrics.RecordOpts{ItemKey: "character_" + story.Slug(ch.Name)})
		cc, err := c.checkCharacter(cctx, ch, groups)
		checked++
		if err != nil {
			failed++
			lastErr = err
			c.logger.Warn("consistency analysis failed", "character", ch.Name, "error", err)
			cc = types.CharacterConsistency{Character: ch.Name, Error: err.Error()}
			report.OverallConsistent = false
		}
		report.Characters = append(report.Characters, cc)
	}

	if checked == 0 && !token.Aborted() {
		return nil, ErrNoCharacters
	}
	if checked > 0 && failed == checked {
		return nil, fmt.Errorf("consistency analysis failed for all %d characters: %w", checked, lastErr)
	}

	for _, cc := range report.Characters {
		if cc.Error != "" {
			continue
		}
		issues := cc.AllIssues()
		report.TotalIssues += len(issues)
		if !c.consistent(cc) {
			report.OverallConsistent = false
		}
	}
	report.Summary = summarize(report, c.threshold)
	return report, nil
}

func (c *Checker) checkCharacter(ctx context.Context, ch story.Character, groups []group) (types.CharacterConsistency, error) {
	cc := types.CharacterConsistency{Character: ch.Name}
	for _, g := range groups {
		a, err := c.analyzer.Analyze(ctx, Request{
			Character:   ch.Name,
			Description: ch.Description,
			Variant:     g.variant,
			Reference:   ch.Reference,
			Pages:       g.pages,
		})
		if err != nil {
			return cc, fmt.Errorf("variant %s: %w", g.variant, err)
		}
		nums := pageNumbers(g.pages)
		vc := types.VariantConsistency{
			Variant: g.variant,
			Pages:   nums,
			Score:   min(max(a.Score, 0), 10),
			Issues:  c.normalize(a, nums),
		}
		c.logger.Debug("consistency group scored", "character", ch.Name, "variant", g.variant, "score", vc.Score, "issues", len(vc.Issues))
		cc.Variants = append(cc.Variants, vc)
	}

	cc.Score = cc.Variants[0].Score
	for _, v := range cc.Variants[1:] {
		cc.Score = min(cc.Score, v.Score)
	}
	// A single visual state reports flat.
	if len(cc.Variants) == 1 {
		cc.Issues = cc.Variants[0].Issues
		cc.Variants = nil
	}
	return cc, nil
}

// normalize keeps pages-to-fix inside the group and makes sure a group
// below threshold reports at least one issue.
func (c *Checker) normalize(a *Analysis, groupPages []int) []types.ConsistencyIssue {
	var out []types.ConsistencyIssue
	for _, issue := range a.Issues {
		var keep []int
		for _, p := range issue.PagesToFix {
			if slices.Contains(groupPages, p) && !slices.Contains(keep, p) {
				keep = append(keep, p)
			}
		}
		slices.Sort(keep)
		issue.PagesToFix = keep
		if issue.Severity == "" {
			issue.Severity = types.SeverityMinor
		}
		out = append(out, issue)
	}
	if a.Score < c.threshold && len(out) == 0 {
		out = append(out, types.ConsistencyIssue{
			Type:        "appearance",
			Description: fmt.Sprintf("consistency score %.1f is below %.1f", a.Score, c.threshold),
			Severity:    SeverityForScore(a.Score),
			PagesToFix:  slices.Clone(groupPages),
		})
	}
	return out
}

// SeverityForScore grades a low group score.
func SeverityForScore(score float64) types.Severity {
	switch {
	case score < 4:
		return types.SeverityCritical
	case score < 6:
		return types.SeverityMajor
	default:
		return types.SeverityMinor
	}
}

// consistent reports whether every group meets the threshold and no major or
// critical issue exists.
func (c *Checker) consistent(cc types.CharacterConsistency) bool {
	if len(cc.Variants) == 0 && cc.Score < c.threshold {
		return false
	}
	for _, v := range cc.Variants {
		if v.Score < c.threshold {
			return false
		}
	}
	for _, issue := range cc.AllIssues() {
		if issue.Severity.IsSevere() {
			return false
		}
	}
	return true
}

// groupPages collects a character's appearances by variant, in page order.
func groupPages(name string, pages []story.Page) []group {
	sorted := slices.Clone(pages)
	slices.SortFunc(sorted, func(a, b story.Page) int { return a.Number - b.Number })

	var groups []group
	index := make(map[string]int)
	for _, p := range sorted {
		a, ok := p.Appearance(name)
		if !ok || len(p.Image) == 0 {
			continue
		}
		variant := strings.TrimSpace(a.Variant)
		if variant == "" {
			variant = DefaultVariant
		}
		img := p.Image
		if a.Region != nil && a.Region.Valid() {
			if crop, err := imageutil.Crop(p.Image, *a.Region, cropPad); err == nil {
				img = crop
			}
		}
		i, ok := index[variant]
		if !ok {
			i = len(groups)
			index[variant] = i
			groups = append(groups, group{variant: variant})
		}
		groups[i].pages = append(groups[i].pages, PageImage{Number: p.Number, Image: img})
	}
	return groups
}

func pageNumbers(pages []PageImage) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.Number
	}
	return out
}

func summarize(r *types.ConsistencyReport, threshold float64) string {
	var ok, failed int
	for _, cc := range r.Characters {
		switch {
		case cc.Error != "":
			failed++
		case cc.Score >= threshold:
			ok++
		}
	}
	s := fmt.Sprintf("%d of %d characters consistent, %d issues", ok, len(r.Characters), r.TotalIssues)
	if failed > 0 {
		s += fmt.Sprintf(", %d could not be checked", failed)
	}
	return s
}
