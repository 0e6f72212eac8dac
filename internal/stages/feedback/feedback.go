// Package feedback merges the per-page issue reports produced upstream
// (quality review, character entity checks, object checks, semantic review)
// into one feedback record per page.
package feedback

import (
	"fmt"
	"strings"

	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// Kind names the issue list a report feeds.
type Kind string

const (
	KindQuality  Kind = "quality" // fixable issues plus the quality score
	KindEntity   Kind = "entity"
	KindObject   Kind = "object"
	KindSemantic Kind = "semantic"
)

// Report is one upstream report for one page.
type Report struct {
	Page        int
	Kind        Kind
	Issues      []types.Issue
	Score       *float64
	Verdict     types.Verdict
	ManualNotes string
}

// Source is an ordered batch of reports from one upstream checker.
// Later sources are more recent.
type Source struct {
	Name    string
	Reports []Report
}

// Collect merges sources into per-page feedback. Issue lists are concatenated
// in source order; the most recent non-empty score, verdict and notes win.
// Collect never modifies its inputs, so repeated calls give identical results.
func Collect(sources ...Source) types.CollectedFeedback {
	out := types.CollectedFeedback{Pages: make(map[int]types.PageFeedback)}
	for _, src := range sources {
		for _, r := range src.Reports {
			pf, ok := out.Pages[r.Page]
			if !ok {
				pf = types.PageFeedback{PageNumber: r.Page}
			}
			switch r.Kind {
			case KindQuality:
				pf.FixableIssues = append(pf.FixableIssues, r.Issues...)
				if r.Score != nil {
					pf.QualityScore = types.Float(*r.Score)
				}
			case KindEntity:
				pf.EntityIssues = append(pf.EntityIssues, r.Issues...)
			case KindObject:
				pf.ObjectIssues = append(pf.ObjectIssues, r.Issues...)
			case KindSemantic:
				pf.SemanticIssues = append(pf.SemanticIssues, r.Issues...)
				if r.Score != nil {
					pf.SemanticScore = types.Float(*r.Score)
				}
			}
			if r.Verdict != "" {
				pf.Verdict = r.Verdict
			}
			if r.ManualNotes != "" {
				pf.ManualNotes = r.ManualNotes
			}
			out.Pages[r.Page] = pf
		}
	}

	for n, pf := range out.Pages {
		pf.IssuesSummary = Summary(pf)
		out.Pages[n] = pf
		out.TotalIssues += pf.TotalIssues()
	}
	return out
}

// FromPages builds the four upstream sources from the reports stored on each page.
func FromPages(pages []story.Page) []Source {
	quality := Source{Name: "quality"}
	entity := Source{Name: "entity"}
	object := Source{Name: "object"}
	semantic := Source{Name: "semantic"}

	for _, p := range pages {
		q := Report{Page: p.Number, Kind: KindQuality, ManualNotes: p.ManualNotes}
		if p.Quality != nil {
			q.Issues = p.Quality.Issues
			q.Score = p.Quality.Score
			q.Verdict = p.Quality.Verdict
		}
		// Every page gets a quality report so pages without issues still appear.
		quality.Reports = append(quality.Reports, q)

		if len(p.EntityIssues) > 0 {
			entity.Reports = append(entity.Reports, Report{Page: p.Number, Kind: KindEntity, Issues: p.EntityIssues})
		}
		if len(p.ObjectIssues) > 0 {
			object.Reports = append(object.Reports, Report{Page: p.Number, Kind: KindObject, Issues: p.ObjectIssues})
		}
		if p.Semantic != nil {
			semantic.Reports = append(semantic.Reports, Report{
				Page:    p.Number,
				Kind:    KindSemantic,
				Issues:  p.Semantic.Issues,
				Score:   p.Semantic.Score,
				Verdict: p.Semantic.Verdict,
			})
		}
	}
	return []Source{quality, entity, object, semantic}
}

// Summary renders a short human-readable digest of a page's issues.
// It is display payload only.
func Summary(pf types.PageFeedback) string {
	if pf.TotalIssues() == 0 {
		return "no issues"
	}
	var parts []string
	for _, c := range []struct {
		label  string
		issues []types.Issue
	}{
		{"fixable", pf.FixableIssues},
		{"character", pf.EntityIssues},
		{"object", pf.ObjectIssues},
		{"semantic", pf.SemanticIssues},
	} {
		if len(c.issues) == 0 {
			continue
		}
		severe := 0
		for _, i := range c.issues {
			if i.Severity.IsSevere() {
				severe++
			}
		}
		part := fmt.Sprintf("%d %s", len(c.issues), c.label)
		if severe > 0 {
			part += fmt.Sprintf(" (%d severe)", severe)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
