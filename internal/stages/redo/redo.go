// Package redo selects the pages that need full regeneration.
package redo

import (
	"fmt"
	"strings"

	"github.com/chrofis/magicalstory/internal/types"
)

// Selector applies the redo thresholds to collected feedback. When a page has
// been re-evaluated, the re-evaluation score and issue count replace the
// feedback values.
type Selector struct {
	Feedback     types.CollectedFeedback
	ReEvaluation map[int]types.EvaluationResult
}

// AutoIdentify recomputes the auto-selected pages and keeps the manual toggles
// of current. A page qualifies iff its score is below scoreThreshold or its
// issue count is at least issueThreshold.
func (s Selector) AutoIdentify(current types.RedoPages, scoreThreshold float64, issueThreshold int) types.RedoPages {
	out := current.Clone()
	out.Auto = make(map[int]string)

	for _, n := range s.pageNumbers() {
		score, issues := s.measure(n)
		var reasons []string
		if score != nil && *score < scoreThreshold {
			reasons = append(reasons, fmt.Sprintf("score %s < %s", formatScore(*score), formatScore(scoreThreshold)))
		}
		if issueThreshold > 0 && issues >= issueThreshold {
			reasons = append(reasons, fmt.Sprintf("%d issues >= %d", issues, issueThreshold))
		}
		if len(reasons) > 0 {
			out.Auto[n] = strings.Join(reasons, "; ")
		}
	}
	return out
}

// measure returns the score and issue count that decide a page's selection.
func (s Selector) measure(page int) (*float64, int) {
	if r, ok := s.ReEvaluation[page]; ok {
		score := r.Score
		return &score, len(r.Issues)
	}
	pf := s.Feedback.Pages[page]
	return pf.QualityScore, pf.TotalIssues()
}

func (s Selector) pageNumbers() []int {
	nums := s.Feedback.PageNumbers()
	for n := range s.ReEvaluation {
		if _, ok := s.Feedback.Pages[n]; !ok {
			nums = append(nums, n)
		}
	}
	return nums
}

// Toggle flips the manual selection of a page. Auto selection is untouched,
// so an auto-selected page stays marked until the set is cleared.
func Toggle(current types.RedoPages, page int) types.RedoPages {
	out := current.Clone()
	if out.Manual[page] {
		delete(out.Manual, page)
	} else {
		out.Manual[page] = true
	}
	return out
}

// Clear returns an empty selection.
func Clear() types.RedoPages {
	return types.NewRedoPages()
}

func formatScore(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.1f", v), "0"), ".")
}
