package types

import (
	"slices"
	"strings"
)

// Severity grades an issue.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// IsSevere returns true for major and critical issues.
func (s Severity) IsSevere() bool {
	return s == SeverityMajor || s == SeverityCritical
}

// ParseSeverity converts a string to a Severity.
// Returns SeverityMinor if the string is not recognized.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high":
		return SeverityCritical
	case "major", "medium":
		return SeverityMajor
	default:
		return SeverityMinor
	}
}

// Verdict is the coarse pass/fail classification of a page.
type Verdict string

const (
	VerdictPass     Verdict = "PASS"
	VerdictSoftFail Verdict = "SOFT_FAIL"
	VerdictFail     Verdict = "FAIL"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictPass:
		return 1
	case VerdictSoftFail:
		return 2
	case VerdictFail:
		return 3
	default:
		return 0
	}
}

// WorseVerdict returns the more severe of two verdicts. Empty verdicts lose.
func WorseVerdict(a, b Verdict) Verdict {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Region is a rectangle in fractions of the image size (0..1).
type Region struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Valid returns true if the region has a positive area inside the image.
func (r Region) Valid() bool {
	return r.Width > 0 && r.Height > 0 && r.X >= 0 && r.Y >= 0 && r.X < 1 && r.Y < 1
}

// Issue is one problem reported for a page.
type Issue struct {
	Type        string   `json:"type" yaml:"type"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Description string   `json:"description" yaml:"description"`
	Character   string   `json:"character,omitempty" yaml:"character,omitempty"`
	Region      *Region  `json:"region,omitempty" yaml:"region,omitempty"`
}

// PageFeedback is the merged issue report for one page.
type PageFeedback struct {
	PageNumber     int      `json:"page_number"`
	FixableIssues  []Issue  `json:"fixable_issues"`
	EntityIssues   []Issue  `json:"entity_issues"`
	ObjectIssues   []Issue  `json:"object_issues"`
	SemanticIssues []Issue  `json:"semantic_issues"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	SemanticScore  *float64 `json:"semantic_score,omitempty"`
	Verdict        Verdict  `json:"verdict,omitempty"`

	// Display payload, never used for decisions.
	ManualNotes   string `json:"manual_notes,omitempty"`
	IssuesSummary string `json:"issues_summary,omitempty"`
}

// TotalIssues is the sum of the four issue lists.
func (p PageFeedback) TotalIssues() int {
	return len(p.FixableIssues) + len(p.EntityIssues) + len(p.ObjectIssues) + len(p.SemanticIssues)
}

// AllIssues returns the four issue lists concatenated.
func (p PageFeedback) AllIssues() []Issue {
	out := make([]Issue, 0, p.TotalIssues())
	out = append(out, p.FixableIssues...)
	out = append(out, p.EntityIssues...)
	out = append(out, p.ObjectIssues...)
	out = append(out, p.SemanticIssues...)
	return out
}

// Regions returns every valid issue region on the page.
func (p PageFeedback) Regions() []Region {
	var out []Region
	for _, issue := range p.AllIssues() {
		if issue.Region != nil && issue.Region.Valid() {
			out = append(out, *issue.Region)
		}
	}
	return out
}

func (p PageFeedback) clone() PageFeedback {
	p.FixableIssues = slices.Clone(p.FixableIssues)
	p.EntityIssues = slices.Clone(p.EntityIssues)
	p.ObjectIssues = slices.Clone(p.ObjectIssues)
	p.SemanticIssues = slices.Clone(p.SemanticIssues)
	return p
}

// CollectedFeedback is the output of feedback collection.
type CollectedFeedback struct {
	Pages       map[int]PageFeedback `json:"pages"`
	TotalIssues int                  `json:"total_issues"`
}

// PageNumbers returns the page numbers in ascending order.
func (c CollectedFeedback) PageNumbers() []int {
	nums := make([]int, 0, len(c.Pages))
	for n := range c.Pages {
		nums = append(nums, n)
	}
	slices.Sort(nums)
	return nums
}

// Clone returns a deep copy.
func (c CollectedFeedback) Clone() CollectedFeedback {
	out := CollectedFeedback{
		Pages:       make(map[int]PageFeedback, len(c.Pages)),
		TotalIssues: c.TotalIssues,
	}
	for n, p := range c.Pages {
		out.Pages[n] = p.clone()
	}
	return out
}

// IssueTypeMatches reports whether an issue type mentions any of the given keywords.
func IssueTypeMatches(issue Issue, keywords ...string) bool {
	t := strings.ToLower(issue.Type)
	for _, k := range keywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}
