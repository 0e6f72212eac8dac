package types

import (
	"fmt"
	"slices"
	"strings"
)

// UnitKind identifies what a unit failure refers to.
type UnitKind string

const (
	UnitPage      UnitKind = "page"
	UnitCharacter UnitKind = "character"
	UnitCover     UnitKind = "cover"
)

// UnitFailure attributes a failure to the page, character or cover it affected.
type UnitFailure struct {
	Kind   UnitKind `json:"kind"`
	ID     string   `json:"id"`
	Reason string   `json:"reason"`
}

// PageFailure builds a UnitFailure for a page.
func PageFailure(page int, reason string) UnitFailure {
	return UnitFailure{Kind: UnitPage, ID: fmt.Sprintf("%d", page), Reason: reason}
}

func (f UnitFailure) String() string {
	return fmt.Sprintf("%s %s: %s", f.Kind, f.ID, f.Reason)
}

// RedoPages is the set of pages marked for regeneration.
// A page is in the set iff it was auto-identified or manually toggled in.
type RedoPages struct {
	Auto   map[int]string `json:"auto"`   // page -> rule(s) that selected it
	Manual map[int]bool   `json:"manual"` // pages toggled in by the operator
}

// NewRedoPages returns an empty set.
func NewRedoPages() RedoPages {
	return RedoPages{Auto: make(map[int]string), Manual: make(map[int]bool)}
}

// Contains reports whether a page is marked.
func (r RedoPages) Contains(page int) bool {
	_, auto := r.Auto[page]
	return auto || r.Manual[page]
}

// List returns the marked pages in ascending order.
func (r RedoPages) List() []int {
	seen := make(map[int]bool, len(r.Auto)+len(r.Manual))
	var out []int
	for p := range r.Auto {
		seen[p] = true
		out = append(out, p)
	}
	for p, on := range r.Manual {
		if on && !seen[p] {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Reason returns why a page is marked.
func (r RedoPages) Reason(page int) string {
	var parts []string
	if reason, ok := r.Auto[page]; ok {
		parts = append(parts, reason)
	}
	if r.Manual[page] {
		parts = append(parts, "manually selected")
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy.
func (r RedoPages) Clone() RedoPages {
	out := NewRedoPages()
	for k, v := range r.Auto {
		out.Auto[k] = v
	}
	for k, v := range r.Manual {
		if v {
			out.Manual[k] = true
		}
	}
	return out
}

// RedoResult records one regenerated page.
type RedoResult struct {
	PageNumber    int      `json:"page_number"`
	Version       int      `json:"version"`
	Mode          string   `json:"mode"`
	Attempts      int      `json:"attempts"`
	BeforeImage   string   `json:"before_image"`
	AfterImage    string   `json:"after_image"`
	BlackoutImage string   `json:"blackout_image,omitempty"`
	BeforeScore   *float64 `json:"before_score,omitempty"`
	AfterScore    *float64 `json:"after_score,omitempty"`
}

// RedoResults holds the outcome of the redo stage.
type RedoResults struct {
	PagesCompleted []RedoResult  `json:"pages_completed"`
	PagesFailed    []UnitFailure `json:"pages_failed"`
}

// Merge returns r updated with a later redo run. Pages the later run touched
// take its outcome; every other page keeps its earlier record.
func (r RedoResults) Merge(later RedoResults) RedoResults {
	touched := make(map[string]bool)
	for _, p := range later.PagesCompleted {
		touched[fmt.Sprintf("%d", p.PageNumber)] = true
	}
	for _, f := range later.PagesFailed {
		touched[f.ID] = true
	}

	var out RedoResults
	for _, p := range r.PagesCompleted {
		if !touched[fmt.Sprintf("%d", p.PageNumber)] {
			out.PagesCompleted = append(out.PagesCompleted, p)
		}
	}
	for _, f := range r.PagesFailed {
		if !touched[f.ID] {
			out.PagesFailed = append(out.PagesFailed, f)
		}
	}
	out.PagesCompleted = append(out.PagesCompleted, later.PagesCompleted...)
	out.PagesFailed = append(out.PagesFailed, later.PagesFailed...)
	slices.SortStableFunc(out.PagesCompleted, func(a, b RedoResult) int { return a.PageNumber - b.PageNumber })
	return out
}

// EvaluationResult is the scored state of one page.
type EvaluationResult struct {
	PageNumber    int      `json:"page_number"`
	QualityScore  float64  `json:"quality_score"`
	SemanticScore *float64 `json:"semantic_score,omitempty"`
	Score         float64  `json:"score"` // combined
	Verdict       Verdict  `json:"verdict"`
	Issues        []Issue  `json:"issues,omitempty"`
}

// ConsistencyIssue is an appearance inconsistency for one character.
type ConsistencyIssue struct {
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	PagesToFix  []int    `json:"pages_to_fix,omitempty"`
}

// VariantConsistency scores one consistency group of a character.
type VariantConsistency struct {
	Variant string             `json:"variant"`
	Pages   []int              `json:"pages"`
	Score   float64            `json:"score"` // 0-10
	Issues  []ConsistencyIssue `json:"issues,omitempty"`
}

// CharacterConsistency is the per-character breakdown of a consistency report.
// Characters drawn in a single visual state have Issues and Score set directly;
// characters with several clothing variants report through Variants.
type CharacterConsistency struct {
	Character string               `json:"character"`
	Score     float64              `json:"score"`
	Issues    []ConsistencyIssue   `json:"issues,omitempty"`
	Variants  []VariantConsistency `json:"variants,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// AllIssues returns the flat and per-variant issues of the character.
func (c CharacterConsistency) AllIssues() []ConsistencyIssue {
	out := slices.Clone(c.Issues)
	for _, v := range c.Variants {
		out = append(out, v.Issues...)
	}
	return out
}

// ConsistencyReport is the result of the consistency check.
type ConsistencyReport struct {
	OverallConsistent bool                   `json:"overall_consistent"`
	TotalIssues       int                    `json:"total_issues"`
	Summary           string                 `json:"summary"`
	Characters        []CharacterConsistency `json:"characters"`
}

// PagesWithSevereIssues returns pages that major or critical issues recommend fixing
// for the named character, in ascending order.
func (r *ConsistencyReport) PagesWithSevereIssues(character string) []int {
	if r == nil {
		return nil
	}
	set := make(map[int]bool)
	for _, c := range r.Characters {
		if !strings.EqualFold(c.Character, character) {
			continue
		}
		for _, issue := range c.AllIssues() {
			if !issue.Severity.IsSevere() {
				continue
			}
			for _, p := range issue.PagesToFix {
				set[p] = true
			}
		}
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy.
func (r *ConsistencyReport) Clone() *ConsistencyReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Characters = make([]CharacterConsistency, len(r.Characters))
	for i, c := range r.Characters {
		c.Issues = cloneConsistencyIssues(c.Issues)
		variants := make([]VariantConsistency, len(c.Variants))
		for j, v := range c.Variants {
			v.Pages = slices.Clone(v.Pages)
			v.Issues = cloneConsistencyIssues(v.Issues)
			variants[j] = v
		}
		if c.Variants == nil {
			variants = nil
		}
		c.Variants = variants
		out.Characters[i] = c
	}
	return &out
}

func cloneConsistencyIssues(in []ConsistencyIssue) []ConsistencyIssue {
	if in == nil {
		return nil
	}
	out := make([]ConsistencyIssue, len(in))
	for i, issue := range in {
		issue.PagesToFix = slices.Clone(issue.PagesToFix)
		out[i] = issue
	}
	return out
}

// RepairBackend selects the character repair implementation.
type RepairBackend string

const (
	BackendGemini   RepairBackend = "gemini"
	BackendMagicAPI RepairBackend = "magicapi"
)

// ParseRepairBackend converts a string to a RepairBackend.
func ParseRepairBackend(s string) (RepairBackend, error) {
	switch RepairBackend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendGemini, "":
		return BackendGemini, nil
	case BackendMagicAPI:
		return BackendMagicAPI, nil
	default:
		return "", fmt.Errorf("unknown repair backend %q", s)
	}
}

// Confidence is the verification confidence of a repair.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence converts a string to a Confidence.
// Returns ConfidenceLow if the string is not recognized.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Rank orders confidences so that higher is better.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// CharacterRepairPage is the outcome of repairing one character on one page.
type CharacterRepairPage struct {
	PageNumber     int           `json:"page_number"`
	Backend        RepairBackend `json:"backend"`
	BeforeImage    string        `json:"before_image"`
	AfterImage     string        `json:"after_image,omitempty"`
	ReferenceImage string        `json:"reference_image"`
	Confidence     Confidence    `json:"confidence,omitempty"`
	Explanation    string        `json:"explanation,omitempty"`
	BeforeScore    float64       `json:"before_score"`
	AfterScore     float64       `json:"after_score"`
	Rejected       bool          `json:"rejected"`
	Reason         string        `json:"reason,omitempty"`
}

// CharacterRepairResult holds the per-page repair outcomes for one character.
type CharacterRepairResult struct {
	Character      string                `json:"character"`
	PagesCompleted []CharacterRepairPage `json:"pages_completed"`
	PagesFailed    []CharacterRepairPage `json:"pages_failed"`
}

// ArtifactRepairResult aggregates one artifact repair run.
type ArtifactRepairResult struct {
	PagesProcessed int           `json:"pages_processed"`
	IssuesFixed    int           `json:"issues_fixed"`
	Pages          []int         `json:"pages,omitempty"`
	Failures       []UnitFailure `json:"failures,omitempty"`
}

// CoverType names a cover image.
type CoverType string

const (
	CoverFront      CoverType = "front"
	CoverBack       CoverType = "back"
	CoverDedication CoverType = "dedication"
)

// CoverTypes lists all cover types in display order.
var CoverTypes = []CoverType{CoverFront, CoverBack, CoverDedication}

// ParseCoverType converts a string to a CoverType.
func ParseCoverType(s string) (CoverType, error) {
	ct := CoverType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(CoverTypes, ct) {
		return "", fmt.Errorf("unknown cover type %q", s)
	}
	return ct, nil
}

// CoverResult is the outcome of regenerating one cover.
type CoverResult struct {
	Type    CoverType `json:"type"`
	Image   string    `json:"image,omitempty"`
	Version int       `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
}
