// Package story holds the story model the repair workflow reads and rewrites,
// and the stores that persist it.
package story

import (
	"slices"
	"strings"

	"github.com/chrofis/magicalstory/internal/types"
)

// Story is a generated picture book.
type Story struct {
	ID         string      `json:"id" yaml:"id"`
	Title      string      `json:"title" yaml:"title"`
	Pages      []Page      `json:"pages" yaml:"pages"`
	Characters []Character `json:"characters" yaml:"characters"`
	Covers     []Cover     `json:"covers" yaml:"covers"`
}

// Page is one illustrated page and the issue reports produced when it was generated.
type Page struct {
	Number               int          `json:"number" yaml:"number"`
	Description          string       `json:"description" yaml:"description"`
	CorrectedDescription string       `json:"corrected_description,omitempty" yaml:"corrected_description,omitempty"`
	ImageRef             string       `json:"image_ref" yaml:"-"`
	Image                []byte       `json:"-" yaml:"-"`
	Version              int          `json:"version" yaml:"-"`
	Characters           []Appearance `json:"characters,omitempty" yaml:"characters,omitempty"`

	Quality      *Report       `json:"quality,omitempty" yaml:"quality,omitempty"`
	EntityIssues []types.Issue `json:"entity_issues,omitempty" yaml:"entity_issues,omitempty"`
	ObjectIssues []types.Issue `json:"object_issues,omitempty" yaml:"object_issues,omitempty"`
	Semantic     *Report       `json:"semantic,omitempty" yaml:"semantic,omitempty"`
	ManualNotes  string        `json:"manual_notes,omitempty" yaml:"manual_notes,omitempty"`
}

// Report is a scored issue report for a page.
type Report struct {
	Score   *float64      `json:"score,omitempty" yaml:"score,omitempty"`
	Verdict types.Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	Issues  []types.Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Appearance records that a character is drawn on a page.
type Appearance struct {
	Name    string        `json:"name" yaml:"name"`
	Variant string        `json:"variant,omitempty" yaml:"variant,omitempty"` // clothing variant
	Region  *types.Region `json:"region,omitempty" yaml:"region,omitempty"`
}

// Character is a recurring character with a canonical reference image.
type Character struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	ReferenceRef string `json:"reference_ref" yaml:"-"`
	Reference    []byte `json:"-" yaml:"-"`
	Version      int    `json:"version" yaml:"-"`
}

// Cover is a front, back or dedication image.
type Cover struct {
	Type        types.CoverType `json:"type" yaml:"type"`
	Description string          `json:"description" yaml:"description"`
	ImageRef    string          `json:"image_ref" yaml:"-"`
	Image       []byte          `json:"-" yaml:"-"`
	Version     int             `json:"version" yaml:"-"`
}

// Prompt returns the scene description a regeneration should use.
func (p Page) Prompt() string {
	if strings.TrimSpace(p.CorrectedDescription) != "" {
		return p.CorrectedDescription
	}
	return p.Description
}

// Appearance returns the named character's appearance on the page.
func (p Page) Appearance(name string) (Appearance, bool) {
	for _, a := range p.Characters {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Appearance{}, false
}

// Page returns the page with the given number.
func (s *Story) Page(num int) (*Page, bool) {
	for i := range s.Pages {
		if s.Pages[i].Number == num {
			return &s.Pages[i], true
		}
	}
	return nil, false
}

// Character returns the named character (case-insensitive).
func (s *Story) Character(name string) (*Character, bool) {
	for i := range s.Characters {
		if strings.EqualFold(s.Characters[i].Name, name) {
			return &s.Characters[i], true
		}
	}
	return nil, false
}

// Cover returns the cover of the given type.
func (s *Story) Cover(t types.CoverType) (*Cover, bool) {
	for i := range s.Covers {
		if s.Covers[i].Type == t {
			return &s.Covers[i], true
		}
	}
	return nil, false
}

// PageNumbers returns all page numbers in ascending order.
func (s *Story) PageNumbers() []int {
	nums := make([]int, 0, len(s.Pages))
	for _, p := range s.Pages {
		nums = append(nums, p.Number)
	}
	slices.Sort(nums)
	return nums
}

// PagesByNumber returns the requested pages in the given order, skipping unknown numbers.
func (s *Story) PagesByNumber(nums []int) []Page {
	out := make([]Page, 0, len(nums))
	for _, n := range nums {
		if p, ok := s.Page(n); ok {
			out = append(out, *p)
		}
	}
	return out
}

// CoverTypes returns the cover types present in the story, in display order.
func (s *Story) CoverTypes() []types.CoverType {
	var out []types.CoverType
	for _, ct := range types.CoverTypes {
		if _, ok := s.Cover(ct); ok {
			out = append(out, ct)
		}
	}
	return out
}

// Slug converts a character name into a filesystem-safe key.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "character"
	}
	return b.String()
}
