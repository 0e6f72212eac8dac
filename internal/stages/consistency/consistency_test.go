package consistency

import (
	"context"
	"errors"
	"image/color"
	"slices"
	"strings"
	"testing"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

type fakeAnalyzer struct {
	answers map[string]*Analysis // character/variant
	fail    map[string]bool      // character
	reqs    []Request
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	f.reqs = append(f.reqs, req)
	if f.fail[req.Character] {
		return nil, errors.New("provider unreachable")
	}
	if a, ok := f.answers[req.Character+"/"+req.Variant]; ok {
		return a, nil
	}
	return &Analysis{Score: 9}, nil
}

var img = imageutil.Solid(20, 20, color.White)

func pages() []story.Page {
	return []story.Page{
		{Number: 3, Image: img, Characters: []story.Appearance{{Name: "Mia", Variant: "pajamas"}}},
		{Number: 1, Image: img, Characters: []story.Appearance{{Name: "Mia"}, {Name: "Tom", Region: &types.Region{X: 0.5, Y: 0.5, Width: 0.5, Height: 0.5}}}},
		{Number: 2, Image: img, Characters: []story.Appearance{{Name: "Mia"}, {Name: "Tom"}}},
		{Number: 4, Image: img, Characters: []story.Appearance{{Name: "Mia", Variant: "pajamas"}}},
	}
}

func characters() []story.Character {
	return []story.Character{
		{Name: "Mia", Reference: img},
		{Name: "Tom", Reference: img},
		{Name: "Ghost", Reference: img},
	}
}

func TestCheck_GroupsByVariant(t *testing.T) {
	an := &fakeAnalyzer{answers: map[string]*Analysis{
		"Mia/pajamas": {Score: 5, Issues: []types.ConsistencyIssue{
			{Type: "hair", Description: "hair turns blond", Severity: types.SeverityMajor, PagesToFix: []int{4, 9, 4}},
		}},
	}}

	report, err := New(an, 7, nil).Check(context.Background(), nil, characters(), pages())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(report.Characters) != 2 {
		t.Fatalf("characters = %d, want 2 (Ghost never appears)", len(report.Characters))
	}

	mia := report.Characters[0]
	if len(mia.Variants) != 2 {
		t.Fatalf("Mia variants = %d, want 2", len(mia.Variants))
	}
	if mia.Variants[0].Variant != DefaultVariant || !slices.Equal(mia.Variants[0].Pages, []int{1, 2}) {
		t.Errorf("Mia default group = %+v", mia.Variants[0])
	}
	if mia.Variants[1].Variant != "pajamas" || !slices.Equal(mia.Variants[1].Pages, []int{3, 4}) {
		t.Errorf("Mia pajamas group = %+v", mia.Variants[1])
	}
	if mia.Score != 5 {
		t.Errorf("Mia score = %v, want lowest group score 5", mia.Score)
	}
	if got := mia.Variants[1].Issues[0].PagesToFix; !slices.Equal(got, []int{4}) {
		t.Errorf("PagesToFix = %v, want [4] (restricted to group, deduplicated)", got)
	}

	tom := report.Characters[1]
	if len(tom.Variants) != 0 || tom.Score != 9 {
		t.Errorf("Tom = %+v, want flat report with score 9", tom)
	}

	if report.OverallConsistent {
		t.Error("OverallConsistent = true with a major issue")
	}
	if report.TotalIssues != 1 {
		t.Errorf("TotalIssues = %d, want 1", report.TotalIssues)
	}
	if got := report.PagesWithSevereIssues("mia"); !slices.Equal(got, []int{4}) {
		t.Errorf("PagesWithSevereIssues(mia) = %v, want [4]", got)
	}
}

func TestCheck_Consistent(t *testing.T) {
	an := &fakeAnalyzer{answers: map[string]*Analysis{
		"Tom/default": {Score: 7, Issues: []types.ConsistencyIssue{{Description: "slightly darker shirt", Severity: types.SeverityMinor}}},
	}}
	report, err := New(an, 7, nil).Check(context.Background(), nil, characters()[1:2], pages())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !report.OverallConsistent {
		t.Error("OverallConsistent = false, want true at threshold with only minor issues")
	}
}

func TestCheck_SynthesizesIssueBelowThreshold(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Severity
	}{
		{2, types.SeverityCritical},
		{5, types.SeverityMajor},
		{6.5, types.SeverityMinor},
	}
	for _, tt := range tests {
		an := &fakeAnalyzer{answers: map[string]*Analysis{"Tom/default": {Score: tt.score}}}
		report, err := New(an, 7, nil).Check(context.Background(), nil, characters()[1:2], pages())
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		tom := report.Characters[0]
		if len(tom.Issues) != 1 || tom.Issues[0].Severity != tt.want {
			t.Errorf("score %v: issues = %+v, want one %s issue", tt.score, tom.Issues, tt.want)
			continue
		}
		if !slices.Equal(tom.Issues[0].PagesToFix, []int{1, 2}) {
			t.Errorf("score %v: PagesToFix = %v, want [1 2]", tt.score, tom.Issues[0].PagesToFix)
		}
		if report.OverallConsistent {
			t.Errorf("score %v: OverallConsistent = true", tt.score)
		}
	}
}

func TestCheck_CharacterFailureAttributed(t *testing.T) {
	an := &fakeAnalyzer{fail: map[string]bool{"Tom": true}}
	report, err := New(an, 7, nil).Check(context.Background(), nil, characters(), pages())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	tom := report.Characters[1]
	if tom.Character != "Tom" || !strings.Contains(tom.Error, "provider unreachable") {
		t.Errorf("Tom = %+v, want attributed error", tom)
	}
	if report.OverallConsistent {
		t.Error("OverallConsistent = true with an unchecked character")
	}
}

func TestCheck_AllFail(t *testing.T) {
	an := &fakeAnalyzer{fail: map[string]bool{"Mia": true, "Tom": true}}
	if _, err := New(an, 7, nil).Check(context.Background(), nil, characters(), pages()); err == nil {
		t.Error("Check() error = nil, want failure when every character fails")
	}
}

func TestCheck_NoCharacters(t *testing.T) {
	_, err := New(&fakeAnalyzer{}, 7, nil).Check(context.Background(), nil, characters()[2:], pages())
	if !errors.Is(err, ErrNoCharacters) {
		t.Errorf("Check() error = %v, want ErrNoCharacters", err)
	}
}

func TestCheck_Abort(t *testing.T) {
	tok := cancel.New()
	tok.Abort()
	an := &fakeAnalyzer{}
	report, err := New(an, 7, nil).Check(context.Background(), tok, characters(), pages())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(report.Characters) != 0 || len(an.reqs) != 0 {
		t.Errorf("aborted Check() analyzed %d groups", len(an.reqs))
	}
}

func TestCheck_CropsKnownRegions(t *testing.T) {
	an := &fakeAnalyzer{}
	if _, err := New(an, 7, nil).Check(context.Background(), nil, characters()[1:2], pages()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	w, _, err := imageutil.Size(an.reqs[0].Pages[0].Image)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if w >= 20 {
		t.Errorf("page 1 crop width = %d, want smaller than the page", w)
	}
}

func TestLLMAnalyzer(t *testing.T) {
	client := providers.NewMockClient(`{"score": 6, "issues": [
		{"type": "hair", "description": "hair is shorter", "severity": "major", "pages_to_fix": [2]}
	]}`)
	a, err := NewLLMAnalyzer(client, "").Analyze(context.Background(), Request{
		Character: "Mia",
		Variant:   "pajamas",
		Reference: img,
		Pages:     []PageImage{{Number: 2, Image: img}, {Number: 5, Image: img}},
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if a.Score != 6 || len(a.Issues) != 1 || a.Issues[0].Severity != types.SeverityMajor {
		t.Errorf("Analyze() = %+v", a)
	}
	msg := client.Requests()[0].Messages[1]
	if len(msg.Images) != 3 {
		t.Errorf("images = %d, want reference plus 2 pages", len(msg.Images))
	}
	if !strings.Contains(msg.Content, "Pages in order: 2, 5") || !strings.Contains(msg.Content, "pajamas") {
		t.Errorf("user prompt = %q", msg.Content)
	}

	if _, err := NewLLMAnalyzer(client, "").Analyze(context.Background(), Request{Character: "Tom"}); err == nil {
		t.Error("Analyze() without reference error = nil")
	}
}
