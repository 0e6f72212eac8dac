package charrepair

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"strings"
	"testing"

	"github.com/chrofis/magicalstory/internal/cancel"
	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

// scriptedVerifier answers verifications in order, repeating the last.
type scriptedVerifier struct {
	answers []Verification
	reqs    []VerifyRequest
}

func (s *scriptedVerifier) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	s.reqs = append(s.reqs, req)
	i := min(len(s.reqs)-1, len(s.answers)-1)
	v := s.answers[i]
	return &v, nil
}

var pageImg = imageutil.Solid(40, 40, color.White)

func testStore(t *testing.T) *story.MemoryStore {
	t.Helper()
	s := &story.Story{
		ID: "s1",
		Characters: []story.Character{
			{Name: "Mia", Description: "curly red hair, green eyes", Reference: imageutil.Solid(10, 10, color.Black)},
			{Name: "NoRef"},
		},
	}
	for n := 1; n <= 4; n++ {
		s.Pages = append(s.Pages, story.Page{
			Number: n,
			Image:  pageImg,
			Characters: []story.Appearance{{Name: "Mia", Region: &types.Region{X: 0.1, Y: 0.1, Width: 0.4, Height: 0.6}}},
		})
	}
	store := story.NewMemoryStore()
	if err := store.SaveStory(context.Background(), s); err != nil {
		t.Fatalf("SaveStory() error = %v", err)
	}
	return store
}

func TestShouldReject(t *testing.T) {
	tests := []struct {
		v    Verification
		want bool
	}{
		{Verification{Confidence: types.ConfidenceLow, BeforeScore: 6, AfterScore: 6}, true},
		{Verification{Confidence: types.ConfidenceLow, BeforeScore: 6, AfterScore: 4}, true},
		{Verification{Confidence: types.ConfidenceLow, BeforeScore: 4, AfterScore: 6}, false},
		{Verification{Confidence: types.ConfidenceMedium, BeforeScore: 6, AfterScore: 5}, false},
		{Verification{Confidence: types.ConfidenceHigh, BeforeScore: 2, AfterScore: 9}, false},
	}
	for _, tt := range tests {
		if got, _ := ShouldReject(tt.v); got != tt.want {
			t.Errorf("ShouldReject(%+v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestRepair_Gemini(t *testing.T) {
	store := testStore(t)
	images := providers.NewMockImageProvider()
	verifier := &scriptedVerifier{answers: []Verification{{Confidence: types.ConfidenceHigh, BeforeScore: 4, AfterScore: 9, Explanation: "hair fixed"}}}
	r := New(store, nil, NewGeminiStrategy(images, verifier))

	res, err := r.Repair(context.Background(), nil, "s1", "mia", []int{2, 3}, Options{
		Issues: map[int][]string{2: {"hair is blond instead of red"}},
	})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if res.Character != "Mia" || len(res.PagesCompleted) != 2 || len(res.PagesFailed) != 0 {
		t.Fatalf("Repair() = %+v", res)
	}
	p := res.PagesCompleted[0]
	if p.Backend != types.BackendGemini || p.Confidence != types.ConfidenceHigh || p.AfterImage == "" || p.BeforeImage == p.AfterImage {
		t.Errorf("page 2 = %+v", p)
	}
	if p.ReferenceImage == "" {
		t.Error("ReferenceImage not recorded")
	}

	reqs := images.Requests()
	if !reqs[0].IsEdit() || len(reqs[0].ReferenceImages) != 1 {
		t.Error("gemini repair is not an edit conditioned on the reference")
	}
	if !strings.Contains(reqs[0].Prompt, "hair is blond instead of red") || !strings.Contains(reqs[0].Prompt, "curly red hair") {
		t.Errorf("edit prompt = %q", reqs[0].Prompt)
	}

	// Verification compares crops, not full pages.
	w, _, _ := imageutil.Size(verifier.reqs[0].Before)
	if w >= 40 {
		t.Errorf("before crop width = %d, want a crop", w)
	}

	page, _ := store.Page(context.Background(), "s1", 2)
	if page.Version != 2 {
		t.Errorf("page version = %d, want 2", page.Version)
	}
}

func TestRepair_RejectionPreservesOriginal(t *testing.T) {
	store := testStore(t)
	verifier := &scriptedVerifier{answers: []Verification{{Confidence: types.ConfidenceLow, BeforeScore: 6, AfterScore: 5, Explanation: "face got worse"}}}
	r := New(store, nil, NewGeminiStrategy(providers.NewMockImageProvider(), verifier))

	res, err := r.Repair(context.Background(), nil, "s1", "Mia", []int{1}, Options{})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if len(res.PagesCompleted) != 0 || len(res.PagesFailed) != 1 {
		t.Fatalf("Repair() = %+v, want one failed page", res)
	}
	f := res.PagesFailed[0]
	if !f.Rejected || f.Confidence != types.ConfidenceLow || f.AfterImage != "" || f.Reason == "" {
		t.Errorf("failed page = %+v, want rejected with reason", f)
	}

	page, _ := store.Page(context.Background(), "s1", 1)
	if page.Version != 1 || !bytes.Equal(page.Image, pageImg) {
		t.Error("rejected repair changed the page image")
	}
}

func TestRepair_MagicAPIKeepsBestPass(t *testing.T) {
	store := testStore(t)
	face := &providers.MockFaceSwap{}
	verifier := &scriptedVerifier{answers: []Verification{
		{Confidence: types.ConfidenceLow, BeforeScore: 5, AfterScore: 6},
		{Confidence: types.ConfidenceMedium, BeforeScore: 5, AfterScore: 7},
		{Confidence: types.ConfidenceMedium, BeforeScore: 5, AfterScore: 6.5},
	}}
	r := New(store, nil, NewMagicAPIStrategy(face, verifier, 3))

	res, err := r.Repair(context.Background(), nil, "s1", "Mia", []int{4}, Options{Backend: types.BackendMagicAPI})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if len(res.PagesCompleted) != 1 {
		t.Fatalf("Repair() = %+v", res)
	}
	p := res.PagesCompleted[0]
	if p.Backend != types.BackendMagicAPI || p.Confidence != types.ConfidenceMedium || p.AfterScore != 7 {
		t.Errorf("page = %+v, want best medium pass with score 7", p)
	}
	if swaps, hairs := face.Calls(); swaps != 3 || hairs != 3 {
		t.Errorf("Calls() = %d swaps, %d hairs, want 3 and 3", swaps, hairs)
	}
}

func TestRepair_MagicAPIStopsOnHighConfidence(t *testing.T) {
	store := testStore(t)
	face := &providers.MockFaceSwap{}
	verifier := &scriptedVerifier{answers: []Verification{{Confidence: types.ConfidenceHigh, BeforeScore: 3, AfterScore: 9}}}
	r := New(store, nil, NewMagicAPIStrategy(face, verifier, 3))

	if _, err := r.Repair(context.Background(), nil, "s1", "Mia", []int{1}, Options{Backend: types.BackendMagicAPI}); err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if swaps, _ := face.Calls(); swaps != 1 {
		t.Errorf("swaps = %d, want 1", swaps)
	}
}

func TestRepair_ProviderFailureAttributed(t *testing.T) {
	store := testStore(t)
	face := &providers.MockFaceSwap{ShouldFail: true}
	r := New(store, nil, NewMagicAPIStrategy(face, &scriptedVerifier{answers: []Verification{{}}}, 2))

	res, err := r.Repair(context.Background(), nil, "s1", "Mia", []int{1, 2}, Options{Backend: types.BackendMagicAPI})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if len(res.PagesFailed) != 2 {
		t.Fatalf("PagesFailed = %d, want 2", len(res.PagesFailed))
	}
	if f := res.PagesFailed[0]; f.PageNumber != 1 || f.Rejected || !strings.Contains(f.Reason, "face swap failed") {
		t.Errorf("failure = %+v", f)
	}
}

func TestRepair_Validation(t *testing.T) {
	store := testStore(t)
	images := providers.NewMockImageProvider()
	r := New(store, nil, NewGeminiStrategy(images, &scriptedVerifier{answers: []Verification{{}}}))

	tests := []struct {
		name    string
		char    string
		pages   []int
		backend types.RepairBackend
		want    error
	}{
		{"no pages", "Mia", nil, "", ErrNoPages},
		{"unregistered backend", "Mia", []int{1}, types.BackendMagicAPI, ErrUnknownBackend},
		{"unknown character", "Zed", []int{1}, "", story.ErrNotFound},
		{"no reference", "NoRef", []int{1}, "", ErrNoReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Repair(context.Background(), nil, "s1", tt.char, tt.pages, Options{Backend: tt.backend})
			if !errors.Is(err, tt.want) {
				t.Errorf("Repair() error = %v, want %v", err, tt.want)
			}
		})
	}
	if len(images.Requests()) != 0 {
		t.Error("provider called despite validation failures")
	}
}

func TestRepair_Abort(t *testing.T) {
	store := testStore(t)
	tok := cancel.New()
	verifier := &scriptedVerifier{answers: []Verification{{Confidence: types.ConfidenceHigh, AfterScore: 9}}}
	images := providers.NewMockImageProvider()
	images.Handler = func(req *providers.ImageRequest) ([]byte, error) {
		tok.Abort()
		return pageImg, nil
	}
	r := New(store, nil, NewGeminiStrategy(images, verifier))

	res, err := r.Repair(context.Background(), tok, "s1", "Mia", []int{1, 2, 3}, Options{})
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if len(res.PagesCompleted) != 1 {
		t.Errorf("PagesCompleted = %d, want the in-flight page only", len(res.PagesCompleted))
	}
}

func TestLLMVerifier(t *testing.T) {
	client := providers.NewMockClient(`{"before_score": 4, "after_score": 8.5, "confidence": "HIGH", "explanation": "hair now red"}`)
	// The schema enum is lowercase, so the first answer is repaired by a second turn.
	client.Responses = append(client.Responses, `{"before_score": 4, "after_score": 8.5, "confidence": "high", "explanation": "hair now red"}`)

	v, err := NewLLMVerifier(client, "").Verify(context.Background(), VerifyRequest{
		Character: "Mia",
		Reference: []byte("r"),
		Before:    []byte("b"),
		After:     []byte("a"),
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Confidence != types.ConfidenceHigh || v.AfterScore != 8.5 || v.BeforeScore != 4 {
		t.Errorf("Verify() = %+v", v)
	}
	if n := client.RequestCount(); n != 2 {
		t.Errorf("RequestCount() = %d, want 2", n)
	}
	if imgs := client.Requests()[0].Messages[1].Images; len(imgs) != 3 || string(imgs[0]) != "r" || string(imgs[2]) != "a" {
		t.Errorf("images not in reference, before, after order")
	}
}
