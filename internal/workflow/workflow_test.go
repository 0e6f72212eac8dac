package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chrofis/magicalstory/internal/imageutil"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/stages/artifact"
	"github.com/chrofis/magicalstory/internal/stages/charrepair"
	"github.com/chrofis/magicalstory/internal/stages/consistency"
	"github.com/chrofis/magicalstory/internal/stages/cover"
	"github.com/chrofis/magicalstory/internal/stages/evaluate"
	"github.com/chrofis/magicalstory/internal/stages/regen"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

const storyID = "story-1"

type scorerFunc func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error)

func (f scorerFunc) Score(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
	return f(ctx, req)
}

type analyzerFunc func(ctx context.Context, req consistency.Request) (*consistency.Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, req consistency.Request) (*consistency.Analysis, error) {
	return f(ctx, req)
}

type verifierFunc func(ctx context.Context, req charrepair.VerifyRequest) (*charrepair.Verification, error)

func (f verifierFunc) Verify(ctx context.Context, req charrepair.VerifyRequest) (*charrepair.Verification, error) {
	return f(ctx, req)
}

func fixedScore(q float64) scorerFunc {
	return func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
		return &evaluate.Score{Quality: q}, nil
	}
}

func consistent(ctx context.Context, req consistency.Request) (*consistency.Analysis, error) {
	return &consistency.Analysis{Score: 9}, nil
}

func confident(ctx context.Context, req charrepair.VerifyRequest) (*charrepair.Verification, error) {
	return &charrepair.Verification{Confidence: types.ConfidenceHigh, BeforeScore: 3, AfterScore: 8}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	starts   []string
	finishes map[string]jobs.Status
}

func (r *fakeRecorder) Start(ctx context.Context, runType, storyID, step string, metadata map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, runType+":"+step)
	return fmt.Sprintf("run-%d", len(r.starts)), nil
}

func (r *fakeRecorder) Finish(ctx context.Context, runID string, status jobs.Status, errMsg string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishes == nil {
		r.finishes = make(map[string]jobs.Status)
	}
	r.finishes[runID] = status
	return nil
}

type harness struct {
	store    *story.MemoryStore
	images   *providers.MockImageProvider
	recorder *fakeRecorder
	orch     *Orchestrator
	original []byte
}

// newHarness builds a story whose page 2 scored badly at generation time,
// with Mia drawn on every page and a front cover.
func newHarness(t *testing.T, pages int, scorer evaluate.Scorer, analyzer consistency.Analyzer, verifier charrepair.Verifier) *harness {
	t.Helper()
	h := &harness{
		store:    story.NewMemoryStore(),
		images:   providers.NewMockImageProvider(),
		recorder: &fakeRecorder{},
		original: imageutil.Solid(32, 32, color.White),
	}
	s := &story.Story{
		ID:         storyID,
		Title:      "Mia and the Moon",
		Characters: []story.Character{{Name: "Mia", Description: "girl with red braids", Reference: imageutil.Solid(16, 16, color.Black)}},
		Covers:     []story.Cover{{Type: types.CoverFront, Description: "Mia waving at the moon", Image: h.original}},
	}
	for n := 1; n <= pages; n++ {
		score := 90.0
		if n == 2 {
			score = 30
		}
		s.Pages = append(s.Pages, story.Page{
			Number:      n,
			Description: fmt.Sprintf("Mia on page %d", n),
			Image:       h.original,
			Characters:  []story.Appearance{{Name: "Mia"}},
			Quality:     &story.Report{Score: types.Float(score)},
		})
	}
	if err := h.store.SaveStory(context.Background(), s); err != nil {
		t.Fatalf("SaveStory() error = %v", err)
	}

	evaluator := evaluate.New(scorer, nil)
	h.orch = New(storyID, Deps{
		Store: h.store,
		Stages: Stages{
			Regen:       regen.New(h.store, h.images, evaluator, nil),
			Evaluator:   evaluator,
			Consistency: consistency.New(analyzer, 0, nil),
			Characters:  charrepair.New(h.store, nil, charrepair.NewGeminiStrategy(h.images, verifier)),
			Artifacts:   artifact.New(h.store, h.images, 0, nil),
			Covers:      cover.New(h.store, h.images, nil),
		},
		Recorder: h.recorder,
	})
	return h
}

func (h *harness) pageVersion(t *testing.T, n int) int {
	t.Helper()
	p, err := h.store.Page(context.Background(), storyID, n)
	if err != nil {
		t.Fatalf("Page(%d) error = %v", n, err)
	}
	return p.Version
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for o.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("workflow still running after 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_AllPending(t *testing.T) {
	h := newHarness(t, 1, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	st := h.orch.State()
	for _, s := range types.Steps {
		if st.StepStatus[s] != types.StatusPending {
			t.Errorf("StepStatus[%s] = %s, want pending", s, st.StepStatus[s])
		}
	}
	if h.orch.IsRunning() || h.orch.IsAborted() {
		t.Error("new orchestrator is running or aborted")
	}
}

func TestRunStage_AbortStopsBeforeNextPage(t *testing.T) {
	var (
		orch  *Orchestrator
		calls atomic.Int32
	)
	scorer := scorerFunc(func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
		if calls.Add(1) == 2 {
			orch.Abort()
		}
		return &evaluate.Score{Quality: 80}, nil
	})
	h := newHarness(t, 5, scorer, analyzerFunc(consistent), verifierFunc(confident))
	orch = h.orch

	res, err := orch.RunStage(context.Background(), types.StepRedoPages, StageInput{Pages: []int{1, 2, 3, 4, 5}, MaxRetries: 1})
	if err != nil {
		t.Fatalf("RunStage() error = %v", err)
	}
	if res.Status != types.StatusSkipped || res.Done != 2 || res.Total != 5 {
		t.Errorf("RunStage() = %+v, want skipped after 2/5", res)
	}
	if res.Note != "aborted after 2/5" {
		t.Errorf("Note = %q, want %q", res.Note, "aborted after 2/5")
	}

	st := orch.State()
	if st.StepStatus[types.StepRedoPages] != types.StatusSkipped {
		t.Errorf("redo-pages status = %s, want skipped", st.StepStatus[types.StepRedoPages])
	}
	if got := len(st.RedoResults.PagesCompleted); got != 2 {
		t.Errorf("PagesCompleted = %d, want 2", got)
	}
	for n, want := range map[int]int{1: 2, 2: 2, 3: 1, 4: 1, 5: 1} {
		if got := h.pageVersion(t, n); got != want {
			t.Errorf("page %d version = %d, want %d", n, got, want)
		}
	}
	if p := orch.Progress().Redo; p.Current != 2 || p.Total != 5 {
		t.Errorf("Progress().Redo = %+v, want 2/5", p)
	}
	if !orch.IsAborted() || orch.IsRunning() {
		t.Errorf("IsAborted() = %v, IsRunning() = %v", orch.IsAborted(), orch.IsRunning())
	}
	if st.StepStatus[types.StepIdentifyRedoPages] != types.StatusSkipped {
		t.Errorf("bypassed predecessor status = %s, want skipped", st.StepStatus[types.StepIdentifyRedoPages])
	}
}

func TestRunStage_RejectsConcurrentRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	scorer := scorerFunc(func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
		once.Do(func() { close(entered) })
		<-release
		return &evaluate.Score{Quality: 75}, nil
	})
	h := newHarness(t, 2, scorer, analyzerFunc(consistent), verifierFunc(confident))
	o := h.orch

	if err := o.StartStage(context.Background(), types.StepReEvaluate, StageInput{Pages: []int{1}}); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}
	<-entered

	before := o.State()
	if _, err := o.RunStage(context.Background(), types.StepCollectFeedback, StageInput{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunStage() error = %v, want ErrAlreadyRunning", err)
	}
	if err := o.StartFullWorkflow(context.Background(), FullConfig{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("StartFullWorkflow() error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := o.ToggleRedoPage(2); !errors.Is(err, ErrRunning) {
		t.Errorf("ToggleRedoPage() error = %v, want ErrRunning", err)
	}
	if err := o.Reset(); !errors.Is(err, ErrRunning) {
		t.Errorf("Reset() error = %v, want ErrRunning", err)
	}
	after := o.State()
	if after.StepStatus[types.StepCollectFeedback] != types.StatusPending {
		t.Errorf("collect-feedback status = %s, want pending", after.StepStatus[types.StepCollectFeedback])
	}
	if after.StepStatus[types.StepReEvaluate] != types.StatusInProgress || len(after.RedoPages.List()) != len(before.RedoPages.List()) {
		t.Errorf("state changed by rejected calls: %+v", after.StepStatus)
	}
	if snap := o.Snapshot(); !snap.IsRunning || snap.Current != types.StepReEvaluate {
		t.Errorf("Snapshot() = running %v, current %s", snap.IsRunning, snap.Current)
	}

	close(release)
	waitIdle(t, o)

	st := o.State()
	if st.StepStatus[types.StepReEvaluate] != types.StatusCompleted {
		t.Errorf("re-evaluate status = %s, want completed", st.StepStatus[types.StepReEvaluate])
	}
	if r, ok := st.ReEvaluationResults[1]; !ok || r.Score != 75 {
		t.Errorf("ReEvaluationResults[1] = %+v, %v", r, ok)
	}
}

func TestRunStage_Validation(t *testing.T) {
	h := newHarness(t, 2, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	tests := []struct {
		name string
		step types.Step
		in   StageInput
	}{
		{"idle is not a stage", types.StepIdle, StageInput{}},
		{"unknown mode", types.StepRedoPages, StageInput{Pages: []int{1}, Mode: "sketch"}},
		{"unknown backend", types.StepCharacterRepair, StageInput{Characters: []string{"Mia"}, Pages: []int{1}, Backend: "dalle"}},
		{"bad page", types.StepRedoPages, StageInput{Pages: []int{0}}},
		{"threshold out of range", types.StepIdentifyRedoPages, StageInput{ScoreThreshold: 120}},
		{"no redo pages", types.StepRedoPages, StageInput{}},
		{"unknown cover", types.StepCoverRepair, StageInput{CoverTypes: []types.CoverType{"spine"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.RunStage(context.Background(), tt.step, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("RunStage() error = %v, want ErrValidation", err)
			}
		})
	}
	st := h.orch.State()
	for _, s := range types.Steps {
		if st.StepStatus[s] != types.StatusPending {
			t.Errorf("StepStatus[%s] = %s after rejected runs, want pending", s, st.StepStatus[s])
		}
	}
	if len(h.images.Requests()) != 0 {
		t.Errorf("image requests = %d, want 0", len(h.images.Requests()))
	}
}

func TestCharacterRepair_AutoSelectionNeedsConsistencyCheck(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	analyzer := analyzerFunc(func(ctx context.Context, req consistency.Request) (*consistency.Analysis, error) {
		if broken.Load() {
			return nil, fmt.Errorf("analyzer unavailable")
		}
		return &consistency.Analysis{Score: 3, Issues: []types.ConsistencyIssue{
			{Type: "hair", Description: "braids are blonde", Severity: types.SeverityCritical, PagesToFix: []int{2}},
		}}, nil
	})
	h := newHarness(t, 3, fixedScore(80), analyzer, verifierFunc(confident))
	o := h.orch
	ctx := context.Background()

	if _, err := o.RunStage(ctx, types.StepCharacterRepair, StageInput{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("RunStage(character-repair) before consistency error = %v, want ErrValidation", err)
	}

	res, err := o.RunStage(ctx, types.StepConsistencyCheck, StageInput{})
	if err != nil {
		t.Fatalf("RunStage(consistency-check) error = %v", err)
	}
	if res.Status != types.StatusFailed {
		t.Fatalf("consistency-check status = %s, want failed", res.Status)
	}
	if got := o.State().StageErrors[types.StepConsistencyCheck]; got == "" {
		t.Error("StageErrors[consistency-check] is empty")
	}
	if got := o.PagesWithSevereIssuesForCharacter("Mia"); len(got) != 0 {
		t.Errorf("PagesWithSevereIssuesForCharacter() = %v after failed check, want none", got)
	}
	if _, err := o.RunStage(ctx, types.StepCharacterRepair, StageInput{}); !errors.Is(err, ErrValidation) {
		t.Errorf("auto character-repair after failed check error = %v, want ErrValidation", err)
	}

	// Manual selection still works.
	res, err = o.RunStage(ctx, types.StepCharacterRepair, StageInput{Characters: []string{"Mia"}, Pages: []int{3}})
	if err != nil {
		t.Fatalf("manual RunStage(character-repair) error = %v", err)
	}
	if res.Status != types.StatusCompleted || h.pageVersion(t, 3) != 2 {
		t.Errorf("manual repair status = %s, page 3 version = %d", res.Status, h.pageVersion(t, 3))
	}
	st := o.State()
	if got := st.StepStatus[types.StepConsistencyCheck]; got != types.StatusFailed {
		t.Errorf("consistency-check after manual repair = %s, want failed", got)
	}
	if st.StageErrors[types.StepConsistencyCheck] == "" {
		t.Error("manual repair cleared the consistency-check error")
	}
	if got := st.StageNotes[types.StepCharacterRepair]; !strings.Contains(got, "failed consistency-check") {
		t.Errorf("StageNotes[character-repair] = %q, want the bypass noted", got)
	}

	broken.Store(false)
	if res, err := o.RunStage(ctx, types.StepConsistencyCheck, StageInput{}); err != nil || res.Status != types.StatusCompleted {
		t.Fatalf("RunStage(consistency-check) = %+v, %v", res, err)
	}
	if got := o.PagesWithSevereIssuesForCharacter("mia"); !slices.Equal(got, []int{2}) {
		t.Fatalf("PagesWithSevereIssuesForCharacter() = %v, want [2]", got)
	}
	res, err = o.RunStage(ctx, types.StepCharacterRepair, StageInput{})
	if err != nil {
		t.Fatalf("auto RunStage(character-repair) error = %v", err)
	}
	if res.Total != 1 || h.pageVersion(t, 2) != 2 {
		t.Errorf("auto repair total = %d, page 2 version = %d", res.Total, h.pageVersion(t, 2))
	}
	done := o.State().CharacterRepairResults["Mia"].PagesCompleted
	if len(done) != 1 || done[0].PageNumber != 2 {
		t.Errorf("CharacterRepairResults[Mia].PagesCompleted = %+v", done)
	}
}

func TestCharacterRepair_RejectionKeepsOriginal(t *testing.T) {
	verifier := verifierFunc(func(ctx context.Context, req charrepair.VerifyRequest) (*charrepair.Verification, error) {
		return &charrepair.Verification{Confidence: types.ConfidenceLow, BeforeScore: 6, AfterScore: 5, Explanation: "face changed"}, nil
	})
	h := newHarness(t, 2, fixedScore(80), analyzerFunc(consistent), verifier)

	res, err := h.orch.RunStage(context.Background(), types.StepCharacterRepair, StageInput{Characters: []string{"Mia"}, Pages: []int{1}})
	if err != nil {
		t.Fatalf("RunStage() error = %v", err)
	}
	if res.Status != types.StatusCompleted || len(res.Failures) != 0 {
		t.Errorf("RunStage() = %+v, want completed without unit failures", res)
	}
	r := h.orch.State().CharacterRepairResults["Mia"]
	if len(r.PagesFailed) != 1 || !r.PagesFailed[0].Rejected {
		t.Fatalf("PagesFailed = %+v, want one rejected page", r.PagesFailed)
	}
	p, _ := h.store.Page(context.Background(), storyID, 1)
	if p.Version != 1 || !bytes.Equal(p.Image, h.original) {
		t.Errorf("page 1 version = %d, image replaced = %v", p.Version, !bytes.Equal(p.Image, h.original))
	}
}

func TestRunFullWorkflow(t *testing.T) {
	h := newHarness(t, 3, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	var (
		mu     sync.Mutex
		events []string
	)
	err := h.orch.RunFullWorkflow(context.Background(), FullConfig{
		OnProgress: func(step types.Step, detail string) {
			mu.Lock()
			events = append(events, string(step)+" "+detail)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("RunFullWorkflow() error = %v", err)
	}

	st := h.orch.State()
	want := map[types.Step]types.Status{
		types.StepIdle:              types.StatusPending,
		types.StepCollectFeedback:   types.StatusCompleted,
		types.StepIdentifyRedoPages: types.StatusCompleted,
		types.StepRedoPages:         types.StatusCompleted,
		types.StepReEvaluate:        types.StatusCompleted,
		types.StepConsistencyCheck:  types.StatusCompleted,
		types.StepCharacterRepair:   types.StatusSkipped,
		types.StepArtifactRepair:    types.StatusSkipped,
		types.StepCoverRepair:       types.StatusCompleted,
	}
	for step, status := range want {
		if st.StepStatus[step] != status {
			t.Errorf("StepStatus[%s] = %s, want %s", step, st.StepStatus[step], status)
		}
	}
	if got := st.RedoPages.List(); !slices.Equal(got, []int{2}) {
		t.Errorf("RedoPages = %v, want [2]", got)
	}
	if h.pageVersion(t, 2) != 2 || h.pageVersion(t, 1) != 1 {
		t.Errorf("page versions = %d, %d; want only page 2 replaced", h.pageVersion(t, 1), h.pageVersion(t, 2))
	}
	if _, ok := st.ReEvaluationResults[2]; !ok {
		t.Error("page 2 was not re-evaluated")
	}
	if r := st.CoverRepairResults[types.CoverFront]; r.Error != "" || r.Version != 2 {
		t.Errorf("CoverRepairResults[front] = %+v", r)
	}
	if st.StageNotes[types.StepArtifactRepair] == "" {
		t.Error("artifact-repair skipped without a note")
	}

	if !slices.Contains(events, "redo-pages page 2 (1/1)") {
		t.Errorf("progress events = %v, want redo page event", events)
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.starts) != 7 || h.recorder.starts[0] != "full_workflow:" {
		t.Errorf("recorded starts = %v, want full run plus 6 stages", h.recorder.starts)
	}
	for id, status := range h.recorder.finishes {
		if status != jobs.StatusCompleted {
			t.Errorf("run %s finished %s, want completed", id, status)
		}
	}
}

func TestRunFullWorkflow_FailureBlocksLaterStages(t *testing.T) {
	analyzer := analyzerFunc(func(ctx context.Context, req consistency.Request) (*consistency.Analysis, error) {
		return nil, fmt.Errorf("provider unreachable")
	})
	h := newHarness(t, 2, fixedScore(80), analyzer, verifierFunc(confident))

	err := h.orch.RunFullWorkflow(context.Background(), FullConfig{})
	if err == nil || !strings.Contains(err.Error(), "consistency-check") {
		t.Fatalf("RunFullWorkflow() error = %v, want consistency-check failure", err)
	}
	st := h.orch.State()
	if st.StepStatus[types.StepConsistencyCheck] != types.StatusFailed {
		t.Errorf("consistency-check = %s, want failed", st.StepStatus[types.StepConsistencyCheck])
	}
	if got := st.StepStatus[types.StepCharacterRepair]; got != types.StatusSkipped ||
		!strings.Contains(st.StageNotes[types.StepCharacterRepair], "blocked by failed consistency-check") {
		t.Errorf("character-repair = %s (%q), want skipped as blocked", got, st.StageNotes[types.StepCharacterRepair])
	}
	// Artifact repair has nothing to fix; it is skipped on its own, not blocked.
	if note := st.StageNotes[types.StepArtifactRepair]; strings.Contains(note, "blocked") {
		t.Errorf("artifact-repair note = %q, want it unaffected by the failure", note)
	}
	if got := st.StepStatus[types.StepCoverRepair]; got != types.StatusCompleted {
		t.Errorf("cover-repair = %s, want completed despite the failed check", got)
	}
	if h.orch.IsRunning() {
		t.Error("IsRunning() = true after RunFullWorkflow returned")
	}
}

func TestRunFullWorkflow_Abort(t *testing.T) {
	var (
		orch  *Orchestrator
		calls atomic.Int32
	)
	scorer := scorerFunc(func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
		if calls.Add(1) == 1 {
			orch.Abort()
		}
		return &evaluate.Score{Quality: 80}, nil
	})
	h := newHarness(t, 4, scorer, analyzerFunc(consistent), verifierFunc(confident))
	orch = h.orch

	if err := orch.RunFullWorkflow(context.Background(), FullConfig{ScoreThreshold: 95}); err != nil {
		t.Fatalf("RunFullWorkflow() error = %v, want nil for an abort", err)
	}

	st := orch.State()
	for _, step := range []types.Step{types.StepCollectFeedback, types.StepIdentifyRedoPages} {
		if st.StepStatus[step] != types.StatusCompleted {
			t.Errorf("StepStatus[%s] = %s, want completed", step, st.StepStatus[step])
		}
	}
	if got := st.StepStatus[types.StepRedoPages]; got != types.StatusSkipped {
		t.Errorf("redo-pages = %s, want skipped", got)
	}
	if got := st.StageNotes[types.StepRedoPages]; got != "aborted after 1/4" {
		t.Errorf("redo-pages note = %q, want %q", got, "aborted after 1/4")
	}
	for _, step := range types.RepairSteps()[3:] {
		if st.StepStatus[step] != types.StatusPending {
			t.Errorf("StepStatus[%s] = %s, want pending after abort", step, st.StepStatus[step])
		}
	}
	if got := len(st.RedoResults.PagesCompleted); got != 1 {
		t.Errorf("PagesCompleted = %d, want 1", got)
	}
	if h.pageVersion(t, 1) != 2 || h.pageVersion(t, 2) != 1 {
		t.Errorf("page versions = %d, %d; want only page 1 replaced", h.pageVersion(t, 1), h.pageVersion(t, 2))
	}
	if !orch.IsAborted() || orch.IsRunning() {
		t.Errorf("IsAborted() = %v, IsRunning() = %v", orch.IsAborted(), orch.IsRunning())
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.starts) != 4 {
		t.Fatalf("recorded starts = %v, want full run plus 3 stages", h.recorder.starts)
	}
	want := map[string]jobs.Status{
		"run-1": jobs.StatusCancelled,
		"run-2": jobs.StatusCompleted,
		"run-3": jobs.StatusCompleted,
		"run-4": jobs.StatusCancelled,
	}
	for id, status := range want {
		if got := h.recorder.finishes[id]; got != status {
			t.Errorf("run %s finished %s, want %s", id, got, status)
		}
	}
}

func TestToggleAndIdentifyKeepManualPages(t *testing.T) {
	h := newHarness(t, 4, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	o := h.orch
	ctx := context.Background()

	if _, err := o.ToggleRedoPage(4); err != nil {
		t.Fatalf("ToggleRedoPage() error = %v", err)
	}
	if _, err := o.RunStage(ctx, types.StepCollectFeedback, StageInput{}); err != nil {
		t.Fatalf("RunStage(collect-feedback) error = %v", err)
	}
	if _, err := o.RunStage(ctx, types.StepIdentifyRedoPages, StageInput{}); err != nil {
		t.Fatalf("RunStage(identify-redo-pages) error = %v", err)
	}
	if got := o.State().RedoPages.List(); !slices.Equal(got, []int{2, 4}) {
		t.Errorf("RedoPages = %v, want [2 4]", got)
	}

	pages, err := o.ToggleRedoPage(4)
	if err != nil || !slices.Equal(pages.List(), []int{2}) {
		t.Errorf("ToggleRedoPage(4) = %v, %v; want [2]", pages.List(), err)
	}
	if _, err := o.ToggleRedoPage(0); !errors.Is(err, ErrValidation) {
		t.Errorf("ToggleRedoPage(0) error = %v, want ErrValidation", err)
	}
	if err := o.ClearRedoPages(); err != nil || len(o.State().RedoPages.List()) != 0 {
		t.Errorf("ClearRedoPages() = %v, pages left %v", err, o.State().RedoPages.List())
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, 2, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	if _, err := h.orch.RunStage(context.Background(), types.StepCollectFeedback, StageInput{}); err != nil {
		t.Fatalf("RunStage() error = %v", err)
	}
	if err := h.orch.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	st := h.orch.State()
	if st.StepStatus[types.StepCollectFeedback] != types.StatusPending || len(st.CollectedFeedback.Pages) != 0 {
		t.Errorf("state after Reset() = %+v", st.StepStatus)
	}
}

func TestStateIsSnapshot(t *testing.T) {
	h := newHarness(t, 2, fixedScore(80), analyzerFunc(consistent), verifierFunc(confident))
	st := h.orch.State()
	st.StepStatus[types.StepCoverRepair] = types.StatusCompleted
	st.RedoPages.Manual[1] = true
	again := h.orch.State()
	if again.StepStatus[types.StepCoverRepair] != types.StatusPending || again.RedoPages.Contains(1) {
		t.Error("mutating a State() copy changed the orchestrator")
	}
}

func TestManager(t *testing.T) {
	m := NewManager(Deps{Store: story.NewMemoryStore()})
	a := m.Get("a")
	if m.Get("a") != a {
		t.Error("Get() returned a different orchestrator for the same story")
	}
	b := m.Get("b")
	if _, err := a.ToggleRedoPage(3); err != nil {
		t.Fatalf("ToggleRedoPage() error = %v", err)
	}
	if b.State().RedoPages.Contains(3) {
		t.Error("stories share redo pages")
	}
	if got := m.Stories(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Stories() = %v", got)
	}
	if err := m.Discard("a"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, ok := m.Lookup("a"); ok {
		t.Error("Lookup() found a discarded workflow")
	}
	if _, err := a.RunStage(context.Background(), types.StepCollectFeedback, StageInput{}); !errors.Is(err, ErrDiscarded) {
		t.Errorf("RunStage() on discarded workflow error = %v, want ErrDiscarded", err)
	}
	if err := a.StartFullWorkflow(context.Background(), FullConfig{}); !errors.Is(err, ErrDiscarded) {
		t.Errorf("StartFullWorkflow() on discarded workflow error = %v, want ErrDiscarded", err)
	}
	if m.Get("a") == a {
		t.Error("Get() after Discard() returned the discarded orchestrator")
	}

	saved := false
	if err := m.Replace("b", func() error { saved = true; return nil }); err != nil || !saved {
		t.Errorf("Replace() = %v, saved = %v", err, saved)
	}
	if _, ok := m.Lookup("b"); ok {
		t.Error("Replace() kept the previous workflow")
	}
}

func TestManager_ReplaceRejectsRunningWorkflow(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	scorer := scorerFunc(func(ctx context.Context, req evaluate.Request) (*evaluate.Score, error) {
		once.Do(func() { close(entered) })
		<-release
		return &evaluate.Score{Quality: 80}, nil
	})
	h := newHarness(t, 2, scorer, analyzerFunc(consistent), verifierFunc(confident))
	m := NewManager(Deps{})
	m.workflows[storyID] = h.orch

	if err := h.orch.StartStage(context.Background(), types.StepReEvaluate, StageInput{Pages: []int{1}}); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}
	<-entered

	saved := false
	err := m.Replace(storyID, func() error { saved = true; return nil })
	if !errors.Is(err, ErrRunning) || saved {
		t.Errorf("Replace() while running = %v, saved = %v; want ErrRunning without saving", err, saved)
	}
	close(release)
	waitIdle(t, h.orch)

	if o, ok := m.Lookup(storyID); !ok || o != h.orch {
		t.Error("rejected Replace() dropped the running workflow")
	}
	if _, err := h.orch.RunStage(context.Background(), types.StepCollectFeedback, StageInput{}); err != nil {
		t.Errorf("RunStage() after rejected Replace() error = %v", err)
	}
}
