package workflow

import (
	"fmt"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/config"
	"github.com/chrofis/magicalstory/internal/metrics"
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

// BuildOptions selects the providers and tuning each stage is built with.
type BuildOptions struct {
	ImageProvider        string
	FaceProvider         string // optional; without it only the gemini backend exists
	LLMProvider          string
	VisionModel          string
	ConsistencyThreshold float64
	ArtifactBatchSize    int
	MagicAPITries        int
}

// FromConfig derives the workflow defaults and build options from loaded config.
func FromConfig(c *config.Config) (Config, BuildOptions, error) {
	wf := c.Workflow
	mode, err := regen.ParseMode(wf.RedoMode)
	if err != nil {
		return Config{}, BuildOptions{}, fmt.Errorf("workflow.redo_mode: %w", err)
	}
	backend, err := types.ParseRepairBackend(wf.RepairBackend)
	if err != nil {
		return Config{}, BuildOptions{}, fmt.Errorf("workflow.repair_backend: %w", err)
	}
	cfg := Config{
		ScoreThreshold: wf.ScoreThreshold,
		IssueThreshold: wf.IssueThreshold,
		MaxRetries:     wf.MaxRetries,
		AcceptScore:    wf.AcceptScore,
		MinScore:       wf.MinScore,
		RedoMode:       mode,
		RepairBackend:  backend,
	}
	opts := BuildOptions{
		ImageProvider:        c.Defaults.ImageProvider,
		FaceProvider:         c.Defaults.FaceProvider,
		LLMProvider:          c.Defaults.LLMProvider,
		VisionModel:          c.Defaults.VisionModel,
		ConsistencyThreshold: wf.ConsistencyThreshold,
		ArtifactBatchSize:    wf.ArtifactGridSize,
		MagicAPITries:        wf.MagicAPITries,
	}
	return cfg, opts, nil
}

// BuildStages wires every stage to the registry's providers. Provider calls
// are recorded through rec when it is non-nil.
func BuildStages(store story.Store, reg *providers.Registry, opts BuildOptions, rec *metrics.Recorder, logger *slog.Logger) (Stages, error) {
	if logger == nil {
		logger = slog.Default()
	}

	llm, err := reg.GetLLM(opts.LLMProvider)
	if err != nil {
		return Stages{}, fmt.Errorf("llm provider: %w", err)
	}
	images, err := reg.GetImage(opts.ImageProvider)
	if err != nil {
		return Stages{}, fmt.Errorf("image provider: %w", err)
	}
	llm = metrics.InstrumentLLM(llm, rec)
	images = metrics.InstrumentImage(images, rec)

	evaluator := evaluate.New(evaluate.NewLLMScorer(llm, opts.VisionModel), logger)
	verifier := charrepair.NewLLMVerifier(llm, opts.VisionModel)

	strategies := []charrepair.Strategy{charrepair.NewGeminiStrategy(images, verifier)}
	if opts.FaceProvider != "" {
		face, err := reg.GetFace(opts.FaceProvider)
		if err != nil {
			logger.Warn("face provider unavailable, magicapi repair disabled", "provider", opts.FaceProvider, "error", err)
		} else {
			strategies = append(strategies, charrepair.NewMagicAPIStrategy(metrics.InstrumentFace(face, rec), verifier, opts.MagicAPITries))
		}
	}

	return Stages{
		Regen:       regen.New(store, images, evaluator, logger),
		Evaluator:   evaluator,
		Consistency: consistency.New(consistency.NewLLMAnalyzer(llm, opts.VisionModel), opts.ConsistencyThreshold, logger),
		Characters:  charrepair.New(store, logger, strategies...),
		Artifacts:   artifact.New(store, images, opts.ArtifactBatchSize, logger),
		Covers:      cover.New(store, images, logger),
	}, nil
}
