package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// DefaultEntries returns the default configuration entries.
// These are seeded into DefraDB on first run.
func DefaultEntries() []Entry {
	cfg := DefaultConfig()
	var entries []Entry

	// Providers, in a stable order so seeding logs are readable.
	entries = append(entries, providerEntries("image", "gemini", cfg.ImageProviders["gemini"], "GEMINI_API_KEY")...)
	entries = append(entries, providerEntries("image", "openai", cfg.ImageProviders["openai"], "OPENAI_API_KEY")...)
	entries = append(entries, providerEntries("face", "magicapi", cfg.FaceProviders["magicapi"], "MAGICAPI_API_KEY")...)
	entries = append(entries, providerEntries("llm", "openrouter", cfg.LLMProviders["openrouter"], "OPENROUTER_API_KEY")...)

	wf := cfg.Workflow
	entries = append(entries,
		// ===================
		// Workflow
		// ===================
		Entry{Key: "workflow.score_threshold", Value: wf.ScoreThreshold, Description: "Pages scoring below this are marked for redo (0-100)"},
		Entry{Key: "workflow.issue_threshold", Value: wf.IssueThreshold, Description: "Pages with at least this many issues are marked for redo"},
		Entry{Key: "workflow.max_retries", Value: wf.MaxRetries, Description: "Regeneration attempts per page"},
		Entry{Key: "workflow.accept_score", Value: wf.AcceptScore, Description: "Stop retrying once a regenerated page scores this high"},
		Entry{Key: "workflow.min_score", Value: wf.MinScore, Description: "Regenerated pages below this score are not kept"},
		Entry{Key: "workflow.consistency_threshold", Value: wf.ConsistencyThreshold, Description: "Character consistency scores below this are reported (0-10)"},
		Entry{Key: "workflow.redo_mode", Value: wf.RedoMode, Description: "Page regeneration mode: fresh, reference or blackout"},
		Entry{Key: "workflow.repair_backend", Value: wf.RepairBackend, Description: "Character repair backend: gemini or magicapi"},
		Entry{Key: "workflow.artifact_grid_size", Value: wf.ArtifactGridSize, Description: "Artifact regions repaired per image edit"},
		Entry{Key: "workflow.magicapi_tries", Value: wf.MagicAPITries, Description: "Face-swap attempts per page with the magicapi backend"},

		// ===================
		// Defaults
		// ===================
		Entry{Key: "defaults.image_provider", Value: cfg.Defaults.ImageProvider, Description: "Image provider for page, cover and artifact edits"},
		Entry{Key: "defaults.face_provider", Value: cfg.Defaults.FaceProvider, Description: "Face-swap provider for the magicapi repair backend"},
		Entry{Key: "defaults.llm_provider", Value: cfg.Defaults.LLMProvider, Description: "Vision LLM provider for scoring, consistency and verification"},
		Entry{Key: "defaults.vision_model", Value: cfg.Defaults.VisionModel, Description: "Optional model override for the vision LLM roles"},
	)
	return entries
}

func providerEntries(kind, name string, p ProviderCfg, envVar string) []Entry {
	prefix := fmt.Sprintf("providers.%s.%s.", kind, name)
	entries := []Entry{
		{Key: prefix + "type", Value: p.Type, Description: fmt.Sprintf("%s provider type for %s", kind, name)},
		{Key: prefix + "api_key", Value: p.APIKey, Description: fmt.Sprintf("API key (uses %s)", envVar)},
		{Key: prefix + "rate_limit", Value: p.RateLimit, Description: "Rate limit in requests per minute"},
		{Key: prefix + "enabled", Value: p.Enabled, Description: fmt.Sprintf("Whether the %s provider is enabled", name)},
	}
	if p.Model != "" {
		entries = append(entries, Entry{Key: prefix + "model", Value: p.Model, Description: "Default model"})
	}
	return entries
}

// SeedDefaults writes every default whose key is not stored yet. Stored
// values are never overwritten, so it is safe to call on each start.
func SeedDefaults(ctx context.Context, store Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	stored, err := store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored config: %w", err)
	}

	var seeded []string
	for _, entry := range DefaultEntries() {
		if _, ok := stored[entry.Key]; ok {
			continue
		}
		if err := store.Set(ctx, entry.Key, entry.Value, entry.Description); err != nil {
			return fmt.Errorf("failed to seed key %q: %w", entry.Key, err)
		}
		seeded = append(seeded, entry.Key)
	}
	if len(seeded) > 0 {
		logger.Info("seeded default config entries", "seeded", len(seeded), "kept", len(stored))
		logger.Debug("seeded keys", "keys", seeded)
	}
	return nil
}

// GetDefault returns the default entry for key, or nil.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// ResetToDefault stores the default value and description for key.
func ResetToDefault(ctx context.Context, store Store, key string) error {
	def := GetDefault(key)
	if def == nil {
		return fmt.Errorf("%w for key %q", ErrNoDefault, key)
	}
	return store.Set(ctx, key, def.Value, def.Description)
}
