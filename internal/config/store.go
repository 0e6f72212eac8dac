package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/providers"
)

// ErrInvalidKey is returned for keys outside the dotted key grammar.
var ErrInvalidKey = errors.New("invalid config key")

// ValidateKey accepts dotted keys made of letters, digits, '_' and '-',
// such as providers.image.gemini.rate_limit.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	if i := strings.IndexFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("._-", r)
	}); i >= 0 {
		r, _ := utf8.DecodeRuneInString(key[i:])
		return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
	}
	return nil
}

// Store is the settings table. Reads always go to the backing store.
type Store interface {
	// Get returns the entry for key, or nil when it is not stored.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores value under key. An empty description keeps the stored one.
	Set(ctx context.Context, key string, value any, description string) error
	GetAll(ctx context.Context) (map[string]Entry, error)
	GetByPrefix(ctx context.Context, prefix string) (map[string]Entry, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Entry is one stored setting. Values round-trip through JSON.
type Entry struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Description string `json:"description"`
	DocID       string `json:"_docID,omitempty"`
}

// DefraStore keeps settings in the Config collection.
type DefraStore struct {
	client *defra.Client
}

func NewStore(client *defra.Client) *DefraStore {
	return &DefraStore{client: client}
}

func (s *DefraStore) Get(ctx context.Context, key string) (*Entry, error) {
	docs, err := defra.NewQuery("Config").Filter("name", key).Fields(entryFields...).Docs(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	entries := parseConfigEntries(docs)
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Set creates or replaces the entry for key in one upsert.
func (s *DefraStore) Set(ctx context.Context, key string, value any, description string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	update := map[string]any{"value": string(raw)}
	if description != "" {
		update["description"] = description
	}
	create := map[string]any{"name": key, "value": string(raw), "description": description}
	filter := map[string]any{"name": map[string]any{"_eq": key}}

	if _, err := s.client.Upsert(ctx, "Config", filter, create, update); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *DefraStore) GetAll(ctx context.Context) (map[string]Entry, error) {
	docs, err := defra.NewQuery("Config").Fields(entryFields...).Docs(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return entryMap(parseConfigEntries(docs)), nil
}

func entryMap(entries []Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.Key] = e
	}
	return out
}

// GetByPrefix returns config entries whose key starts with prefix.
func (s *DefraStore) GetByPrefix(ctx context.Context, prefix string) (map[string]Entry, error) {
	if prefix == "" {
		return s.GetAll(ctx)
	}
	docs, err := defra.NewQuery("Config").FilterPrefix("name", prefix).Fields(entryFields...).Docs(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return entryMap(parseConfigEntries(docs)), nil
}

func (s *DefraStore) Delete(ctx context.Context, key string) error {
	e, err := s.Get(ctx, key)
	if err != nil || e == nil {
		return err
	}
	if err := s.client.Delete(ctx, "Config", e.DocID); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var entryFields = []string{"_docID", "name", "value", "description"}

// parseConfigEntries converts Config documents to entries. Values are
// stored as JSON text; anything that does not parse is kept as a string.
func parseConfigEntries(docs []map[string]any) []Entry {
	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entry := Entry{
			DocID:       getString(doc, "_docID"),
			Key:         getString(doc, "name"),
			Description: getString(doc, "description"),
			Value:       doc["value"],
		}
		if raw, ok := doc["value"].(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				entry.Value = parsed
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// StoreToProviderRegistryConfig builds a providers.RegistryConfig from the Store.
// Entries follow providers.<kind>.<name>.<field> with kind image, face or llm.
// ${ENV_VAR} references in API keys are resolved.
func StoreToProviderRegistryConfig(ctx context.Context, store Store) (providers.RegistryConfig, error) {
	cfg := providers.RegistryConfig{}

	all, err := store.GetAll(ctx)
	if err != nil {
		return cfg, fmt.Errorf("failed to get config: %w", err)
	}

	cfg.ImageProviders = providerConfigs(extractProviders(all, "providers.image."))
	cfg.FaceProviders = providerConfigs(extractProviders(all, "providers.face."))
	cfg.LLMProviders = providerConfigs(extractProviders(all, "providers.llm."))
	return cfg, nil
}

func providerConfigs(grouped map[string]map[string]any) map[string]providers.ProviderConfig {
	out := make(map[string]providers.ProviderConfig, len(grouped))
	for name, fields := range grouped {
		out[name] = providers.ProviderConfig{
			Type:      getString(fields, "type"),
			Model:     getString(fields, "model"),
			APIKey:    ResolveEnvVars(getString(fields, "api_key")),
			BaseURL:   getString(fields, "base_url"),
			RateLimit: int(getFloat(fields, "rate_limit")),
			Enabled:   getBool(fields, "enabled"),
		}
	}
	return out
}

// WorkflowFromStore overlays stored workflow.* and defaults.* entries on base.
// Missing or mistyped entries keep the base value.
func WorkflowFromStore(ctx context.Context, store Store, base Config) (Config, error) {
	all, err := store.GetAll(ctx)
	if err != nil {
		return base, fmt.Errorf("failed to get config: %w", err)
	}
	fields := make(map[string]any, len(all))
	for key, e := range all {
		fields[key] = e.Value
	}

	wf := &base.Workflow
	wf.ScoreThreshold = floatOr(fields, "workflow.score_threshold", wf.ScoreThreshold)
	wf.IssueThreshold = int(floatOr(fields, "workflow.issue_threshold", float64(wf.IssueThreshold)))
	wf.MaxRetries = int(floatOr(fields, "workflow.max_retries", float64(wf.MaxRetries)))
	wf.AcceptScore = floatOr(fields, "workflow.accept_score", wf.AcceptScore)
	wf.MinScore = floatOr(fields, "workflow.min_score", wf.MinScore)
	wf.ConsistencyThreshold = floatOr(fields, "workflow.consistency_threshold", wf.ConsistencyThreshold)
	wf.RedoMode = stringOr(fields, "workflow.redo_mode", wf.RedoMode)
	wf.RepairBackend = stringOr(fields, "workflow.repair_backend", wf.RepairBackend)
	wf.ArtifactGridSize = int(floatOr(fields, "workflow.artifact_grid_size", float64(wf.ArtifactGridSize)))
	wf.MagicAPITries = int(floatOr(fields, "workflow.magicapi_tries", float64(wf.MagicAPITries)))

	d := &base.Defaults
	d.ImageProvider = stringOr(fields, "defaults.image_provider", d.ImageProvider)
	d.FaceProvider = stringOr(fields, "defaults.face_provider", d.FaceProvider)
	d.LLMProvider = stringOr(fields, "defaults.llm_provider", d.LLMProvider)
	d.VisionModel = stringOr(fields, "defaults.vision_model", d.VisionModel)
	return base, nil
}

// extractProviders groups <prefix><name>.<field> entries by provider name.
func extractProviders(entries map[string]Entry, prefix string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, e := range entries {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		name, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		if out[name] == nil {
			out[name] = make(map[string]any)
		}
		out[name][field] = e.Value
	}
	return out
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) float64 {
	f, _ := toFloat(m[key])
	return f
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func floatOr(m map[string]any, key string, def float64) float64 {
	if f, ok := toFloat(m[key]); ok {
		return f
	}
	return def
}

func stringOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
