package providers

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Provider kinds held by the registry.
const (
	KindLLM   = "llm"
	KindImage = "image"
	KindFace  = "face"
)

// ProviderConfig is one configured provider with its API key resolved.
type ProviderConfig struct {
	Type      string // "openrouter", "gemini", "openai", "magicapi"
	Model     string
	APIKey    string
	BaseURL   string
	RateLimit int // requests per minute, where the client limits itself
	Enabled   bool
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	LLMProviders   map[string]ProviderConfig
	ImageProviders map[string]ProviderConfig
	FaceProviders  map[string]ProviderConfig
}

// Registry holds the configured LLM, image and face-swap providers.
// It supports config-driven instantiation and hot reload with thread-safe access.
type Registry struct {
	mu     sync.RWMutex
	llm    map[string]LLMClient
	image  map[string]ImageProvider
	face   map[string]FaceSwapProvider
	config map[string]ProviderConfig // kind/name -> config the provider was built from
	logger *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:    make(map[string]LLMClient),
		image:  make(map[string]ImageProvider),
		face:   make(map[string]FaceSwapProvider),
		config: make(map[string]ProviderConfig),
		logger: slog.Default(),
	}
}

// NewRegistryFromConfig creates a registry with the enabled providers that have API keys.
func NewRegistryFromConfig(ctx context.Context, cfg RegistryConfig, logger *slog.Logger) *Registry {
	r := NewRegistry()
	if logger != nil {
		r.logger = logger
	}
	r.Reload(ctx, cfg)
	return r
}

// RegisterLLM registers an LLM client by name.
func (r *Registry) RegisterLLM(name string, client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = client
	r.logger.Info("registered LLM client", "name", name)
}

// RegisterImage registers an image provider by name.
func (r *Registry) RegisterImage(name string, p ImageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[name] = p
	r.logger.Info("registered image provider", "name", name)
}

// RegisterFace registers a face-swap provider by name.
func (r *Registry) RegisterFace(name string, p FaceSwapProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.face[name] = p
	r.logger.Info("registered face-swap provider", "name", name)
}

// GetLLM returns an LLM client by name.
func (r *Registry) GetLLM(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.llm[name]
	if !ok {
		return nil, fmt.Errorf("LLM client not found: %s", name)
	}
	return c, nil
}

// GetImage returns an image provider by name.
func (r *Registry) GetImage(name string) (ImageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.image[name]
	if !ok {
		return nil, fmt.Errorf("image provider not found: %s", name)
	}
	return p, nil
}

// GetFace returns a face-swap provider by name.
func (r *Registry) GetFace(name string) (FaceSwapProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.face[name]
	if !ok {
		return nil, fmt.Errorf("face-swap provider not found: %s", name)
	}
	return p, nil
}

// ListLLM returns all registered LLM client names, sorted.
func (r *Registry) ListLLM() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.llm)
}

// ListImage returns all registered image provider names, sorted.
func (r *Registry) ListImage() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.image)
}

// ListFace returns all registered face-swap provider names, sorted.
func (r *Registry) ListFace() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.face)
}

// RateLimits reports the limiter of every provider that throttles itself,
// keyed by kind/name.
func (r *Registry) RateLimits() map[string]RateLimiterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RateLimiterStatus)
	collectLimits(out, KindLLM, r.llm)
	collectLimits(out, KindImage, r.image)
	collectLimits(out, KindFace, r.face)
	return out
}

func collectLimits[P any](out map[string]RateLimiterStatus, kind string, m map[string]P) {
	for name, p := range m {
		if l, ok := any(p).(interface{ Limiter() *RateLimiter }); ok {
			out[kind+"/"+name] = l.Limiter().Status()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Reload brings the registry in line with cfg. Providers that disappeared or
// were disabled are removed; providers whose settings changed are rebuilt.
// Providers registered directly (not from config) are left alone.
func (r *Registry) Reload(ctx context.Context, cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reloadKind(r, KindLLM, cfg.LLMProviders, r.llm, func(pc ProviderConfig) (LLMClient, error) {
		return createLLMClient(pc)
	})
	reloadKind(r, KindImage, cfg.ImageProviders, r.image, func(pc ProviderConfig) (ImageProvider, error) {
		p, err := createImageProvider(ctx, pc)
		if err != nil {
			return nil, err
		}
		return WithImageLimit(p, pc.RateLimit), nil
	})
	reloadKind(r, KindFace, cfg.FaceProviders, r.face, func(pc ProviderConfig) (FaceSwapProvider, error) {
		p, err := createFaceProvider(pc)
		if err != nil {
			return nil, err
		}
		return WithFaceLimit(p, pc.RateLimit), nil
	})
}

// reloadKind must be called with r.mu held.
func reloadKind[P any](r *Registry, kind string, want map[string]ProviderConfig, have map[string]P, create func(ProviderConfig) (P, error)) {
	for name, pc := range want {
		key := kind + "/" + name
		if !pc.Enabled || pc.APIKey == "" {
			continue
		}
		prev, known := r.config[key]
		if _, exists := have[name]; exists && known && prev == pc {
			continue
		}
		p, err := create(pc)
		if err != nil {
			r.logger.Error("failed to create provider", "kind", kind, "name", name, "type", pc.Type, "error", err)
			continue
		}
		have[name] = p
		r.config[key] = pc
		r.logger.Info("registered provider", "kind", kind, "name", name, "type", pc.Type, "model", pc.Model)
	}

	for key, prev := range r.config {
		name, ok := trimKind(key, kind)
		if !ok {
			continue
		}
		if pc, still := want[name]; still && pc.Enabled && pc.APIKey != "" {
			continue
		}
		delete(have, name)
		delete(r.config, key)
		r.logger.Info("unregistered provider", "kind", kind, "name", name, "type", prev.Type)
	}
}

func trimKind(key, kind string) (string, bool) {
	prefix := kind + "/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

func createLLMClient(cfg ProviderConfig) (LLMClient, error) {
	switch cfg.Type {
	case "openrouter":
		return NewOpenRouterClient(OpenRouterConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			RequestsPerMinute: cfg.RateLimit,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type %q", cfg.Type)
	}
}

func createImageProvider(ctx context.Context, cfg ProviderConfig) (ImageProvider, error) {
	switch cfg.Type {
	case "gemini":
		return NewGeminiImageClient(ctx, GeminiImageConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		return NewOpenAIImageClient(OpenAIImageConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown image provider type %q", cfg.Type)
	}
}

func createFaceProvider(cfg ProviderConfig) (FaceSwapProvider, error) {
	switch cfg.Type {
	case "magicapi":
		return NewMagicAPIClient(MagicAPIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown face-swap provider type %q", cfg.Type)
	}
}
