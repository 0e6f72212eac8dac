package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/chrofis/magicalstory/internal/providers"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	defaults := DefaultConfig()
	v.SetDefault("image_providers", defaults.ImageProviders)
	v.SetDefault("face_providers", defaults.FaceProviders)
	v.SetDefault("llm_providers", defaults.LLMProviders)
	v.SetDefault("defaults.image_provider", defaults.Defaults.ImageProvider)
	v.SetDefault("defaults.face_provider", defaults.Defaults.FaceProvider)
	v.SetDefault("defaults.llm_provider", defaults.Defaults.LLMProvider)
	v.SetDefault("defaults.vision_model", defaults.Defaults.VisionModel)
	v.SetDefault("workflow.score_threshold", defaults.Workflow.ScoreThreshold)
	v.SetDefault("workflow.issue_threshold", defaults.Workflow.IssueThreshold)
	v.SetDefault("workflow.max_retries", defaults.Workflow.MaxRetries)
	v.SetDefault("workflow.accept_score", defaults.Workflow.AcceptScore)
	v.SetDefault("workflow.min_score", defaults.Workflow.MinScore)
	v.SetDefault("workflow.consistency_threshold", defaults.Workflow.ConsistencyThreshold)
	v.SetDefault("workflow.redo_mode", defaults.Workflow.RedoMode)
	v.SetDefault("workflow.repair_backend", defaults.Workflow.RepairBackend)
	v.SetDefault("workflow.artifact_grid_size", defaults.Workflow.ArtifactGridSize)
	v.SetDefault("workflow.magicapi_tries", defaults.Workflow.MagicAPITries)
	v.SetDefault("defra.container_name", defaults.Defra.ContainerName)
	v.SetDefault("defra.image", defaults.Defra.Image)
	v.SetDefault("defra.port", defaults.Defra.Port)

	// Environment variables with MAGICALSTORY_ prefix, e.g. MAGICALSTORY_WORKFLOW_MAX_RETRIES
	v.SetEnvPrefix("MAGICALSTORY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.magicalstory")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cm.reload()
	})
	cm.v.WatchConfig()
}

func (cm *Manager) reload() {
	cfg, err := cm.load()
	if err != nil {
		return
	}

	cm.mu.Lock()
	cm.config = cfg
	callbacks := make([]func(*Config), len(cm.callbacks))
	copy(callbacks, cm.callbacks)
	cm.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	return providers.RegistryConfig{
		LLMProviders:   toProviderConfigs(c.LLMProviders),
		ImageProviders: toProviderConfigs(c.ImageProviders),
		FaceProviders:  toProviderConfigs(c.FaceProviders),
	}
}

func toProviderConfigs(in map[string]ProviderCfg) map[string]providers.ProviderConfig {
	out := make(map[string]providers.ProviderConfig, len(in))
	for name, p := range in {
		out[name] = providers.ProviderConfig{
			Type:      p.Type,
			Model:     p.Model,
			APIKey:    ResolveEnvVars(p.APIKey),
			BaseURL:   p.BaseURL,
			RateLimit: p.RateLimit,
			Enabled:   p.Enabled,
		}
	}
	return out
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# MagicalStory configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell or a .env file:
#   GEMINI_API_KEY, OPENAI_API_KEY, MAGICAPI_API_KEY, OPENROUTER_API_KEY

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

var envKeyReplacer = strings.NewReplacer(".", "_")
