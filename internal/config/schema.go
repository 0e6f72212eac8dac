package config

// Config holds magicalstory configuration.
// Stored at: ./config.yaml or ~/.magicalstory/config.yaml
type Config struct {
	ImageProviders map[string]ProviderCfg `mapstructure:"image_providers" yaml:"image_providers"`
	FaceProviders  map[string]ProviderCfg `mapstructure:"face_providers" yaml:"face_providers"`
	LLMProviders   map[string]ProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults       DefaultsCfg            `mapstructure:"defaults" yaml:"defaults"`
	Workflow       WorkflowCfg            `mapstructure:"workflow" yaml:"workflow"`
	Defra          DefraConfig            `mapstructure:"defra" yaml:"defra"`
}

// ProviderCfg configures one image, face-swap or LLM provider.
type ProviderCfg struct {
	Type      string `mapstructure:"type" yaml:"type"`             // "gemini", "openai", "magicapi", "openrouter"
	Model     string `mapstructure:"model" yaml:"model"`           // Model name
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`     // Optional endpoint override
	RateLimit int    `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg selects which configured provider each role uses.
type DefaultsCfg struct {
	ImageProvider string `mapstructure:"image_provider" yaml:"image_provider"` // page, cover and artifact edits
	FaceProvider  string `mapstructure:"face_provider" yaml:"face_provider"`   // magicapi repair backend
	LLMProvider   string `mapstructure:"llm_provider" yaml:"llm_provider"`     // scoring, consistency, verification
	VisionModel   string `mapstructure:"vision_model" yaml:"vision_model"`     // model override for the LLM roles
}

// WorkflowCfg holds the repair workflow defaults.
type WorkflowCfg struct {
	ScoreThreshold       float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
	IssueThreshold       int     `mapstructure:"issue_threshold" yaml:"issue_threshold"`
	MaxRetries           int     `mapstructure:"max_retries" yaml:"max_retries"`
	AcceptScore          float64 `mapstructure:"accept_score" yaml:"accept_score"`
	MinScore             float64 `mapstructure:"min_score" yaml:"min_score"`
	ConsistencyThreshold float64 `mapstructure:"consistency_threshold" yaml:"consistency_threshold"`
	RedoMode             string  `mapstructure:"redo_mode" yaml:"redo_mode"`           // fresh, reference, blackout
	RepairBackend        string  `mapstructure:"repair_backend" yaml:"repair_backend"` // gemini, magicapi
	ArtifactGridSize     int     `mapstructure:"artifact_grid_size" yaml:"artifact_grid_size"`
	MagicAPITries        int     `mapstructure:"magicapi_tries" yaml:"magicapi_tries"`
}

// DefraConfig holds DefraDB container configuration.
type DefraConfig struct {
	// ContainerName is the Docker container name (default: magicalstory-defra)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ImageProviders: map[string]ProviderCfg{
			"gemini": {
				Type:      "gemini",
				Model:     "gemini-2.5-flash-image",
				APIKey:    "${GEMINI_API_KEY}",
				RateLimit: 60,
				Enabled:   true,
			},
			"openai": {
				Type:      "openai",
				Model:     "gpt-image-1",
				APIKey:    "${OPENAI_API_KEY}",
				RateLimit: 20,
				Enabled:   true,
			},
		},
		FaceProviders: map[string]ProviderCfg{
			"magicapi": {
				Type:      "magicapi",
				APIKey:    "${MAGICAPI_API_KEY}",
				RateLimit: 30,
				Enabled:   true,
			},
		},
		LLMProviders: map[string]ProviderCfg{
			"openrouter": {
				Type:      "openrouter",
				Model:     "google/gemini-2.5-flash",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 150,
				Enabled:   true,
			},
		},
		Defaults: DefaultsCfg{
			ImageProvider: "gemini",
			FaceProvider:  "magicapi",
			LLMProvider:   "openrouter",
		},
		Workflow: DefaultWorkflow(),
		Defra: DefraConfig{
			ContainerName: "magicalstory-defra",
			Image:         "sourcenetwork/defradb:latest",
			Port:          "9181",
		},
	}
}

// DefaultWorkflow returns the workflow defaults.
func DefaultWorkflow() WorkflowCfg {
	return WorkflowCfg{
		ScoreThreshold:       60,
		IssueThreshold:       3,
		MaxRetries:           3,
		AcceptScore:          85,
		MinScore:             40,
		ConsistencyThreshold: 7,
		RedoMode:             "reference",
		RepairBackend:        "gemini",
		ArtifactGridSize:     4,
		MagicAPITries:        3,
	}
}

// EnabledProviders returns the enabled entries of a provider map.
func EnabledProviders(providers map[string]ProviderCfg) map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
