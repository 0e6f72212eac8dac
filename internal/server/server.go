package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/config"
	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/home"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/schema"
	"github.com/chrofis/magicalstory/internal/server/endpoints"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/svcctx"
	"github.com/chrofis/magicalstory/internal/workflow"
)

// Server serves the workflow API and owns the DefraDB container for its
// lifetime.
type Server struct {
	httpServer   *http.Server
	defraManager *defra.DockerManager
	defraClient  *defra.Client
	sink         *defra.Sink
	runs         *jobs.Manager
	workflows    *workflow.Manager
	registry     *providers.Registry
	configMgr    *config.Manager
	configStore  config.Store
	home         *home.Dir
	promReg      *prometheus.Registry
	prom         *metrics.Prometheus
	logger       *slog.Logger

	services         *svcctx.Services // injected into every request context
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the data directory; story images live under it.
	Home *home.Dir
	// DefraDataPath overrides the DefraDB data path derived from Home
	DefraDataPath string
	// DefraConfig holds DefraDB container settings
	DefraConfig defra.DockerConfig
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Home = h
	}

	switch {
	case cfg.DefraDataPath != "":
		cfg.DefraConfig.DataPath = cfg.DefraDataPath
	case cfg.DefraConfig.DataPath == "":
		cfg.DefraConfig.DataPath = cfg.Home.DefraDataPath()
	}

	if cfg.DefraConfig.Logger == nil {
		cfg.DefraConfig.Logger = cfg.Logger
	}
	defraManager, err := defra.NewDockerManager(cfg.DefraConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create defra manager: %w", err)
	}

	registry := providers.NewRegistryFromConfig(context.Background(), providers.RegistryConfig{}, cfg.Logger)
	if cfg.ConfigManager != nil {
		registry.Reload(context.Background(), cfg.ConfigManager.Get().ToProviderRegistryConfig())
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		defraManager: defraManager,
		registry:     registry,
		configMgr:    cfg.ConfigManager,
		home:         cfg.Home,
		promReg:      promReg,
		prom:         metrics.NewPrometheus(promReg),
		logger:       cfg.Logger,
	}

	if cfg.ConfigManager != nil {
		cfg.ConfigManager.OnChange(func(*config.Config) {
			if err := s.reloadProviders(context.Background()); err != nil {
				s.logger.Warn("provider reload failed", "error", err)
				return
			}
			s.logger.Info("provider registry reloaded from config")
		})
	}

	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{DefraManager: defraManager, Gatherer: promReg}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// bootStep is one stage of bringing the server up. A step failing after
// DefraDB started tears everything down again.
type bootStep struct {
	name string
	run  func(context.Context) error
}

func (s *Server) bootSteps() []bootStep {
	return []bootStep{
		{"create home directory", func(context.Context) error { return s.home.EnsureExists() }},
		{"check existing DefraDB container", s.defraManager.ValidateExisting},
		{"start DefraDB", func(ctx context.Context) error {
			if err := s.defraManager.Start(ctx); err != nil {
				return err
			}
			s.defraClient = defra.NewClient(s.defraManager.URL())
			return s.defraClient.HealthCheck(ctx)
		}},
		{"initialize schemas", func(ctx context.Context) error {
			return schema.Initialize(ctx, s.defraClient, s.logger)
		}},
		{"wire services", s.initServices},
	}
}

// Start brings up DefraDB, the collections and the services, then serves
// HTTP until ctx is cancelled or the listener fails. Shutdown aborts
// running workflows and stops the container.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	for _, step := range s.bootSteps() {
		s.logger.Info("boot", "step", step.name)
		if err := step.run(ctx); err != nil {
			if s.defraClient != nil {
				_ = s.shutdown()
			} else {
				s.setNotRunning()
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	s.logger.Info("DefraDB is ready", "url", s.defraManager.URL())

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.shutdown()
}

// initServices wires the stores, the run log, metrics and the workflow
// manager on top of a healthy DefraDB.
func (s *Server) initServices(ctx context.Context) error {
	s.sink = defra.NewSink(defra.SinkConfig{Client: s.defraClient, Logger: s.logger})
	s.sink.Start(context.WithoutCancel(ctx))

	configStore := config.NewStore(s.defraClient)
	if err := config.SeedDefaults(ctx, configStore, s.logger); err != nil {
		return fmt.Errorf("failed to seed config defaults: %w", err)
	}

	base := *config.DefaultConfig()
	if s.configMgr != nil {
		base = *s.configMgr.Get()
	}
	cfg, err := config.WorkflowFromStore(ctx, configStore, base)
	if err != nil {
		return fmt.Errorf("failed to load workflow settings: %w", err)
	}

	s.mu.Lock()
	s.configStore = configStore
	s.mu.Unlock()
	if err := s.reloadProviders(ctx); err != nil {
		s.logger.Warn("failed to load stored provider settings", "error", err)
	}

	wfCfg, opts, err := workflow.FromConfig(&cfg)
	if err != nil {
		return fmt.Errorf("invalid workflow config: %w", err)
	}

	stories := story.NewDefraStore(s.defraClient, s.home, s.logger)
	s.runs = jobs.NewManager(s.defraClient, s.logger)
	rec := metrics.NewRecorder(s.sink, s.prom, s.logger)

	stages, err := workflow.BuildStages(stories, s.registry, opts, rec, s.logger)
	if err != nil {
		// Reads and resets still work; repair stages fail until providers exist.
		s.logger.Warn("repair stages unavailable", "error", err)
		stages = workflow.Stages{}
	}

	s.workflows = workflow.NewManager(workflow.Deps{
		Store:    stories,
		Stages:   stages,
		Config:   wfCfg,
		Recorder: s.runs,
		Metrics:  s.prom,
		Logger:   s.logger,
	})

	s.services = &svcctx.Services{
		DefraClient:     s.defraClient,
		DefraSink:       s.sink,
		Runs:            s.runs,
		Registry:        s.registry,
		Stories:         stories,
		Workflows:       s.workflows,
		ConfigStore:     configStore,
		ReloadProviders: s.reloadProviders,
		Logger:          s.logger,
		Home:            s.home,
		MetricsQuery:    metrics.NewQuery(s.defraClient),
	}
	return nil
}

// reloadProviders rebuilds the provider registry from the config file with
// stored provider settings laid over it. Before DefraDB is up only the file
// is used.
func (s *Server) reloadProviders(ctx context.Context) error {
	file := config.DefaultConfig()
	if s.configMgr != nil {
		file = s.configMgr.Get()
	}
	s.mu.RLock()
	store := s.configStore
	s.mu.RUnlock()
	if store == nil {
		s.registry.Reload(ctx, file.ToProviderRegistryConfig())
		return nil
	}

	// Stored provider settings win over the config file.
	stored, err := config.StoreToProviderRegistryConfig(ctx, store)
	if err != nil {
		return err
	}
	s.registry.Reload(ctx, mergeRegistryConfig(file.ToProviderRegistryConfig(), stored))
	return nil
}

// mergeRegistryConfig overlays stored providers on file providers by name.
func mergeRegistryConfig(file, stored providers.RegistryConfig) providers.RegistryConfig {
	merge := func(file, stored map[string]providers.ProviderConfig) map[string]providers.ProviderConfig {
		out := make(map[string]providers.ProviderConfig, len(file)+len(stored))
		maps.Copy(out, file)
		maps.Copy(out, stored)
		return out
	}
	return providers.RegistryConfig{
		LLMProviders:   merge(file.LLMProviders, stored.LLMProviders),
		ImageProviders: merge(file.ImageProviders, stored.ImageProviders),
		FaceProviders:  merge(file.FaceProviders, stored.FaceProviders),
	}
}

// shutdown aborts running workflows, then stops HTTP, the sink and DefraDB.
// Errors are logged; shutdown always completes.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")
	if s.workflows != nil {
		if n := s.workflows.AbortAll(); n > 0 {
			s.logger.Info("aborted running workflows", "count", n)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logErr := func(what string, err error) {
		if err != nil {
			s.logger.Error(what+" failed", "error", err)
		}
	}
	logErr("HTTP shutdown", s.httpServer.Shutdown(ctx))
	if s.sink != nil {
		s.sink.Stop()
		st := s.sink.Stats()
		s.logger.Info("write sink drained", "written", st.Written, "failed", st.Failed, "dropped", st.Dropped)
	}
	logErr("DefraDB stop", s.defraManager.Stop(ctx))
	logErr("DefraDB manager close", s.defraManager.Close())

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning()  {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// The accessors below return nil until Start has wired the services.

func (s *Server) DefraClient() *defra.Client { return s.defraClient }
func (s *Server) Workflows() *workflow.Manager { return s.workflows }
func (s *Server) Runs() *jobs.Manager { return s.runs }
func (s *Server) Registry() *providers.Registry { return s.registry }
func (s *Server) Addr() string { return s.httpServer.Addr }

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if DefraDB or the workflow manager aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.defraClient == nil || s.workflows == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
