// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/config"
	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/home"
	"github.com/chrofis/magicalstory/internal/jobs"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/workflow"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	DefraClient  *defra.Client
	DefraSink    *defra.Sink
	Runs         *jobs.Manager
	Registry     *providers.Registry
	Stories      story.Store
	Workflows    *workflow.Manager
	ConfigStore  config.Store
	Logger       *slog.Logger
	Home         *home.Dir
	MetricsQuery *metrics.Query

	// ReloadProviders rebuilds Registry from the config file and stored settings.
	ReloadProviders func(context.Context) error
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// DefraClientFrom extracts the DefraDB client from context.
func DefraClientFrom(ctx context.Context) *defra.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraClient
	}
	return nil
}

// DefraSinkFrom extracts the DefraDB write sink from context.
func DefraSinkFrom(ctx context.Context) *defra.Sink {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraSink
	}
	return nil
}

// RunsFrom extracts the workflow run recorder from context.
func RunsFrom(ctx context.Context) *jobs.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Runs
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// StoriesFrom extracts the story store from context.
func StoriesFrom(ctx context.Context) story.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Stories
	}
	return nil
}

// WorkflowsFrom extracts the per-story workflow manager from context.
func WorkflowsFrom(ctx context.Context) *workflow.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Workflows
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// ConfigStoreFrom extracts the config store from context.
func ConfigStoreFrom(ctx context.Context) config.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigStore
	}
	return nil
}

// MetricsQueryFrom extracts the metrics query helper from context.
func MetricsQueryFrom(ctx context.Context) *metrics.Query {
	if s := ServicesFrom(ctx); s != nil {
		return s.MetricsQuery
	}
	return nil
}

// ReloadProvidersFrom returns the provider reload hook, or nil.
func ReloadProvidersFrom(ctx context.Context) func(context.Context) error {
	if s := ServicesFrom(ctx); s != nil {
		return s.ReloadProviders
	}
	return nil
}
