package endpoints

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/defra"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	DefraManager *defra.DockerManager
	// Gatherer serves /metrics; nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DefraManager: cfg.DefraManager},
		&PrometheusEndpoint{Gatherer: cfg.Gatherer},

		// Story endpoints
		&ImportStoryEndpoint{},
		&GetStoryEndpoint{},
		&StoryCostsEndpoint{},

		// Workflow endpoints
		&GetWorkflowEndpoint{},
		&RunWorkflowEndpoint{},
		&RunStageEndpoint{},
		&AbortWorkflowEndpoint{},
		&ResetWorkflowEndpoint{},
		&ToggleRedoPageEndpoint{},
		&DiscardWorkflowEndpoint{},
		&SeverePagesEndpoint{},

		// Run history endpoints
		&ListRunsEndpoint{},
		&GetRunEndpoint{},

		// Metrics endpoints
		&ListMetricsEndpoint{},
		&MetricsSummaryEndpoint{},

		// Settings endpoints
		&ListSettingsEndpoint{},
		&GetSettingEndpoint{},
		&UpdateSettingEndpoint{},
		&ResetSettingEndpoint{},
		&DeleteSettingEndpoint{},
	}
}
