package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

// Component states reported by /ready and /status.
const (
	stateHealthy        = "healthy"
	stateUnhealthy      = "unhealthy"
	stateNotInitialized = "not_initialized"
)

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status    string `json:"status" yaml:"status"`
	Defra     string `json:"defra,omitempty" yaml:"defra,omitempty"`
	Workflows string `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// defraHealth probes the DefraDB client carried in ctx.
func defraHealth(ctx context.Context) string {
	client := svcctx.DefraClientFrom(ctx)
	if client == nil {
		return stateNotInitialized
	}
	if err := client.HealthCheck(ctx); err != nil {
		return stateUnhealthy
	}
	return stateHealthy
}

func getHealth(getServerURL func() string, path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var resp HealthResponse
		if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return api.Output(resp)
	}
}

// HealthEndpoint handles GET /health. It answers as long as the process
// serves HTTP.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server answers",
		RunE:  getHealth(getServerURL, "/health"),
	}
}

// ReadyEndpoint handles GET /ready: 200 once DefraDB answers and the
// workflow manager exists, 503 otherwise.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Defra: defraHealth(r.Context()), Workflows: "ok"}
	if svcctx.WorkflowsFrom(r.Context()) == nil {
		resp.Workflows = stateNotInitialized
	}
	if resp.Defra != stateHealthy || resp.Workflows != "ok" {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check that DefraDB and the workflow manager are up",
		RunE:  getHealth(getServerURL, "/ready"),
	}
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Server    string          `json:"server" yaml:"server"`
	Providers ProvidersStatus `json:"providers" yaml:"providers"`
	Defra     DefraStatus     `json:"defra" yaml:"defra"`
	Workflows WorkflowsStatus `json:"workflows" yaml:"workflows"`
}

// ProvidersStatus lists registered providers by kind, plus the limiter
// state of those that throttle themselves.
type ProvidersStatus struct {
	Image  []string                               `json:"image" yaml:"image"`
	Face   []string                               `json:"face" yaml:"face"`
	LLM    []string                               `json:"llm" yaml:"llm"`
	Limits map[string]providers.RateLimiterStatus `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// WorkflowsStatus lists the stories with workflow state in memory.
type WorkflowsStatus struct {
	Stories []string `json:"stories" yaml:"stories"`
	Running []string `json:"running" yaml:"running"`
}

// DefraStatus is the container state, client health and write-sink counters.
type DefraStatus struct {
	Container string           `json:"container" yaml:"container"`
	Health    string           `json:"health" yaml:"health"`
	URL       string           `json:"url" yaml:"url"`
	Writes    *defra.SinkStats `json:"writes,omitempty" yaml:"writes,omitempty"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// DefraManager is set by the server; the container is not a service.
	DefraManager *defra.DockerManager
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{Server: "running"}

	if reg := svcctx.RegistryFrom(ctx); reg != nil {
		resp.Providers = ProvidersStatus{
			Image:  reg.ListImage(),
			Face:   reg.ListFace(),
			LLM:    reg.ListLLM(),
			Limits: reg.RateLimits(),
		}
	}

	if workflows := svcctx.WorkflowsFrom(ctx); workflows != nil {
		resp.Workflows.Stories = workflows.Stories()
		for _, id := range resp.Workflows.Stories {
			if o, ok := workflows.Lookup(id); ok && o.IsRunning() {
				resp.Workflows.Running = append(resp.Workflows.Running, id)
			}
		}
	}

	resp.Defra = e.defraStatus(ctx)
	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) defraStatus(ctx context.Context) DefraStatus {
	st := DefraStatus{Container: stateNotInitialized, Health: defraHealth(ctx)}
	if e.DefraManager != nil {
		st.URL = e.DefraManager.URL()
		if cs, err := e.DefraManager.Status(ctx); err != nil {
			st.Container = "error"
		} else {
			st.Container = string(cs)
		}
	}
	if sink := svcctx.DefraSinkFrom(ctx); sink != nil {
		stats := sink.Stats()
		st.Writes = &stats
	}
	return st
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show providers, rate limits, DefraDB and workflow state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp StatusResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/status", &resp); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return api.Output(resp)
		},
	}
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
