package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/svcctx"
	"github.com/chrofis/magicalstory/internal/workflow"
)

// newHealthServer serves the endpoints over services whose DefraDB client
// answers /health-check with defraStatus.
func newHealthServer(t *testing.T, defraStatus int, withWorkflows bool) *httptest.Server {
	t.Helper()
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(defraStatus)
	}))
	t.Cleanup(db.Close)

	reg := providers.NewRegistry()
	reg.RegisterLLM("openrouter", providers.NewOpenRouterClient(providers.OpenRouterConfig{APIKey: "k", RequestsPerMinute: 30}))
	reg.RegisterImage("gemini", providers.NewMockImageProvider())

	services := &svcctx.Services{DefraClient: defra.NewClient(db.URL), Registry: reg}
	if withWorkflows {
		services.Workflows = workflow.NewManager(workflow.Deps{})
	}

	routes := api.NewRegistry()
	for _, ep := range All(Config{}) {
		routes.Register(ep)
	}
	mux := http.NewServeMux()
	routes.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc { return next })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(svcctx.WithServices(r.Context(), services)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name          string
		defraStatus   int
		withWorkflows bool
		wantCode      int
		want          HealthResponse
	}{
		{"ready", http.StatusOK, true, http.StatusOK, HealthResponse{Status: "ok", Defra: "healthy", Workflows: "ok"}},
		{"defra down", http.StatusInternalServerError, true, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Defra: "unhealthy", Workflows: "ok"}},
		{"no workflows", http.StatusOK, false, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Defra: "healthy", Workflows: "not_initialized"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, newHealthServer(t, tt.defraStatus, tt.withWorkflows), "GET", "/ready", "")
			if resp.StatusCode != tt.wantCode {
				t.Errorf("GET /ready = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var got HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("GET /ready = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	resp := do(t, newHealthServer(t, http.StatusOK, true), "GET", "/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", resp.StatusCode)
	}
	var got StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Defra.Health != "healthy" || got.Defra.Container != "not_initialized" {
		t.Errorf("Defra = %+v, want healthy client and no container manager", got.Defra)
	}
	if len(got.Providers.LLM) != 1 || len(got.Providers.Image) != 1 {
		t.Errorf("Providers = %+v", got.Providers)
	}
	limit, ok := got.Providers.Limits["llm/openrouter"]
	if !ok || limit.TokensLimit != 30 {
		t.Errorf("Limits = %+v, want llm/openrouter at 30 per minute", got.Providers.Limits)
	}
	if _, ok := got.Providers.Limits["image/gemini"]; ok {
		t.Error("unthrottled image provider reported a limiter")
	}
}
