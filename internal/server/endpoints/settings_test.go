package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/config"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

type memConfig struct {
	mu      sync.Mutex
	entries map[string]config.Entry
}

func (m *memConfig) Get(_ context.Context, key string) (*config.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memConfig) Set(_ context.Context, key string, value any, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if description == "" {
		description = m.entries[key].Description
	}
	m.entries[key] = config.Entry{Key: key, Value: value, Description: description}
	return nil
}

func (m *memConfig) GetAll(ctx context.Context) (map[string]config.Entry, error) {
	return m.GetByPrefix(ctx, "")
}

func (m *memConfig) GetByPrefix(_ context.Context, prefix string) (map[string]config.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]config.Entry)
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = e
		}
	}
	return out, nil
}

func (m *memConfig) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// newSettingsServer serves every endpoint over a seeded in-memory config
// store. The returned counter tracks provider reloads.
func newSettingsServer(t *testing.T) (*httptest.Server, *memConfig, *atomic.Int32) {
	t.Helper()
	store := &memConfig{entries: map[string]config.Entry{}}
	if err := config.SeedDefaults(context.Background(), store, nil); err != nil {
		t.Fatalf("SeedDefaults() error = %v", err)
	}
	store.entries["custom.note"] = config.Entry{Key: "custom.note", Value: "hi"}

	reloads := new(atomic.Int32)
	services := &svcctx.Services{
		ConfigStore: store,
		ReloadProviders: func(context.Context) error {
			reloads.Add(1)
			return nil
		},
	}

	reg := api.NewRegistry()
	for _, ep := range All(Config{}) {
		reg.Register(ep)
	}
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc { return next })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(svcctx.WithServices(r.Context(), services)))
	}))
	t.Cleanup(srv.Close)
	return srv, store, reloads
}

func decodeSetting(t *testing.T, resp *http.Response) SettingResponse {
	t.Helper()
	var out SettingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUpdateSetting(t *testing.T) {
	srv, store, reloads := newSettingsServer(t)

	resp := do(t, srv, "PUT", "/api/settings/workflow.score_threshold", `{"value": 72}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}
	got := decodeSetting(t, resp)
	if got.Entry == nil || got.Entry.Value != 72.0 {
		t.Fatalf("entry = %+v, want value 72", got.Entry)
	}
	if got.Entry.Description == "" {
		t.Error("description was not carried over from the seeded entry")
	}
	if got.Default != 60.0 {
		t.Errorf("default = %v, want 60", got.Default)
	}
	if got.Reloaded || reloads.Load() != 0 {
		t.Errorf("workflow key reloaded providers (reloads = %d)", reloads.Load())
	}
	if e, _ := store.Get(context.Background(), "workflow.score_threshold"); e.Value != 72.0 {
		t.Errorf("stored value = %v, want 72", e.Value)
	}
}

func TestUpdateSetting_RejectsInvalidValue(t *testing.T) {
	srv, store, _ := newSettingsServer(t)

	tests := []struct {
		key, body string
	}{
		{"workflow.score_threshold", `{"value": 140}`},
		{"workflow.redo_mode", `{"value": "sketch"}`},
		{"workflow.max_retries", `{"value": 1.5}`},
		{"providers.image.gemini.enabled", `{"value": "yes"}`},
	}
	for _, tt := range tests {
		before, _ := store.Get(context.Background(), tt.key)
		resp := do(t, srv, "PUT", "/api/settings/"+tt.key, tt.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %s %s status = %d, want 400", tt.key, tt.body, resp.StatusCode)
		}
		after, _ := store.Get(context.Background(), tt.key)
		if after.Value != before.Value {
			t.Errorf("%s changed to %v after a rejected update", tt.key, after.Value)
		}
	}
}

func TestUpdateSetting_ProviderKeyReloadsAndRedacts(t *testing.T) {
	srv, store, reloads := newSettingsServer(t)

	resp := do(t, srv, "PUT", "/api/settings/providers.image.gemini.api_key", `{"value": "gm-live-0123456789"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}
	got := decodeSetting(t, resp)
	if got.Entry.Value != "****6789" {
		t.Errorf("entry value = %v, want redacted ****6789", got.Entry.Value)
	}
	if got.Default != "${GEMINI_API_KEY}" {
		t.Errorf("default = %v, want env reference", got.Default)
	}
	if !got.Reloaded || reloads.Load() != 1 {
		t.Errorf("Reloaded = %v, reloads = %d, want one reload", got.Reloaded, reloads.Load())
	}
	if e, _ := store.Get(context.Background(), "providers.image.gemini.api_key"); e.Value != "gm-live-0123456789" {
		t.Errorf("stored value = %v, want the literal key", e.Value)
	}
}

func TestListSettings_Prefix(t *testing.T) {
	srv, _, _ := newSettingsServer(t)

	resp := do(t, srv, "GET", "/api/settings?prefix=providers.face.", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	var got SettingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Settings) == 0 {
		t.Fatal("no providers.face. settings listed")
	}
	for k := range got.Settings {
		if !strings.HasPrefix(k, "providers.face.") {
			t.Errorf("listed %s outside prefix", k)
		}
	}
}

func TestResetSetting(t *testing.T) {
	srv, store, _ := newSettingsServer(t)
	store.Set(context.Background(), "workflow.redo_mode", "blackout", "")

	resp := do(t, srv, "POST", "/api/settings/reset/workflow.redo_mode", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resp.StatusCode)
	}
	if got := decodeSetting(t, resp); got.Entry.Value != "reference" {
		t.Errorf("reset value = %v, want reference", got.Entry.Value)
	}

	if resp := do(t, srv, "POST", "/api/settings/reset/custom.note", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("reset without default status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteSetting(t *testing.T) {
	srv, store, _ := newSettingsServer(t)

	if resp := do(t, srv, "DELETE", "/api/settings/workflow.max_retries", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("DELETE default key status = %d, want 409", resp.StatusCode)
	}
	if resp := do(t, srv, "DELETE", "/api/settings/custom.note", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if e, _ := store.Get(context.Background(), "custom.note"); e != nil {
		t.Errorf("custom.note still stored: %+v", e)
	}
	if resp := do(t, srv, "GET", "/api/settings/custom.note", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted key status = %d, want 404", resp.StatusCode)
	}
}

func TestSettings_InvalidKey(t *testing.T) {
	srv, _, _ := newSettingsServer(t)
	if resp := do(t, srv, "GET", "/api/settings/bad%20key", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET invalid key status = %d, want 400", resp.StatusCode)
	}
}
