package schema

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chrofis/magicalstory/internal/defra"
)

func TestAll(t *testing.T) {
	schemas, err := All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}

	want := []string{"Config", "Story", "Page", "Character", "Cover", "WorkflowRun", "Metric"}
	if len(schemas) != len(want) {
		t.Fatalf("All() returned %d schemas, want %d", len(schemas), len(want))
	}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Errorf("schemas[%d] = %s, want %s", i, s.Name, want[i])
		}
		if !strings.Contains(s.SDL, "type "+s.Name+" ") {
			t.Errorf("%s SDL doesn't declare type %s", s.Name, s.Name)
		}
	}
}

func TestSchemaFields(t *testing.T) {
	// Fields the stores write must exist in the SDL.
	tests := map[string][]string{
		"Page":        {"story_id", "page_num", "image_path", "version", "reports"},
		"WorkflowRun": {"run_type", "story_id", "step", "status", "created_at", "completed_at", "metadata"},
		"Metric":      {"run_id", "story_id", "stage", "cost_usd", "success"},
		"Config":      {"name", "value", "description"},
	}
	for name, fields := range tests {
		s, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
		for _, f := range fields {
			if !strings.Contains(s.SDL, f+":") {
				t.Errorf("%s SDL missing field %s", name, f)
			}
		}
	}
}

func TestGet(t *testing.T) {
	t.Run("existing schema", func(t *testing.T) {
		s, err := Get("WorkflowRun")
		if err != nil {
			t.Fatalf("Get(WorkflowRun) error = %v", err)
		}
		if s.Name != "WorkflowRun" {
			t.Errorf("expected name WorkflowRun, got %s", s.Name)
		}
		if s.SDL == "" {
			t.Error("SDL is empty")
		}
	})

	t.Run("non-existent schema", func(t *testing.T) {
		_, err := Get("NonExistent")
		if err == nil {
			t.Error("expected error for non-existent schema")
		}
	})
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"fresh database", http.StatusOK, "", false},
		{"collections exist", http.StatusBadRequest, "collection already exists. Name: Page", false},
		{"invalid sdl", http.StatusBadRequest, "invalid schema syntax", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v0/schema" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := Initialize(context.Background(), defra.NewClient(server.URL), slog.Default())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && calls != len(collections) {
				t.Errorf("schema requests = %d, want %d", calls, len(collections))
			}
			if tt.wantErr && calls != 1 {
				t.Errorf("schema requests = %d, want 1 (stop at first failure)", calls)
			}
		})
	}
}
