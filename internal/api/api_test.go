package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

type fakeEndpoint struct {
	use   string
	group string
	cli   bool
}

func (e *fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/" + e.use, func(w http.ResponseWriter, r *http.Request) {}
}

func (e *fakeEndpoint) RequiresInit() bool { return false }

func (e *fakeEndpoint) Command(getServerURL func() string) *cobra.Command {
	if !e.cli {
		return nil
	}
	return &cobra.Command{Use: e.use}
}

type groupedEndpoint struct{ fakeEndpoint }

func (e *groupedEndpoint) Group() string { return e.group }

func findCommand(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestBuildCommands_Groups(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeEndpoint{use: "health", cli: true})
	r.Register(&fakeEndpoint{use: "metrics"}) // no CLI form
	r.Register(&groupedEndpoint{fakeEndpoint{use: "run", group: "workflow", cli: true}})
	r.Register(&groupedEndpoint{fakeEndpoint{use: "get", group: "workflow", cli: true}})
	r.Register(&groupedEndpoint{fakeEndpoint{use: "list", group: "runs", cli: true}})

	root := r.BuildCommands(func() string { return "http://localhost" })

	if findCommand(root, "health") == nil {
		t.Error("ungrouped command health missing from root")
	}
	if findCommand(root, "metrics") != nil {
		t.Error("endpoint without a command should not appear")
	}
	wf := findCommand(root, "workflow")
	if wf == nil {
		t.Fatal("workflow group missing")
	}
	if got := len(wf.Commands()); got != 2 {
		t.Errorf("workflow subcommands = %d, want 2", got)
	}
	if findCommand(root, "run") != nil {
		t.Error("grouped command run should not be on root")
	}
	if findCommand(root, "runs") == nil {
		t.Error("runs group missing")
	}
}

func TestRegisterRoutes_InitMiddleware(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeEndpoint{use: "open"})
	r.Register(&initEndpoint{fakeEndpoint{use: "guarded"}})

	mux := http.NewServeMux()
	r.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	for path, want := range map[string]int{"/open": http.StatusOK, "/guarded": http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

type initEndpoint struct{ fakeEndpoint }

func (e *initEndpoint) RequiresInit() bool { return true }

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conflict":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"workflow already running"}`))
		case "/plain":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		default:
			w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	var ok struct {
		Status string `json:"status"`
	}
	if err := c.Get(ctx, "/ok", &ok); err != nil || ok.Status != "ok" {
		t.Errorf("Get(/ok) = %+v, %v", ok, err)
	}

	err := c.Post(ctx, "/conflict", map[string]int{"pages": 1}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Post(/conflict) error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusConflict || se.Message != "workflow already running" {
		t.Errorf("StatusError = %+v", se)
	}

	err = c.Delete(ctx, "/plain")
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Message != "boom" {
		t.Errorf("Delete(/plain) error = %v", err)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"yaml", OutputFormatYAML, false},
		{"json", OutputFormatJSON, false},
		{"", OutputFormatYAML, false},
		{"table", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v, want %q, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestOutputTo(t *testing.T) {
	data := map[string]any{"story_id": "story-1", "pages": []int{2, 5}}

	var yamlOut, jsonOut strings.Builder
	if err := OutputTo(&yamlOut, OutputFormatYAML, data); err != nil {
		t.Fatalf("OutputTo(yaml) error = %v", err)
	}
	if want := "pages:\n  - 2\n  - 5\nstory_id: story-1\n"; yamlOut.String() != want {
		t.Errorf("yaml = %q, want %q", yamlOut.String(), want)
	}
	if err := OutputTo(&jsonOut, OutputFormatJSON, data); err != nil {
		t.Fatalf("OutputTo(json) error = %v", err)
	}
	if !strings.Contains(jsonOut.String(), `"story_id": "story-1"`) {
		t.Errorf("json = %s", jsonOut.String())
	}
	if err := OutputTo(&jsonOut, "xml", data); err == nil {
		t.Error("OutputTo(xml) error = nil, want error")
	}
}
