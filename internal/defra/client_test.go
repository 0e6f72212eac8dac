package defra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// gqlServer answers every GraphQL request with respond(query) and records
// the queries it saw.
func gqlServer(t *testing.T, respond func(query string) string) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/graphql" {
			t.Errorf("path = %s, want /api/v0/graphql", r.URL.Path)
		}
		var req GQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		seen = append(seen, req.Query)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respond(req.Query)))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestClient_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unhealthy 500", http.StatusInternalServerError, true},
		{"unhealthy 503", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health-check" {
					t.Errorf("path = %s, want /health-check", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewClient(srv.URL).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnhealthy) {
				t.Errorf("HealthCheck() error = %v, want ErrUnhealthy", err)
			}
		})
	}
}

func TestClient_HealthCheck_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewClient(srv.URL).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context = nil, want error")
	}
}

func TestClient_Execute_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL + "/").Execute(context.Background(), `{ Story { _docID } }`, nil)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Execute() error = %v, want status 500", err)
	}
}

func TestClient_Create(t *testing.T) {
	srv, seen := gqlServer(t, func(string) string {
		return `{"data": {"create_Page": [{"_docID": "bae-1"}]}}`
	})

	id, err := NewClient(srv.URL).Create(context.Background(), "Page", map[string]any{
		"story_id": "s1",
		"page_num": 3,
		"score":    72.5,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "bae-1" {
		t.Errorf("Create() = %q, want bae-1", id)
	}
	want := `mutation { create_Page(input: {page_num: 3, score: 72.5, story_id: "s1"}) { _docID } }`
	if (*seen)[0] != want {
		t.Errorf("query = %s\nwant    %s", (*seen)[0], want)
	}
}

func TestClient_Create_GraphQLError(t *testing.T) {
	srv, _ := gqlServer(t, func(string) string {
		return `{"errors": [{"message": "field not found"}]}`
	})
	_, err := NewClient(srv.URL).Create(context.Background(), "Page", map[string]any{"x": 1})
	if err == nil || !strings.Contains(err.Error(), "field not found") {
		t.Errorf("Create() error = %v, want field not found", err)
	}
}

func TestClient_CreateMany(t *testing.T) {
	srv, seen := gqlServer(t, func(string) string {
		return `{"data": {"create_Metric": [{"_docID": "a"}, {"_docID": "b"}]}}`
	})
	ids, err := NewClient(srv.URL).CreateMany(context.Background(), "Metric", []map[string]any{
		{"kind": "llm"},
		{"kind": "image"},
	})
	if err != nil {
		t.Fatalf("CreateMany() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("CreateMany() = %v, want 2 ids", ids)
	}
	if !strings.Contains((*seen)[0], `input: [{kind: "llm"}, {kind: "image"}]`) {
		t.Errorf("query = %s", (*seen)[0])
	}
}

func TestClient_CreateMany_ShortResult(t *testing.T) {
	srv, _ := gqlServer(t, func(string) string {
		return `{"data": {"create_Metric": [{"_docID": "a"}]}}`
	})
	ids, err := NewClient(srv.URL).CreateMany(context.Background(), "Metric", []map[string]any{{"kind": "llm"}, {"kind": "face"}})
	if err == nil {
		t.Fatal("CreateMany() error = nil, want count mismatch")
	}
	if len(ids) != 1 {
		t.Errorf("CreateMany() ids = %v, want the one that was created", ids)
	}
}

func TestClient_Upsert(t *testing.T) {
	srv, seen := gqlServer(t, func(string) string {
		return `{"data": {"upsert_Story": [{"_docID": "bae-s"}]}}`
	})
	doc := map[string]any{"story_id": "s1", "title": "Mia"}
	id, err := NewClient(srv.URL).Upsert(context.Background(), "Story",
		map[string]any{"story_id": map[string]any{"_eq": "s1"}}, doc, doc)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if id != "bae-s" {
		t.Errorf("Upsert() = %q, want bae-s", id)
	}
	want := `upsert_Story(filter: {story_id: {_eq: "s1"}}, create: {story_id: "s1", title: "Mia"}, update: {story_id: "s1", title: "Mia"})`
	if !strings.Contains((*seen)[0], want) {
		t.Errorf("query = %s\nwant it to contain %s", (*seen)[0], want)
	}
}

func TestClient_UpdateAndDelete_ToleratesEmptyResult(t *testing.T) {
	srv, seen := gqlServer(t, func(q string) string {
		if strings.Contains(q, "update_") {
			return `{"data": {"update_WorkflowRun": []}}`
		}
		return `{"data": {"delete_Config": []}}`
	})
	c := NewClient(srv.URL)
	if err := c.Update(context.Background(), "WorkflowRun", "bae-r", map[string]any{"status": "completed"}); err != nil {
		t.Errorf("Update() error = %v", err)
	}
	if err := c.Delete(context.Background(), "Config", "bae-c"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if want := `update_WorkflowRun(docID: "bae-r", input: {status: "completed"})`; !strings.Contains((*seen)[0], want) {
		t.Errorf("update query = %s", (*seen)[0])
	}
}

func TestClient_AddSchema(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantExists bool
		wantErr    bool
	}{
		{"added", http.StatusOK, "", false, false},
		{"exists", http.StatusBadRequest, `{"error":"collection already exists"}`, true, true},
		{"invalid", http.StatusBadRequest, `{"error":"syntax error"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
					t.Errorf("Content-Type = %s, want text/plain", ct)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL).AddSchema(context.Background(), "type Story { title: String }")
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrSchemaExists); got != tt.wantExists {
				t.Errorf("errors.Is(err, ErrSchemaExists) = %v, want %v", got, tt.wantExists)
			}
		})
	}
}

func TestValueToGraphQL(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"string escapes", "a\"b\nc", `"a\"b\nc"`},
		{"control char", "\a", `"\u0007"`},
		{"int", 42, "42"},
		{"float", 0.5, "0.5"},
		{"whole float", 80.0, "80"},
		{"bool", true, "true"},
		{"time in utc", at, `"2026-03-01T11:00:00Z"`},
		{"strings", []string{"front", "back"}, `["front", "back"]`},
		{"ints", []int{1, 2}, "[1, 2]"},
		{"nested sorted", map[string]any{"b": 1, "a": map[string]any{"_eq": "x"}}, `{a: {_eq: "x"}, b: 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := valueToGraphQL(tt.in)
			if err != nil {
				t.Fatalf("valueToGraphQL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("valueToGraphQL() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGQLResponse_Docs(t *testing.T) {
	var resp GQLResponse
	if err := json.Unmarshal([]byte(`{"data": {"Page": [{"page_num": 1}, "junk", {"page_num": 2}]}}`), &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.Docs("Page"); len(got) != 2 {
		t.Errorf("Docs(Page) = %v, want 2 docs", got)
	}
	if got := resp.Docs("Cover"); got == nil || len(got) != 0 {
		t.Errorf("Docs(Cover) = %#v, want empty slice", got)
	}
}
