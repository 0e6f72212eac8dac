package defra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingDefra accepts any mutation, answering creates with one docID
// per input object.
type recordingDefra struct {
	mu      sync.Mutex
	queries []string
	fail    bool
}

func (d *recordingDefra) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		d.mu.Lock()
		d.queries = append(d.queries, req.Query)
		fail := d.fail
		d.mu.Unlock()

		if fail {
			w.Write([]byte(`{"errors": [{"message": "nope"}]}`))
			return
		}
		op := strings.Fields(strings.TrimPrefix(req.Query, "mutation { "))[0]
		op = op[:strings.Index(op, "(")]
		n := 1
		if strings.HasPrefix(op, "create_") {
			n = strings.Count(req.Query, "{kind:")
		}
		docs := make([]map[string]any, n)
		for i := range docs {
			docs[i] = map[string]any{"_docID": "bae-x"}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{op: docs}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (d *recordingDefra) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

func newTestSink(t *testing.T, d *recordingDefra, batch int) *Sink {
	t.Helper()
	s := NewSink(SinkConfig{
		Client:        NewClient(d.server(t).URL),
		BatchSize:     batch,
		FlushInterval: time.Hour,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func metricOp(kind string) WriteOp {
	return WriteOp{Collection: "Metric", Op: OpCreate, Document: map[string]any{"kind": kind}}
}

func TestSink_FlushBatchesCreates(t *testing.T) {
	d := &recordingDefra{}
	s := newTestSink(t, d, 100)

	s.Send(metricOp("llm"))
	s.Send(metricOp("image"))
	s.Send(metricOp("face"))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := d.snapshot()
	if len(got) != 1 {
		t.Fatalf("mutations = %d, want 1 batched create: %v", len(got), got)
	}
	if !strings.Contains(got[0], `create_Metric(input: [{kind: "llm"}, {kind: "image"}, {kind: "face"}])`) {
		t.Errorf("mutation = %s", got[0])
	}
	if st := s.Stats(); st.Written != 3 || st.Failed != 0 {
		t.Errorf("Stats() = %+v, want 3 written", st)
	}
}

func TestSink_PreservesOrderAcrossOps(t *testing.T) {
	d := &recordingDefra{}
	s := newTestSink(t, d, 100)

	s.Send(metricOp("llm"))
	s.Send(WriteOp{Collection: "WorkflowRun", Op: OpUpdate, DocID: "bae-r", Document: map[string]any{"status": "failed"}})
	s.Send(metricOp("image"))
	s.Send(WriteOp{Collection: "Config", Op: OpDelete, DocID: "bae-c"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := d.snapshot()
	wantPrefixes := []string{"create_Metric", "update_WorkflowRun", "create_Metric", "delete_Config"}
	if len(got) != len(wantPrefixes) {
		t.Fatalf("mutations = %v, want %v", got, wantPrefixes)
	}
	for i, p := range wantPrefixes {
		if !strings.HasPrefix(got[i], "mutation { "+p) {
			t.Errorf("mutation %d = %s, want %s", i, got[i], p)
		}
	}
}

func TestSink_FlushesWhenBatchFull(t *testing.T) {
	d := &recordingDefra{}
	s := newTestSink(t, d, 2)

	s.Send(metricOp("llm"))
	s.Send(metricOp("face"))

	deadline := time.Now().Add(2 * time.Second)
	for len(d.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("full batch was not written without Flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSink_CountsFailures(t *testing.T) {
	d := &recordingDefra{fail: true}
	s := newTestSink(t, d, 100)

	s.Send(metricOp("llm"))
	s.Send(metricOp("image"))
	s.Send(WriteOp{Collection: "Metric", Op: "rename", DocID: "x"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if st := s.Stats(); st.Failed != 3 || st.Written != 0 {
		t.Errorf("Stats() = %+v, want 3 failed", st)
	}
}

func TestSink_StopWritesRemainderAndDropsLateSends(t *testing.T) {
	d := &recordingDefra{}
	s := NewSink(SinkConfig{Client: NewClient(d.server(t).URL), FlushInterval: time.Hour})
	s.Start(context.Background())

	s.Send(metricOp("llm"))
	s.Stop()
	s.Stop()

	if got := d.snapshot(); len(got) != 1 {
		t.Errorf("mutations after Stop = %d, want 1", len(got))
	}

	s.Send(metricOp("late"))
	if st := s.Stats(); st.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", st.Dropped)
	}
	if err := s.Flush(context.Background()); err != ErrSinkClosed {
		t.Errorf("Flush() after Stop = %v, want ErrSinkClosed", err)
	}
}
