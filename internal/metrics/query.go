package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/chrofis/magicalstory/internal/defra"
)

// Query provides queries for metrics.
type Query struct {
	client *defra.Client
}

// NewQuery creates a new metrics query helper.
func NewQuery(client *defra.Client) *Query {
	return &Query{client: client}
}

// Filter specifies query filters. Empty fields match everything.
type Filter struct {
	RunID    string
	StoryID  string
	Stage    string
	Kind     string
	Provider string
	After    time.Time
	Success  *bool // nil = any, true = success only, false = errors only
}

var metricFields = []string{
	"_docID", "run_id", "story_id", "stage", "item_key", "kind", "provider", "model",
	"cost_usd", "prompt_tokens", "completion_tokens", "total_tokens", "attempts",
	"execution_seconds", "success", "error_type", "created_at",
}

// List returns metrics matching the filter, oldest first. A limit of 0 means no limit.
func (q *Query) List(ctx context.Context, f Filter, limit int) ([]Metric, error) {
	qb := defra.NewQuery("Metric").Fields(metricFields...).OrderBy("created_at", "ASC")
	for _, kv := range [][2]string{
		{"run_id", f.RunID},
		{"story_id", f.StoryID},
		{"stage", f.Stage},
		{"kind", f.Kind},
		{"provider", f.Provider},
	} {
		if kv[1] != "" {
			qb.Filter(kv[0], kv[1])
		}
	}
	if !f.After.IsZero() {
		qb.FilterGT("created_at", f.After)
	}
	if f.Success != nil {
		qb.Filter("success", *f.Success)
	}
	if limit > 0 {
		qb.Limit(limit)
	}

	docs, err := qb.Docs(ctx, q.client)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	metrics := make([]Metric, 0, len(docs))
	for _, doc := range docs {
		metrics = append(metrics, parseMetric(doc))
	}
	return metrics, nil
}

// parseMetric converts a raw DefraDB document to a Metric.
func parseMetric(m map[string]any) Metric {
	str := func(k string) string { v, _ := m[k].(string); return v }
	num := func(k string) float64 { v, _ := m[k].(float64); return v }

	metric := Metric{
		ID:               str("_docID"),
		RunID:            str("run_id"),
		StoryID:          str("story_id"),
		Stage:            str("stage"),
		ItemKey:          str("item_key"),
		Kind:             str("kind"),
		Provider:         str("provider"),
		Model:            str("model"),
		CostUSD:          num("cost_usd"),
		PromptTokens:     int(num("prompt_tokens")),
		CompletionTokens: int(num("completion_tokens")),
		TotalTokens:      int(num("total_tokens")),
		Attempts:         int(num("attempts")),
		ExecutionSeconds: num("execution_seconds"),
		ErrorType:        str("error_type"),
	}
	metric.Success, _ = m["success"].(bool)
	if t, err := time.Parse(time.RFC3339, str("created_at")); err == nil {
		metric.CreatedAt = t
	}
	return metric
}
