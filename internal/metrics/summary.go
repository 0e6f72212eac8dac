package metrics

import (
	"context"
	"sort"
)

// Summary aggregates a set of metrics.
type Summary struct {
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	ErrorCount   int     `json:"error_count"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`

	// Latency percentiles (seconds)
	LatencyP50 float64 `json:"latency_p50"`
	LatencyP95 float64 `json:"latency_p95"`
	LatencyMax float64 `json:"latency_max"`
}

// Summarize aggregates metrics in memory.
func Summarize(metrics []Metric) *Summary {
	s := &Summary{Count: len(metrics)}
	var latencies []float64
	for _, m := range metrics {
		s.TotalCostUSD += m.CostUSD
		s.TotalTokens += m.TotalTokens
		if m.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		if m.ExecutionSeconds > 0 {
			latencies = append(latencies, m.ExecutionSeconds)
		}
	}
	if s.Count > 0 {
		s.AvgCostUSD = s.TotalCostUSD / float64(s.Count)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		s.LatencyP50 = percentile(latencies, 50)
		s.LatencyP95 = percentile(latencies, 95)
		s.LatencyMax = latencies[len(latencies)-1]
	}
	return s
}

// GetSummary returns a summary of metrics matching the filter.
func (q *Query) GetSummary(ctx context.Context, f Filter) (*Summary, error) {
	metrics, err := q.List(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	return Summarize(metrics), nil
}

// StoryCosts is the cost breakdown of one story.
type StoryCosts struct {
	StoryID    string              `json:"story_id"`
	Total      *Summary            `json:"total"`
	ByStage    map[string]*Summary `json:"by_stage"`
	ByProvider map[string]float64  `json:"by_provider"`
}

// StoryCosts returns the cost breakdown of a story by stage and provider.
func (q *Query) StoryCosts(ctx context.Context, storyID string) (*StoryCosts, error) {
	metrics, err := q.List(ctx, Filter{StoryID: storyID}, 0)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string][]Metric)
	out := &StoryCosts{
		StoryID:    storyID,
		Total:      Summarize(metrics),
		ByStage:    make(map[string]*Summary),
		ByProvider: make(map[string]float64),
	}
	for _, m := range metrics {
		if m.Stage != "" {
			byStage[m.Stage] = append(byStage[m.Stage], m)
		}
		out.ByProvider[m.Provider] += m.CostUSD
	}
	for stage, ms := range byStage {
		out.ByStage[stage] = Summarize(ms)
	}
	return out, nil
}

// percentile calculates the p-th percentile from a sorted slice of values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := (p / 100.0) * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	// Linear interpolation
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
