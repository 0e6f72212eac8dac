package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/metrics"
	"github.com/chrofis/magicalstory/internal/svcctx"
)

// PrometheusEndpoint handles GET /metrics.
type PrometheusEndpoint struct {
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

func (e *PrometheusEndpoint) Route() (string, string, http.HandlerFunc) {
	g := e.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return "GET", "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP
}

func (e *PrometheusEndpoint) RequiresInit() bool { return false }

func (e *PrometheusEndpoint) Command(_ func() string) *cobra.Command {
	return nil // scraped by Prometheus, not called from the CLI
}

// metricsFilter reads the shared metrics query parameters.
func metricsFilter(q url.Values) (metrics.Filter, error) {
	f := metrics.Filter{
		RunID:    q.Get("run_id"),
		StoryID:  q.Get("story_id"),
		Stage:    q.Get("stage"),
		Kind:     q.Get("kind"),
		Provider: q.Get("provider"),
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return f, fmt.Errorf("invalid since: %w", err)
		}
		f.After = time.Now().Add(-d)
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid success: %w", err)
		}
		f.Success = &b
	}
	return f, nil
}

// ListMetricsResponse is the response for listing provider call metrics.
type ListMetricsResponse struct {
	Metrics []metrics.Metric `json:"metrics"`
}

// ListMetricsEndpoint handles GET /api/metrics.
type ListMetricsEndpoint struct{}

func (e *ListMetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/metrics", e.handler
}

func (e *ListMetricsEndpoint) RequiresInit() bool { return true }
func (e *ListMetricsEndpoint) Group() string { return "metrics" }

// handler godoc
//
//	@Summary		List metrics
//	@Description	List recorded provider calls
//	@Tags			metrics
//	@Produce		json
//	@Param			story_id	query		string	false	"Filter by story"
//	@Param			stage		query		string	false	"Filter by stage"
//	@Param			provider	query		string	false	"Filter by provider"
//	@Param			since		query		string	false	"Only calls newer than this duration (e.g. 24h)"
//	@Param			limit		query		int		false	"Maximum records"
//	@Success		200			{object}	ListMetricsResponse
//	@Failure		400			{object}	ErrorResponse
//	@Router			/api/metrics [get]
func (e *ListMetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	query := svcctx.MetricsQueryFrom(r.Context())
	if query == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics query not initialized")
		return
	}
	f, err := metricsFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	list, err := query.List(r.Context(), f, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []metrics.Metric{}
	}
	writeJSON(w, http.StatusOK, ListMetricsResponse{Metrics: list})
}

func (e *ListMetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var storyID, stage, provider, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provider call metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			for k, v := range map[string]string{"story_id": storyID, "stage": stage, "provider": provider, "since": since} {
				if v != "" {
					params.Set(k, v)
				}
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/metrics"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp ListMetricsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Filter by story")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().StringVar(&provider, "provider", "", "Filter by provider")
	cmd.Flags().StringVar(&since, "since", "", "Only calls newer than this duration (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records")
	return cmd
}

// MetricsSummaryEndpoint handles GET /api/metrics/summary.
type MetricsSummaryEndpoint struct{}

func (e *MetricsSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/metrics/summary", e.handler
}

func (e *MetricsSummaryEndpoint) RequiresInit() bool { return true }
func (e *MetricsSummaryEndpoint) Group() string { return "metrics" }

func (e *MetricsSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	query := svcctx.MetricsQueryFrom(r.Context())
	if query == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics query not initialized")
		return
	}
	f, err := metricsFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := query.GetSummary(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (e *MetricsSummaryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var storyID, stage, since string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize provider calls (count, cost, latency)",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if storyID != "" {
				params.Set("story_id", storyID)
			}
			if stage != "" {
				params.Set("stage", stage)
			}
			if since != "" {
				params.Set("since", since)
			}
			path := "/api/metrics/summary"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp metrics.Summary
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatJSON {
				return api.Output(resp)
			}
			fmt.Printf("Calls:   %d (%d ok, %d failed)\n", resp.Count, resp.SuccessCount, resp.ErrorCount)
			fmt.Printf("Cost:    $%.4f (avg $%.4f)\n", resp.TotalCostUSD, resp.AvgCostUSD)
			fmt.Printf("Tokens:  %d\n", resp.TotalTokens)
			fmt.Printf("Latency: p50 %.2fs  p95 %.2fs  max %.2fs\n", resp.LatencyP50, resp.LatencyP95, resp.LatencyMax)
			return nil
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Filter by story")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().StringVar(&since, "since", "", "Only calls newer than this duration (e.g. 24h)")
	return cmd
}

// StoryCostsEndpoint handles GET /api/stories/{story_id}/costs.
type StoryCostsEndpoint struct{}

func (e *StoryCostsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/stories/{story_id}/costs", e.handler
}

func (e *StoryCostsEndpoint) RequiresInit() bool { return true }
func (e *StoryCostsEndpoint) Group() string { return "stories" }

// handler godoc
//
//	@Summary		Story costs
//	@Description	Provider cost of a story's repairs by stage and provider
//	@Tags			stories
//	@Produce		json
//	@Param			story_id	path		string	true	"Story ID"
//	@Success		200			{object}	metrics.StoryCosts
//	@Router			/api/stories/{story_id}/costs [get]
func (e *StoryCostsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	query := svcctx.MetricsQueryFrom(r.Context())
	if query == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics query not initialized")
		return
	}
	costs, err := query.StoryCosts(r.Context(), r.PathValue("story_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, costs)
}

func (e *StoryCostsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "costs <story_id>",
		Short: "Show what a story's repairs cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp metrics.StoryCosts
			if err := client.Get(cmd.Context(), storyPath(args[0], "/costs"), &resp); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatJSON || resp.Total == nil {
				return api.Output(resp)
			}

			fmt.Printf("Story %s: $%.4f over %d calls\n", resp.StoryID, resp.Total.TotalCostUSD, resp.Total.Count)
			stages := make([]string, 0, len(resp.ByStage))
			for s := range resp.ByStage {
				stages = append(stages, s)
			}
			sort.Strings(stages)
			for _, s := range stages {
				fmt.Printf("  %-20s  $%.4f  (%d calls)\n", s, resp.ByStage[s].TotalCostUSD, resp.ByStage[s].Count)
			}
			return nil
		},
	}
}
