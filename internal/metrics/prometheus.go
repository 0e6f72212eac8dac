package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "magicalstory"

// Prometheus holds the process-level collectors for workflow and provider activity.
type Prometheus struct {
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	providerCalls   *prometheus.CounterVec
	providerCost    *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	unitOutcomes    *prometheus.CounterVec
	pageScores      prometheus.Histogram
}

// NewPrometheus registers the collectors with reg. A nil reg uses the default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Prometheus{
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stage_runs_total",
			Help:      "Repair stage runs by step and final status",
		}, []string{"step", "status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of repair stages",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"step"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider calls by kind, provider and outcome",
		}, []string{"kind", "provider", "outcome"}),
		providerCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "cost_usd_total",
			Help:      "Provider spend in USD",
		}, []string{"kind", "provider"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"kind", "provider"}),
		unitOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "unit_outcomes_total",
			Help:      "Per-unit stage outcomes (page, character, cover)",
		}, []string{"step", "outcome"}),
		pageScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "page_score",
			Help:      "Combined evaluation score of scored pages",
			Buckets:   prometheus.LinearBuckets(10, 10, 9),
		}),
	}
}

// ObserveStage records a finished stage.
func (p *Prometheus) ObserveStage(step, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageRuns.WithLabelValues(step, status).Inc()
	p.stageDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveUnit records one unit outcome such as "completed", "failed" or "rejected".
func (p *Prometheus) ObserveUnit(step, outcome string) {
	if p == nil {
		return
	}
	p.unitOutcomes.WithLabelValues(step, outcome).Inc()
}

// ObservePageScore records a combined page score.
func (p *Prometheus) ObservePageScore(score float64) {
	if p == nil {
		return
	}
	p.pageScores.Observe(score)
}

// ObserveCall records a provider call.
func (p *Prometheus) ObserveCall(kind, provider string, cost float64, success bool, d time.Duration) {
	if p == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	p.providerCalls.WithLabelValues(kind, provider, outcome).Inc()
	if cost > 0 {
		p.providerCost.WithLabelValues(kind, provider).Add(cost)
	}
	if d > 0 {
		p.providerLatency.WithLabelValues(kind, provider).Observe(d.Seconds())
	}
}
