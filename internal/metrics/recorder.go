package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/providers"
)

// Writer accepts asynchronous DefraDB writes. *defra.Sink implements it.
type Writer interface {
	Send(op defra.WriteOp)
}

// Recorder records provider calls to DefraDB and Prometheus.
// Either destination may be nil.
type Recorder struct {
	writer Writer
	prom   *Prometheus
	logger *slog.Logger
}

// NewRecorder creates a new metrics recorder.
func NewRecorder(writer Writer, prom *Prometheus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{writer: writer, prom: prom, logger: logger}
}

// Prometheus returns the recorder's collectors, which may be nil.
func (r *Recorder) Prometheus() *Prometheus {
	if r == nil {
		return nil
	}
	return r.prom
}

// Record stores a single metric. The DefraDB write is batched and does not block.
func (r *Recorder) Record(ctx context.Context, m Metric) {
	if r == nil {
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.prom.ObserveCall(m.Kind, m.Provider, m.CostUSD, m.Success, time.Duration(m.ExecutionSeconds*float64(time.Second)))
	if r.writer == nil {
		return
	}
	r.writer.Send(defra.WriteOp{
		Collection: "Metric",
		Document:   m.ToMap(),
		Op:         defra.OpCreate,
	})
}

// RecordLLMCall records metrics from an LLM chat result.
func (r *Recorder) RecordLLMCall(ctx context.Context, result *providers.ChatResult) error {
	if result == nil {
		return fmt.Errorf("nil chat result")
	}
	m := base(ctx, KindLLM, result.Provider, result.ModelUsed)
	m.CostUSD = result.CostUSD
	m.PromptTokens = result.PromptTokens
	m.CompletionTokens = result.CompletionTokens
	m.TotalTokens = result.TotalTokens
	m.Attempts = result.Attempts
	m.ExecutionSeconds = result.TotalTime.Seconds()
	m.Success = result.Success
	m.ErrorType = result.ErrorType
	r.Record(ctx, m)
	return nil
}

// RecordImageCall records metrics from an image or face-swap result.
func (r *Recorder) RecordImageCall(ctx context.Context, kind string, result *providers.ImageResult) error {
	if result == nil {
		return fmt.Errorf("nil image result")
	}
	m := base(ctx, kind, result.Provider, result.Model)
	m.CostUSD = result.CostUSD
	m.PromptTokens = result.InputTokens
	m.CompletionTokens = result.OutputTokens
	m.TotalTokens = result.InputTokens + result.OutputTokens
	m.Attempts = result.Attempts
	m.ExecutionSeconds = result.ExecutionTime.Seconds()
	m.Success = true
	r.Record(ctx, m)
	return nil
}

// RecordError records a failed call that produced no result.
func (r *Recorder) RecordError(ctx context.Context, kind, provider string, err error, duration time.Duration) {
	m := base(ctx, kind, provider, "")
	m.ExecutionSeconds = duration.Seconds()
	m.ErrorType = errorType(err)
	r.Record(ctx, m)
}

func base(ctx context.Context, kind, provider, model string) Metric {
	opts := AttributionFrom(ctx)
	return Metric{
		RunID:    opts.RunID,
		StoryID:  opts.StoryID,
		Stage:    opts.Stage,
		ItemKey:  opts.ItemKey,
		Kind:     kind,
		Provider: provider,
		Model:    model,
	}
}

func errorType(err error) string {
	var rle *providers.RateLimitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rle):
		return "rate_limited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "provider_error"
	}
}
