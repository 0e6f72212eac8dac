// Package metrics records cost and usage of provider calls made by the repair stages.
package metrics

import "time"

// Provider call kinds.
const (
	KindLLM   = "llm"
	KindImage = "image"
	KindFace  = "face"
)

// Metric is one recorded provider call. Metrics are append-only records
// stored in DefraDB with story, run and stage attribution.
type Metric struct {
	ID string `json:"_docID,omitempty"`

	// Attribution (for filtering/aggregation)
	RunID   string `json:"run_id,omitempty"`
	StoryID string `json:"story_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	ItemKey string `json:"item_key,omitempty"` // e.g. "page_0003", "character_mia", "cover_front"

	// Provider info
	Kind     string `json:"kind,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cost and tokens
	CostUSD          float64 `json:"cost_usd,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Attempts         int     `json:"attempts,omitempty"`

	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToMap converts the metric to a map for DefraDB storage. Zero values are omitted.
func (m *Metric) ToMap() map[string]any {
	data := map[string]any{
		"success":    m.Success,
		"created_at": m.CreatedAt,
	}
	for k, v := range map[string]string{
		"run_id":     m.RunID,
		"story_id":   m.StoryID,
		"stage":      m.Stage,
		"item_key":   m.ItemKey,
		"kind":       m.Kind,
		"provider":   m.Provider,
		"model":      m.Model,
		"error_type": m.ErrorType,
	} {
		if v != "" {
			data[k] = v
		}
	}
	for k, v := range map[string]int{
		"prompt_tokens":     m.PromptTokens,
		"completion_tokens": m.CompletionTokens,
		"total_tokens":      m.TotalTokens,
		"attempts":          m.Attempts,
	} {
		if v > 0 {
			data[k] = v
		}
	}
	if m.CostUSD > 0 {
		data["cost_usd"] = m.CostUSD
	}
	if m.ExecutionSeconds > 0 {
		data["execution_seconds"] = m.ExecutionSeconds
	}
	return data
}
