package consistency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/types"
)

// AnalysisSchema is the JSON schema for consistency analysis output.
var AnalysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"score": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 10,
		},
		"issues": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"severity":    map[string]any{"type": "string", "enum": []string{"minor", "major", "critical"}},
					"pages_to_fix": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "integer"},
					},
				},
				"required":             []string{"type", "description", "severity", "pages_to_fix"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"score", "issues"},
	"additionalProperties": false,
}

type analysisResult struct {
	Score  float64 `json:"score"`
	Issues []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
		PagesToFix  []int  `json:"pages_to_fix"`
	} `json:"issues"`
}

// LLMAnalyzer compares character crops with a vision-capable chat model.
type LLMAnalyzer struct {
	client providers.LLMClient
	model  string
}

// NewLLMAnalyzer creates an analyzer. An empty model uses the client default.
func NewLLMAnalyzer(client providers.LLMClient, model string) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, model: model}
}

// Analyze sends the reference followed by each page crop.
func (a *LLMAnalyzer) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if len(req.Reference) == 0 {
		return nil, fmt.Errorf("character %s has no reference image", req.Character)
	}
	schema, err := json.Marshal(AnalysisSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis schema: %w", err)
	}
	images := [][]byte{req.Reference}
	for _, p := range req.Pages {
		images = append(images, p.Image)
	}

	chat := &providers.ChatRequest{
		Model: a.model,
		Messages: []providers.Message{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: UserPrompt(req), Images: images},
		},
		Temperature:    0.1,
		ResponseFormat: providers.JSONSchemaFormat("character_consistency", schema),
	}

	var out analysisResult
	if _, err := providers.ChatStructured(ctx, a.client, chat, &out); err != nil {
		return nil, err
	}
	analysis := &Analysis{Score: out.Score}
	for _, i := range out.Issues {
		analysis.Issues = append(analysis.Issues, types.ConsistencyIssue{
			Type:        i.Type,
			Description: i.Description,
			Severity:    types.ParseSeverity(i.Severity),
			PagesToFix:  i.PagesToFix,
		})
	}
	return analysis, nil
}

var _ Analyzer = (*LLMAnalyzer)(nil)
