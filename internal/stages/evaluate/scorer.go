package evaluate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/types"
)

// LLMScorer scores pages with a vision-capable chat model.
type LLMScorer struct {
	client providers.LLMClient
	model  string
}

// NewLLMScorer creates a scorer. An empty model uses the client default.
func NewLLMScorer(client providers.LLMClient, model string) *LLMScorer {
	return &LLMScorer{client: client, model: model}
}

// Score sends the image and description and parses the structured answer.
func (s *LLMScorer) Score(ctx context.Context, req Request) (*Score, error) {
	schema, err := json.Marshal(ScoreSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score schema: %w", err)
	}
	chat := &providers.ChatRequest{
		Model: s.model,
		Messages: []providers.Message{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: UserPrompt(req), Images: [][]byte{req.Image}},
		},
		Temperature:    0.1,
		ResponseFormat: providers.JSONSchemaFormat("page_score", schema),
	}

	var out Result
	if _, err := providers.ChatStructured(ctx, s.client, chat, &out); err != nil {
		return nil, err
	}
	semantic := out.SemanticScore
	return &Score{
		Quality:  out.QualityScore,
		Semantic: &semantic,
		Verdict:  types.Verdict(out.Verdict),
		Issues:   ToIssues(out.Issues),
	}, nil
}

var _ Scorer = (*LLMScorer)(nil)
