package charrepair

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/types"
)

// VerifyRequest compares crops of the character before and after a repair
// with the reference portrait.
type VerifyRequest struct {
	Character   string
	Description string
	Reference   []byte
	Before      []byte
	After       []byte
}

// Verification is the verifier's judgement. Scores are 0-10 likeness to the reference.
type Verification struct {
	Confidence  types.Confidence
	BeforeScore float64
	AfterScore  float64
	Explanation string
}

// Verifier judges whether a repair matches the reference.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
}

// VerificationSchema is the JSON schema for repair verification output.
var VerificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"before_score": map[string]any{"type": "number", "minimum": 0, "maximum": 10},
		"after_score":  map[string]any{"type": "number", "minimum": 0, "maximum": 10},
		"confidence":   map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
		"explanation":  map[string]any{"type": "string"},
	},
	"required":             []string{"before_score", "after_score", "confidence", "explanation"},
	"additionalProperties": false,
}

type verificationResult struct {
	BeforeScore float64 `json:"before_score"`
	AfterScore  float64 `json:"after_score"`
	Confidence  string  `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// LLMVerifier verifies repairs with a vision-capable chat model.
type LLMVerifier struct {
	client providers.LLMClient
	model  string
}

// NewLLMVerifier creates a verifier. An empty model uses the client default.
func NewLLMVerifier(client providers.LLMClient, model string) *LLMVerifier {
	return &LLMVerifier{client: client, model: model}
}

// Verify sends reference, before and after crops in that order.
func (v *LLMVerifier) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	schema, err := json.Marshal(VerificationSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification schema: %w", err)
	}
	chat := &providers.ChatRequest{
		Model: v.model,
		Messages: []providers.Message{
			{Role: "system", Content: VerifySystemPrompt()},
			{Role: "user", Content: VerifyUserPrompt(req), Images: [][]byte{req.Reference, req.Before, req.After}},
		},
		Temperature:    0,
		ResponseFormat: providers.JSONSchemaFormat("repair_verification", schema),
	}
	var out verificationResult
	if _, err := providers.ChatStructured(ctx, v.client, chat, &out); err != nil {
		return nil, err
	}
	return &Verification{
		Confidence:  types.ParseConfidence(out.Confidence),
		BeforeScore: out.BeforeScore,
		AfterScore:  out.AfterScore,
		Explanation: out.Explanation,
	}, nil
}

var _ Verifier = (*LLMVerifier)(nil)
