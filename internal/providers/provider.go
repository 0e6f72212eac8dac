package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LLMClient is the interface for vision-capable chat requests. Evaluation,
// consistency analysis and repair verification all go through it.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string
}

// ImageProvider generates or edits illustrations.
// A request with a BaseImage is an edit; without one it is a fresh generation.
type ImageProvider interface {
	// Name returns the provider identifier (e.g., "gemini", "openai").
	Name() string

	// Generate produces one image.
	Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error)
}

// FaceSwapProvider replaces a character's face and hair from a reference portrait.
type FaceSwapProvider interface {
	// Name returns the provider identifier (e.g., "magicapi").
	Name() string

	// SwapFace puts the face from face onto the person in target.
	SwapFace(ctx context.Context, target, face []byte) (*ImageResult, error)

	// FixHair restyles the hair in image to match the description.
	FixHair(ctx context.Context, image []byte, description string) (*ImageResult, error)
}

// Message represents a chat message.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"` // sent as data URLs
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// JSONSchemaFormat wraps a raw JSON schema in the json_schema envelope.
func JSONSchemaFormat(name string, schema json.RawMessage) *ResponseFormat {
	wrapped, _ := json.Marshal(map[string]any{
		"name":   name,
		"strict": true,
		"schema": schema,
	})
	return &ResponseFormat{Type: "json_schema", JSONSchema: wrapped}
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTime     time.Duration `json:"total_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ImageRequest describes an image generation or edit.
type ImageRequest struct {
	Prompt string

	// BaseImage turns the request into an edit of this image.
	BaseImage []byte

	// Mask marks the editable area of BaseImage: transparent pixels are repainted.
	Mask []byte

	// ReferenceImages are extra inputs such as character reference portraits.
	ReferenceImages [][]byte

	Size  string // e.g. "1024x1024"; provider default if empty
	Model string // provider default if empty

	RequestID string
}

// IsEdit reports whether the request edits an existing image.
func (r *ImageRequest) IsEdit() bool {
	return len(r.BaseImage) > 0
}

// ImageResult is a generated image with cost attribution.
type ImageResult struct {
	Image    []byte `json:"-"`
	MIMEType string `json:"mime_type"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd"`

	ExecutionTime time.Duration `json:"execution_time"`
	RequestID     string        `json:"request_id"`
	Attempts      int           `json:"attempts"`
}

// RateLimitError is returned when a provider rejects a request with 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
