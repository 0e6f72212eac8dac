package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

const (
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	openRouterDefaultModel = "google/gemini-2.5-flash"
	openRouterMaxBackoff   = 10 * time.Second
)

// OpenRouterConfig configures the vision LLM client used for scoring,
// consistency checks and repair verification.
type OpenRouterConfig struct {
	APIKey            string
	BaseURL           string
	DefaultModel      string
	Timeout           time.Duration // per request, default 120s
	RequestsPerMinute int           // default 150
	MaxRetries        int           // attempts per call, default 3
	RetryDelay        time.Duration // first backoff step, default 1s
}

// OpenRouterClient implements LLMClient on the OpenRouter chat API.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	limiter      *RateLimiter
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenRouterClient creates a client, filling in defaults.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openRouterDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &OpenRouterClient{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      NewRateLimiter(cfg.RequestsPerMinute),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

func (c *OpenRouterClient) Name() string  { return OpenRouterName }
func (c *OpenRouterClient) Model() string { return c.defaultModel }

// Limiter exposes the client's rate limiter for status reporting.
func (c *OpenRouterClient) Limiter() *RateLimiter { return c.limiter }

// Chat sends a chat completion. The returned result is filled in on
// failure too, so callers can record what the call cost them.
func (c *OpenRouterClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	result := &ChatResult{RequestID: req.RequestID, Provider: OpenRouterName}
	if result.RequestID == "" {
		result.RequestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(c.buildRequest(model, req))
	if err != nil {
		return result, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, attempts, err := c.send(ctx, body)
	result.Attempts = attempts
	result.TotalTime = time.Since(start)
	if err != nil {
		result.ErrorType = "http_error"
		result.ErrorMessage = err.Error()
		return result, err
	}

	content, err := messageText(resp.Choices[0].Message.Content)
	if err != nil {
		result.ErrorType = "content_error"
		result.ErrorMessage = err.Error()
		return result, err
	}

	u := resp.Usage
	result.Success = true
	result.Content = content
	result.ModelUsed = resp.Model
	result.PromptTokens = u.PromptTokens
	result.CompletionTokens = u.CompletionTokens
	result.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	result.TotalTokens = u.TotalTokens
	result.CostUSD = u.Cost
	if result.CostUSD == 0 {
		result.CostUSD = u.NativeTotalCost
	}
	result.ExecutionTime = result.TotalTime

	if req.ResponseFormat != nil && content != "" {
		if parsed, err := parseStructuredJSON(content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

func (c *OpenRouterClient) buildRequest(model string, req *ChatRequest) *openRouterRequest {
	out := &openRouterRequest{
		Model:       model,
		Messages:    make([]openRouterMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Usage:       &openRouterUsageRequest{Include: true},
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOpenRouterMessage(m))
	}
	if rf := req.ResponseFormat; rf != nil {
		out.ResponseFormat = &openRouterResponseFormat{Type: rf.Type, JSONSchema: rf.JSONSchema}
	}
	return out
}

// send posts body until it gets a usable answer, a permanent error or runs
// out of attempts. 429s pause the limiter for Retry-After, so the next
// attempt waits in limiter.Wait rather than in the backoff.
func (c *OpenRouterClient) send(ctx context.Context, body []byte) (*openRouterResponse, int, error) {
	attempts := 0
	resp, err := retry.DoWithData(
		func() (*openRouterResponse, error) {
			attempts++
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, retry.Unrecoverable(err)
			}
			return c.post(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(openRouterMaxBackoff),
		retry.MaxJitter(c.retryDelay/2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if attempts >= c.maxRetries {
			return nil, attempts, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, err)
		}
		return nil, attempts, err
	}
	return resp, attempts, nil
}

// post makes one attempt. Errors that another attempt cannot fix are
// marked unrecoverable.
func (c *OpenRouterClient) post(ctx context.Context, body []byte) (*openRouterResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Title", "MagicalStory")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rle := &RateLimitError{
			Message:    "OpenRouter rate limited: " + string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
		c.limiter.Record429(rle.RetryAfter)
		return nil, rle
	case retryableStatus(resp.StatusCode):
		return nil, fmt.Errorf("OpenRouter error (status %d): %s", resp.StatusCode, raw)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Unrecoverable(fmt.Errorf("OpenRouter error (status %d): %s", resp.StatusCode, raw))
	}

	var out openRouterResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if out.Error != nil {
		err := fmt.Errorf("OpenRouter API error: %s", out.Error.Message)
		switch fmt.Sprint(out.Error.Code) {
		case "overloaded", "rate_limit_exceeded", "500", "502", "503":
			return nil, err
		}
		return nil, retry.Unrecoverable(err)
	}
	// Empty choices come back under load.
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response (model=%s, id=%s)", out.Model, out.ID)
	}
	return &out, nil
}

// retryableStatus reports statuses worth another attempt. OpenRouter
// relays 413 and 422 from upstream providers that reject image payloads
// intermittently.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity
}

func toOpenRouterMessage(m Message) openRouterMessage {
	if len(m.Images) == 0 {
		return openRouterMessage{Role: m.Role, Content: m.Content}
	}
	content := []openRouterContent{{Type: "text", Text: m.Content}}
	for _, img := range m.Images {
		content = append(content, openRouterContent{
			Type:     "image_url",
			ImageURL: &openRouterImageURL{URL: dataURL(img)},
		})
	}
	return openRouterMessage{Role: m.Role, Content: content}
}

func dataURL(img []byte) string {
	return "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// messageText flattens string or multi-part message content.
func messageText(content any) (string, error) {
	switch c := content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("failed to marshal content: %w", err)
		}
		return string(b), nil
	}
}

var _ LLMClient = (*OpenRouterClient)(nil)
