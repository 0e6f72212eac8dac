package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

const (
	GeminiImageName         = "gemini"
	geminiImageDefaultModel = "gemini-2.5-flash-image"

	// Flat price per generated image; the API reports tokens but not cost.
	geminiImageCostUSD = 0.039
)

// GeminiImageConfig holds configuration for the Gemini image client.
type GeminiImageConfig struct {
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
	BaseURL    string       // optional (tests)
	HTTPClient *http.Client // optional (tests)
}

// GeminiImageClient implements ImageProvider with Gemini's native image output.
// The base image, if any, goes first, then reference images, then the prompt.
type GeminiImageClient struct {
	client     *genai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewGeminiImageClient creates a new Gemini image client.
func NewGeminiImageClient(ctx context.Context, cfg GeminiImageConfig) (*GeminiImageClient, error) {
	if cfg.Model == "" {
		cfg.Model = geminiImageDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiImageClient{
		client:     client,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Name returns the provider identifier.
func (c *GeminiImageClient) Name() string {
	return GeminiImageName
}

// Generate creates or edits an image. Transient API errors are retried.
func (c *GeminiImageClient) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var parts []*genai.Part
	if req.IsEdit() {
		parts = append(parts, genai.NewPartFromBytes(req.BaseImage, http.DetectContentType(req.BaseImage)))
	}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, genai.NewPartFromBytes(ref, http.DetectContentType(ref)))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	var attempts uint
	result, err := retry.DoWithData(
		func() (*ImageResult, error) {
			resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
			if err != nil {
				return nil, err
			}
			return imageFromResponse(resp)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableGeminiError),
		retry.OnRetry(func(n uint, err error) { attempts = n + 2 }),
	)
	if err != nil {
		return nil, fmt.Errorf("gemini image generation failed: %w", err)
	}

	result.Provider = GeminiImageName
	result.Model = model
	result.CostUSD = geminiImageCostUSD
	result.ExecutionTime = time.Since(start)
	result.RequestID = requestID
	result.Attempts = int(max(attempts, 1))
	return result, nil
}

// errNoImage is returned when the model answers with text only.
var errNoImage = errors.New("gemini returned no image")

func imageFromResponse(resp *genai.GenerateContentResponse) (*ImageResult, error) {
	if resp == nil {
		return nil, errNoImage
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			r := &ImageResult{
				Image:    part.InlineData.Data,
				MIMEType: part.InlineData.MIMEType,
			}
			if u := resp.UsageMetadata; u != nil {
				r.InputTokens = int(u.PromptTokenCount)
				r.OutputTokens = int(u.CandidatesTokenCount)
			}
			return r, nil
		}
	}
	return nil, errNoImage
}

// isRetryableGeminiError retries rate limits, server errors and text-only answers.
func isRetryableGeminiError(err error) bool {
	if errors.Is(err, errNoImage) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

var _ ImageProvider = (*GeminiImageClient)(nil)
