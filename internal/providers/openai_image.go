package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIImageName         = "openai"
	openAIImageDefaultModel = openai.ImageModelGPTImage1
	openAIImageDefaultSize  = "1024x1024"

	// gpt-image-1 list prices, USD per 1M tokens. Image responses report
	// token usage but not cost.
	openAIImageInputCostPer1M  = 10.00
	openAIImageOutputCostPer1M = 40.00
)

// OpenAIImageConfig holds configuration for the OpenAI image client.
type OpenAIImageConfig struct {
	APIKey     string
	Model      string // "gpt-image-1" (default)
	Size       string
	MaxRetries int           // retry attempts for SDK transport
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // optional (tests)
	HTTPClient *http.Client  // optional (tests)
}

// OpenAIImageClient implements ImageProvider using the official OpenAI SDK.
// Edits send the base image first followed by the reference images.
type OpenAIImageClient struct {
	model  string
	size   string
	client openai.Client
}

// NewOpenAIImageClient creates a new OpenAI image client.
func NewOpenAIImageClient(cfg OpenAIImageConfig) *OpenAIImageClient {
	if cfg.Model == "" {
		cfg.Model = openAIImageDefaultModel
	}
	if cfg.Size == "" {
		cfg.Size = openAIImageDefaultSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIImageClient{
		model:  cfg.Model,
		size:   cfg.Size,
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIImageClient) Name() string {
	return OpenAIImageName
}

// Generate creates a new image or edits req.BaseImage.
func (c *OpenAIImageClient) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}
	size := req.Size
	if size == "" {
		size = c.size
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var (
		resp *openai.ImagesResponse
		err  error
	)
	if req.IsEdit() {
		files := []io.Reader{openai.File(bytes.NewReader(req.BaseImage), "page.png", "image/png")}
		for i, ref := range req.ReferenceImages {
			files = append(files, openai.File(bytes.NewReader(ref), fmt.Sprintf("reference_%d.png", i+1), "image/png"))
		}
		params := openai.ImageEditParams{
			Prompt:        req.Prompt,
			Model:         model,
			Size:          openai.ImageEditParamsSize(size),
			InputFidelity: openai.ImageEditParamsInputFidelityHigh,
		}
		if len(files) == 1 {
			params.Image = openai.ImageEditParamsImageUnion{OfFile: files[0]}
		} else {
			params.Image = openai.ImageEditParamsImageUnion{OfFileArray: files}
		}
		if len(req.Mask) > 0 {
			params.Mask = openai.File(bytes.NewReader(req.Mask), "mask.png", "image/png")
		}
		resp, err = c.client.Images.Edit(ctx, params)
	} else {
		resp, err = c.client.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt: req.Prompt,
			Model:  model,
			Size:   openai.ImageGenerateParamsSize(size),
		})
	}
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("openai returned no image data")
	}

	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode openai image: %w", err)
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &ImageResult{
		Image:         img,
		MIMEType:      http.DetectContentType(img),
		Provider:      OpenAIImageName,
		Model:         model,
		InputTokens:   in,
		OutputTokens:  out,
		CostUSD:       float64(in)*openAIImageInputCostPer1M/1e6 + float64(out)*openAIImageOutputCostPer1M/1e6,
		ExecutionTime: time.Since(start),
		RequestID:     requestID,
		Attempts:      1,
	}, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("OpenAI image error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("OpenAI image error (status %d)", apiErr.StatusCode)
	}
	return err
}

var _ ImageProvider = (*OpenAIImageClient)(nil)
