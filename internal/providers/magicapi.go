package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

const (
	MagicAPIName    = "magicapi"
	MagicAPIBaseURL = "https://api.magicapi.dev/api/v1/magicapi"

	magicAPIFaceSwapPath = "/faceswap-v2/faceswap/image"
	magicAPIHairPath     = "/hair/hair/image"

	// Per-call list prices.
	magicAPIFaceSwapCostUSD = 0.01
	magicAPIHairCostUSD     = 0.02
)

// MagicAPIConfig holds configuration for the MagicAPI client.
type MagicAPIConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration // per HTTP request
	PollInterval time.Duration // delay between status polls (default: 2s)
	MaxPolls     int           // status polls before giving up (default: 60)
}

// MagicAPIClient implements FaceSwapProvider. Jobs are asynchronous: a run
// request returns a job id whose status is polled until it completes.
type MagicAPIClient struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// NewMagicAPIClient creates a new MagicAPI client.
func NewMagicAPIClient(cfg MagicAPIConfig) *MagicAPIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MagicAPIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &MagicAPIClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		client:       &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
	}
}

// Name returns the provider identifier.
func (c *MagicAPIClient) Name() string {
	return MagicAPIName
}

// SwapFace puts the face from the reference portrait onto the target image.
func (c *MagicAPIClient) SwapFace(ctx context.Context, target, face []byte) (*ImageResult, error) {
	if len(target) == 0 || len(face) == 0 {
		return nil, fmt.Errorf("target and face images are required")
	}
	return c.run(ctx, magicAPIFaceSwapPath, "faceswap", magicAPIFaceSwapCostUSD, map[string]any{
		"target_image": dataURL(target),
		"swap_image":   dataURL(face),
	})
}

// FixHair restyles the hair to match the description.
func (c *MagicAPIClient) FixHair(ctx context.Context, image []byte, description string) (*ImageResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is required")
	}
	return c.run(ctx, magicAPIHairPath, "hair", magicAPIHairCostUSD, map[string]any{
		"image":       dataURL(image),
		"description": description,
	})
}

type magicAPIJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Output struct {
		ImageURL    string `json:"image_url,omitempty"`
		ImageBase64 string `json:"image_base64,omitempty"`
	} `json:"output"`
}

// errJobPending signals the poll loop to keep waiting.
var errJobPending = errors.New("magicapi job pending")

func (c *MagicAPIClient) run(ctx context.Context, path, model string, cost float64, input map[string]any) (*ImageResult, error) {
	start := time.Now()

	var job magicAPIJob
	if err := c.do(ctx, http.MethodPost, path+"/run", map[string]any{"input": input}, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("magicapi %s: no job id returned", model)
	}

	var polls uint
	done, err := retry.DoWithData(
		func() (magicAPIJob, error) {
			var status magicAPIJob
			if err := c.do(ctx, http.MethodGet, path+"/status/"+job.ID, nil, &status); err != nil {
				return status, retry.Unrecoverable(err)
			}
			switch strings.ToUpper(status.Status) {
			case "COMPLETED":
				return status, nil
			case "FAILED", "CANCELLED", "TIMED_OUT":
				return status, retry.Unrecoverable(fmt.Errorf("magicapi %s job %s %s: %s", model, job.ID, strings.ToLower(status.Status), status.Error))
			default:
				return status, errJobPending
			}
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxPolls)),
		retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) { polls = n + 1 }),
	)
	if errors.Is(err, errJobPending) {
		return nil, fmt.Errorf("magicapi %s job %s did not finish after %d polls", model, job.ID, polls)
	}
	if err != nil {
		return nil, err
	}

	img, err := c.output(ctx, done)
	if err != nil {
		return nil, err
	}
	return &ImageResult{
		Image:         img,
		MIMEType:      http.DetectContentType(img),
		Provider:      MagicAPIName,
		Model:         model,
		CostUSD:       cost,
		ExecutionTime: time.Since(start),
		RequestID:     uuid.New().String(),
		Attempts:      1,
	}, nil
}

func (c *MagicAPIClient) output(ctx context.Context, job magicAPIJob) ([]byte, error) {
	if job.Output.ImageBase64 != "" {
		b64 := job.Output.ImageBase64
		if i := strings.Index(b64, ","); strings.HasPrefix(b64, "data:") && i > 0 {
			b64 = b64[i+1:]
		}
		img, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode magicapi image: %w", err)
		}
		return img, nil
	}
	if job.Output.ImageURL == "" {
		return nil, fmt.Errorf("magicapi job %s completed without output", job.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Output.ImageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download magicapi image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download magicapi image: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *MagicAPIClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-magicapi-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("magicapi request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Message:    "MagicAPI rate limited",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("magicapi error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

var _ FaceSwapProvider = (*MagicAPIClient)(nil)
