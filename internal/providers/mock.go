package providers

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrofis/magicalstory/internal/imageutil"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing. Responses are served in order; once
// they run out the last one repeats. Handler, when set, takes precedence.
type MockClient struct {
	// Configurable behavior
	Latency    time.Duration
	ShouldFail bool
	FailAfter  int // Fail after N requests (0 = never)
	Responses  []string
	Handler    func(req *ChatRequest) (string, error)
	CostUSD    float64

	mu           sync.Mutex
	requests     []*ChatRequest
	requestCount atomic.Int64
}

// NewMockClient creates a mock client that answers every request with the given responses in turn.
func NewMockClient(responses ...string) *MockClient {
	if len(responses) == 0 {
		responses = []string{"mock response"}
	}
	return &MockClient{Responses: responses}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Chat returns the next scripted response.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	result := &ChatResult{
		RequestID: fmt.Sprintf("mock-%d", count),
		Provider:  MockClientName,
		ModelUsed: req.Model,
		Attempts:  1,
	}

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			result.ErrorType = "context_canceled"
			result.ErrorMessage = ctx.Err().Error()
			return result, ctx.Err()
		case <-time.After(c.Latency):
		}
	}

	if c.ShouldFail || (c.FailAfter > 0 && count > int64(c.FailAfter)) {
		result.ErrorType = "mock_error"
		result.ErrorMessage = "mock failure"
		result.TotalTime = time.Since(start)
		return result, fmt.Errorf("mock failure")
	}

	var content string
	if c.Handler != nil {
		var err error
		if content, err = c.Handler(req); err != nil {
			result.ErrorType = "mock_error"
			result.ErrorMessage = err.Error()
			return result, err
		}
	} else {
		idx := int(count) - 1
		if idx >= len(c.Responses) {
			idx = len(c.Responses) - 1
		}
		content = c.Responses[idx]
	}

	result.Success = true
	result.Content = content
	result.PromptTokens = 100
	result.CompletionTokens = 50
	result.TotalTokens = 150
	result.CostUSD = c.CostUSD
	result.ExecutionTime = time.Since(start)
	result.TotalTime = result.ExecutionTime
	if req.ResponseFormat != nil {
		if parsed, err := parseStructuredJSON(content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Requests returns the requests received so far.
func (c *MockClient) Requests() []*ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ChatRequest(nil), c.requests...)
}

// Reset resets the request counter and history.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
	c.mu.Lock()
	c.requests = nil
	c.mu.Unlock()
}

// MockImageProvider is an ImageProvider for testing. Each call returns a small
// solid PNG unless Handler or ShouldFail say otherwise.
type MockImageProvider struct {
	ProviderName string
	ShouldFail   bool
	CostUSD      float64
	Handler      func(req *ImageRequest) ([]byte, error)

	mu       sync.Mutex
	requests []*ImageRequest
}

// NewMockImageProvider creates a mock image provider.
func NewMockImageProvider() *MockImageProvider {
	return &MockImageProvider{ProviderName: "mock-image", CostUSD: 0.01}
}

// Name returns the provider identifier.
func (p *MockImageProvider) Name() string {
	if p.ProviderName == "" {
		return "mock-image"
	}
	return p.ProviderName
}

// Generate records the request and returns a mock image.
func (p *MockImageProvider) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ShouldFail {
		return nil, fmt.Errorf("mock image failure")
	}

	var (
		img []byte
		err error
	)
	if p.Handler != nil {
		img, err = p.Handler(req)
	} else {
		img = imageutil.Solid(32, 32, color.RGBA{R: uint8(n * 40), G: 120, B: 200, A: 255})
	}
	if err != nil {
		return nil, err
	}
	return &ImageResult{
		Image:     img,
		MIMEType:  "image/png",
		Provider:  p.Name(),
		Model:     "mock",
		CostUSD:   p.CostUSD,
		RequestID: fmt.Sprintf("mock-image-%d", n),
		Attempts:  1,
	}, nil
}

// Requests returns the requests received so far.
func (p *MockImageProvider) Requests() []*ImageRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ImageRequest(nil), p.requests...)
}

// MockFaceSwap is a FaceSwapProvider for testing.
type MockFaceSwap struct {
	ShouldFail bool
	CostUSD    float64

	swaps atomic.Int64
	hairs atomic.Int64
}

// Name returns the provider identifier.
func (m *MockFaceSwap) Name() string {
	return "mock-face"
}

// SwapFace returns the target unchanged.
func (m *MockFaceSwap) SwapFace(ctx context.Context, target, face []byte) (*ImageResult, error) {
	m.swaps.Add(1)
	return m.result(ctx, target)
}

// FixHair returns the image unchanged.
func (m *MockFaceSwap) FixHair(ctx context.Context, image []byte, description string) (*ImageResult, error) {
	m.hairs.Add(1)
	return m.result(ctx, image)
}

func (m *MockFaceSwap) result(ctx context.Context, img []byte) (*ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ShouldFail {
		return nil, fmt.Errorf("mock face-swap failure")
	}
	return &ImageResult{
		Image:    append([]byte(nil), img...),
		MIMEType: "image/png",
		Provider: m.Name(),
		Model:    "mock",
		CostUSD:  m.CostUSD,
		Attempts: 1,
	}, nil
}

// Calls returns the number of face swaps and hair fixes made.
func (m *MockFaceSwap) Calls() (swaps, hairs int) {
	return int(m.swaps.Load()), int(m.hairs.Load())
}

var (
	_ LLMClient        = (*MockClient)(nil)
	_ ImageProvider    = (*MockImageProvider)(nil)
	_ FaceSwapProvider = (*MockFaceSwap)(nil)
)
