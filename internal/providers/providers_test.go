package providers

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chrofis/magicalstory/internal/imageutil"
)

func TestMockClient(t *testing.T) {
	t.Run("scripted responses", func(t *testing.T) {
		c := NewMockClient("first", "second")

		for _, want := range []string{"first", "second", "second"} {
			result, err := c.Chat(context.Background(), &ChatRequest{
				Model:    "test-model",
				Messages: []Message{{Role: "user", Content: "test"}},
			})
			if err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			if !result.Success {
				t.Errorf("Success = false, want true")
			}
			if result.Content != want {
				t.Errorf("Content = %q, want %q", result.Content, want)
			}
		}
		if c.RequestCount() != 3 {
			t.Errorf("RequestCount = %d, want 3", c.RequestCount())
		}
		if got := len(c.Requests()); got != 3 {
			t.Errorf("len(Requests()) = %d, want 3", got)
		}
	})

	t.Run("handler", func(t *testing.T) {
		c := NewMockClient()
		c.Handler = func(req *ChatRequest) (string, error) {
			return fmt.Sprintf(`{"images": %d}`, len(req.Messages[0].Images)), nil
		}

		result, err := c.Chat(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: "user", Content: "look", Images: [][]byte{{1}, {2}}}},
			ResponseFormat: &ResponseFormat{Type: "json_schema"},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if string(result.ParsedJSON) != `{"images":2}` {
			t.Errorf("ParsedJSON = %s, want {\"images\":2}", result.ParsedJSON)
		}
	})

	t.Run("should fail", func(t *testing.T) {
		c := NewMockClient()
		c.ShouldFail = true

		result, err := c.Chat(context.Background(), &ChatRequest{})
		if err == nil {
			t.Error("expected error")
		}
		if result.Success {
			t.Error("Success = true, want false")
		}
	})

	t.Run("fail after", func(t *testing.T) {
		c := NewMockClient()
		c.FailAfter = 2

		for i := 0; i < 2; i++ {
			if _, err := c.Chat(context.Background(), &ChatRequest{}); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		if _, err := c.Chat(context.Background(), &ChatRequest{}); err == nil {
			t.Error("third request should fail")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		c := NewMockClient()
		c.Latency = time.Second

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := c.Chat(ctx, &ChatRequest{}); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		c := NewMockClient()

		var wg sync.WaitGroup
		var failures atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Chat(context.Background(), &ChatRequest{}); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		if failures.Load() > 0 {
			t.Errorf("had %d failures", failures.Load())
		}
		if c.RequestCount() != 10 {
			t.Errorf("RequestCount = %d, want 10", c.RequestCount())
		}
	})
}

func TestMockImageProvider(t *testing.T) {
	p := NewMockImageProvider()

	result, err := p.Generate(context.Background(), &ImageRequest{Prompt: "a fox in a forest"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	w, h, err := imageutil.Size(result.Image)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if w != 32 || h != 32 {
		t.Errorf("size = %dx%d, want 32x32", w, h)
	}
	if result.CostUSD != 0.01 {
		t.Errorf("CostUSD = %v, want 0.01", result.CostUSD)
	}

	p.ShouldFail = true
	if _, err := p.Generate(context.Background(), &ImageRequest{Prompt: "x"}); err == nil {
		t.Error("expected error")
	}
	if got := len(p.Requests()); got != 2 {
		t.Errorf("len(Requests()) = %d, want 2", got)
	}
}

func TestMockFaceSwap(t *testing.T) {
	m := &MockFaceSwap{}
	target := []byte("target")

	result, err := m.SwapFace(context.Background(), target, []byte("face"))
	if err != nil {
		t.Fatalf("SwapFace() error = %v", err)
	}
	if !bytes.Equal(result.Image, target) {
		t.Error("SwapFace() should return the target unchanged")
	}
	if _, err := m.FixHair(context.Background(), result.Image, "short red hair"); err != nil {
		t.Fatalf("FixHair() error = %v", err)
	}
	if swaps, hairs := m.Calls(); swaps != 1 || hairs != 1 {
		t.Errorf("Calls() = %d, %d, want 1, 1", swaps, hairs)
	}
}

func TestImageRequest_IsEdit(t *testing.T) {
	if (&ImageRequest{Prompt: "p"}).IsEdit() {
		t.Error("IsEdit() = true without base image")
	}
	if !(&ImageRequest{Prompt: "p", BaseImage: []byte{1}}).IsEdit() {
		t.Error("IsEdit() = false with base image")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{" 0.5 ", 500 * time.Millisecond},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows initial requests", func(t *testing.T) {
		limiter := NewRateLimiter(600)

		// Should allow 5 requests quickly
		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		elapsed := time.Since(start)

		// Should complete quickly since we have burst capacity
		if elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("try consume", func(t *testing.T) {
		limiter := NewRateLimiter(60)

		// Should succeed initially
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
	})

	t.Run("status", func(t *testing.T) {
		limiter := NewRateLimiter(60)

		status := limiter.Status()

		if status.TokensLimit != 60 {
			t.Errorf("TokensLimit = %d, want 60", status.TokensLimit)
		}
		if status.TokensAvailable <= 0 {
			t.Error("expected positive tokens available")
		}
	})

	t.Run("record 429", func(t *testing.T) {
		limiter := NewRateLimiter(60)

		limiter.Record429(time.Second)

		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		// Create limiter with very low rate
		limiter := NewRateLimiter(1)
		limiter.Record429(time.Minute) // drain the bucket

		// Cancel context immediately
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := limiter.Wait(ctx)
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(6000)

		var wg sync.WaitGroup
		var errors atomic.Int32

		// Fire 10 concurrent requests
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					errors.Add(1)
				}
			}()
		}

		wg.Wait()

		if errors.Load() > 0 {
			t.Errorf("had %d errors", errors.Load())
		}

		status := limiter.Status()
		if status.TotalConsumed != 10 {
			t.Errorf("TotalConsumed = %d, want 10", status.TotalConsumed)
		}
	})
}

func TestRateLimiter_RetryAfterPauses(t *testing.T) {
	limiter := NewRateLimiter(600)
	limiter.Record429(time.Hour)

	if limiter.TryConsume() {
		t.Error("TryConsume() during Retry-After pause = true, want false")
	}
	st := limiter.Status()
	if st.TokensAvailable != 0 {
		t.Errorf("TokensAvailable = %d, want 0 while paused", st.TokensAvailable)
	}
	if st.TimeUntilToken < 59*time.Minute {
		t.Errorf("TimeUntilToken = %v, want about an hour", st.TimeUntilToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() = %v, want DeadlineExceeded", err)
	}
}

func TestWithImageLimit(t *testing.T) {
	mock := NewMockImageProvider()
	if got := WithImageLimit(mock, 0); got != ImageProvider(mock) {
		t.Error("WithImageLimit(p, 0) should return p unchanged")
	}

	mock.Handler = func(req *ImageRequest) ([]byte, error) {
		return nil, &RateLimitError{Message: "slow down", RetryAfter: time.Hour, StatusCode: 429}
	}
	limited := WithImageLimit(mock, 60)
	if limited.Name() != mock.Name() {
		t.Errorf("Name() = %q, want %q", limited.Name(), mock.Name())
	}
	if _, err := limited.Generate(context.Background(), &ImageRequest{Prompt: "fox"}); err == nil {
		t.Fatal("Generate() error = nil, want rate limit error")
	}

	// The 429 pauses the wrapper, so the next call never reaches the provider.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := limited.Generate(ctx, &ImageRequest{Prompt: "fox"}); err != context.DeadlineExceeded {
		t.Errorf("Generate() after 429 = %v, want DeadlineExceeded", err)
	}
	if n := len(mock.Requests()); n != 1 {
		t.Errorf("provider requests = %d, want 1", n)
	}
}

func TestWithFaceLimit(t *testing.T) {
	mock := &MockFaceSwap{}
	limited := WithFaceLimit(mock, 120)
	if _, err := limited.SwapFace(context.Background(), []byte("t"), []byte("f")); err != nil {
		t.Fatalf("SwapFace() error = %v", err)
	}
	if _, err := limited.FixHair(context.Background(), []byte("t"), "short red hair"); err != nil {
		t.Fatalf("FixHair() error = %v", err)
	}
	if swaps, hairs := mock.Calls(); swaps != 1 || hairs != 1 {
		t.Errorf("Calls() = %d, %d, want 1, 1", swaps, hairs)
	}
	if st := limited.(*limitedFace).limiter.Status(); st.TotalConsumed != 2 {
		t.Errorf("TotalConsumed = %d, want 2", st.TotalConsumed)
	}
}
