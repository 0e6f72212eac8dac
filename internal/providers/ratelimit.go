package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// defaultRequestsPerMinute applies when a limiter is built without a rate.
const defaultRequestsPerMinute = 150

// RateLimiter allows requestsPerMinute calls per minute with a burst of
// one full minute. A 429 carrying Retry-After pauses every caller until
// that time has passed.
type RateLimiter struct {
	lim       *rate.Limiter
	perMinute int

	mu          sync.Mutex
	pausedUntil time.Time
	last429     time.Time

	consumed atomic.Int64
	waited   atomic.Int64 // nanoseconds
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	Utilization     float64       `json:"utilization"`
	TimeUntilToken  time.Duration `json:"time_until_token"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter. A non-positive rate uses the default.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	every := time.Minute / time.Duration(requestsPerMinute)
	return &RateLimiter{
		lim:       rate.NewLimiter(rate.Every(every), requestsPerMinute),
		perMinute: requestsPerMinute,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if d := r.pauseRemaining(start); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := r.lim.Wait(ctx); err != nil {
		return err
	}
	r.consumed.Add(1)
	r.waited.Add(int64(time.Since(start)))
	return nil
}

// TryConsume takes a token if one is available right now.
func (r *RateLimiter) TryConsume() bool {
	now := time.Now()
	if r.pauseRemaining(now) > 0 || !r.lim.AllowN(now, 1) {
		return false
	}
	r.consumed.Add(1)
	return true
}

// Record429 notes a rate-limit response. A positive retryAfter pauses
// the limiter for that long.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last429 = now
	if until := now.Add(retryAfter); retryAfter > 0 && until.After(r.pausedUntil) {
		r.pausedUntil = until
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	now := time.Now()
	tokens := r.lim.TokensAt(now)
	pause := r.pauseRemaining(now)

	until := pause
	if tokens < 1 {
		until += time.Duration((1 - tokens) / float64(r.lim.Limit()) * float64(time.Second))
	}
	available := int(tokens)
	if pause > 0 || available < 0 {
		available = 0
	}

	r.mu.Lock()
	last := r.last429
	r.mu.Unlock()

	return RateLimiterStatus{
		TokensAvailable: available,
		TokensLimit:     r.perMinute,
		Utilization:     max(0, 1-tokens/float64(r.perMinute)),
		TimeUntilToken:  until,
		TotalConsumed:   r.consumed.Load(),
		TotalWaited:     time.Duration(r.waited.Load()),
		Last429Time:     last,
	}
}

func (r *RateLimiter) pauseRemaining(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pausedUntil.Sub(now)
}

// limitedImage throttles an image provider that has no limiter of its own.
type limitedImage struct {
	ImageProvider
	limiter *RateLimiter
}

func (l *limitedImage) Limiter() *RateLimiter { return l.limiter }

func (l *limitedImage) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.ImageProvider.Generate(ctx, req)
	record429(l.limiter, err)
	return res, err
}

// limitedFace throttles a face-swap provider.
type limitedFace struct {
	FaceSwapProvider
	limiter *RateLimiter
}

func (l *limitedFace) Limiter() *RateLimiter { return l.limiter }

func (l *limitedFace) SwapFace(ctx context.Context, target, face []byte) (*ImageResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.FaceSwapProvider.SwapFace(ctx, target, face)
	record429(l.limiter, err)
	return res, err
}

func (l *limitedFace) FixHair(ctx context.Context, image []byte, description string) (*ImageResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.FaceSwapProvider.FixHair(ctx, image, description)
	record429(l.limiter, err)
	return res, err
}

func record429(l *RateLimiter, err error) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		l.Record429(rle.RetryAfter)
	}
}

// WithImageLimit wraps p so that it issues at most perMinute requests per
// minute. A non-positive rate returns p unchanged.
func WithImageLimit(p ImageProvider, perMinute int) ImageProvider {
	if perMinute <= 0 {
		return p
	}
	return &limitedImage{ImageProvider: p, limiter: NewRateLimiter(perMinute)}
}

// WithFaceLimit is WithImageLimit for face-swap providers.
func WithFaceLimit(p FaceSwapProvider, perMinute int) FaceSwapProvider {
	if perMinute <= 0 {
		return p
	}
	return &limitedFace{FaceSwapProvider: p, limiter: NewRateLimiter(perMinute)}
}
