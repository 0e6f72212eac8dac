package metrics

import (
	"context"
	"time"

	"github.com/chrofis/magicalstory/internal/providers"
)

// InstrumentLLM wraps client so every call is recorded with the attribution
// carried by its context.
func InstrumentLLM(client providers.LLMClient, rec *Recorder) providers.LLMClient {
	if rec == nil {
		return client
	}
	return &llmClient{LLMClient: client, rec: rec}
}

// InstrumentImage wraps an image provider the same way.
func InstrumentImage(p providers.ImageProvider, rec *Recorder) providers.ImageProvider {
	if rec == nil {
		return p
	}
	return &imageProvider{ImageProvider: p, rec: rec}
}

// InstrumentFace wraps a face-swap provider the same way.
func InstrumentFace(p providers.FaceSwapProvider, rec *Recorder) providers.FaceSwapProvider {
	if rec == nil {
		return p
	}
	return &faceProvider{FaceSwapProvider: p, rec: rec}
}

type llmClient struct {
	providers.LLMClient
	rec *Recorder
}

func (c *llmClient) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	result, err := c.LLMClient.Chat(ctx, req)
	if result != nil {
		c.rec.RecordLLMCall(ctx, result)
	} else if err != nil {
		c.rec.RecordError(ctx, KindLLM, c.Name(), err, 0)
	}
	return result, err
}

type imageProvider struct {
	providers.ImageProvider
	rec *Recorder
}

func (p *imageProvider) Generate(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResult, error) {
	start := time.Now()
	result, err := p.ImageProvider.Generate(ctx, req)
	if err != nil {
		p.rec.RecordError(ctx, KindImage, p.Name(), err, time.Since(start))
		return nil, err
	}
	p.rec.RecordImageCall(ctx, KindImage, result)
	return result, nil
}

type faceProvider struct {
	providers.FaceSwapProvider
	rec *Recorder
}

func (p *faceProvider) SwapFace(ctx context.Context, target, face []byte) (*providers.ImageResult, error) {
	return p.record(ctx, time.Now())(p.FaceSwapProvider.SwapFace(ctx, target, face))
}

func (p *faceProvider) FixHair(ctx context.Context, image []byte, description string) (*providers.ImageResult, error) {
	return p.record(ctx, time.Now())(p.FaceSwapProvider.FixHair(ctx, image, description))
}

func (p *faceProvider) record(ctx context.Context, start time.Time) func(*providers.ImageResult, error) (*providers.ImageResult, error) {
	return func(result *providers.ImageResult, err error) (*providers.ImageResult, error) {
		if err != nil {
			p.rec.RecordError(ctx, KindFace, p.Name(), err, time.Since(start))
			return nil, err
		}
		p.rec.RecordImageCall(ctx, KindFace, result)
		return result, nil
	}
}
