package charrepair

import (
	"context"
	"fmt"
	"strings"

	"github.com/chrofis/magicalstory/internal/providers"
	"github.com/chrofis/magicalstory/internal/types"
)

// GeminiStrategy edits the page with a general image model conditioned on
// the reference portrait, then verifies once.
type GeminiStrategy struct {
	images   providers.ImageProvider
	verifier Verifier
}

// NewGeminiStrategy creates the default repair backend.
func NewGeminiStrategy(images providers.ImageProvider, verifier Verifier) *GeminiStrategy {
	return &GeminiStrategy{images: images, verifier: verifier}
}

// Backend returns types.BackendGemini.
func (s *GeminiStrategy) Backend() types.RepairBackend {
	return types.BackendGemini
}

// Repair edits the page and verifies the result.
func (s *GeminiStrategy) Repair(ctx context.Context, job Job) (*Attempt, error) {
	gen, err := s.images.Generate(ctx, &providers.ImageRequest{
		Prompt:          EditPrompt(job),
		BaseImage:       job.Page.Image,
		ReferenceImages: [][]byte{job.Character.Reference},
	})
	if err != nil {
		return nil, fmt.Errorf("image edit failed: %w", err)
	}
	v, err := verify(ctx, s.verifier, job, gen.Image)
	if err != nil {
		return nil, err
	}
	return &Attempt{Image: gen.Image, Verification: *v, Tries: 1}, nil
}

// DefaultMagicAPITries bounds the face and hair passes of the magicapi backend.
const DefaultMagicAPITries = 3

// MagicAPIStrategy swaps the face from the reference, restyles the hair,
// and checks a crop of the character after every pass. It keeps the best
// verified pass and stops early on high confidence.
type MagicAPIStrategy struct {
	face     providers.FaceSwapProvider
	verifier Verifier
	tries    int
}

// NewMagicAPIStrategy creates the face and hair backend.
func NewMagicAPIStrategy(face providers.FaceSwapProvider, verifier Verifier, tries int) *MagicAPIStrategy {
	if tries <= 0 {
		tries = DefaultMagicAPITries
	}
	return &MagicAPIStrategy{face: face, verifier: verifier, tries: tries}
}

// Backend returns types.BackendMagicAPI.
func (s *MagicAPIStrategy) Backend() types.RepairBackend {
	return types.BackendMagicAPI
}

// Repair runs up to s.tries face and hair passes.
func (s *MagicAPIStrategy) Repair(ctx context.Context, job Job) (*Attempt, error) {
	var (
		best    *Attempt
		lastErr error
	)
	for try := 1; try <= s.tries; try++ {
		a, err := s.pass(ctx, job)
		if err != nil {
			lastErr = err
			continue
		}
		a.Tries = try
		if best == nil || better(a.Verification, best.Verification) {
			best = a
		}
		if best.Verification.Confidence == types.ConfidenceHigh {
			break
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all %d face repair passes failed: %w", s.tries, lastErr)
	}
	return best, nil
}

func (s *MagicAPIStrategy) pass(ctx context.Context, job Job) (*Attempt, error) {
	swapped, err := s.face.SwapFace(ctx, job.Page.Image, job.Character.Reference)
	if err != nil {
		return nil, fmt.Errorf("face swap failed: %w", err)
	}
	img := swapped.Image
	if strings.TrimSpace(job.Character.Description) != "" {
		hair, err := s.face.FixHair(ctx, img, job.Character.Description)
		if err != nil {
			return nil, fmt.Errorf("hair fix failed: %w", err)
		}
		img = hair.Image
	}
	v, err := verify(ctx, s.verifier, job, img)
	if err != nil {
		return nil, err
	}
	return &Attempt{Image: img, Verification: *v}, nil
}

// better orders verifications by confidence, then by after score.
func better(a, b Verification) bool {
	if a.Confidence.Rank() != b.Confidence.Rank() {
		return a.Confidence.Rank() > b.Confidence.Rank()
	}
	return a.AfterScore > b.AfterScore
}

func verify(ctx context.Context, verifier Verifier, job Job, after []byte) (*Verification, error) {
	v, err := verifier.Verify(ctx, VerifyRequest{
		Character:   job.Character.Name,
		Description: job.Character.Description,
		Reference:   job.Character.Reference,
		Before:      crop(job.Page.Image, job.Region),
		After:       crop(after, job.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}
	return v, nil
}

var (
	_ Strategy = (*GeminiStrategy)(nil)
	_ Strategy = (*MagicAPIStrategy)(nil)
)
