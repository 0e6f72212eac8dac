package story

import (
	"context"
	"errors"

	"github.com/chrofis/magicalstory/internal/types"
)

// ErrNotFound is returned when a story, page, character or cover does not exist.
var ErrNotFound = errors.New("not found")

// Store persists stories. Replacing an image bumps the version and keeps the
// previous image available under its old reference.
type Store interface {
	// Story loads a story including all image bytes.
	Story(ctx context.Context, storyID string) (*Story, error)

	// SaveStory writes a complete story, replacing any existing copy.
	SaveStory(ctx context.Context, s *Story) error

	// Page reads one page by number.
	Page(ctx context.Context, storyID string, num int) (*Page, error)

	// ReplacePage stores a new image for the page and returns the updated page.
	ReplacePage(ctx context.Context, storyID string, num int, image []byte) (*Page, error)

	// Character reads one character by name.
	Character(ctx context.Context, storyID, name string) (*Character, error)

	// ReplaceCharacter updates a character's description and reference image.
	ReplaceCharacter(ctx context.Context, storyID string, c Character) (*Character, error)

	// Cover reads one cover by type.
	Cover(ctx context.Context, storyID string, t types.CoverType) (*Cover, error)

	// ReplaceCover stores a new image for the cover and returns the updated cover.
	ReplaceCover(ctx context.Context, storyID string, t types.CoverType, image []byte) (*Cover, error)

	// SaveArtifact stores an auxiliary image (blackout input, repair grid) and returns its reference.
	SaveArtifact(ctx context.Context, storyID, name string, data []byte) (string, error)
}
