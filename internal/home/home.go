package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the magicalstory home directory.
	DefaultDirName = ".magicalstory"

	// StoriesDirName is the subdirectory for story images.
	StoriesDirName = "stories"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the magicalstory home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.magicalstory).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DefraDataPath returns the DefraDB data directory.
func (d *Dir) DefraDataPath() string {
	return filepath.Join(d.path, "defradb")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.StoriesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create stories directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// StoriesDir returns the directory holding all story image trees.
func (d *Dir) StoriesDir() string {
	return filepath.Join(d.path, StoriesDirName)
}

// StoryDir returns the image directory of a story.
func (d *Dir) StoryDir(storyID string) string {
	return filepath.Join(d.StoriesDir(), storyID)
}

// PageImagePath returns the path of one version of a page image.
// Page numbers are 1-indexed; earlier versions are kept next to the current one.
func (d *Dir) PageImagePath(storyID string, pageNum, version int) string {
	return filepath.Join(d.StoryDir(storyID), "pages", fmt.Sprintf("page_%04d_v%d.png", pageNum, version))
}

// CoverImagePath returns the path of one version of a cover image.
func (d *Dir) CoverImagePath(storyID, coverType string, version int) string {
	return filepath.Join(d.StoryDir(storyID), "covers", fmt.Sprintf("%s_v%d.png", coverType, version))
}

// CharacterImagePath returns the path of a character reference image.
func (d *Dir) CharacterImagePath(storyID, slug string, version int) string {
	return filepath.Join(d.StoryDir(storyID), "characters", fmt.Sprintf("%s_v%d.png", slug, version))
}

// ArtifactPath returns the path of an auxiliary image (blackout inputs, repair grids).
func (d *Dir) ArtifactPath(storyID, name string) string {
	return filepath.Join(d.StoryDir(storyID), "artifacts", name)
}

// EnsureStoryDirs creates the image directories for a story.
func (d *Dir) EnsureStoryDirs(storyID string) error {
	for _, sub := range []string{"pages", "covers", "characters", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(d.StoryDir(storyID), sub), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return nil
}
