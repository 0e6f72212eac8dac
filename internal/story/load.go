package story

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chrofis/magicalstory/internal/types"
)

// ManifestFile is the story description file read by LoadDir.
const ManifestFile = "story.yaml"

// manifest mirrors story.yaml. Image paths are relative to the story directory.
type manifest struct {
	ID         string              `yaml:"id"`
	Title      string              `yaml:"title"`
	Pages      []manifestPage      `yaml:"pages"`
	Characters []manifestCharacter `yaml:"characters"`
	Covers     []manifestCover     `yaml:"covers"`
}

type manifestPage struct {
	Page  `yaml:",inline"`
	Image string `yaml:"image"`
}

type manifestCharacter struct {
	Character `yaml:",inline"`
	Image     string `yaml:"image"`
}

type manifestCover struct {
	Cover `yaml:",inline"`
	Image string `yaml:"image"`
}

// LoadDir reads a story exported to a directory: a story.yaml manifest plus
// the page, character and cover images it references.
func LoadDir(dir string) (*Story, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFile, err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	if m.ID == "" {
		m.ID = filepath.Base(filepath.Clean(dir))
	}

	s := &Story{ID: m.ID, Title: m.Title}
	seen := make(map[int]bool)
	for _, mp := range m.Pages {
		if mp.Number <= 0 {
			return nil, fmt.Errorf("page number must be positive, got %d", mp.Number)
		}
		if seen[mp.Number] {
			return nil, fmt.Errorf("duplicate page number %d", mp.Number)
		}
		seen[mp.Number] = true
		p := mp.Page
		if p.Image, err = loadImage(dir, mp.Image); err != nil {
			return nil, fmt.Errorf("page %d: %w", p.Number, err)
		}
		s.Pages = append(s.Pages, p)
	}
	for _, mc := range m.Characters {
		c := mc.Character
		if c.Name == "" {
			return nil, fmt.Errorf("character without name")
		}
		if c.Reference, err = loadImage(dir, mc.Image); err != nil {
			return nil, fmt.Errorf("character %s: %w", c.Name, err)
		}
		s.Characters = append(s.Characters, c)
	}
	for _, mc := range m.Covers {
		c := mc.Cover
		if _, err := types.ParseCoverType(string(c.Type)); err != nil {
			return nil, err
		}
		if c.Image, err = loadImage(dir, mc.Image); err != nil {
			return nil, fmt.Errorf("%s cover: %w", c.Type, err)
		}
		s.Covers = append(s.Covers, c)
	}
	return s, nil
}

func loadImage(dir, rel string) ([]byte, error) {
	if rel == "" {
		return nil, nil
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}
