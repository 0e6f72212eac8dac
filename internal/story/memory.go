package story

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chrofis/magicalstory/internal/types"
)

// MemoryStore is an in-process Store. It keeps every image version so tests
// can check that replaced images stay retrievable.
type MemoryStore struct {
	mu        sync.RWMutex
	stories   map[string]*Story
	history   map[string][]byte
	artifacts map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stories:   make(map[string]*Story),
		history:   make(map[string][]byte),
		artifacts: make(map[string][]byte),
	}
}

func memRef(storyID, kind, key string, version int) string {
	return fmt.Sprintf("mem://%s/%s/%s/v%d", storyID, kind, key, version)
}

// SaveStory stores a copy of the story.
func (m *MemoryStore) SaveStory(ctx context.Context, s *Story) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("story id is required")
	}
	c := cloneStory(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range c.Pages {
		p := &c.Pages[i]
		if p.Version == 0 {
			p.Version = 1
		}
		p.ImageRef = memRef(c.ID, "pages", fmt.Sprint(p.Number), p.Version)
		m.history[p.ImageRef] = p.Image
	}
	for i := range c.Characters {
		ch := &c.Characters[i]
		if ch.Version == 0 {
			ch.Version = 1
		}
		ch.ReferenceRef = memRef(c.ID, "characters", Slug(ch.Name), ch.Version)
		m.history[ch.ReferenceRef] = ch.Reference
	}
	for i := range c.Covers {
		cv := &c.Covers[i]
		if cv.Version == 0 {
			cv.Version = 1
		}
		cv.ImageRef = memRef(c.ID, "covers", string(cv.Type), cv.Version)
		m.history[cv.ImageRef] = cv.Image
	}
	m.stories[c.ID] = c
	return nil
}

// Story returns a copy of the stored story.
func (m *MemoryStore) Story(ctx context.Context, storyID string) (*Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	return cloneStory(s), nil
}

// Page returns a copy of one page.
func (m *MemoryStore) Page(ctx context.Context, storyID string, num int) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	p, ok := s.Page(num)
	if !ok {
		return nil, fmt.Errorf("page %d: %w", num, ErrNotFound)
	}
	c := clonePage(*p)
	return &c, nil
}

// ReplacePage stores a new page image under the next version.
func (m *MemoryStore) ReplacePage(ctx context.Context, storyID string, num int, image []byte) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	p, ok := s.Page(num)
	if !ok {
		return nil, fmt.Errorf("page %d: %w", num, ErrNotFound)
	}
	p.Version++
	p.Image = slices.Clone(image)
	p.ImageRef = memRef(storyID, "pages", fmt.Sprint(num), p.Version)
	m.history[p.ImageRef] = p.Image
	c := clonePage(*p)
	return &c, nil
}

// Character returns a copy of one character.
func (m *MemoryStore) Character(ctx context.Context, storyID, name string) (*Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	ch, ok := s.Character(name)
	if !ok {
		return nil, fmt.Errorf("character %s: %w", name, ErrNotFound)
	}
	c := *ch
	c.Reference = slices.Clone(ch.Reference)
	return &c, nil
}

// ReplaceCharacter updates a character's description and reference image.
func (m *MemoryStore) ReplaceCharacter(ctx context.Context, storyID string, c Character) (*Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	ch, ok := s.Character(c.Name)
	if !ok {
		return nil, fmt.Errorf("character %s: %w", c.Name, ErrNotFound)
	}
	if c.Description != "" {
		ch.Description = c.Description
	}
	if len(c.Reference) > 0 {
		ch.Version++
		ch.Reference = slices.Clone(c.Reference)
		ch.ReferenceRef = memRef(storyID, "characters", Slug(ch.Name), ch.Version)
		m.history[ch.ReferenceRef] = ch.Reference
	}
	out := *ch
	out.Reference = slices.Clone(ch.Reference)
	return &out, nil
}

// Cover returns a copy of one cover.
func (m *MemoryStore) Cover(ctx context.Context, storyID string, t types.CoverType) (*Cover, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	cv, ok := s.Cover(t)
	if !ok {
		return nil, fmt.Errorf("cover %s: %w", t, ErrNotFound)
	}
	c := *cv
	c.Image = slices.Clone(cv.Image)
	return &c, nil
}

// ReplaceCover stores a new cover image under the next version.
func (m *MemoryStore) ReplaceCover(ctx context.Context, storyID string, t types.CoverType, image []byte) (*Cover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	cv, ok := s.Cover(t)
	if !ok {
		return nil, fmt.Errorf("cover %s: %w", t, ErrNotFound)
	}
	cv.Version++
	cv.Image = slices.Clone(image)
	cv.ImageRef = memRef(storyID, "covers", string(t), cv.Version)
	m.history[cv.ImageRef] = cv.Image
	c := *cv
	c.Image = slices.Clone(cv.Image)
	return &c, nil
}

// SaveArtifact keeps an auxiliary image.
func (m *MemoryStore) SaveArtifact(ctx context.Context, storyID, name string, data []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/artifacts/%s", storyID, name)
	m.mu.Lock()
	m.artifacts[ref] = slices.Clone(data)
	m.mu.Unlock()
	return ref, nil
}

// Image returns the bytes stored under an image reference, including replaced versions.
func (m *MemoryStore) Image(ref string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.history[ref]; ok {
		return b, true
	}
	b, ok := m.artifacts[ref]
	return b, ok
}

func clonePage(p Page) Page {
	p.Image = slices.Clone(p.Image)
	p.Characters = slices.Clone(p.Characters)
	p.EntityIssues = slices.Clone(p.EntityIssues)
	p.ObjectIssues = slices.Clone(p.ObjectIssues)
	if p.Quality != nil {
		q := *p.Quality
		q.Issues = slices.Clone(q.Issues)
		p.Quality = &q
	}
	if p.Semantic != nil {
		s := *p.Semantic
		s.Issues = slices.Clone(s.Issues)
		p.Semantic = &s
	}
	return p
}

func cloneStory(s *Story) *Story {
	c := &Story{ID: s.ID, Title: s.Title}
	c.Pages = make([]Page, len(s.Pages))
	for i, p := range s.Pages {
		c.Pages[i] = clonePage(p)
	}
	c.Characters = make([]Character, len(s.Characters))
	for i, ch := range s.Characters {
		ch.Reference = slices.Clone(ch.Reference)
		c.Characters[i] = ch
	}
	c.Covers = make([]Cover, len(s.Covers))
	for i, cv := range s.Covers {
		cv.Image = slices.Clone(cv.Image)
		c.Covers[i] = cv
	}
	return c
}
