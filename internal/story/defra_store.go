package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/home"
	"github.com/chrofis/magicalstory/internal/types"
)

// DefraStore keeps story metadata in DefraDB and image bytes under the home
// directory. Every image version gets its own file, so replaced images remain
// on disk and the document history in DefraDB records which version was current.
type DefraStore struct {
	client *defra.Client
	home   *home.Dir
	logger *slog.Logger
}

// NewDefraStore creates a store backed by DefraDB and the home directory.
func NewDefraStore(client *defra.Client, h *home.Dir, logger *slog.Logger) *DefraStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefraStore{client: client, home: h, logger: logger}
}

var pageFields = []string{
	"_docID", "page_num", "description", "corrected_description",
	"image_path", "version", "characters", "reports", "manual_notes",
}

// pageReports is the JSON blob stored in Page.reports.
type pageReports struct {
	Quality      *Report       `json:"quality,omitempty"`
	EntityIssues []types.Issue `json:"entity_issues,omitempty"`
	ObjectIssues []types.Issue `json:"object_issues,omitempty"`
	Semantic     *Report       `json:"semantic,omitempty"`
}

// SaveStory writes all images as version files and upserts the metadata documents.
func (d *DefraStore) SaveStory(ctx context.Context, s *Story) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("story id is required")
	}
	if err := defra.ValidateID(s.ID); err != nil {
		return fmt.Errorf("invalid story id: %w", err)
	}
	if err := d.home.EnsureStoryDirs(s.ID); err != nil {
		return err
	}

	storyDoc := map[string]any{"story_id": s.ID, "title": s.Title}
	if _, err := d.client.Upsert(ctx, "Story", eq("story_id", s.ID), storyDoc, storyDoc); err != nil {
		return fmt.Errorf("failed to save story: %w", err)
	}

	for _, p := range s.Pages {
		if p.Version == 0 {
			p.Version = 1
		}
		path := d.home.PageImagePath(s.ID, p.Number, p.Version)
		if err := writeImage(path, p.Image); err != nil {
			return err
		}
		doc, err := pageDoc(s.ID, p, path)
		if err != nil {
			return err
		}
		filter := eq("story_id", s.ID)
		filter["page_num"] = map[string]any{"_eq": p.Number}
		if _, err := d.client.Upsert(ctx, "Page", filter, doc, doc); err != nil {
			return fmt.Errorf("failed to save page %d: %w", p.Number, err)
		}
	}

	for _, c := range s.Characters {
		if c.Version == 0 {
			c.Version = 1
		}
		path := d.home.CharacterImagePath(s.ID, Slug(c.Name), c.Version)
		if err := writeImage(path, c.Reference); err != nil {
			return err
		}
		doc := map[string]any{
			"story_id":    s.ID,
			"name":        c.Name,
			"description": c.Description,
			"image_path":  path,
			"version":     c.Version,
		}
		filter := eq("story_id", s.ID)
		filter["name"] = map[string]any{"_eq": c.Name}
		if _, err := d.client.Upsert(ctx, "Character", filter, doc, doc); err != nil {
			return fmt.Errorf("failed to save character %s: %w", c.Name, err)
		}
	}

	for _, c := range s.Covers {
		if c.Version == 0 {
			c.Version = 1
		}
		path := d.home.CoverImagePath(s.ID, string(c.Type), c.Version)
		if err := writeImage(path, c.Image); err != nil {
			return err
		}
		doc := map[string]any{
			"story_id":    s.ID,
			"cover_type":  string(c.Type),
			"description": c.Description,
			"image_path":  path,
			"version":     c.Version,
		}
		filter := eq("story_id", s.ID)
		filter["cover_type"] = map[string]any{"_eq": string(c.Type)}
		if _, err := d.client.Upsert(ctx, "Cover", filter, doc, doc); err != nil {
			return fmt.Errorf("failed to save %s cover: %w", c.Type, err)
		}
	}

	d.logger.Info("story saved", "story_id", s.ID, "pages", len(s.Pages), "characters", len(s.Characters), "covers", len(s.Covers))
	return nil
}

// Story loads the story documents and their current images.
func (d *DefraStore) Story(ctx context.Context, storyID string) (*Story, error) {
	if err := defra.ValidateID(storyID); err != nil {
		return nil, fmt.Errorf("invalid story id: %w", err)
	}
	docs, err := defra.NewQuery("Story").Filter("story_id", storyID).Fields("_docID", "title").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	s := &Story{ID: storyID, Title: str(docs[0], "title")}

	pages, err := defra.NewQuery("Page").Filter("story_id", storyID).Fields(pageFields...).OrderBy("page_num", "ASC").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	for _, doc := range pages {
		p, err := parsePage(doc)
		if err != nil {
			return nil, err
		}
		s.Pages = append(s.Pages, *p)
	}

	chars, err := defra.NewQuery("Character").Filter("story_id", storyID).Fields("_docID", "name", "description", "image_path", "version").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	for _, doc := range chars {
		c, err := parseCharacter(doc)
		if err != nil {
			return nil, err
		}
		s.Characters = append(s.Characters, *c)
	}

	covers, err := defra.NewQuery("Cover").Filter("story_id", storyID).Fields("_docID", "cover_type", "description", "image_path", "version").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	for _, doc := range covers {
		c, err := parseCover(doc)
		if err != nil {
			return nil, err
		}
		s.Covers = append(s.Covers, *c)
	}
	return s, nil
}

// Page loads one page and its current image.
func (d *DefraStore) Page(ctx context.Context, storyID string, num int) (*Page, error) {
	doc, err := d.pageDoc(ctx, storyID, num)
	if err != nil {
		return nil, err
	}
	return parsePage(doc)
}

// ReplacePage writes the next version file and points the page document at it.
func (d *DefraStore) ReplacePage(ctx context.Context, storyID string, num int, image []byte) (*Page, error) {
	doc, err := d.pageDoc(ctx, storyID, num)
	if err != nil {
		return nil, err
	}
	version := intField(doc, "version") + 1
	path := d.home.PageImagePath(storyID, num, version)
	if err := writeImage(path, image); err != nil {
		return nil, err
	}
	if err := d.client.Update(ctx, "Page", str(doc, "_docID"), map[string]any{
		"image_path": path,
		"version":    version,
	}); err != nil {
		return nil, fmt.Errorf("failed to update page %d: %w", num, err)
	}
	d.logger.Debug("page image replaced", "story_id", storyID, "page", num, "version", version)

	doc["image_path"] = path
	doc["version"] = float64(version)
	return parsePage(doc)
}

// Character loads one character and its reference image.
func (d *DefraStore) Character(ctx context.Context, storyID, name string) (*Character, error) {
	doc, err := d.characterDoc(ctx, storyID, name)
	if err != nil {
		return nil, err
	}
	return parseCharacter(doc)
}

// ReplaceCharacter updates the description and, when given, the reference image.
func (d *DefraStore) ReplaceCharacter(ctx context.Context, storyID string, c Character) (*Character, error) {
	doc, err := d.characterDoc(ctx, storyID, c.Name)
	if err != nil {
		return nil, err
	}
	update := map[string]any{}
	if c.Description != "" {
		update["description"] = c.Description
		doc["description"] = c.Description
	}
	if len(c.Reference) > 0 {
		version := intField(doc, "version") + 1
		path := d.home.CharacterImagePath(storyID, Slug(c.Name), version)
		if err := writeImage(path, c.Reference); err != nil {
			return nil, err
		}
		update["image_path"] = path
		update["version"] = version
		doc["image_path"] = path
		doc["version"] = float64(version)
	}
	if len(update) > 0 {
		if err := d.client.Update(ctx, "Character", str(doc, "_docID"), update); err != nil {
			return nil, fmt.Errorf("failed to update character %s: %w", c.Name, err)
		}
	}
	return parseCharacter(doc)
}

// Cover loads one cover and its current image.
func (d *DefraStore) Cover(ctx context.Context, storyID string, t types.CoverType) (*Cover, error) {
	doc, err := d.coverDoc(ctx, storyID, t)
	if err != nil {
		return nil, err
	}
	return parseCover(doc)
}

// ReplaceCover writes the next cover version and points the document at it.
func (d *DefraStore) ReplaceCover(ctx context.Context, storyID string, t types.CoverType, image []byte) (*Cover, error) {
	doc, err := d.coverDoc(ctx, storyID, t)
	if err != nil {
		return nil, err
	}
	version := intField(doc, "version") + 1
	path := d.home.CoverImagePath(storyID, string(t), version)
	if err := writeImage(path, image); err != nil {
		return nil, err
	}
	if err := d.client.Update(ctx, "Cover", str(doc, "_docID"), map[string]any{
		"image_path": path,
		"version":    version,
	}); err != nil {
		return nil, fmt.Errorf("failed to update %s cover: %w", t, err)
	}
	doc["image_path"] = path
	doc["version"] = float64(version)
	return parseCover(doc)
}

// SaveArtifact writes an auxiliary image to the story's artifacts directory.
func (d *DefraStore) SaveArtifact(ctx context.Context, storyID, name string, data []byte) (string, error) {
	path := d.home.ArtifactPath(storyID, filepath.Base(name))
	if err := writeImage(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (d *DefraStore) pageDoc(ctx context.Context, storyID string, num int) (map[string]any, error) {
	if err := defra.ValidateID(storyID); err != nil {
		return nil, fmt.Errorf("invalid story id: %w", err)
	}
	docs, err := defra.NewQuery("Page").Filter("story_id", storyID).Filter("page_num", num).Fields(pageFields...).Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("page %d: %w", num, ErrNotFound)
	}
	return docs[0], nil
}

func (d *DefraStore) characterDoc(ctx context.Context, storyID, name string) (map[string]any, error) {
	if err := defra.ValidateID(storyID); err != nil {
		return nil, fmt.Errorf("invalid story id: %w", err)
	}
	docs, err := defra.NewQuery("Character").Filter("story_id", storyID).Filter("name", name).Fields("_docID", "name", "description", "image_path", "version").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("character %s: %w", name, ErrNotFound)
	}
	return docs[0], nil
}

func (d *DefraStore) coverDoc(ctx context.Context, storyID string, t types.CoverType) (map[string]any, error) {
	if err := defra.ValidateID(storyID); err != nil {
		return nil, fmt.Errorf("invalid story id: %w", err)
	}
	docs, err := defra.NewQuery("Cover").Filter("story_id", storyID).Filter("cover_type", string(t)).Fields("_docID", "cover_type", "description", "image_path", "version").Docs(ctx, d.client)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("cover %s: %w", t, ErrNotFound)
	}
	return docs[0], nil
}

func pageDoc(storyID string, p Page, path string) (map[string]any, error) {
	chars, err := json.Marshal(p.Characters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page %d characters: %w", p.Number, err)
	}
	reports, err := json.Marshal(pageReports{
		Quality:      p.Quality,
		EntityIssues: p.EntityIssues,
		ObjectIssues: p.ObjectIssues,
		Semantic:     p.Semantic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode page %d reports: %w", p.Number, err)
	}
	return map[string]any{
		"story_id":              storyID,
		"page_num":              p.Number,
		"description":           p.Description,
		"corrected_description": p.CorrectedDescription,
		"image_path":            path,
		"version":               p.Version,
		"characters":            string(chars),
		"reports":               string(reports),
		"manual_notes":          p.ManualNotes,
	}, nil
}

func parsePage(doc map[string]any) (*Page, error) {
	p := &Page{
		Number:               intField(doc, "page_num"),
		Description:          str(doc, "description"),
		CorrectedDescription: str(doc, "corrected_description"),
		ImageRef:             str(doc, "image_path"),
		Version:              intField(doc, "version"),
		ManualNotes:          str(doc, "manual_notes"),
	}
	if raw := str(doc, "characters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Characters); err != nil {
			return nil, fmt.Errorf("failed to decode page %d characters: %w", p.Number, err)
		}
	}
	if raw := str(doc, "reports"); raw != "" {
		var r pageReports
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to decode page %d reports: %w", p.Number, err)
		}
		p.Quality, p.EntityIssues, p.ObjectIssues, p.Semantic = r.Quality, r.EntityIssues, r.ObjectIssues, r.Semantic
	}
	img, err := readImage(p.ImageRef)
	if err != nil {
		return nil, err
	}
	p.Image = img
	return p, nil
}

func parseCharacter(doc map[string]any) (*Character, error) {
	c := &Character{
		Name:         str(doc, "name"),
		Description:  str(doc, "description"),
		ReferenceRef: str(doc, "image_path"),
		Version:      intField(doc, "version"),
	}
	img, err := readImage(c.ReferenceRef)
	if err != nil {
		return nil, err
	}
	c.Reference = img
	return c, nil
}

func parseCover(doc map[string]any) (*Cover, error) {
	c := &Cover{
		Type:        types.CoverType(str(doc, "cover_type")),
		Description: str(doc, "description"),
		ImageRef:    str(doc, "image_path"),
		Version:     intField(doc, "version"),
	}
	img, err := readImage(c.ImageRef)
	if err != nil {
		return nil, err
	}
	c.Image = img
	return c, nil
}

func eq(field string, value any) map[string]any {
	return map[string]any{field: map[string]any{"_eq": value}}
}

func str(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func intField(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func writeImage(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}

func readImage(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return data, nil
}
