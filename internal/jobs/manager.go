package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chrofis/magicalstory/internal/defra"
)

var recordFields = []string{"_docID", "run_type", "story_id", "step", "status", "created_at", "completed_at", "error", "metadata"}

// Manager handles run record CRUD operations in DefraDB.
type Manager struct {
	defra  *defra.Client
	logger *slog.Logger
}

// NewManager creates a new run manager.
func NewManager(client *defra.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defra:  client,
		logger: logger,
	}
}

// Start creates a running record and returns its ID.
func (m *Manager) Start(ctx context.Context, runType, storyID, step string, metadata map[string]any) (string, error) {
	record := NewRecord(runType, storyID, step, metadata)
	input := map[string]any{
		"run_type":   record.RunType,
		"story_id":   record.StoryID,
		"step":       record.Step,
		"status":     string(record.Status),
		"created_at": record.CreatedAt,
	}
	if record.Metadata != nil {
		metaJSON, err := json.Marshal(record.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
		input["metadata"] = string(metaJSON)
	}

	id, err := m.defra.Create(ctx, Collection, input)
	if err != nil {
		return "", fmt.Errorf("failed to create run record: %w", err)
	}
	m.logger.Debug("run record created", "id", id, "type", runType, "story_id", storyID, "step", step)
	return id, nil
}

// Finish sets the final status, error and metadata of a run.
func (m *Manager) Finish(ctx context.Context, runID string, status Status, errMsg string, metadata map[string]any) error {
	input := map[string]any{
		"status": string(status),
	}
	if status.IsTerminal() {
		input["completed_at"] = time.Now()
	}
	if errMsg != "" {
		input["error"] = errMsg
	}
	if metadata != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		input["metadata"] = string(metaJSON)
	}
	if err := m.defra.Update(ctx, Collection, runID, input); err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return nil
}

// Get returns a run record by ID.
func (m *Manager) Get(ctx context.Context, runID string) (*Record, error) {
	docs, err := defra.NewQuery(Collection).
		Filter("_docID", runID).
		Fields(recordFields...).
		Docs(ctx, m.defra)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return parseRecord(docs[0]), nil
}

// ListFilter specifies criteria for listing runs.
type ListFilter struct {
	Status  Status // empty = all
	RunType string // empty = all
	StoryID string // empty = all
	Limit   int    // 0 = default 100
}

// List returns runs matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	q := defra.NewQuery(Collection)
	if filter.Status != "" {
		q.Filter("status", string(filter.Status))
	}
	if filter.RunType != "" {
		q.Filter("run_type", filter.RunType)
	}
	if filter.StoryID != "" {
		q.Filter("story_id", filter.StoryID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	docs, err := q.Fields(recordFields...).OrderBy("created_at", "DESC").Limit(limit).Docs(ctx, m.defra)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, parseRecord(doc))
	}
	return records, nil
}

func parseRecord(data map[string]any) *Record {
	record := &Record{}
	record.ID, _ = data["_docID"].(string)
	record.RunType, _ = data["run_type"].(string)
	record.StoryID, _ = data["story_id"].(string)
	record.Step, _ = data["step"].(string)
	record.Error, _ = data["error"].(string)
	if s, ok := data["status"].(string); ok {
		record.Status = Status(s)
	}

	if ca, ok := data["created_at"].(string); ok && ca != "" {
		if t, err := time.Parse(time.RFC3339, ca); err == nil {
			record.CreatedAt = t
		}
	}
	if ca, ok := data["completed_at"].(string); ok && ca != "" {
		if t, err := time.Parse(time.RFC3339, ca); err == nil {
			record.CompletedAt = &t
		}
	}

	if meta, ok := data["metadata"].(string); ok && meta != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(meta), &m); err == nil {
			record.Metadata = m
		}
	}
	return record
}

var _ Recorder = (*Manager)(nil)
