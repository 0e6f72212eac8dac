package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chrofis/magicalstory/internal/defra"
)

// Initialize applies every collection schema. Collections that already
// exist are left alone, so it is safe to call on each server start.
func Initialize(ctx context.Context, client *defra.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := All()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	var added, existing int
	for _, s := range schemas {
		err := client.AddSchema(ctx, s.SDL)
		switch {
		case err == nil:
			added++
			logger.Debug("schema added", "name", s.Name)
		case errors.Is(err, defra.ErrSchemaExists):
			existing++
		default:
			return fmt.Errorf("failed to add schema %s: %w", s.Name, err)
		}
	}
	logger.Info("schemas initialized", "added", added, "existing", existing)
	return nil
}
