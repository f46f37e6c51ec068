package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hottake/studio/internal/model"
)

// Source is a store whose ids can be enumerated. *RedisStore satisfies it.
type Source interface {
	ActiveIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Destination receives migrated records under their original ids.
type Destination interface {
	Importer
	Get(ctx context.Context, id string) (Record, bool, error)
}

type MigrateOptions struct {
	// DryRun reports what would be copied without writing anywhere.
	DryRun bool
	// DeleteSource removes each record from the source once it is copied.
	DeleteSource bool
}

// MigrateStats counts each id once under Migrated, Skipped or Failed.
// Deleted and DeleteFailed split the migrated ids when the source is
// cleaned up.
type MigrateStats struct {
	Total        int `json:"total_jobs"`
	Migrated     int `json:"migrated"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Deleted      int `json:"deleted"`
	DeleteFailed int `json:"delete_failed"`
}

// Migrate copies every indexed record from src into dst. Ids already
// present in dst and ids without a record in src are skipped. A failure on
// one id is counted and the copy continues; only enumeration errors and
// cancellation abort the run.
func Migrate(ctx context.Context, src Source, dst Destination, opts MigrateOptions, logger *slog.Logger) (*MigrateStats, error) {
	ids, err := src.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	stats := &MigrateStats{Total: len(ids)}
	logger.Info("Migrating jobs", "total", stats.Total, "dry_run", opts.DryRun, "delete_source", opts.DeleteSource)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := migrateOne(ctx, src, dst, id, opts, stats, logger); err != nil {
			logger.Error("Failed to migrate job", "job_id", id, "error", err)
			stats.Failed++
		}
	}

	logger.Info("Migration finished",
		"total", stats.Total,
		"migrated", stats.Migrated,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"deleted", stats.Deleted,
		"delete_failed", stats.DeleteFailed,
	)
	return stats, nil
}

func migrateOne(ctx context.Context, src Source, dst Destination, id string, opts MigrateOptions, stats *MigrateStats, logger *slog.Logger) error {
	rec, ok, err := src.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	if !ok {
		logger.Warn("Job has no source record, skipping", "job_id", id)
		stats.Skipped++
		return nil
	}
	rec[model.FieldID] = id

	if opts.DryRun {
		_, exists, err := dst.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read destination: %w", err)
		}
		if exists {
			stats.Skipped++
		} else {
			logger.Info("Dry run: would migrate job", "job_id", id)
			stats.Migrated++
		}
		return nil
	}

	created, err := dst.Import(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	if !created {
		logger.Info("Job already exists in destination, skipping", "job_id", id)
		stats.Skipped++
		return nil
	}
	stats.Migrated++

	if opts.DeleteSource {
		if _, err := src.Delete(ctx, id); err != nil {
			logger.Error("Copied job but failed to delete source", "job_id", id, "error", err)
			stats.DeleteFailed++
			return nil
		}
		stats.Deleted++
	}
	return nil
}
