package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hottake/studio/internal/model"
)

// jobRow stores the full record as JSON next to the columns used for
// filtering and ordering.
type jobRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:32;index"`
	PersonaID string `gorm:"column:persona_id;size:64;index"`
	Created   string `gorm:"column:created_at;size:40;index"`
	Updated   string `gorm:"column:updated_at;size:40"`
	Data      string `gorm:"type:text"`
}

func (jobRow) TableName() string { return "jobs" }

func rowFromRecord(rec Record) (*jobRow, error) {
	data, err := encode(rec)
	if err != nil {
		return nil, err
	}
	updated, _ := rec[model.FieldUpdatedAt].(string)
	return &jobRow{
		ID:        rec.ID(),
		Status:    rec.Status(),
		PersonaID: rec.PersonaID(),
		Created:   rec.CreatedAt(),
		Updated:   updated,
		Data:      string(data),
	}, nil
}

// SQLStore keeps jobs in a relational table through gorm. SQLite suits
// single-host deployments; MySQL can be shared by many workers.
type SQLStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLStore opens driver ("sqlite" or "mysql") at dsn and migrates the
// jobs table.
func NewSQLStore(driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dialector = gormsqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown SQL driver %q", ErrInvalidConfig, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s job database: %w", driver, err)
	}
	return NewSQLStoreFromDB(db, logger)
}

// NewSQLStoreFromDB wraps an open gorm handle.
func NewSQLStoreFromDB(db *gorm.DB, logger *slog.Logger) (*SQLStore, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	logger.Info("Using SQL job storage", "dialect", db.Dialector.Name())
	return &SQLStore{db: db, now: time.Now, logger: logger}, nil
}

func (s *SQLStore) Backend() Backend { return BackendSQL }

func (s *SQLStore) Create(ctx context.Context, fields Record) (string, error) {
	row, err := rowFromRecord(newRecord(fields, s.now()))
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Created job in SQL", "job_id", row.ID)
	return row.ID, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get job: %w", err)
	}

	rec, err := decode([]byte(row.Data))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fields Record) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true

		rec, err := decode([]byte(row.Data))
		if err != nil {
			return err
		}
		merge(rec, fields, s.now())

		updated, err := rowFromRecord(rec)
		if err != nil {
			return err
		}
		return tx.Save(updated).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}

	if found {
		s.logger.Debug("Updated job in SQL", "job_id", id, "fields", len(fields))
	}
	return found, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRow{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.logger.Info("Deleted job from SQL", "job_id", id)
	return true, nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.PersonaID != "" {
		q = q.Where("persona_id = ?", opts.PersonaID)
	}
	if !opts.Since.IsZero() {
		q = q.Where("created_at >= ?", model.FormatTime(opts.Since))
	}
	if !opts.Until.IsZero() {
		q = q.Where("created_at < ?", model.FormatTime(opts.Until))
	}

	var rows []jobRow
	err := q.Order("created_at DESC").Offset(opts.offset()).Limit(opts.limit()).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decode([]byte(row.Data))
		if err != nil {
			s.logger.Warn("Skipping undecodable job", "job_id", row.ID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *SQLStore) CleanupOld(ctx context.Context, maxAgeHours int) (int, error) {
	cutoff := cutoffFor(s.now(), maxAgeHours)

	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", terminalStatusStrings()).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan jobs for cleanup: %w", err)
	}

	var stale []string
	for _, row := range rows {
		rec, err := decode([]byte(row.Data))
		if err != nil {
			s.logger.Warn("Skipping undecodable job during cleanup", "job_id", row.ID, "error", err)
			continue
		}
		eligible, err := cleanupEligible(rec, cutoff)
		if err != nil {
			s.logger.Warn("Skipping job with unreadable created_at", "job_id", row.ID, "error", err)
			continue
		}
		if eligible {
			stale = append(stale, row.ID)
		}
	}

	deleted := 0
	for _, batch := range chunk(stale, maxBatchSize) {
		res := s.db.WithContext(ctx).Where("id IN ?", batch).Delete(&jobRow{})
		if res.Error != nil {
			return deleted, fmt.Errorf("failed to delete cleanup batch: %w", res.Error)
		}
		deleted += int(res.RowsAffected)
	}

	s.logger.Info("Cleaned up old jobs from SQL", "deleted", deleted, "max_age_hours", maxAgeHours)
	return deleted, nil
}

// Import inserts rec under its own id, leaving existing rows untouched.
func (s *SQLStore) Import(ctx context.Context, rec Record) (bool, error) {
	if rec.ID() == "" {
		return false, fmt.Errorf("%w: record has no id", ErrCorruptRecord)
	}
	row, err := rowFromRecord(rec)
	if err != nil {
		return false, err
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to import job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
