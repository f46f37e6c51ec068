// Package integrity scans the shared-kv job index for structural defects and
// repairs the orphan class on request.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/model"
)

// Index is the pair of structures the checker inspects: an enumerable set
// of active ids and the per-job records. *jobstore.RedisStore satisfies it.
type Index interface {
	ActiveIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (jobstore.Record, bool, error)
	RemoveActive(ctx context.Context, id string) (bool, error)
}

type MissingFields struct {
	JobID  string   `json:"job_id"`
	Fields []string `json:"fields"`
}

type IDMismatch struct {
	Key    string `json:"key"`
	DataID string `json:"data_id"`
}

type InvalidType struct {
	JobID string `json:"job_id"`
	Field string `json:"field"`
	Type  string `json:"type"`
}

// Report groups every issue found by one scan. Empty categories are empty
// slices, never nil.
type Report struct {
	Scanned               int             `json:"scanned"`
	OrphanedJobs          []string        `json:"orphaned_jobs"`
	MissingRequiredFields []MissingFields `json:"missing_required_fields"`
	InconsistentJobIDs    []IDMismatch    `json:"inconsistent_job_ids"`
	InvalidDataTypes      []InvalidType   `json:"invalid_data_types"`
}

func newReport() *Report {
	return &Report{
		OrphanedJobs:          []string{},
		MissingRequiredFields: []MissingFields{},
		InconsistentJobIDs:    []IDMismatch{},
		InvalidDataTypes:      []InvalidType{},
	}
}

// Total counts issues across all categories.
func (r *Report) Total() int {
	return len(r.OrphanedJobs) + len(r.MissingRequiredFields) +
		len(r.InconsistentJobIDs) + len(r.InvalidDataTypes)
}

func (r *Report) Clean() bool { return r.Total() == 0 }

// RepairResult is the outcome for one id passed to RepairOrphans.
type RepairResult struct {
	JobID   string `json:"job_id"`
	Removed bool   `json:"removed"`
	DryRun  bool   `json:"dry_run"`
	Error   string `json:"error,omitempty"`
}

type Checker struct {
	index  Index
	logger *slog.Logger
}

func NewChecker(index Index, logger *slog.Logger) *Checker {
	return &Checker{index: index, logger: logger}
}

// Scan reads every id in the active index and classifies each record. It
// never writes.
func (c *Checker) Scan(ctx context.Context) (*Report, error) {
	ids, err := c.index.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	c.logger.Info("Scanning active job index", "ids", len(ids))

	report := newReport()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Scanned++

		rec, ok, err := c.index.Get(ctx, id)
		if errors.Is(err, jobstore.ErrCorruptRecord) {
			report.InvalidDataTypes = append(report.InvalidDataTypes, InvalidType{JobID: id, Field: "record", Type: "undecodable"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read job %s: %w", id, err)
		}
		if !ok {
			report.OrphanedJobs = append(report.OrphanedJobs, id)
			continue
		}
		checkRecord(report, id, rec)
	}

	c.logger.Info("Integrity scan finished",
		"scanned", report.Scanned,
		"orphaned", len(report.OrphanedJobs),
		"missing_fields", len(report.MissingRequiredFields),
		"inconsistent_ids", len(report.InconsistentJobIDs),
		"invalid_types", len(report.InvalidDataTypes),
	)
	return report, nil
}

func checkRecord(report *Report, key string, rec jobstore.Record) {
	var missing []string
	for _, field := range model.RequiredJobFields {
		raw, present := rec[field]
		if !present {
			missing = append(missing, field)
			continue
		}
		if _, ok := raw.(string); !ok {
			report.InvalidDataTypes = append(report.InvalidDataTypes, InvalidType{JobID: key, Field: field, Type: typeName(raw)})
		}
	}
	if len(missing) > 0 {
		report.MissingRequiredFields = append(report.MissingRequiredFields, MissingFields{JobID: key, Fields: missing})
	}

	if dataID, ok := rec[model.FieldID].(string); ok && dataID != key {
		report.InconsistentJobIDs = append(report.InconsistentJobIDs, IDMismatch{Key: key, DataID: dataID})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case float64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// RepairOrphans removes each id from the active index when it still has no
// record. Records are never created. Each id gets its own result.
func (c *Checker) RepairOrphans(ctx context.Context, ids []string, dryRun bool) []RepairResult {
	results := make([]RepairResult, 0, len(ids))
	for _, id := range ids {
		res := RepairResult{JobID: id, DryRun: dryRun}

		_, exists, err := c.index.Get(ctx, id)
		switch {
		case err != nil && !errors.Is(err, jobstore.ErrCorruptRecord):
			res.Error = err.Error()
		case exists || err != nil:
			res.Error = "job record exists; not an orphan"
		case dryRun:
			c.logger.Info("Dry run: would remove orphaned job id", "job_id", id)
		default:
			removed, err := c.index.RemoveActive(ctx, id)
			if err != nil {
				res.Error = err.Error()
			} else if !removed {
				res.Error = "id not present in active index"
			} else {
				res.Removed = true
				c.logger.Info("Removed orphaned job id", "job_id", id)
			}
		}

		if res.Error != "" {
			c.logger.Warn("Could not repair job id", "job_id", id, "reason", res.Error)
		}
		results = append(results, res)
	}
	return results
}
