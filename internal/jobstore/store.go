// Package jobstore persists pipeline job records behind one interface with
// interchangeable backends: an in-process map, Redis, Firestore and SQL.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hottake/studio/internal/model"
)

var (
	// ErrInvalidConfig is returned by New for unusable backend selections.
	ErrInvalidConfig = errors.New("invalid job storage configuration")
	// ErrCorruptRecord wraps records that exist but cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt job record")
)

const (
	defaultListLimit = 100
	// maxBatchSize bounds the number of deletes committed together.
	maxBatchSize = 500
)

// Record is a raw job document. Values follow JSON decoding rules, so
// numbers read back as float64 and nested objects as map[string]any.
type Record map[string]any

func (r Record) ID() string        { s, _ := r[model.FieldID].(string); return s }
func (r Record) Status() string    { s, _ := r[model.FieldStatus].(string); return s }
func (r Record) CreatedAt() string { s, _ := r[model.FieldCreatedAt].(string); return s }
func (r Record) UpdatedAt() string { s, _ := r[model.FieldUpdatedAt].(string); return s }
func (r Record) PersonaID() string { s, _ := r[model.FieldPersonaID].(string); return s }

// Store is the contract every backend honors.
type Store interface {
	// Create assigns a fresh id, stamps created_at and status when absent,
	// and persists the record.
	Create(ctx context.Context, fields Record) (string, error)
	// Get returns (nil, false, nil) for an unknown id.
	Get(ctx context.Context, id string) (Record, bool, error)
	// Update merges fields into an existing record (last write wins per
	// field) and stamps updated_at. Unknown ids report false.
	Update(ctx context.Context, id string, fields Record) (bool, error)
	// Delete removes the record and any index membership.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns records matching opts, newest first.
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	// CleanupOld deletes terminal records older than maxAgeHours.
	CleanupOld(ctx context.Context, maxAgeHours int) (int, error)
	Backend() Backend
	Close() error
}

// Importer is implemented by backends that can persist a record under its
// existing id. created is false when the id was already present.
type Importer interface {
	Import(ctx context.Context, rec Record) (created bool, err error)
}

// ListOptions filters List. Zero values disable the matching filter.
type ListOptions struct {
	Status    string
	PersonaID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

func (o ListOptions) offset() int {
	if o.Offset < 0 {
		return 0
	}
	return o.Offset
}

// matches applies the filters that every backend can evaluate in process.
func (o ListOptions) matches(rec Record) bool {
	if o.Status != "" && rec.Status() != o.Status {
		return false
	}
	if o.PersonaID != "" && rec.PersonaID() != o.PersonaID {
		return false
	}
	if o.Since.IsZero() && o.Until.IsZero() {
		return true
	}
	created, err := ParseTimestamp(rec.CreatedAt())
	if err != nil {
		return false
	}
	if !o.Since.IsZero() && created.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && !created.Before(o.Until) {
		return false
	}
	return true
}

// filterSortPage is the in-process List implementation shared by the memory
// and Redis backends.
func filterSortPage(recs []Record, opts ListOptions) []Record {
	matched := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if opts.matches(rec) {
			matched = append(matched, rec)
		}
	}
	sortNewestFirst(matched)

	start := opts.offset()
	if start >= len(matched) {
		return []Record{}
	}
	end := start + opts.limit()
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

func sortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, erri := ParseTimestamp(recs[i].CreatedAt())
		tj, errj := ParseTimestamp(recs[j].CreatedAt())
		if erri != nil || errj != nil {
			return recs[i].CreatedAt() > recs[j].CreatedAt()
		}
		return ti.After(tj)
	})
}

// newRecord builds the record persisted by Create. The caller's map is not
// modified.
func newRecord(fields Record, now time.Time) Record {
	rec := make(Record, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec[model.FieldID] = uuid.New().String()
	if _, ok := rec[model.FieldCreatedAt]; !ok {
		rec[model.FieldCreatedAt] = model.FormatTime(now)
	}
	if _, ok := rec[model.FieldStatus]; !ok {
		rec[model.FieldStatus] = string(model.JobStatusPending)
	}
	return rec
}

// merge applies fields onto rec and stamps updated_at. id and created_at
// are immutable and are never overwritten.
func merge(rec Record, fields Record, now time.Time) {
	for k, v := range fields {
		if k == model.FieldID || k == model.FieldCreatedAt {
			continue
		}
		rec[k] = v
	}
	rec[model.FieldUpdatedAt] = model.FormatTime(now)
}

// normalize round-trips rec through JSON so every backend hands back the
// same value types.
func normalize(rec Record) (Record, error) {
	data, err := encode(rec)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: null document", ErrCorruptRecord)
	}
	return rec, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a stored created_at/updated_at value. Timestamps
// without zone information are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// cleanupEligible reports whether rec is terminal and created before cutoff.
// A missing created_at counts as the epoch.
func cleanupEligible(rec Record, cutoff time.Time) (bool, error) {
	status, _ := model.ParseJobStatus(rec.Status())
	if !status.IsTerminal() {
		return false, nil
	}

	raw, present := rec[model.FieldCreatedAt]
	if !present {
		return true, nil
	}
	s, ok := raw.(string)
	if !ok {
		return false, fmt.Errorf("created_at has type %T", raw)
	}
	created, err := ParseTimestamp(s)
	if err != nil {
		return false, err
	}
	return created.Before(cutoff), nil
}

func cutoffFor(now time.Time, maxAgeHours int) time.Time {
	return now.Add(-time.Duration(maxAgeHours) * time.Hour)
}

func terminalStatusStrings() []string {
	out := make([]string, 0, len(model.TerminalJobStatuses))
	for _, s := range model.TerminalJobStatuses {
		out = append(out, string(s))
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
