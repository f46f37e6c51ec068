package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore keeps encoded records in a process-local map. It is only
// safe for a single worker process; New refuses it otherwise.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string][]byte
	now    func() time.Time
	logger *slog.Logger
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string][]byte),
		now:    time.Now,
		logger: logger,
	}
}

func (s *MemoryStore) Backend() Backend { return BackendMemory }

func (s *MemoryStore) Create(_ context.Context, fields Record) (string, error) {
	rec := newRecord(fields, s.now())
	data, err := encode(rec)
	if err != nil {
		return "", err
	}

	id := rec.ID()
	s.mu.Lock()
	s.jobs[id] = data
	s.mu.Unlock()

	s.logger.Info("Created job", "job_id", id)
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	data, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	rec, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fields Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	rec, err := decode(data)
	if err != nil {
		return false, err
	}

	merge(rec, fields, s.now())
	data, err = encode(rec)
	if err != nil {
		return false, err
	}
	s.jobs[id] = data

	s.logger.Debug("Updated job", "job_id", id, "fields", len(fields))
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)

	s.logger.Info("Deleted job", "job_id", id)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	recs := make([]Record, 0)
	for _, data := range s.snapshot() {
		rec, err := decode(data)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return filterSortPage(recs, opts), nil
}

func (s *MemoryStore) CleanupOld(ctx context.Context, maxAgeHours int) (int, error) {
	cutoff := cutoffFor(s.now(), maxAgeHours)
	deleted := 0

	// Iterate a snapshot so deletes never race the range.
	for id, data := range s.snapshot() {
		rec, err := decode(data)
		if err != nil {
			s.logger.Warn("Skipping undecodable job during cleanup", "job_id", id, "error", err)
			continue
		}
		eligible, err := cleanupEligible(rec, cutoff)
		if err != nil {
			s.logger.Warn("Skipping job with unreadable created_at", "job_id", id, "error", err)
			continue
		}
		if !eligible {
			continue
		}
		if ok, _ := s.Delete(ctx, id); ok {
			deleted++
		}
	}

	s.logger.Info("Cleaned up old jobs", "deleted", deleted, "max_age_hours", maxAgeHours)
	return deleted, nil
}

// Import stores rec under its own id.
func (s *MemoryStore) Import(_ context.Context, rec Record) (bool, error) {
	id := rec.ID()
	if id == "" {
		return false, fmt.Errorf("%w: record has no id", ErrCorruptRecord)
	}
	data, err := encode(rec)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return false, nil
	}
	s.jobs[id] = data
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.jobs))
	for id, data := range s.jobs {
		out[id] = data
	}
	return out
}
