package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix = "job:"
	// RedisActiveSet indexes every job id the store has created.
	RedisActiveSet = "jobs:active"
)

// RedisStore keeps each job as a JSON string under job:{id} plus its id in
// the jobs:active set. The two writes are not atomic with respect to
// external deletion; a set member without a record is an orphan that the
// integrity tooling repairs.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisStore connects to url and pings it before returning.
func NewRedisStore(ctx context.Context, url string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid REDIS_URL: %v", ErrInvalidConfig, err)
	}
	client := redis.NewClient(opts)

	store, err := NewRedisStoreFromClient(ctx, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client after verifying it.
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, logger *slog.Logger) (*RedisStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", client.Options().Addr, err)
	}

	logger.Info("Connected to Redis for job storage", "addr", client.Options().Addr)
	return &RedisStore{client: client, now: time.Now, logger: logger}, nil
}

func (s *RedisStore) Backend() Backend { return BackendRedis }

func jobKey(id string) string {
	return redisJobKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, fields Record) (string, error) {
	rec := newRecord(fields, s.now())
	data, err := encode(rec)
	if err != nil {
		return "", err
	}

	id := rec.ID()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.SAdd(ctx, RedisActiveSet, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Created job in Redis", "job_id", id)
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get job: %w", err)
	}

	rec, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Update is a read-merge-write without WATCH: concurrent updates to the same
// job race and the last writer wins per field.
func (s *RedisStore) Update(ctx context.Context, id string, fields Record) (bool, error) {
	rec, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	merge(rec, fields, s.now())
	data, err := encode(rec)
	if err != nil {
		return false, err
	}
	if err := s.client.Set(ctx, jobKey(id), data, 0).Err(); err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Debug("Updated job in Redis", "job_id", id, "fields", len(fields))
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, jobKey(id))
		pipe.SRem(ctx, RedisActiveSet, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	if del.Val() == 0 {
		return false, nil
	}
	s.logger.Info("Deleted job from Redis", "job_id", id)
	return true, nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	ids, err := s.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, len(entries))
	for i, e := range entries {
		recs[i] = e.rec
	}
	return filterSortPage(recs, opts), nil
}

func (s *RedisStore) CleanupOld(ctx context.Context, maxAgeHours int) (int, error) {
	cutoff := cutoffFor(s.now(), maxAgeHours)

	ids, err := s.ActiveIDs(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := s.fetch(ctx, ids)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		eligible, err := cleanupEligible(e.rec, cutoff)
		if err != nil {
			s.logger.Warn("Skipping job with unreadable created_at", "job_id", e.id, "error", err)
			continue
		}
		if !eligible {
			continue
		}
		// the index id names the key; the record's own id may disagree
		ok, err := s.Delete(ctx, e.id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}

	s.logger.Info("Cleaned up old jobs from Redis", "deleted", deleted, "max_age_hours", maxAgeHours)
	return deleted, nil
}

// ActiveIDs returns every member of the active index.
func (s *RedisStore) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, RedisActiveSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active job index: %w", err)
	}
	return ids, nil
}

// RemoveActive drops id from the active index without touching its record.
func (s *RedisStore) RemoveActive(ctx context.Context, id string) (bool, error) {
	n, err := s.client.SRem(ctx, RedisActiveSet, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove %s from active index: %w", id, err)
	}
	return n > 0, nil
}

// Import stores rec under its own id unless that id already exists.
func (s *RedisStore) Import(ctx context.Context, rec Record) (bool, error) {
	id := rec.ID()
	if id == "" {
		return false, fmt.Errorf("%w: record has no id", ErrCorruptRecord)
	}
	data, err := encode(rec)
	if err != nil {
		return false, err
	}

	created, err := s.client.SetNX(ctx, jobKey(id), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to import job: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := s.client.SAdd(ctx, RedisActiveSet, id).Err(); err != nil {
		return true, fmt.Errorf("failed to index imported job: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// indexed is a record together with the active-index id it was loaded by.
type indexed struct {
	id  string
	rec Record
}

// fetch loads records for ids in MGET batches, skipping orphans and
// undecodable entries.
func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]indexed, error) {
	recs := make([]indexed, 0, len(ids))
	for _, batch := range chunk(ids, maxBatchSize) {
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = jobKey(id)
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}

		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decode([]byte(str))
			if err != nil {
				s.logger.Warn("Skipping undecodable job", "job_id", batch[i], "error", err)
				continue
			}
			recs = append(recs, indexed{id: batch[i], rec: rec})
		}
	}
	return recs, nil
}
