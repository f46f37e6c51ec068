package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hottake/studio/internal/logging"
)

func seedRedis(t *testing.T, s *RedisStore, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Create(context.Background(), Record{"persona_id": "chad_goldstein", "status": "completed"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestMigrateCopiesRecordsWithIDs(t *testing.T) {
	src, _ := newMiniredisStore(t)
	dst, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "jobs.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })
	ctx := context.Background()

	ids := seedRedis(t, src, 3)

	stats, err := Migrate(ctx, src, dst, MigrateOptions{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, &MigrateStats{Total: 3, Migrated: 3}, stats)

	for _, id := range ids {
		want, _, _ := src.Get(ctx, id)
		got, ok, err := dst.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	// a second run finds everything already present
	stats, err = Migrate(ctx, src, dst, MigrateOptions{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Migrated)
}

func TestMigrateDryRunWritesNothing(t *testing.T) {
	src, _ := newMiniredisStore(t)
	dst := NewMemoryStore(logging.Discard())
	ctx := context.Background()
	seedRedis(t, src, 2)

	stats, err := Migrate(ctx, src, dst, MigrateOptions{DryRun: true, DeleteSource: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Migrated)
	assert.Zero(t, stats.Deleted)

	recs, err := dst.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	active, err := src.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMigrateDeleteSource(t *testing.T) {
	src, mr := newMiniredisStore(t)
	dst := NewMemoryStore(logging.Discard())
	ctx := context.Background()
	ids := seedRedis(t, src, 2)

	// orphan: indexed but no record
	_, err := mr.SAdd(RedisActiveSet, "ghost")
	require.NoError(t, err)

	stats, err := Migrate(ctx, src, dst, MigrateOptions{DeleteSource: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, &MigrateStats{Total: 3, Migrated: 2, Skipped: 1, Deleted: 2}, stats)

	for _, id := range ids {
		assert.False(t, mr.Exists(jobKey(id)))
		_, ok, err := dst.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMigrateCountsCorruptRecordsAsFailed(t *testing.T) {
	src, mr := newMiniredisStore(t)
	dst := NewMemoryStore(logging.Discard())
	seedRedis(t, src, 1)

	require.NoError(t, mr.Set(jobKey("broken"), "{not json"))
	_, err := mr.SAdd(RedisActiveSet, "broken")
	require.NoError(t, err)

	stats, err := Migrate(context.Background(), src, dst, MigrateOptions{}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 1, stats.Failed)
}

type undeletableSource struct {
	*RedisStore
}

func (undeletableSource) Delete(context.Context, string) (bool, error) {
	return false, errors.New("READONLY You can't write against a read only replica")
}

func TestMigrateCountsDeleteFailuresSeparately(t *testing.T) {
	src, mr := newMiniredisStore(t)
	dst := NewMemoryStore(logging.Discard())
	ctx := context.Background()
	ids := seedRedis(t, src, 2)

	stats, err := Migrate(ctx, undeletableSource{src}, dst, MigrateOptions{DeleteSource: true}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, &MigrateStats{Total: 2, Migrated: 2, DeleteFailed: 2}, stats)

	for _, id := range ids {
		assert.True(t, mr.Exists(jobKey(id)))
		_, ok, err := dst.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
