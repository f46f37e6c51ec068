package jobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/model"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(logging.Discard())
		},
		"redis": func(t *testing.T) Store {
			s, _ := newMiniredisStore(t)
			return s
		},
		"sql": func(t *testing.T) Store {
			s, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "jobs.db"), logging.Discard())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"firestore": func(t *testing.T) Store {
			if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
				t.Skip("FIRESTORE_EMULATOR_HOST not set")
			}
			collection := "jobs-test-" + uuid.NewString()[:8]
			s, err := NewFirestoreStore(context.Background(), "hottake-test", collection, logging.Discard())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStoreFromClient(context.Background(), client, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// forEachBackend runs fn as a subtest against every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func hoursAgo(h int) string {
	return model.FormatTime(time.Now().Add(-time.Duration(h) * time.Hour))
}

func TestCreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Create(ctx, Record{"persona_id": "chad_goldstein", "step": "queued"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		rec, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, rec.ID())
		assert.Equal(t, "pending", rec.Status())
		assert.Equal(t, "chad_goldstein", rec.PersonaID())

		created, err := ParseTimestamp(rec.CreatedAt())
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), created, time.Minute)
	})
}

func TestCreateGeneratesUniqueIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seen := make(map[string]bool)
		for i := 0; i < 25; i++ {
			id, err := s.Create(ctx, Record{"input_text": "same input"})
			require.NoError(t, err)
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})
}

func TestCreateIgnoresCallerID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fields := Record{"id": "caller-chosen", "status": "processing"}

		id, err := s.Create(ctx, fields)
		require.NoError(t, err)
		assert.NotEqual(t, "caller-chosen", id)
		assert.Equal(t, "caller-chosen", fields["id"], "caller map must not be modified")

		rec, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "processing", rec.Status())
	})
}

func TestGetUnknownID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		rec, ok, err := s.Get(context.Background(), "does-not-exist")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, rec)
	})
}

func TestUpdateMergesFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Create(ctx, Record{"persona_id": "chad_goldstein", "progress": "Queued"})
		require.NoError(t, err)

		before, _, err := s.Get(ctx, id)
		require.NoError(t, err)

		ok, err := s.Update(ctx, id, Record{
			"status":   "processing",
			"progress": "Generating hot take...",
			"results":  map[string]any{"openai_tokens": 42},
		})
		require.NoError(t, err)
		require.True(t, ok)

		first, _, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "processing", first.Status())
		assert.Equal(t, "Generating hot take...", first["progress"])
		assert.Equal(t, "chad_goldstein", first.PersonaID())
		assert.Equal(t, before.CreatedAt(), first.CreatedAt())

		results, ok := first["results"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(42), results["openai_tokens"])

		ok, err = s.Update(ctx, id, Record{"progress": "Synthesizing speech..."})
		require.NoError(t, err)
		require.True(t, ok)

		second, _, err := s.Get(ctx, id)
		require.NoError(t, err)
		t1, err := ParseTimestamp(first["updated_at"].(string))
		require.NoError(t, err)
		t2, err := ParseTimestamp(second["updated_at"].(string))
		require.NoError(t, err)
		assert.False(t, t2.Before(t1))
	})
}

func TestUpdateKeepsImmutableFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Create(ctx, Record{})
		require.NoError(t, err)
		before, _, err := s.Get(ctx, id)
		require.NoError(t, err)

		ok, err := s.Update(ctx, id, Record{"id": "other", "created_at": hoursAgo(100)})
		require.NoError(t, err)
		require.True(t, ok)

		after, _, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, after.ID())
		assert.Equal(t, before.CreatedAt(), after.CreatedAt())
	})
}

func TestUpdateUnknownIDCreatesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok, err := s.Update(ctx, "missing", Record{"status": "completed"})
		require.NoError(t, err)
		assert.False(t, ok)

		_, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		recs, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Create(ctx, Record{})
		require.NoError(t, err)

		ok, err := s.Delete(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		_, found, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)

		ok, err = s.Delete(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListFiltersAndOrders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		oldest, err := s.Create(ctx, Record{"status": "completed", "persona_id": "chad_goldstein", "created_at": hoursAgo(3)})
		require.NoError(t, err)
		middle, err := s.Create(ctx, Record{"status": "failed", "persona_id": "chad_goldstein", "created_at": hoursAgo(2)})
		require.NoError(t, err)
		newest, err := s.Create(ctx, Record{"status": "completed", "persona_id": "other", "created_at": hoursAgo(1)})
		require.NoError(t, err)

		all, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{newest, middle, oldest}, ids(all))

		completed, err := s.List(ctx, ListOptions{Status: "completed"})
		require.NoError(t, err)
		assert.Equal(t, []string{newest, oldest}, ids(completed))

		chad, err := s.List(ctx, ListOptions{PersonaID: "chad_goldstein"})
		require.NoError(t, err)
		assert.Equal(t, []string{middle, oldest}, ids(chad))

		limited, err := s.List(ctx, ListOptions{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{newest}, ids(limited))

		paged, err := s.List(ctx, ListOptions{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{middle}, ids(paged))

		window, err := s.List(ctx, ListOptions{
			Since: time.Now().Add(-150 * time.Minute),
			Until: time.Now().Add(-30 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{newest, middle}, ids(window))
	})
}

func TestCleanupOldDeletesOnlyOldTerminalJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		create := func(status, createdAt string) string {
			id, err := s.Create(ctx, Record{"status": status, "created_at": createdAt})
			require.NoError(t, err)
			return id
		}

		oldCompleted := create("completed", hoursAgo(48))
		oldFailed := create("failed", hoursAgo(48))
		oldCancelled := create("cancelled", hoursAgo(48))
		oldPending := create("pending", hoursAgo(480))
		oldProcessing := create("processing", hoursAgo(480))
		recentCompleted := create("completed", hoursAgo(1))
		naiveOld := create("completed", time.Now().UTC().Add(-72*time.Hour).Format("2006-01-02T15:04:05.000000"))

		deleted, err := s.CleanupOld(ctx, 24)
		require.NoError(t, err)
		assert.Equal(t, 4, deleted)

		for _, id := range []string{oldCompleted, oldFailed, oldCancelled, naiveOld} {
			_, found, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, found, "expected %s to be deleted", id)
		}
		for _, id := range []string{oldPending, oldProcessing, recentCompleted} {
			_, found, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, found, "expected %s to survive", id)
		}
	})
}

func TestImportSkipsExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		imp, ok := s.(Importer)
		require.True(t, ok)
		ctx := context.Background()
		rec := Record{"id": uuid.NewString(), "status": "completed", "created_at": hoursAgo(5)}

		created, err := imp.Import(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = imp.Import(ctx, Record{"id": rec.ID(), "status": "failed", "created_at": hoursAgo(1)})
		require.NoError(t, err)
		assert.False(t, created)

		got, found, err := s.Get(ctx, rec.ID())
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "completed", got.Status())

		_, err = imp.Import(ctx, Record{"status": "completed"})
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}
