package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend selects a storage implementation.
type Backend string

const (
	BackendMemory    Backend = "memory"
	BackendRedis     Backend = "redis"
	BackendFirestore Backend = "firestore"
	BackendSQL       Backend = "sql"
)

// ParseBackend accepts the canonical tags plus the descriptive aliases
// "shared-kv" and "document-db".
func ParseBackend(tag string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "memory", "in-memory":
		return BackendMemory, nil
	case "redis", "shared-kv":
		return BackendRedis, nil
	case "firestore", "document-db":
		return BackendFirestore, nil
	case "sql", "gorm":
		return BackendSQL, nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, tag)
	}
}

// Options configures New.
type Options struct {
	Backend Backend
	// Workers is the number of OS processes that will share this store.
	Workers int

	RedisURL string

	FirestoreProjectID  string
	FirestoreCollection string

	SQLDriver string
	SQLDSN    string

	Logger *slog.Logger
}

// New constructs the selected backend. Connectivity is verified here so a
// misconfigured deployment fails at startup rather than on first use.
func New(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Workers > 1 && opts.Backend == BackendMemory {
		return nil, fmt.Errorf(
			"%w: cannot use in-memory job storage with %d workers; set JOB_STORAGE=redis, firestore or sql",
			ErrInvalidConfig, opts.Workers,
		)
	}

	switch opts.Backend {
	case BackendMemory:
		logger.Info("Using in-memory job storage")
		return NewMemoryStore(logger), nil
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("%w: REDIS_URL is required when JOB_STORAGE=redis", ErrInvalidConfig)
		}
		return NewRedisStore(ctx, opts.RedisURL, logger)
	case BackendFirestore:
		if opts.FirestoreProjectID == "" {
			return nil, fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required when JOB_STORAGE=firestore", ErrInvalidConfig)
		}
		return NewFirestoreStore(ctx, opts.FirestoreProjectID, opts.FirestoreCollection, logger)
	case BackendSQL:
		return NewSQLStore(opts.SQLDriver, opts.SQLDSN, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, opts.Backend)
	}
}
