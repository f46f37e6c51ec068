// Command migrate copies jobs from the Redis active index into another job
// storage backend, preserving ids.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
)

type migrateFlags struct {
	redisURL            string
	to                  string
	firestoreProjectID  string
	firestoreCollection string
	sqlDriver           string
	sqlDSN              string
	dryRun              bool
	deleteSource        bool
	logLevel            string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(os.Args[1:], cfg, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, cfg *config.Config, stdout io.Writer) error {
	flags, err := parseFlags(args, cfg)
	if err != nil {
		return err
	}
	log := logging.NewWithWriter(os.Stderr, flags.logLevel, "text")

	target, err := jobstore.ParseBackend(flags.to)
	if err != nil {
		return err
	}
	if target == jobstore.BackendRedis || target == jobstore.BackendMemory {
		return fmt.Errorf("%w: migration target must be firestore or sql, got %s", jobstore.ErrInvalidConfig, target)
	}
	if flags.redisURL == "" {
		return fmt.Errorf("%w: --redis-url is required", jobstore.ErrInvalidConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := jobstore.NewRedisStore(ctx, flags.redisURL, log)
	if err != nil {
		return err
	}
	defer src.Close()

	store, err := jobstore.New(ctx, jobstore.Options{
		Backend:             target,
		FirestoreProjectID:  flags.firestoreProjectID,
		FirestoreCollection: flags.firestoreCollection,
		SQLDriver:           flags.sqlDriver,
		SQLDSN:              flags.sqlDSN,
		Logger:              log,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", target, err)
	}
	defer store.Close()

	dst, ok := store.(jobstore.Destination)
	if !ok {
		return fmt.Errorf("%s storage cannot import records", target)
	}

	stats, err := jobstore.Migrate(ctx, src, dst, jobstore.MigrateOptions{
		DryRun:       flags.dryRun,
		DeleteSource: flags.deleteSource,
	}, log)
	if stats != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(stats); encErr != nil && err == nil {
			err = encErr
		}
	}
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d jobs failed to migrate", stats.Failed)
	}
	if stats.DeleteFailed > 0 {
		return fmt.Errorf("%d jobs copied but still present in Redis", stats.DeleteFailed)
	}
	return nil
}

// parseFlags defaults every connection setting to the service configuration.
func parseFlags(args []string, cfg *config.Config) (migrateFlags, error) {
	var f migrateFlags
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.StringVar(&f.redisURL, "redis-url", cfg.Redis.URL, "Source Redis URL")
	fs.StringVar(&f.to, "to", "firestore", "Target backend: firestore or sql")
	fs.StringVar(&f.firestoreProjectID, "firestore-project-id", cfg.Storage.FirestoreProjectID, "Target Firestore project")
	fs.StringVar(&f.firestoreCollection, "firestore-collection", cfg.Storage.FirestoreCollection, "Target Firestore collection")
	fs.StringVar(&f.sqlDriver, "sql-driver", cfg.Storage.SQLDriver, "Target SQL driver: sqlite or mysql")
	fs.StringVar(&f.sqlDSN, "sql-dsn", cfg.Storage.SQLDSN, "Target SQL DSN")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Report what would be migrated without writing")
	fs.BoolVar(&f.deleteSource, "delete-source", false, "Delete each job from Redis after it is copied")
	fs.StringVar(&f.logLevel, "log-level", cfg.Server.LogLevel, "Log level")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}
