// Command integrity inspects the Redis job index.
//
//	integrity scan                  report orphaned ids and malformed records
//	integrity repair [--dry-run]    remove orphaned ids from the active index
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
	"github.com/hottake/studio/internal/integrity"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
)

const usage = `Usage: integrity <scan|repair> [flags]

Commands:
  scan     Report orphaned job ids, missing fields, id mismatches and bad types
  repair   Remove orphaned job ids from the active index (dry run unless --dry-run=false)
`

// errIssuesFound makes scan exit non-zero on a dirty index.
var errIssuesFound = errors.New("integrity issues found")

type commonFlags struct {
	redisURL string
	logLevel string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], cfg, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, cfg *config.Config, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cmd, rest := args[0], args[1:]
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	var common commonFlags
	fs.StringVar(&common.redisURL, "redis-url", cfg.Redis.URL, "Redis URL holding the job index")
	fs.StringVar(&common.logLevel, "log-level", "warn", "Log level")

	switch cmd {
	case "scan":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		checker, closeFn, err := openChecker(ctx, common)
		if err != nil {
			return err
		}
		defer closeFn()
		return scan(ctx, checker, stdout)

	case "repair":
		dryRun := fs.Bool("dry-run", true, "Only report what would be removed")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		checker, closeFn, err := openChecker(ctx, common)
		if err != nil {
			return err
		}
		defer closeFn()
		return repair(ctx, checker, *dryRun, stdout)

	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openChecker(ctx context.Context, f commonFlags) (*integrity.Checker, func(), error) {
	if f.redisURL == "" {
		return nil, nil, fmt.Errorf("%w: --redis-url or REDIS_URL is required", jobstore.ErrInvalidConfig)
	}
	log := logging.NewWithWriter(os.Stderr, f.logLevel, "text")

	store, err := jobstore.NewRedisStore(ctx, f.redisURL, log)
	if err != nil {
		return nil, nil, err
	}
	return integrity.NewChecker(store, log), func() { store.Close() }, nil
}

func scan(ctx context.Context, checker *integrity.Checker, out io.Writer) error {
	report, err := checker.Scan(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !report.Clean() {
		return fmt.Errorf("%w: %d", errIssuesFound, report.Total())
	}
	return nil
}

type repairOutput struct {
	DryRun  bool                     `json:"dry_run"`
	Report  *integrity.Report        `json:"report"`
	Repairs []integrity.RepairResult `json:"repairs"`
}

// repair only ever touches the orphan category; other issues are reported
// for manual follow-up.
func repair(ctx context.Context, checker *integrity.Checker, dryRun bool, out io.Writer) error {
	report, err := checker.Scan(ctx)
	if err != nil {
		return err
	}

	result := repairOutput{
		DryRun:  dryRun,
		Report:  report,
		Repairs: checker.RepairOrphans(ctx, report.OrphanedJobs, dryRun),
	}
	if err := writeJSON(out, result); err != nil {
		return err
	}

	for _, r := range result.Repairs {
		if r.Error != "" {
			return fmt.Errorf("could not repair job %s: %s", r.JobID, r.Error)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
