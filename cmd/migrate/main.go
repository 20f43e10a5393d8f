// Команда migrate управляет схемой PostgreSQL витрины: up, down и status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	envPostgresDSN = "STOREFRONT_POSTGRES_DSN"
	defaultTimeout = 30 * time.Second
)

var errDSNRequired = errors.New(envPostgresDSN + " (or -dsn) is required")

type options struct {
	command string
	steps   int
	dsn     string
	timeout time.Duration
}

func parseOptions(args []string, lookup func(string) (string, bool)) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts options
	fs.StringVar(&opts.command, "direction", "up", "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "how many migrations to apply (0=all) or roll back (0=1)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN, defaults to "+envPostgresDSN)
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.command = strings.ToLower(strings.TrimSpace(opts.command))
	switch opts.command {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction %q (use up|down|status)", opts.command)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", opts.steps)
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		if v, ok := lookup(envPostgresDSN); ok {
			opts.dsn = strings.TrimSpace(v)
		}
	}
	if opts.dsn == "" {
		return options{}, errDSNRequired
	}
	return opts, nil
}

type migrator interface {
	MigrateUp(ctx context.Context, steps int) (int, error)
	MigrateDown(ctx context.Context, steps int) (int, error)
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

func execute(ctx context.Context, m migrator, opts options, out io.Writer) error {
	var (
		changed int
		err     error
	)
	switch opts.command {
	case "up":
		changed, err = m.MigrateUp(ctx, opts.steps)
	case "down":
		changed, err = m.MigrateDown(ctx, opts.steps)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", opts.command, err)
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}

	_, err = fmt.Fprintf(out, "%s ok: changed=%d version=%d applied=%d pending=%s\n",
		opts.command, changed, state.Version, state.Applied, pendingList(state.Pending))
	return err
}

func pendingList(pending []string) string {
	if len(pending) == 0 {
		return "-"
	}
	return strings.Join(pending, ",")
}

func run(args []string, lookup func(string) (string, bool), out io.Writer) error {
	opts, err := parseOptions(args, lookup)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	return execute(ctx, store, opts, out)
}

func main() {
	if err := run(os.Args[1:], os.LookupEnv, os.Stdout); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}
}
