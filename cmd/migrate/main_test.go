package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-direction=DOWN", "-steps=2"}, lookupFrom(map[string]string{
		envPostgresDSN: " postgres://env ",
	}))
	require.NoError(t, err)
	require.Equal(t, "down", opts.command)
	require.Equal(t, 2, opts.steps)
	require.Equal(t, "postgres://env", opts.dsn)
	require.Equal(t, defaultTimeout, opts.timeout)

	opts, err = parseOptions([]string{"-dsn=postgres://flag"}, lookupFrom(map[string]string{
		envPostgresDSN: "postgres://env",
	}))
	require.NoError(t, err)
	require.Equal(t, "up", opts.command)
	require.Equal(t, "postgres://flag", opts.dsn, "флаг важнее переменной окружения")
}

func TestParseOptions_Errors(t *testing.T) {
	_, err := parseOptions(nil, lookupFrom(nil))
	require.ErrorIs(t, err, errDSNRequired)

	_, err = parseOptions([]string{"-direction=sideways", "-dsn=x"}, lookupFrom(nil))
	require.Error(t, err)

	_, err = parseOptions([]string{"-steps=-1", "-dsn=x"}, lookupFrom(nil))
	require.Error(t, err)

	_, err = parseOptions([]string{"-unknown"}, lookupFrom(nil))
	require.Error(t, err)
}

type fakeMigrator struct {
	upSteps, downSteps int
	failUp             error
	state              postgres.MigrationState
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) (int, error) {
	f.upSteps = steps
	return 2, f.failUp
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) (int, error) {
	f.downSteps = steps
	return 1, nil
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return f.state, nil
}

func TestExecute(t *testing.T) {
	m := &fakeMigrator{state: postgres.MigrationState{Version: 1, Applied: 1, Pending: []string{"0002_gift_cards_outbox"}}}
	var out bytes.Buffer

	require.NoError(t, execute(context.Background(), m, options{command: "down", steps: 3}, &out))
	require.Equal(t, 3, m.downSteps)
	require.Equal(t, "down ok: changed=1 version=1 applied=1 pending=0002_gift_cards_outbox\n", out.String())

	out.Reset()
	m.state = postgres.MigrationState{Version: 2, Applied: 2}
	require.NoError(t, execute(context.Background(), m, options{command: "status"}, &out))
	require.Equal(t, "status ok: changed=0 version=2 applied=2 pending=-\n", out.String())

	m.failUp = errors.New("boom")
	err := execute(context.Background(), m, options{command: "up"}, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "migrate up")
}

func TestRun_PostgresStatus(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("STOREFRONT_POSTGRES_TEST_DSN is not set")
	}

	var out bytes.Buffer
	require.NoError(t, run([]string{"-direction=up", "-dsn=" + dsn}, lookupFrom(nil), &out))
	require.NoError(t, run([]string{"-direction=status", "-dsn=" + dsn}, lookupFrom(nil), &out))
	require.Contains(t, out.String(), "status ok:")
}

func TestRun_UnreachableDatabase(t *testing.T) {
	err := run([]string{"-direction=status", "-timeout=300ms", "-dsn=postgres://x:x@127.0.0.1:1/x?sslmode=disable"}, lookupFrom(nil), &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "open postgres store")
}
