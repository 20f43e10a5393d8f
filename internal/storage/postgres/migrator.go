package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// Ключ advisory lock, под которым схему мигрирует только один процесс.
	schemaLockKey = int64(0x5f0e7f17)

	schemaVersionsDDL = `
CREATE TABLE IF NOT EXISTS storefront_schema_versions (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	errStoreNotInitialized = errors.New("postgres store is not initialized")
)

// MigrationState описывает состояние схемы.
type MigrationState struct {
	Version int64
	Applied int
	// Pending — имена миграций, которые ещё не применены, по возрастанию версии.
	Pending []string
}

type schemaMigration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m schemaMigration) label() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

// MigrateUp применяет не более steps новых миграций (0 означает все) и возвращает число применённых.
func (s *Store) MigrateUp(ctx context.Context, steps int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errStoreNotInitialized
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range planUp(all, versions, steps) {
			if err := runMigration(ctx, conn, m, true); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// MigrateDown откатывает steps последних миграций; steps <= 0 означает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errStoreNotInitialized
	}
	if steps <= 0 {
		steps = 1
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return 0, err
	}

	reverted := 0
	err = s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planDown(all, versions, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, false); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	return reverted, err
}

// MigrationStatus возвращает текущую версию схемы и список неприменённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaVersionsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema versions table: %w", err)
	}
	versions, err := appliedVersions(queryCtx, conn)
	if err != nil {
		return MigrationState{}, err
	}
	return describeState(all, versions), nil
}

func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaVersionsDDL); err != nil {
		return fmt.Errorf("ensure schema versions table: %w", err)
	}
	return fn(conn)
}

// planUp выбирает неприменённые миграции по возрастанию версии.
func planUp(all []schemaMigration, applied map[int64]struct{}, steps int) []schemaMigration {
	var plan []schemaMigration
	for _, m := range all {
		if _, ok := applied[m.version]; ok {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// planDown выбирает steps последних применённых миграций по убыванию версии.
// Применённая версия без файла миграции считается ошибкой: откатить её нечем.
func planDown(all []schemaMigration, applied map[int64]struct{}, steps int) ([]schemaMigration, error) {
	known := make(map[int64]schemaMigration, len(all))
	for _, m := range all {
		known[m.version] = m
	}

	versions := make([]int64, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]schemaMigration, 0, len(versions))
	for _, v := range versions {
		m, ok := known[v]
		if !ok {
			return nil, fmt.Errorf("cannot roll back unknown schema version %d", v)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func describeState(all []schemaMigration, applied map[int64]struct{}) MigrationState {
	state := MigrationState{Applied: len(applied)}
	for v := range applied {
		if v > state.Version {
			state.Version = v
		}
	}
	for _, m := range planUp(all, applied, 0) {
		state.Pending = append(state.Pending, m.label())
	}
	return state
}

// runMigration выполняет тело миграции и запись о версии в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m schemaMigration, up bool) (err error) {
	direction, body := "up", m.up
	record := `INSERT INTO storefront_schema_versions (version, name) VALUES ($1, $2)`
	args := []any{m.version, m.name}
	if !up {
		direction, body = "down", m.down
		record = `DELETE FROM storefront_schema_versions WHERE version = $1`
		args = args[:1]
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("run %s %s: %w", direction, m.label(), err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m.label(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m.label(), err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]struct{}, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM storefront_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[int64]struct{})
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		versions[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema versions: %w", err)
	}
	return versions, nil
}

// readMigrations собирает пары up/down из каталога sql/migrations.
func readMigrations(fsys fs.FS) ([]schemaMigration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*schemaMigration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &schemaMigration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, fmt.Errorf("version %d has conflicting names %q and %q", version, m.name, parts[2])
		}

		target := &m.up
		if parts[3] == "down" {
			target = &m.down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	result := make([]schemaMigration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.label())
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].version < result[j].version })
	return result, nil
}
