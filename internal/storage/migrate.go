package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// migrationsTable tracks applied versions. The name is prefixed so it
	// cannot collide with a warehouse-owned schema_migrations table.
	migrationsTable = "sqlagent_migrations"

	// migrationLockKey is the advisory lock taken for every migration step
	// so replicas running "migrate up" at once apply each version once.
	migrationLockKey int64 = 7_305_914_042
)

var migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// String renders the migration as it appears in file names and logs.
func (m Migration) String() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// MigrationState pairs a migration with the time it was applied. AppliedAt
// is zero for pending migrations.
type MigrationState struct {
	Migration
	AppliedAt time.Time
}

// Applied reports whether the migration has been applied.
func (s MigrationState) Applied() bool {
	return !s.AppliedAt.IsZero()
}

// Migrator applies the service's own tables and RLS helpers. It never
// touches warehouse tables except through EnableTenantRLS.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator over the embedded migrations.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, ErrNoDB
	}
	migrations, err := parseMigrations(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// Migrations returns the known migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

// Status returns every known migration with its applied time.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]MigrationState, 0, len(m.migrations))
	for _, mig := range m.migrations {
		states = append(states, MigrationState{Migration: mig, AppliedAt: applied[mig.Version]})
	}
	return states, nil
}

// Up applies pending migrations in version order, at most steps of them
// when steps > 0.
func (m *Migrator) Up(ctx context.Context, steps int) ([]Migration, error) {
	states, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, st := range states {
		if st.Applied() {
			continue
		}
		if steps > 0 && len(done) == steps {
			break
		}
		if err := m.step(ctx, st.Migration, true); err != nil {
			return done, fmt.Errorf("apply migration %s: %w", st.Migration, err)
		}
		done = append(done, st.Migration)
	}
	return done, nil
}

// Down reverts the most recently applied migrations, one when steps <= 0.
func (m *Migrator) Down(ctx context.Context, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	var done []Migration
	for _, v := range versions {
		if len(done) == steps {
			break
		}
		mig, ok := m.byVersion(v)
		if !ok {
			return done, fmt.Errorf("database has migration %d, which this binary does not know", v)
		}
		if err := m.step(ctx, mig, false); err != nil {
			return done, fmt.Errorf("revert migration %s: %w", mig, err)
		}
		done = append(done, mig)
	}
	return done, nil
}

// step runs one migration body and its bookkeeping in a transaction holding
// the migration advisory lock.
func (m *Migrator) step(ctx context.Context, mig Migration, up bool) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	body := mig.Down
	bookkeeping := `DELETE FROM ` + migrationsTable + ` WHERE version = $1`
	args := []any{mig.Version}
	if up {
		body = mig.Up
		bookkeeping = `INSERT INTO ` + migrationsTable + ` (version, name) VALUES ($1, $2)`
		args = append(args, mig.Name)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("%s: %w", migrationsTable, err)
	}
	return tx.Commit()
}

// applied ensures the tracking table exists and returns applied versions.
func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, fmt.Errorf("create %s: %w", migrationsTable, err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", migrationsTable, err)
	}
	defer rows.Close()

	applied := map[int]time.Time{}
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan %s: %w", migrationsTable, err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

func (m *Migrator) byVersion(v int) (Migration, bool) {
	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == v })
	if i < 0 {
		return Migration{}, false
	}
	return m.migrations[i], true
}

// parseMigrations reads NNN_name.up.sql / NNN_name.down.sql pairs from dir.
// Every version needs both halves and a single name.
func parseMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		match := migrationFileRe.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("migration file %q does not match NNN_name.(up|down).sql", entry.Name())
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration file %q has an invalid version", entry.Name())
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		}
		if mig.Name != match[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, mig.Name, match[2])
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			return nil, fmt.Errorf("migration file %s is empty", entry.Name())
		}
		if match[3] == "up" {
			mig.Up = body
		} else {
			mig.Down = body
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" || mig.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", mig)
		}
		migrations = append(migrations, *mig)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

// ErrInvalidTable is returned by EnableTenantRLS for a malformed table name.
var ErrInvalidTable = errors.New("storage: invalid table name")

var qualifiedNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// EnableTenantRLS turns on row-level security for a warehouse table and
// installs the isolation policy that compares column with the org bound by
// the SQL tool. It relies on the helper installed by migration 004.
func EnableTenantRLS(ctx context.Context, db *sql.DB, table, column string) error {
	if db == nil {
		return ErrNoDB
	}
	if !qualifiedNameRe.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	if column == "" {
		column = "org_id"
	}
	if !qualifiedNameRe.MatchString(column) || strings.Contains(column, ".") {
		return fmt.Errorf("%w: column %q", ErrInvalidTable, column)
	}
	if _, err := db.ExecContext(ctx, `SELECT sqlagent_enable_tenant_rls($1::regclass, $2)`, table, column); err != nil {
		return fmt.Errorf("enable tenant rls on %s: %w", table, err)
	}
	return nil
}
