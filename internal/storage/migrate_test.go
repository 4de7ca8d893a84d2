package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func expectTrackingTable(mock sqlmock.Sqlmock, applied ...int64) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sqlagent_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version", "applied_at"})
	for _, v := range applied {
		rows.AddRow(v, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	}
	mock.ExpectQuery("SELECT version, applied_at FROM sqlagent_migrations").WillReturnRows(rows)
}

func expectStep(mock sqlmock.Sqlmock, body string, bookkeeping string, args ...driver.Value) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(body).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(bookkeeping)).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func newTestMigrator(t *testing.T) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := setupMockDB(t)
	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}
	return migrator, mock
}

func migrationNames(migs []Migration) string {
	names := make([]string, len(migs))
	for i, m := range migs {
		names[i] = m.String()
	}
	return strings.Join(names, ",")
}

func TestEmbeddedMigrations(t *testing.T) {
	migrator, _ := newTestMigrator(t)
	want := "001_create_usage_counters,002_create_org_memberships,003_create_query_audit,004_tenant_rls"
	if got := migrationNames(migrator.Migrations()); got != want {
		t.Fatalf("migrations = %s, want %s", got, want)
	}
	rls := migrator.Migrations()[3]
	if !strings.Contains(rls.Up, "current_setting('app.current_org_id', true)") {
		t.Errorf("rls helper must read the setting bound by the SQL tool:\n%s", rls.Up)
	}
}

func TestParseMigrations(t *testing.T) {
	tests := []struct {
		name    string
		files   fstest.MapFS
		want    string
		wantErr string
	}{
		{
			name: "numeric order",
			files: fstest.MapFS{
				"m/010_later.up.sql":   {Data: []byte("SELECT 10")},
				"m/010_later.down.sql": {Data: []byte("SELECT -10")},
				"m/002_early.up.sql":   {Data: []byte("SELECT 2")},
				"m/002_early.down.sql": {Data: []byte("SELECT -2")},
				"m/README.md":          {Data: []byte("ignored")},
			},
			want: "002_early,010_later",
		},
		{
			name: "missing down",
			files: fstest.MapFS{
				"m/001_a.up.sql": {Data: []byte("SELECT 1")},
			},
			wantErr: "needs both up and down",
		},
		{
			name: "bad file name",
			files: fstest.MapFS{
				"m/first.up.sql": {Data: []byte("SELECT 1")},
			},
			wantErr: "does not match",
		},
		{
			name: "two names for one version",
			files: fstest.MapFS{
				"m/001_a.up.sql":   {Data: []byte("SELECT 1")},
				"m/001_b.down.sql": {Data: []byte("SELECT -1")},
			},
			wantErr: "two names",
		},
		{
			name: "empty body",
			files: fstest.MapFS{
				"m/001_a.up.sql":   {Data: []byte("  \n")},
				"m/001_a.down.sql": {Data: []byte("SELECT -1")},
			},
			wantErr: "is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			migs, err := parseMigrations(tt.files, "m")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMigrations() error = %v", err)
			}
			if got := migrationNames(migs); got != tt.want {
				t.Fatalf("migrations = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMigratorUp(t *testing.T) {
	insert := "INSERT INTO sqlagent_migrations (version, name) VALUES ($1, $2)"

	t.Run("all pending", func(t *testing.T) {
		migrator, mock := newTestMigrator(t)
		expectTrackingTable(mock, 1)
		expectStep(mock, "CREATE TABLE IF NOT EXISTS org_memberships", insert, int64(2), "create_org_memberships")
		expectStep(mock, "CREATE TABLE IF NOT EXISTS query_audit", insert, int64(3), "create_query_audit")
		expectStep(mock, "CREATE OR REPLACE FUNCTION sqlagent_current_org", insert, int64(4), "tenant_rls")

		applied, err := migrator.Up(context.Background(), 0)
		if err != nil {
			t.Fatalf("Up() error = %v", err)
		}
		if got := migrationNames(applied); got != "002_create_org_memberships,003_create_query_audit,004_tenant_rls" {
			t.Fatalf("applied = %s", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("limited steps", func(t *testing.T) {
		migrator, mock := newTestMigrator(t)
		expectTrackingTable(mock)
		expectStep(mock, "CREATE TABLE IF NOT EXISTS usage_counters", insert, int64(1), "create_usage_counters")

		applied, err := migrator.Up(context.Background(), 1)
		if err != nil {
			t.Fatalf("Up() error = %v", err)
		}
		if got := migrationNames(applied); got != "001_create_usage_counters" {
			t.Fatalf("applied = %s", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestMigratorUpRollsBackOnFailure(t *testing.T) {
	migrator, mock := newTestMigrator(t)
	expectTrackingTable(mock)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_counters").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	applied, err := migrator.Up(context.Background(), 0)
	if err == nil || !strings.Contains(err.Error(), "001_create_usage_counters") {
		t.Fatalf("expected migration error, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigratorDown(t *testing.T) {
	migrator, mock := newTestMigrator(t)
	expectTrackingTable(mock, 1, 2)
	expectStep(mock, "DROP TABLE IF EXISTS org_memberships", "DELETE FROM sqlagent_migrations WHERE version = $1", int64(2))

	rolled, err := migrator.Down(context.Background(), 0)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if got := migrationNames(rolled); got != "002_create_org_memberships" {
		t.Fatalf("rolled = %s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigratorDownRefusesUnknownVersion(t *testing.T) {
	migrator, mock := newTestMigrator(t)
	expectTrackingTable(mock, 1, 9)

	rolled, err := migrator.Down(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "does not know") {
		t.Fatalf("expected unknown version error, got %v", err)
	}
	if len(rolled) != 0 {
		t.Fatalf("rolled = %v", rolled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigratorStatus(t *testing.T) {
	migrator, mock := newTestMigrator(t)
	expectTrackingTable(mock, 1)

	states, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(states) != 4 {
		t.Fatalf("states = %d, want 4", len(states))
	}
	if !states[0].Applied() || states[1].Applied() || states[3].Applied() {
		t.Fatalf("unexpected states %+v", states)
	}
}

func TestEnableTenantRLS(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("SELECT sqlagent_enable_tenant_rls($1::regclass, $2)")).
		WithArgs("analytics.invoices", "org_id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := EnableTenantRLS(context.Background(), db, "analytics.invoices", ""); err != nil {
		t.Fatalf("EnableTenantRLS() error = %v", err)
	}
	for _, bad := range []string{"projects; DROP TABLE x", "a.b.c", ""} {
		if err := EnableTenantRLS(context.Background(), db, bad, "org_id"); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("EnableTenantRLS(%q) error = %v, want ErrInvalidTable", bad, err)
		}
	}
	if err := EnableTenantRLS(context.Background(), db, "projects", "t.org_id"); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("qualified column accepted: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
