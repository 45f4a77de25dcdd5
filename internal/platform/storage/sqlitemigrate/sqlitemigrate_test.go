package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyRunsMigrationsOnce(t *testing.T) {
	migrations := fstest.MapFS{
		"migrations/0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE widgets (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE widgets;
`)},
		"migrations/0002_more.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
ALTER TABLE widgets ADD COLUMN name TEXT;
-- +migrate Down
`)},
	}

	sqlDB := openTestDB(t)
	if err := Apply(sqlDB, migrations, "migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Second run must be a no-op.
	if err := Apply(sqlDB, migrations, "migrations"); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	if _, err := sqlDB.Exec("INSERT INTO widgets (id, name) VALUES ('w1', 'one')"); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count applied migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", count)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(nil, fstest.MapFS{}, "."); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE t (id TEXT);\n-- +migrate Down\nDROP TABLE t;\n"
	up := ExtractUpMigration(content)
	if !strings.Contains(up, "CREATE TABLE t") {
		t.Fatalf("expected up section, got %q", up)
	}
	if strings.Contains(up, "DROP TABLE") {
		t.Fatalf("expected down section excluded, got %q", up)
	}
}

func TestExtractUpMigrationNoMarkers(t *testing.T) {
	content := "CREATE TABLE bare (id TEXT);"
	if got := ExtractUpMigration(content); got != content {
		t.Fatalf("expected full content without markers, got %q", got)
	}
}
