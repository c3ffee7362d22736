package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyMigrationsRequiresInputs(t *testing.T) {
	t.Parallel()

	if err := ApplyMigrations(nil, fstest.MapFS{}); err == nil {
		t.Fatal("expected nil db error")
	}
	if err := ApplyMigrations(openTestDB(t), nil); err == nil {
		t.Fatal("expected nil fs error")
	}
}

func TestApplyMigrationsRunsFilesInOrder(t *testing.T) {
	t.Parallel()

	migrationFS := fstest.MapFS{
		"0002_insert.sql": {Data: []byte("INSERT INTO things (name) VALUES ('first');")},
		"0001_schema.sql": {Data: []byte("CREATE TABLE things (name TEXT NOT NULL);")},
	}
	sqlDB := openTestDB(t)
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM things").Scan(&count); err != nil {
		t.Fatalf("count things: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	t.Parallel()

	migrationFS := fstest.MapFS{
		"0001_schema.sql": {Data: []byte("CREATE TABLE things (name TEXT NOT NULL);")},
		"0002_insert.sql": {Data: []byte("INSERT INTO things (name) VALUES ('first');")},
	}
	sqlDB := openTestDB(t)
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM things").Scan(&count); err != nil {
		t.Fatalf("count things: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected insert to run once, got %d rows", count)
	}
}

func TestApplyMigrationsToleratesExistingDDL(t *testing.T) {
	t.Parallel()

	sqlDB := openTestDB(t)
	if _, err := sqlDB.Exec("CREATE TABLE things (name TEXT NOT NULL);"); err != nil {
		t.Fatalf("pre-create table: %v", err)
	}
	migrationFS := fstest.MapFS{
		"0001_schema.sql": {Data: []byte("CREATE TABLE things (name TEXT NOT NULL);")},
	}
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("apply over existing ddl: %v", err)
	}
}
