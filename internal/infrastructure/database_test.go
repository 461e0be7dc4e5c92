package infrastructure

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/backstage/services/powerwatch/config"
)

func TestEnsureSQLiteDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "data", "nested")

	if err := ensureSQLiteDirectory("file:" + filepath.Join(dir, "pw.db") + "?_pragma=busy_timeout(5000)"); err != nil {
		t.Fatalf("ensureSQLiteDirectory() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	for _, dsn := range []string{"", ":memory:", "file::memory:?cache=shared", "local.db"} {
		if err := ensureSQLiteDirectory(dsn); err != nil {
			t.Errorf("ensureSQLiteDirectory(%q) error = %v", dsn, err)
		}
	}
}

func TestNewDatabaseSQLite(t *testing.T) {
	db, err := NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "db", "powerwatch.db"),
	}, nil)
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	defer db.Close()

	type probe struct {
		ID   uint
		Name string
	}
	missing, err := db.MissingTables(&probe{})
	if err != nil || len(missing) != 1 || missing[0] != "probes" {
		t.Fatalf("MissingTables() before migrate = %v, %v", missing, err)
	}
	if err := db.Migrate(&probe{}); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if missing, err := db.MissingTables(&probe{}); err != nil || len(missing) != 0 {
		t.Fatalf("MissingTables() after migrate = %v, %v", missing, err)
	}
	if db.Driver() != "sqlite" {
		t.Errorf("Driver() = %q", db.Driver())
	}
	if err := db.Create(&probe{Name: "x"}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("max open conns = %d, want 1", got)
	}
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	if _, err := NewDatabase(config.DatabaseConfig{Driver: "oracle"}, nil); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestNormalizeDriver(t *testing.T) {
	for in, want := range map[string]string{
		"":           "postgres",
		"PostgreSQL": "postgres",
		"pgx":        "postgres",
		"sqlite3":    "sqlite",
		" SQLite ":   "sqlite",
		"oracle":     "oracle",
	} {
		if got := normalizeDriver(in); got != want {
			t.Errorf("normalizeDriver(%q) = %q, want %q", in, got, want)
		}
	}
}
