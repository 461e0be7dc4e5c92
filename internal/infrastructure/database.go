package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/backstage/services/powerwatch/config"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Database wraps the gorm handle shared by every repository.
type Database struct {
	*gorm.DB
	driver string
}

// NewDatabase opens Postgres, or SQLite for local runs and tests. Slow
// queries and errors go to log; a nil log silences gorm.
func NewDatabase(cfg config.DatabaseConfig, log *logrus.Logger) (*Database, error) {
	driver := normalizeDriver(cfg.Driver)

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		if err := ensureSQLiteDirectory(cfg.DSN); err != nil {
			return nil, err
		}
		dialector = gormsqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  queryLogger(cfg, log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%s connection pool: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite allows a single writer; queue callers instead of failing with SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Database{DB: db, driver: driver}, nil
}

func queryLogger(cfg config.DatabaseConfig, log *logrus.Logger) gormlogger.Interface {
	if log == nil {
		return gormlogger.Discard
	}
	level := gormlogger.Warn
	if cfg.EnableTracing {
		level = gormlogger.Info
	}
	return gormlogger.New(log, gormlogger.Config{
		SlowThreshold:             cfg.SlowQuery,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// Migrate creates or alters the tables for models.
func (d *Database) Migrate(models ...interface{}) error {
	return d.AutoMigrate(models...)
}

// MissingTables lists the table names of models not yet in the schema.
func (d *Database) MissingTables(models ...interface{}) ([]string, error) {
	var missing []string
	for _, model := range models {
		stmt := &gorm.Statement{DB: d.DB}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("parse %T: %w", model, err)
		}
		if !d.Migrator().HasTable(stmt.Schema.Table) {
			missing = append(missing, stmt.Schema.Table)
		}
	}
	return missing, nil
}

func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return driver
	}
}

// ensureSQLiteDirectory creates the parent directory of a file DSN.
func ensureSQLiteDirectory(dsn string) error {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}

	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %s: %w", dir, err)
	}
	return nil
}
