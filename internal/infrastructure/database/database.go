package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute

	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

// DB is the automation store's SQLite handle.
type DB struct {
	*sql.DB
	path string
}

// Open connects to the database at cfg.Path, creating the file and its
// directory when missing. Foreign keys are always enforced.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer. It also keeps a :memory: database on a single connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	if cfg.Path != MemoryPath {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if cfg.Path != MemoryPath {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file appears on first write
	}
	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

func buildDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.Path == "" {
		return "", fmt.Errorf("database path is empty")
	}
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", (time.Duration(cfg.BusyTimeout) * time.Second).Milliseconds()),
		"_foreign_keys=on",
	}
	if cfg.Path == MemoryPath {
		return "file::memory:?" + strings.Join(params, "&"), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return "", fmt.Errorf("creating database directory: %w", err)
	}
	if cfg.WALMode {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + cfg.Path + "?" + strings.Join(params, "&"), nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
