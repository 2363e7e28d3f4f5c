package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite" // database/sql driver for the watcher pool
	"github.com/glebarez/sqlite"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a SQLite connection string with WAL mode and a bounded
// busy-wait, so concurrent hook subprocesses and the server retry on the
// database's own lock instead of failing outright.
func DSN(dbPath string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
}

// InitDB opens the shared account database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(DSN(dbPath)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.KnownRefreshToken{},
		&models.SessionRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Tokens at rest; keep the file owner-only.
	if err := os.Chmod(dbPath, 0o600); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("chmod db: %w", err)
	}

	return gdb, nil
}

// OpenRawPool opens a plain database/sql handle on the same file. The change
// watcher hands out one dedicated connection per loop from this pool because
// PRAGMA data_version is scoped to a single connection and must never be
// shared across loops.
func OpenRawPool(dbPath string, maxConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = 2
	}
	raw, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open raw sqlite: %w", err)
	}
	raw.SetMaxOpenConns(maxConns)
	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping raw sqlite: %w", err)
	}
	return raw, nil
}
