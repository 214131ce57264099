package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

// slowQueryThreshold is where the gorm adapter starts warning about queries
const slowQueryThreshold = 200 * time.Millisecond

// SQLiteStore implements DataStore for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// sqliteDSN turns the configured path into a DSN with foreign keys enabled.
// A path that is already a URI (file:...) or ":memory:" is used as given.
func sqliteDSN(path string) string {
	const params = "_foreign_keys=1&_busy_timeout=5000"
	switch {
	case path == ":memory:":
		return "file::memory:?cache=shared&" + params
	case strings.HasPrefix(path, "file:"):
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params
	default:
		return "file:" + path + "?_journal_mode=WAL&" + params
	}
}

// Open sets up the SQLite database connection and migrates the schema
func (store *SQLiteStore) Open() error {
	path := store.Settings.Datastore.SQLite.Path
	if path == "" {
		return validationError("sqlite path is required", "datastore.sqlite.path", path)
	}

	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return dbError(err, "create_db_directory", errors.PriorityCritical, "db_type", "sqlite")
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(store.Logger, slowQueryThreshold),
		TranslateError: true,
	})
	if err != nil {
		return dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open", errors.PriorityCritical, "db_type", "sqlite")
	}

	// One writer at a time avoids SQLITE_BUSY under concurrent requests
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open", errors.PriorityCritical, "db_type", "sqlite")
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	return performAutoMigration(db, store.Logger, "SQLite")
}

// Close closes the underlying connection pool
func (store *SQLiteStore) Close() error {
	return closeDB(store.DB)
}

func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	return nil
}
