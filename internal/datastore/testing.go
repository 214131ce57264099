package datastore

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/logger"
)

// OpenTestStore opens a private in-memory SQLite store and closes it when
// the test ends.
func OpenTestStore(tb testing.TB) *SQLiteStore {
	tb.Helper()

	settings := &conf.Settings{}
	settings.Datastore.SQLite.Enabled = true
	settings.Datastore.SQLite.Path = "file:" + uuid.NewString() + "?mode=memory&cache=shared"

	store := &SQLiteStore{
		DataStore: DataStore{Logger: logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)},
		Settings:  settings,
	}
	if err := store.Open(); err != nil {
		tb.Fatalf("failed to open test store: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })
	return store
}
