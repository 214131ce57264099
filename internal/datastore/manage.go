package datastore

import (
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

// New returns the store selected by settings. The caller opens it.
func New(settings *conf.Settings, log logger.Logger) (Interface, error) {
	if log != nil {
		log = log.Module("datastore")
	}

	switch {
	case settings.Datastore.SQLite.Enabled:
		return &SQLiteStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	case settings.Datastore.MySQL.Enabled:
		return &MySQLStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	default:
		return nil, errors.Newf("no datastore enabled in settings").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}
