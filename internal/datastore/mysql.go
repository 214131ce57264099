package datastore

import (
	"fmt"
	"net"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

// MySQLStore implements DataStore for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// mysqlDSN builds the DSN for the configured server
func mysqlDSN(s *conf.MySQLSettings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, s.Port)
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.Local
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Open sets up the MySQL database connection and migrates the schema
func (store *MySQLStore) Open() error {
	settings := &store.Settings.Datastore.MySQL
	if settings.Host == "" || settings.Database == "" {
		return validationError("mysql host and database are required", "datastore.mysql", settings.Host)
	}

	db, err := gorm.Open(mysql.Open(mysqlDSN(settings)), &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(store.Logger, slowQueryThreshold),
		TranslateError: true,
	})
	if err != nil {
		if store.Logger != nil {
			store.Logger.Error("failed to open MySQL database",
				logger.String("host", settings.Host),
				logger.String("port", settings.Port),
				logger.String("database", settings.Database),
				logger.Error(err))
		}
		return dbError(fmt.Errorf("failed to open MySQL database: %w", err), "open", errors.PriorityCritical, "db_type", "mysql")
	}

	store.DB = db
	return performAutoMigration(db, store.Logger, "MySQL")
}

// Close closes the underlying connection pool
func (store *MySQLStore) Close() error {
	return closeDB(store.DB)
}
