package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"tsubame/internal/config"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

const (
	openAttempts = 8
	openBackoff  = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// Init opens the configured database, waits for it to answer and applies
// pending migrations.
func Init(cfg config.Config) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := openWithRetry(cfg.DBDriver, dsn, openAttempts, openBackoff)
	if err != nil {
		return nil, err
	}

	Tune(db, cfg.DBDriver)

	if err := Migrate(context.Background(), db, cfg.DBDriver); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Init",
		"driver":   cfg.DBDriver,
	}).Info("✅ Database connection established")

	return db, nil
}

// DSN builds the driver specific data source name
func DSN(cfg config.Config) (string, error) {
	switch cfg.DBDriver {
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC&clientFoundRows=true",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		), nil
	case DriverSQLite:
		return SQLiteDSN(cfg.SQLitePath), nil
	}
	return "", fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
}

// SQLiteDSN returns a DSN with WAL and busy timeout enabled
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(path))
}

// Tune applies pool settings for the driver
func Tune(db *sql.DB, driver string) {
	if driver == DriverSQLite {
		// SQLite は書き込みが1本なので接続を1つに絞る
		db.SetMaxOpenConns(1)
		return
	}
	db.SetMaxOpenConns(40)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
}

func openWithRetry(driver, dsn string, attempts int, sleep time.Duration) (*sql.DB, error) {
	var last error
	for i := 1; i <= attempts; i++ {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return db, nil
		}

		_ = db.Close()
		last = err
		logrus.WithFields(logrus.Fields{
			"function": "openWithRetry",
			"attempt":  i,
			"error":    err,
		}).Warn("⚠️  Database not ready, retrying")

		if i < attempts {
			time.Sleep(sleep)
			if sleep < 8*time.Second {
				sleep *= 2
			}
		}
	}
	return nil, fmt.Errorf("failed to ping database: %w", last)
}
