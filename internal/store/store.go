// Package store is the durable record of messages, presence and block
// relations. It speaks plain database/sql against MySQL/MariaDB in
// production and SQLite for embedded use and tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tsubame/internal/database"
)

// ErrNotFound is returned when the referenced row does not exist
var ErrNotFound = errors.New("not found")

// Store wraps a *sql.DB with the queries used by the engine
type Store struct {
	db     *sql.DB
	driver string
}

// New returns a Store for a database opened with the given driver
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Ping checks that the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// forUpdate returns the row lock clause supported by the driver.
// SQLite serializes writers on its own.
func (s *Store) forUpdate() string {
	if s.driver == database.DriverMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// stamp normalizes a timestamp to what DATETIME(6) can hold
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: stamp(*t), Valid: true}
}

func encodeHidden(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// 壊れたデータでメッセージを隠さないよう、パース失敗時は空扱い
func decodeHidden(raw string, messageID int64) []int64 {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "decodeHidden",
			"message_id": messageID,
			"raw":        raw,
		}).Warn("❌ Unparseable hidden_for, treating as empty")
		return nil
	}
	return ids
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
