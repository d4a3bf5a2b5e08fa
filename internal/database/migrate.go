package database

import (
	"context"
	"database/sql"
	"fmt"
)

var mysqlMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id         BIGINT PRIMARY KEY,
  username   VARCHAR(64) NULL,
  is_online  TINYINT(1) NOT NULL DEFAULT 0,
  last_seen  DATETIME(6) NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
	`
CREATE TABLE IF NOT EXISTS blocked_users (
  blocker_id BIGINT NOT NULL,
  blocked_id BIGINT NOT NULL,
  created_at DATETIME(6) NOT NULL,
  PRIMARY KEY (blocker_id, blocked_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              BIGINT AUTO_INCREMENT PRIMARY KEY,
  sender_id       BIGINT NOT NULL,
  receiver_id     BIGINT NOT NULL,
  payload         MEDIUMTEXT NOT NULL,
  kind            VARCHAR(16) NOT NULL DEFAULT 'text',
  status          VARCHAR(16) NOT NULL DEFAULT 'sent',
  is_deleted      TINYINT(1) NOT NULL DEFAULT 0,
  is_expired      TINYINT(1) NOT NULL DEFAULT 0,
  is_edited       TINYINT(1) NOT NULL DEFAULT 0,
  is_disappearing TINYINT(1) NOT NULL DEFAULT 0,
  reply_to_id     BIGINT NULL,
  hidden_for      TEXT NOT NULL,
  created_at      DATETIME(6) NOT NULL,
  delivered_at    DATETIME(6) NULL,
  read_at         DATETIME(6) NULL,
  INDEX idx_messages_pair (sender_id, receiver_id),
  INDEX idx_messages_pending (receiver_id, status),
  INDEX idx_messages_disappearing (is_disappearing, status, is_deleted)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
}

var sqliteMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id         INTEGER PRIMARY KEY,
  username   TEXT,
  is_online  INTEGER NOT NULL DEFAULT 0,
  last_seen  DATETIME
);
`,
	`
CREATE TABLE IF NOT EXISTS blocked_users (
  blocker_id INTEGER NOT NULL,
  blocked_id INTEGER NOT NULL,
  created_at DATETIME NOT NULL,
  PRIMARY KEY (blocker_id, blocked_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  sender_id       INTEGER NOT NULL,
  receiver_id     INTEGER NOT NULL,
  payload         TEXT NOT NULL,
  kind            TEXT NOT NULL DEFAULT 'text' CHECK(kind IN ('text','image','audio','file')),
  status          TEXT NOT NULL DEFAULT 'sent' CHECK(status IN ('sent','delivered','read')),
  is_deleted      INTEGER NOT NULL DEFAULT 0,
  is_expired      INTEGER NOT NULL DEFAULT 0,
  is_edited       INTEGER NOT NULL DEFAULT 0,
  is_disappearing INTEGER NOT NULL DEFAULT 0,
  reply_to_id     INTEGER,
  hidden_for      TEXT NOT NULL DEFAULT '[]',
  created_at      DATETIME NOT NULL,
  delivered_at    DATETIME,
  read_at         DATETIME
);
`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages (receiver_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_disappearing ON messages (is_disappearing, status, is_deleted);`,
}

// Migrate applies the schema migrations that have not run yet.
// Applied versions are tracked in schema_migrations.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var migrations []string
	switch driver {
	case DriverMySQL:
		migrations = mysqlMigrations
	case DriverSQLite:
		migrations = sqliteMigrations
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// MySQL の DDL は暗黙コミットされるため1件ずつ記録する
	for i := version; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	return nil
}
