package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tsubame/internal/database"
	"tsubame/internal/model"
)

func (s *Store) upsertUser(set string) string {
	if s.driver == database.DriverMySQL {
		return `INSERT INTO users (id, username, is_online, last_seen) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE ` + set
	}
	return `INSERT INTO users (id, username, is_online, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ` + set
}

func (s *Store) excluded(column string) string {
	if s.driver == database.DriverMySQL {
		return column + " = VALUES(" + column + ")"
	}
	return column + " = excluded." + column
}

// UpsertUser creates the user row or renames it
func (s *Store) UpsertUser(ctx context.Context, id int64, username string) error {
	_, err := s.db.ExecContext(ctx, s.upsertUser(s.excluded("username")), id, username, 0, nil)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", id, err)
	}
	return nil
}

// SetPresence records the online flag and last seen time of a user.
// A nil lastSeen clears it.
func (s *Store) SetPresence(ctx context.Context, userID int64, online bool, lastSeen *time.Time) error {
	set := s.excluded("is_online") + ", " + s.excluded("last_seen")
	_, err := s.db.ExecContext(ctx, s.upsertUser(set), userID, nil, boolToInt(online), nullTime(lastSeen))
	if err != nil {
		return fmt.Errorf("set presence of %d: %w", userID, err)
	}
	return nil
}

// Presence returns the persisted presence of a user
func (s *Store) Presence(ctx context.Context, userID int64) (model.Presence, error) {
	p := model.Presence{UserID: userID}
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT is_online, last_seen FROM users WHERE id = ?`, userID).Scan(&p.IsOnline, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get presence of %d: %w", userID, err)
	}
	if lastSeen.Valid {
		p.LastSeen = &lastSeen.Time
	}
	return p, nil
}

// ResetPresence marks every user offline. Connections do not survive a
// restart, so stale online flags are cleared on boot.
func (s *Store) ResetPresence(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_online = 0, last_seen = ? WHERE is_online = 1`, stamp(at))
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return res.RowsAffected()
}

// IsBlocked reports whether either user blocked the other
func (s *Store) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
		LIMIT 1`,
		a, b, b, a,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check block %d/%d: %w", a, b, err)
	}
	return true, nil
}

// Block records that blocker blocked blocked. Blocking twice is a no-op.
func (s *Store) Block(ctx context.Context, blocker, blocked int64) error {
	already, err := s.IsBlockedBy(ctx, blocker, blocked)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocked_users (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		blocker, blocked, stamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("block %d/%d: %w", blocker, blocked, err)
	}
	return nil
}

// IsBlockedBy reports whether blocker blocked blocked (one direction only)
func (s *Store) IsBlockedBy(ctx context.Context, blocker, blocked int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users WHERE blocker_id = ? AND blocked_id = ?`,
		blocker, blocked,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check block %d/%d: %w", blocker, blocked, err)
	}
	return true, nil
}

// Unblock removes a block relation
func (s *Store) Unblock(ctx context.Context, blocker, blocked int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_users WHERE blocker_id = ? AND blocked_id = ?`, blocker, blocked)
	if err != nil {
		return fmt.Errorf("unblock %d/%d: %w", blocker, blocked, err)
	}
	return nil
}
