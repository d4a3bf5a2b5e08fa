package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tsubame/internal/model"
)

const messageColumns = `id, sender_id, receiver_id, payload, kind, status, is_deleted, is_expired,
	is_edited, is_disappearing, reply_to_id, hidden_for, created_at, delivered_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg         model.Message
		replyTo     sql.NullInt64
		hidden      string
		deliveredAt sql.NullTime
		readAt      sql.NullTime
	)
	if err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Payload,
		&msg.Kind,
		&msg.State,
		&msg.Deleted,
		&msg.Expired,
		&msg.Edited,
		&msg.Disappearing,
		&replyTo,
		&hidden,
		&msg.CreatedAt,
		&deliveredAt,
		&readAt,
	); err != nil {
		return nil, err
	}

	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	msg.HiddenFor = decodeHidden(hidden, msg.ID)

	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// InsertMessage stores a new message in the sent state and fills in the
// assigned id and creation time.
func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = stamp(msg.CreatedAt)
	msg.State = model.StateSent
	if msg.Kind == "" {
		msg.Kind = model.KindText
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			sender_id, receiver_id, payload, kind, status, is_disappearing, reply_to_id, hidden_for, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SenderID,
		msg.ReceiverID,
		msg.Payload,
		msg.Kind,
		msg.State,
		boolToInt(msg.Disappearing),
		nullInt64(msg.ReplyToID),
		encodeHidden(msg.HiddenFor),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted message id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetMessage loads one message by id
func (s *Store) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return msg, nil
}

// MarkDelivered moves a message from sent to delivered. It reports false
// when the message was already past sent.
func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		model.StateDelivered, stamp(at), id, model.StateSent,
	)
	if err != nil {
		return false, fmt.Errorf("mark message %d delivered: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message %d delivered: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("mark message %d delivered: %w", id, err)
	}
	return false, nil
}

// MarkRead moves every unread, undeleted message from senderID to
// receiverID created at or before cutoff into read, stamped with at.
// The update is one statement so a message submitted after cutoff is
// never swept into the batch.
func (s *Store) MarkRead(ctx context.Context, receiverID, senderID int64, cutoff, at time.Time) ([]model.ReadReceipt, error) {
	at = stamp(at)
	var receipts []model.ReadReceipt

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, read_at = ?
			WHERE receiver_id = ? AND sender_id = ? AND status <> ? AND is_deleted = 0 AND created_at <= ?`,
			model.StateRead, at, receiverID, senderID, model.StateRead, stamp(cutoff),
		)
		if err != nil {
			return fmt.Errorf("mark conversation read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark conversation read: %w", err)
		}
		if n == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, is_disappearing FROM messages
			WHERE receiver_id = ? AND sender_id = ? AND status = ? AND read_at = ?
			ORDER BY id ASC`,
			receiverID, senderID, model.StateRead, at,
		)
		if err != nil {
			return fmt.Errorf("list read messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r := model.ReadReceipt{ReadAt: at}
			if err := rows.Scan(&r.MessageID, &r.Disappearing); err != nil {
				return fmt.Errorf("scan read message: %w", err)
			}
			receipts = append(receipts, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// UpdatePayload replaces the payload of an undeleted message and flags
// it edited. It reports false when the message is deleted.
func (s *Store) UpdatePayload(ctx context.Context, id int64, payload string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET payload = ?, is_edited = 1 WHERE id = ? AND is_deleted = 0`,
		payload, id,
	)
	if err != nil {
		return false, fmt.Errorf("edit message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("edit message %d: %w", id, err)
	}
	return n > 0, nil
}

// Tombstone deletes a message for everyone. Only the first tombstone
// write wins; later calls report false and change nothing.
func (s *Store) Tombstone(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1, payload = ? WHERE id = ? AND is_deleted = 0`,
		model.TombstoneDeleted, id,
	)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	return n > 0, nil
}

// Expire tombstones a read disappearing message. It reports false when the
// message was already deleted or is not eligible.
func (s *Store) Expire(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1, is_expired = 1, payload = ?
		WHERE id = ? AND is_deleted = 0 AND is_disappearing = 1 AND status = ?`,
		model.TombstoneExpired, id, model.StateRead,
	)
	if err != nil {
		return false, fmt.Errorf("expire message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire message %d: %w", id, err)
	}
	return n > 0, nil
}

// Hide adds userID to the hidden set of a message. Adding twice is a no-op.
func (s *Store) Hide(ctx context.Context, id, userID int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT hidden_for FROM messages WHERE id = ?`+s.forUpdate(), id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read hidden set of %d: %w", id, err)
		}
		_, err = hideIn(ctx, tx, id, raw, userID)
		return err
	})
}

// HideConversation hides every message between userID and peerID from
// userID. It returns the number of messages that became hidden.
func (s *Store) HideConversation(ctx context.Context, userID, peerID int64) (int, error) {
	hidden := 0
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, hidden_for FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`+s.forUpdate(),
			userID, peerID, peerID, userID,
		)
		if err != nil {
			return fmt.Errorf("list conversation: %w", err)
		}

		type pending struct {
			id  int64
			raw string
		}
		var all []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan conversation row: %w", err)
			}
			all = append(all, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate conversation rows: %w", err)
		}

		for _, p := range all {
			changed, err := hideIn(ctx, tx, p.id, p.raw, userID)
			if err != nil {
				return err
			}
			if changed {
				hidden++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return hidden, nil
}

func addHidden(ids []int64, userID int64) []int64 {
	for _, id := range ids {
		if id == userID {
			return ids
		}
	}
	return append(ids, userID)
}

func hideIn(ctx context.Context, tx *sql.Tx, id int64, raw string, userID int64) (bool, error) {
	current := decodeHidden(raw, id)
	next := addHidden(current, userID)
	if len(next) == len(current) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET hidden_for = ? WHERE id = ?`, encodeHidden(next), id); err != nil {
		return false, fmt.Errorf("hide message %d: %w", id, err)
	}
	return true, nil
}

// Conversation returns messages exchanged between a and b in creation
// order, without the ones a has hidden for themselves. Paging applies to
// the stored rows before the hidden filter.
func (s *Store) Conversation(ctx context.Context, a, b int64, limit, offset int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?`,
		a, b, b, a, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %d/%d: %w", a, b, err)
	}
	all, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	visible := all[:0]
	for _, msg := range all {
		if !msg.HiddenTo(a) {
			visible = append(visible, msg)
		}
	}
	return visible, nil
}

// PendingFor returns undelivered messages addressed to receiverID, oldest first
func (s *Store) PendingFor(ctx context.Context, receiverID int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE receiver_id = ? AND status = ? AND is_deleted = 0
		ORDER BY id ASC`,
		receiverID, model.StateSent,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending messages for %d: %w", receiverID, err)
	}
	return collectMessages(rows)
}

// ReadDisappearing lists every message whose expiry timer must exist
func (s *Store) ReadDisappearing(ctx context.Context) ([]model.ExpiryCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, read_at FROM messages
		WHERE is_disappearing = 1 AND status = ? AND is_deleted = 0 AND read_at IS NOT NULL
		ORDER BY id ASC`,
		model.StateRead,
	)
	if err != nil {
		return nil, fmt.Errorf("list disappearing messages: %w", err)
	}
	defer rows.Close()

	var out []model.ExpiryCandidate
	for rows.Next() {
		var c model.ExpiryCandidate
		if err := rows.Scan(&c.MessageID, &c.ReadAt); err != nil {
			return nil, fmt.Errorf("scan disappearing message: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disappearing messages: %w", err)
	}
	return out, nil
}
