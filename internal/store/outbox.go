package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/pdromr/chatsync/internal/errs"
)

// EnqueueOutbox durably records a locally created message as pending:
// the message row (state pending) and its outbox entry are written in one
// transaction, so an accepted send survives a crash. Re-enqueueing the
// same id is a no-op, except that a failed message moves back to pending:
// that is the manual-resubmit path, same id, fresh attempt budget.
func (db *DB) EnqueueOutbox(m *Message, now int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at, sequence, delivery_state, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 'pending', ?)
		ON CONFLICT(id) DO UPDATE SET delivery_state = 'pending', updated_at = excluded.updated_at
		WHERE messages.delivery_state = 'failed'`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, now); err != nil {
		return fmt.Errorf("insert pending message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO outbox (message_id, conversation_id, attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.ID, m.ConversationID, now, now, now); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	return tx.Commit()
}

// ClaimDue returns up to limit unclaimed entries whose next_retry_at has
// passed, oldest-due first, and marks them claimed so a concurrent sweep
// does not pick them up again.
func (db *DB) ClaimDue(now int64, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT message_id, conversation_id, attempts, next_retry_at, last_error
		FROM outbox
		WHERE claimed_at = 0 AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.Attempts, &e.NextRetryAt, &e.LastError); err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE outbox SET claimed_at = ?, updated_at = ? WHERE message_id = ?`,
			now, now, e.MessageID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// PromoteSent finalizes an acked send: the message becomes sent with its
// server-assigned sequence and the outbox entry is removed, atomically.
func (db *DB) PromoteSent(messageID string, sequence int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	// Only advance; a feed echo may already have the message delivered.
	if _, err := tx.Exec(`
		UPDATE messages SET delivery_state = 'sent', sequence = ?, updated_at = ?
		WHERE id = ? AND delivery_state = 'pending'`,
		sequence, now, messageID); err != nil {
		return fmt.Errorf("promote message: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE messages SET sequence = ?, updated_at = ? WHERE id = ? AND sequence = 0`,
		sequence, now, messageID); err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return tx.Commit()
}

// ReleaseClaim makes a claimed entry visible to later sweeps again
// without counting an attempt.
func (db *DB) ReleaseClaim(messageID string) error {
	_, err := db.Exec(`UPDATE outbox SET claimed_at = 0, updated_at = ? WHERE message_id = ?`,
		time.Now().UnixMilli(), messageID)
	return err
}

// RecordRetry schedules another attempt after a transient failure and
// releases the sweep claim.
func (db *DB) RecordRetry(messageID, lastError string, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox
		SET attempts = attempts + 1, next_retry_at = ?, claimed_at = 0, last_error = ?, updated_at = ?
		WHERE message_id = ?`,
		nextRetryAt, lastError, now, messageID)
	return err
}

// FailTerminal retires an entry permanently: the message is marked failed
// (a stale transition is tolerated, e.g. when a feed echo already
// confirmed it) and the outbox row is deleted.
func (db *DB) FailTerminal(messageID string) error {
	err := db.MarkState(messageID, StateFailed, 0)
	if err != nil && !errs.IsStaleTransition(err) && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	_, err = db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	return err
}

// PendingOutbox returns entries not yet retired, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, attempts, next_retry_at, last_error
		FROM outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.Attempts, &e.NextRetryAt, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueStaleClaims releases claims older than staleBefore. Run at boot
// so entries claimed by a sweep that died become due again.
func (db *DB) RequeueStaleClaims(staleBefore int64) (int, error) {
	res, err := db.Exec(`
		UPDATE outbox SET claimed_at = 0, updated_at = ?
		WHERE claimed_at > 0 AND claimed_at < ?`,
		time.Now().UnixMilli(), staleBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
