package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pdromr/chatsync/internal/errs"
)

// querier is satisfied by both *sql.DB and *sql.Tx so message operations
// can run standalone or inside a batch transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ApplyResult reports what ApplyRemote changed.
type ApplyResult struct {
	Appended     bool
	StateChanged bool
	SequenceSet  bool
	// ConflictsWith is the id of a different message that already holds
	// the incoming sequence in the same conversation. The incoming
	// sequence is still applied (remote is authoritative); callers log
	// the conflict and never drop either message.
	ConflictsWith string
}

// Append inserts a message, or no-ops if the id is already present.
func (db *DB) Append(m *Message) error {
	state := m.DeliveryState
	if state == "" {
		state = StatePending
	}
	if !state.Valid() {
		return fmt.Errorf("append message %s: unknown delivery state %q", m.ID, state)
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at, sequence, delivery_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, m.Sequence, string(state), now)
	return err
}

// ApplyRemote merges a message received from the remote log (idempotent
// on id). New ids are inserted as-is; for existing ids only the delivery
// state (forward moves) and an unassigned sequence can change. q may be
// the DB itself or a transaction.
func ApplyRemote(q querier, m *Message) (ApplyResult, error) {
	var res ApplyResult

	state := m.DeliveryState
	if state == "" {
		state = StateSent
	}
	if !state.Valid() {
		return res, fmt.Errorf("apply message %s: unknown delivery state %q", m.ID, state)
	}

	if m.Sequence > 0 {
		var holder string
		err := q.QueryRow(`
			SELECT id FROM messages
			WHERE conversation_id = ? AND sequence = ? AND id <> ?`,
			m.ConversationID, m.Sequence, m.ID).Scan(&holder)
		if err != nil && err != sql.ErrNoRows {
			return res, err
		}
		res.ConflictsWith = holder
	}

	var curState string
	var curSeq int64
	err := q.QueryRow(`SELECT delivery_state, sequence FROM messages WHERE id = ?`, m.ID).
		Scan(&curState, &curSeq)
	now := time.Now().UnixMilli()

	if err == sql.ErrNoRows {
		_, err = q.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, body, created_at, sequence, delivery_state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, m.Sequence, string(state), now)
		if err != nil {
			return res, err
		}
		res.Appended = true
		res.SequenceSet = m.Sequence > 0
		return res, nil
	}
	if err != nil {
		return res, err
	}

	existing, perr := parseState(curState, m.ID)
	if perr != nil {
		// The stored row is unreadable; the remote copy is authoritative,
		// so replace it outright. This is how a full resync heals corrupt
		// local state.
		_, err = q.Exec(`UPDATE messages SET delivery_state = ?, sequence = ?, updated_at = ? WHERE id = ?`,
			string(state), m.Sequence, now, m.ID)
		if err != nil {
			return res, err
		}
		res.StateChanged = true
		res.SequenceSet = m.Sequence > 0 && m.Sequence != curSeq
		return res, nil
	}

	newState := existing
	if existing.CanTransition(state) {
		newState = state
		res.StateChanged = true
	}
	newSeq := curSeq
	if m.Sequence > 0 && m.Sequence != curSeq {
		newSeq = m.Sequence
		res.SequenceSet = true
	}
	if !res.StateChanged && !res.SequenceSet {
		return res, nil
	}

	_, err = q.Exec(`UPDATE messages SET delivery_state = ?, sequence = ?, updated_at = ? WHERE id = ?`,
		string(newState), newSeq, now, m.ID)
	return res, err
}

// MarkState moves a message to newState, enforcing forward-only
// transitions. A backward move returns a StaleTransitionError and leaves
// the row untouched. sequence is applied when > 0.
func (db *DB) MarkState(id string, newState DeliveryState, sequence int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curState string
	var curSeq int64
	err = tx.QueryRow(`SELECT delivery_state, sequence FROM messages WHERE id = ?`, id).
		Scan(&curState, &curSeq)
	if err == sql.ErrNoRows {
		return fmt.Errorf("mark state %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return err
	}

	existing, err := parseState(curState, id)
	if err != nil {
		return err
	}
	if !existing.CanTransition(newState) {
		return &errs.StaleTransitionError{MessageID: id, From: string(existing), To: string(newState)}
	}

	seq := curSeq
	if sequence > 0 {
		seq = sequence
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE messages SET delivery_state = ?, sequence = ?, updated_at = ? WHERE id = ?`,
		string(newState), seq, now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage returns a message by id, or errs.ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	var state string
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, created_at, sequence, delivery_state
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Sequence, &state)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.DeliveryState, err = parseState(state, m.ID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListOrdered returns a page of a conversation's messages: sequenced
// messages first by sequence ascending, then unsequenced ones by
// created_at ascending. Re-calling with a higher offset resumes the scan.
func (db *DB) ListOrdered(conversationID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, created_at, sequence, delivery_state
		FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN sequence > 0 THEN 0 ELSE 1 END, sequence ASC, created_at ASC, id ASC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var state string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Sequence, &state); err != nil {
			return nil, err
		}
		m.DeliveryState, err = parseState(state, m.ID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageIDs returns the set of message ids present for a conversation.
// Used by full resync to diff against the remote log.
func (db *DB) MessageIDs(conversationID string) (map[string]struct{}, error) {
	rows, err := db.Query(`SELECT id FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func parseState(s, messageID string) (DeliveryState, error) {
	state := DeliveryState(s)
	if !state.Valid() {
		return "", &errs.CorruptStateError{
			Err: fmt.Errorf("message %s has unknown delivery state %q", messageID, s),
		}
	}
	return state, nil
}
