package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record. The sync
// watermark columns are left alone on update; AdvanceWatermark owns them.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, last_synced_sequence, watermark_token, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastSyncedSequence, c.WatermarkToken, now)
	return err
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, last_synced_sequence, watermark_token
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.LastSyncedSequence, &c.WatermarkToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &c, nil
}

// ListConversationIDs returns all known conversation ids.
func (db *DB) ListConversationIDs() ([]string, error) {
	rows, err := db.Query(`SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceWatermark records a new resume token and the highest integrated
// sequence for a conversation. last_synced_sequence never decreases, so
// replays and full resyncs are safe to repeat. q may be the DB or the
// transaction that applied the batch, making apply and advance atomic.
func AdvanceWatermark(q querier, conversationID, token string, sequence int64) error {
	now := time.Now().UnixMilli()
	_, err := q.Exec(`
		INSERT INTO conversations (id, last_synced_sequence, watermark_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_synced_sequence = MAX(conversations.last_synced_sequence, excluded.last_synced_sequence),
			watermark_token = CASE WHEN excluded.watermark_token = ''
				THEN conversations.watermark_token ELSE excluded.watermark_token END,
			updated_at = excluded.updated_at`,
		conversationID, sequence, token, now)
	return err
}
