// Package syncer reconciles the local message store against the remote
// authoritative log. Remote batches are applied in receipt order inside
// one transaction together with the watermark advance, so a crash at any
// point replays from the last durable watermark and the store's
// id-idempotency absorbs the duplicates.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/pdromr/chatsync/internal/bus"
	"github.com/pdromr/chatsync/internal/remote"
	"github.com/pdromr/chatsync/internal/store"
	"go.uber.org/zap"
)

// Engine applies remote changes and performs remote writes for one install.
type Engine struct {
	db     *store.DB
	remote remote.Client
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, rc remote.Client, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		remote: rc,
		bus:    b,
		logger: logger,
	}
}

// OpenFeed subscribes to a conversation's change feed from its last
// durable watermark.
func (e *Engine) OpenFeed(ctx context.Context, conversationID string) (remote.Feed, error) {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	watermark := ""
	if conv != nil {
		watermark = conv.WatermarkToken
	}
	return e.remote.OpenFeed(ctx, conversationID, watermark)
}

// ApplyBatch integrates one remote batch: every message is applied in
// receipt order and the watermark advances in the same transaction.
// Applying the same batch twice leaves the store unchanged.
func (e *Engine) ApplyBatch(conversationID string, msgs []store.Message, watermark string) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int64
	results := make([]store.ApplyResult, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		res, err := store.ApplyRemote(tx, &m)
		if err != nil {
			return fmt.Errorf("apply message %s: %w", m.ID, err)
		}
		if res.ConflictsWith != "" {
			e.logger.Warn("sequence conflict: remote sequence already held by another message",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", m.ID),
				zap.String("holds_sequence", res.ConflictsWith),
				zap.Int64("sequence", m.Sequence))
		}
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
		}
		results = append(results, res)
	}

	if err := store.AdvanceWatermark(tx, conversationID, watermark, maxSeq); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.publishApplied(conversationID, msgs, results)
	return nil
}

// Submit performs the remote write for one outbox entry. The returned
// error classifies the outcome: nil is an ack carrying the sequence, a
// RejectedError is permanent, anything transient should be retried.
func (e *Engine) Submit(ctx context.Context, m *store.Message) (int64, error) {
	seq, err := e.remote.WriteMessage(ctx, m)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (e *Engine) publishApplied(conversationID string, msgs []store.Message, results []store.ApplyResult) {
	applied := 0
	for i, res := range results {
		ref := bus.MessageRef{
			ConversationID: conversationID,
			MessageID:      msgs[i].ID,
			State:          string(msgs[i].DeliveryState),
			Sequence:       msgs[i].Sequence,
		}
		switch {
		case res.Appended:
			applied++
			e.bus.Publish(bus.Event{Kind: bus.KindMessageAppended, Timestamp: time.Now(), Payload: ref})
		case res.StateChanged || res.SequenceSet:
			applied++
			e.bus.Publish(bus.Event{Kind: bus.KindMessageStateChanged, Timestamp: time.Now(), Payload: ref})
		}
	}

	conv, err := e.db.GetConversation(conversationID)
	if err != nil || conv == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncProgress,
		Timestamp: time.Now(),
		Payload: bus.SyncProgress{
			ConversationID:     conversationID,
			LastSyncedSequence: conv.LastSyncedSequence,
			Applied:            applied,
		},
	})
}
