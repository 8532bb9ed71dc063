// Package outbox drives pending sends to the remote write API with
// bounded retries. Entries are durable before the caller learns the send
// was accepted; a crash between enqueue and ack is recovered by the next
// sweep.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pdromr/chatsync/internal/bus"
	"github.com/pdromr/chatsync/internal/errs"
	"github.com/pdromr/chatsync/internal/store"
	"go.uber.org/zap"
)

// Submitter performs the remote write for one message. Implemented by the
// sync engine.
type Submitter interface {
	Submit(ctx context.Context, m *store.Message) (int64, error)
}

// Retrier sweeps the durable outbox and submits due entries.
type Retrier struct {
	db        *store.DB
	submitter Submitter
	bus       *bus.Bus
	logger    *zap.Logger
	policy    Policy
	interval  time.Duration
	batch     int

	kick   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRetrier creates an outbox retrier.
func NewRetrier(db *store.DB, submitter Submitter, b *bus.Bus, policy Policy, interval time.Duration, batch int, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Retrier{
		db:        db,
		submitter: submitter,
		bus:       b,
		logger:    logger,
		policy:    policy,
		interval:  interval,
		batch:     batch,
		kick:      make(chan struct{}, 1),
		inFlight:  make(map[string]struct{}),
	}
}

// Enqueue durably records a new locally-created message as pending and
// wakes the sweep. The message id is the dedupe key: retrying a send that
// was already accepted is a no-op.
func (r *Retrier) Enqueue(conversationID, senderID, body string) (*store.Message, error) {
	now := time.Now().UnixMilli()
	m := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      now,
		DeliveryState:  store.StatePending,
	}
	if err := r.db.EnqueueOutbox(m, now); err != nil {
		return nil, err
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAppended,
		Timestamp: time.Now(),
		Payload: bus.MessageRef{
			ConversationID: conversationID,
			MessageID:      m.ID,
			State:          string(store.StatePending),
		},
	})
	r.Nudge()
	return m, nil
}

// Resubmit retries a terminally failed message under the same id with a
// fresh attempt budget. No-op for messages already pending or beyond.
func (r *Retrier) Resubmit(messageID string) error {
	msg, err := r.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.DeliveryState != store.StateFailed {
		return nil
	}
	if err := r.db.EnqueueOutbox(msg, time.Now().UnixMilli()); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStateChanged,
		Timestamp: time.Now(),
		Payload: bus.MessageRef{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			State:          string(store.StatePending),
		},
	})
	r.Nudge()
	return nil
}

// Start begins the periodic sweep.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the sweep loop.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Nudge schedules an immediate sweep (push wake-up, connectivity
// restored). Redundant nudges coalesce.
func (r *Retrier) Nudge() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Retrier) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.kick:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep claims every due entry and attempts each one. Attempts for
// distinct entries run concurrently; a second attempt for the same entry
// is never issued while one is outstanding.
func (r *Retrier) Sweep(ctx context.Context) {
	entries, err := r.db.ClaimDue(time.Now().UnixMilli(), r.batch)
	if err != nil {
		r.logger.Error("failed to claim due outbox entries", zap.Error(err))
		return
	}

	for _, entry := range entries {
		r.mu.Lock()
		if _, busy := r.inFlight[entry.MessageID]; busy {
			r.mu.Unlock()
			// The claim just taken belongs to nobody; release it so the
			// entry stays visible to later sweeps.
			_ = r.db.ReleaseClaim(entry.MessageID)
			continue
		}
		r.inFlight[entry.MessageID] = struct{}{}
		r.mu.Unlock()

		go r.attempt(ctx, entry)
	}
}

func (r *Retrier) attempt(ctx context.Context, entry store.OutboxEntry) {
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, entry.MessageID)
		r.mu.Unlock()
	}()

	msg, err := r.db.GetMessage(entry.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		r.logger.Error("outbox entry has no message, retiring",
			zap.String("message_id", entry.MessageID), zap.Error(err))
		_ = r.db.FailTerminal(entry.MessageID)
		return
	case errs.IsCorruptState(err):
		// Keep the entry; the full resync replaces the unreadable row
		// and a later sweep picks it up again.
		r.logger.Error("outbox entry unreadable, requesting resync",
			zap.String("message_id", entry.MessageID), zap.Error(err))
		_ = r.db.ReleaseClaim(entry.MessageID)
		r.bus.Publish(bus.Event{
			Kind:      bus.KindStoreCorrupt,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: entry.ConversationID,
				MessageID:      entry.MessageID,
			},
		})
		return
	default:
		r.logger.Error("failed to load outbox message",
			zap.String("message_id", entry.MessageID), zap.Error(err))
		_ = r.db.ReleaseClaim(entry.MessageID)
		return
	}

	seq, err := r.submitter.Submit(ctx, msg)
	switch {
	case err == nil:
		if err := r.db.PromoteSent(entry.MessageID, seq); err != nil {
			r.logger.Error("failed to promote sent message", zap.Error(err),
				zap.String("message_id", entry.MessageID))
			return
		}
		r.logger.Info("message sent",
			zap.String("message_id", entry.MessageID),
			zap.Int64("sequence", seq))
		r.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStateChanged,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: entry.ConversationID,
				MessageID:      entry.MessageID,
				State:          string(store.StateSent),
				Sequence:       seq,
			},
		})

	case errs.IsRejected(err):
		r.logger.Warn("message rejected by remote",
			zap.String("message_id", entry.MessageID), zap.Error(err))
		r.retire(entry, err)

	default:
		attempts := entry.Attempts + 1
		if attempts >= r.policy.MaxAttempts {
			r.logger.Warn("retry budget exhausted",
				zap.String("message_id", entry.MessageID),
				zap.Int("attempts", attempts), zap.Error(err))
			r.retire(entry, err)
			return
		}
		delay := r.policy.DelayFor(attempts)
		if recErr := r.db.RecordRetry(entry.MessageID, err.Error(), time.Now().Add(delay).UnixMilli()); recErr != nil {
			r.logger.Error("failed to record retry", zap.Error(recErr),
				zap.String("message_id", entry.MessageID))
		}
	}
}

// retire fails an entry terminally and notifies observers so the UI can
// offer a manual retry or discard.
func (r *Retrier) retire(entry store.OutboxEntry, cause error) {
	if err := r.db.FailTerminal(entry.MessageID); err != nil {
		r.logger.Error("failed to retire outbox entry", zap.Error(err),
			zap.String("message_id", entry.MessageID))
		return
	}
	r.logger.Info("outbox entry failed terminally",
		zap.String("message_id", entry.MessageID),
		zap.NamedError("cause", cause))
	ref := bus.MessageRef{
		ConversationID: entry.ConversationID,
		MessageID:      entry.MessageID,
		State:          string(store.StateFailed),
	}
	r.bus.Publish(bus.Event{Kind: bus.KindOutboxFailed, Timestamp: time.Now(), Payload: ref})
	r.bus.Publish(bus.Event{Kind: bus.KindMessageStateChanged, Timestamp: time.Now(), Payload: ref})
}
