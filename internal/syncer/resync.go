package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/pdromr/chatsync/internal/bus"
	"github.com/pdromr/chatsync/internal/store"
	"go.uber.org/zap"
)

// FullResync rebuilds a conversation's local view from the complete
// remote log. It is the recovery path of last resort, taken when the
// watermark token has expired or local state is corrupt, and is safe to
// repeat: messages merge by id and the watermark only moves forward.
func (e *Engine) FullResync(ctx context.Context, conversationID string) error {
	msgs, watermark, err := e.remote.FetchLog(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch remote log: %w", err)
	}

	localIDs, err := e.db.MessageIDs(conversationID)
	if err != nil {
		return fmt.Errorf("list local ids: %w", err)
	}

	missing := 0
	for i := range msgs {
		if _, ok := localIDs[msgs[i].ID]; !ok {
			missing++
		}
	}

	if err := e.ApplyBatch(conversationID, msgs, watermark); err != nil {
		return fmt.Errorf("apply remote log: %w", err)
	}

	e.logger.Info("full resync complete",
		zap.String("conversation_id", conversationID),
		zap.Int("remote_messages", len(msgs)),
		zap.Int("appended", missing))

	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncResync,
		Timestamp: time.Now(),
		Payload: bus.SyncProgress{
			ConversationID: conversationID,
			Applied:        missing,
		},
	})
	return nil
}

// EnsureConversation creates the conversation record if it is not known
// locally yet. Remote batches for unknown conversations auto-create it.
func (e *Engine) EnsureConversation(conversationID string, participantIDs []string) error {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv != nil {
		return nil
	}
	return e.db.UpsertConversation(&store.Conversation{
		ID:             conversationID,
		ParticipantIDs: participantIDs,
	})
}
