// Package remote speaks to the backend's change feed and write API. The
// sync engine only depends on the Client interface; the production
// implementation uses a websocket feed plus HTTP JSON endpoints.
package remote

import (
	"context"

	"github.com/pdromr/chatsync/internal/store"
)

// Batch is one unit of remote change-feed output: messages in
// authoritative order plus the resume token valid after applying them.
type Batch struct {
	Messages  []store.Message `json:"messages"`
	Watermark string          `json:"watermark"`
}

// Feed is a long-lived change subscription for one conversation.
type Feed interface {
	// Next blocks until the next batch arrives. The first returned batch
	// may be empty: that is the server's subscription ack. Returns
	// errs.ErrWatermarkExpired when the resume token is no longer valid,
	// and a transient error on transport failure.
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Client is the remote write/subscribe API the sync engine consumes.
type Client interface {
	// OpenFeed subscribes to a conversation's change feed starting after
	// fromWatermark (empty = from the beginning).
	OpenFeed(ctx context.Context, conversationID, fromWatermark string) (Feed, error)

	// WriteMessage submits one message. On success it returns the
	// server-assigned sequence. Failures are classified: a RejectedError
	// is permanent, a TransientError should be retried.
	WriteMessage(ctx context.Context, m *store.Message) (int64, error)

	// FetchLog returns the complete remote log for a conversation plus
	// the current watermark. Used only by full resync.
	FetchLog(ctx context.Context, conversationID string) ([]store.Message, string, error)
}

// wireMessage is the JSON representation shared by the feed and the
// write API.
type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"`
	Sequence       int64  `json:"sequence,omitempty"`
	State          string `json:"state,omitempty"`
}

func (w wireMessage) toStore() store.Message {
	return store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		CreatedAt:      w.CreatedAt,
		Sequence:       w.Sequence,
		DeliveryState:  store.DeliveryState(w.State),
	}
}

func toWire(m *store.Message) wireMessage {
	return wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		Sequence:       m.Sequence,
		State:          string(m.DeliveryState),
	}
}
