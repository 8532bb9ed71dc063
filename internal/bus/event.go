package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, e.g. "message."
// receives every message event.
const (
	KindMessageAppended     = "message.appended"
	KindMessageStateChanged = "message.state_changed"
	KindSyncProgress        = "sync.progress"
	KindSyncResync          = "sync.full_resync"
	KindFeedStateChanged    = "feed.state_changed"
	KindOutboxFailed        = "outbox.failed"
	KindStoreCorrupt        = "store.corrupt"
)

// MessageRef identifies a message in message.* event payloads.
type MessageRef struct {
	ConversationID string
	MessageID      string
	State          string
	Sequence       int64
}

// SyncProgress is the payload for sync.progress events.
type SyncProgress struct {
	ConversationID     string
	LastSyncedSequence int64
	Applied            int
}
