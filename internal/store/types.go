package store

// DeliveryState is the lifecycle state of a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// rank orders the forward-only delivery states. failed is not ranked:
// it is a terminal branch reachable only from pending.
var rank = map[DeliveryState]int{
	StatePending:   0,
	StateSent:      1,
	StateDelivered: 2,
}

// Valid reports whether s is a known delivery state.
func (s DeliveryState) Valid() bool {
	_, ok := rank[s]
	return ok || s == StateFailed
}

// CanTransition reports whether a message may move from s to next.
// Allowed moves are any strictly forward step on pending->sent->delivered,
// plus pending->failed.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	if next == StateFailed {
		return s == StatePending
	}
	from, okFrom := rank[s]
	to, okTo := rank[next]
	return okFrom && okTo && to > from
}

// Message is one chat message. ID is assigned by the sender and is the
// idempotency key for every write and retry. Sequence is the
// server-assigned position within the conversation; 0 means not yet
// assigned.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      int64 // sender-local unix millis
	Sequence       int64
	DeliveryState  DeliveryState
}

// Conversation tracks how far the remote log has been integrated locally.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	LastSyncedSequence int64
	WatermarkToken     string
}

// OutboxEntry is a durable pending send. MessageID doubles as the client
// dedupe key.
type OutboxEntry struct {
	MessageID      string
	ConversationID string
	Attempts       int
	NextRetryAt    int64
	LastError      string
}
