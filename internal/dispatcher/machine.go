package dispatcher

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pdromr/chatsync/internal/bus"
)

// State represents a conversation feed's connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Subscribed   State = "SUBSCRIBED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Subscribed, Disconnected},
	Subscribed:   {Disconnected},
}

// Machine tracks and enforces one conversation's feed state transitions.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

// NewMachine creates a state machine for a conversation, starting
// Disconnected.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		current:        Disconnected,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindFeedStateChanged,
			Timestamp: time.Now(),
			Payload: StateChange{
				ConversationID: m.conversationID,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// StateChange is the payload for feed state change events.
type StateChange struct {
	ConversationID string
	From           State
	To             State
}
