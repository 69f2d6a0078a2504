package session

import "github.com/inercia/agentdeck/internal/protocol"

// EventType names an outbound session event.
type EventType string

const (
	EventMessageAdded    EventType = "message_added"
	EventMessagesUpdated EventType = "messages_updated"
	EventStateChanged    EventType = "session_state_changed"
)

// StateDelta is a partial session state. Nil fields did not change.
type StateDelta struct {
	IsBusy    *bool    `json:"isBusy,omitempty"`
	IsLoading *bool    `json:"isLoading,omitempty"`
	Options   *Options `json:"options,omitempty"`
	Error     *string  `json:"error,omitempty"`
}

func (d StateDelta) empty() bool {
	return d.IsBusy == nil && d.IsLoading == nil && d.Options == nil && d.Error == nil
}

// merge overlays the non-nil fields of next.
func (d StateDelta) merge(next StateDelta) StateDelta {
	if next.IsBusy != nil {
		d.IsBusy = next.IsBusy
	}
	if next.IsLoading != nil {
		d.IsLoading = next.IsLoading
	}
	if next.Options != nil {
		d.Options = next.Options
	}
	if next.Error != nil {
		d.Error = next.Error
	}
	return d
}

// Event is delivered to every client subscribed to a session.
type Event struct {
	Type      EventType
	SessionID string
	// Message is set for EventMessageAdded.
	Message protocol.Message
	// Messages is set for EventMessagesUpdated.
	Messages []protocol.Message
	// State is set for EventStateChanged.
	State *StateDelta
}

// Client is a transport connection attached to sessions.
//
// Deliver must not block: sessions call it while holding their lock so that
// events reach every client in append order.
type Client interface {
	ID() string
	// SessionID is the remote session id the client asks for, or "".
	SessionID() string
	SetSessionID(id string)
	Deliver(ev Event)
}
