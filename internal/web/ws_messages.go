// Package web is the HTTP and WebSocket transport for agentdeck.
//
// # WebSocket Protocol
//
// Clients connect to /ws. Every message in either direction is a JSON
// envelope:
//
//	{
//	    "type": "message_type",
//	    "data": { ... }  // optional, type-specific payload
//	}
//
// A connection is bound to at most one session at a time. Inbound messages
// may carry a sessionId to select (or switch to) a session by its remote id.
package web

import (
	"encoding/json"

	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/session"
)

// WSMessage is the envelope of every WebSocket message.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseMessage parses raw message bytes into a WSMessage.
func ParseMessage(data []byte) (WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Client → server message types.
const (
	// WSMsgTypeChat sends a prompt.
	// Data: ChatData
	WSMsgTypeChat = "chat"

	// WSMsgTypeSetOptions merges a partial option set into the session.
	// Data: SetOptionsData
	WSMsgTypeSetOptions = "setSDKOptions"

	// WSMsgTypeResume switches to a persisted session and loads its transcript.
	// Data: SessionRef
	WSMsgTypeResume = "resume"

	// WSMsgTypeToolResult answers a pending tool use.
	// Data: ToolResultData
	WSMsgTypeToolResult = "toolResult"

	// WSMsgTypeInterrupt cancels the running turn.
	// Data: none
	WSMsgTypeInterrupt = "interrupt"

	// WSMsgTypeSubscribe attaches to a session without sending anything. The
	// transcript loads in the background.
	// Data: SessionRef (optional)
	WSMsgTypeSubscribe = "subscribe"
)

// Server → client message types.
const (
	// WSMsgTypeConnected is sent once after the upgrade.
	// Data: ConnectedData
	WSMsgTypeConnected = "connected"

	// WSMsgTypeMessageAdded carries one appended transcript entry.
	// Data: MessageAddedData
	WSMsgTypeMessageAdded = "message_added"

	// WSMsgTypeMessagesUpdated replaces the whole transcript.
	// Data: MessagesUpdatedData
	WSMsgTypeMessagesUpdated = "messages_updated"

	// WSMsgTypeStateChanged carries a partial session state.
	// Data: StateChangedData
	WSMsgTypeStateChanged = "session_state_changed"

	// WSMsgTypeError reports a rejected request or a failure.
	// Data: ErrorData
	WSMsgTypeError = "error"
)

// Error codes sent in ErrorData.
const (
	ErrCodeInvalidMessage = "invalid_message"
	ErrCodeUnknownType    = "unknown_type"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBusy           = "busy"
	ErrCodeLoadFailed     = "load_failed"
	ErrCodeSessionFailed  = "session_failed"
)

// SessionRef names a session by its remote id.
type SessionRef struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ChatData is the payload of WSMsgTypeChat.
type ChatData struct {
	Text        string               `json:"text"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
	SessionID   string               `json:"sessionId,omitempty"`
}

// SetOptionsData is the payload of WSMsgTypeSetOptions. Absent option keys
// are left alone; null or "" clears a key.
type SetOptionsData struct {
	Options   session.Patch `json:"options"`
	SessionID string        `json:"sessionId,omitempty"`
}

// ToolResultData is the payload of WSMsgTypeToolResult.
type ToolResultData struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ConnectedData is the payload of WSMsgTypeConnected.
type ConnectedData struct {
	ClientID string `json:"clientId"`
}

// MessageAddedData is the payload of WSMsgTypeMessageAdded.
type MessageAddedData struct {
	SessionID string           `json:"sessionId"`
	Message   protocol.Message `json:"message"`
}

// MessagesUpdatedData is the payload of WSMsgTypeMessagesUpdated.
type MessagesUpdatedData struct {
	SessionID string             `json:"sessionId"`
	Messages  []protocol.Message `json:"messages"`
}

// StateChangedData is the payload of WSMsgTypeStateChanged.
type StateChangedData struct {
	SessionID    string              `json:"sessionId"`
	SessionState *session.StateDelta `json:"sessionState"`
}

// ErrorData is the payload of WSMsgTypeError.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventEnvelope maps a session event to its outbound message type and payload.
func eventEnvelope(ev session.Event) (string, any) {
	switch ev.Type {
	case session.EventMessageAdded:
		return WSMsgTypeMessageAdded, MessageAddedData{SessionID: ev.SessionID, Message: ev.Message}
	case session.EventMessagesUpdated:
		msgs := ev.Messages
		if msgs == nil {
			msgs = []protocol.Message{}
		}
		return WSMsgTypeMessagesUpdated, MessagesUpdatedData{SessionID: ev.SessionID, Messages: msgs}
	case session.EventStateChanged:
		return WSMsgTypeStateChanged, StateChangedData{SessionID: ev.SessionID, SessionState: ev.State}
	default:
		return "", nil
	}
}
