// Package protocol defines the agent protocol messages exchanged with the
// Agent Stream Client and stored in transcripts.
//
// # Wire format
//
// Every message is one JSON object with a "type" discriminator, matching the
// stream-json output of the Claude Code CLI and the records of its transcript
// files:
//
//	{"type":"system","subtype":"init","session_id":"...","cwd":"...","model":"..."}
//	{"type":"user","session_id":"...","message":{"role":"user","content":[...]}}
//	{"type":"assistant","session_id":"...","message":{"role":"assistant","content":[...]}}
//	{"type":"result","subtype":"success","is_error":false,"result":"..."}
//
// Messages are modelled as a closed sum type: Message is implemented only by
// the four concrete types in this package, and content blocks likewise by the
// block types in blocks.go. Consumers switch on the concrete type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the top-level discriminator of a protocol message.
type Kind string

const (
	KindSystem    Kind = "system"
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindResult    Kind = "result"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Result message subtypes.
const (
	SubtypeSuccess              = "success"
	SubtypeErrorDuringExecution = "error_during_execution"
	SubtypeErrorMaxTurns        = "error_max_turns"
)

// ErrUnknownKind is returned by Decode for records whose type is not one of
// the protocol message kinds (transcripts also carry summaries and other
// bookkeeping records).
var ErrUnknownKind = errors.New("unknown message kind")

// Message is one protocol message. It is implemented by *SystemMessage,
// *UserMessage, *AssistantMessage and *ResultMessage.
type Message interface {
	Kind() Kind
	GetSessionID() string
	isMessage()
}

// Header holds the fields shared by every message kind.
type Header struct {
	UUID      string `json:"uuid,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// GetSessionID returns the remote session id carried by the message.
func (h Header) GetSessionID() string { return h.SessionID }

// SystemMessage is emitted by the agent at the start of a turn. The init
// subtype carries the session id assigned by the agent.
type SystemMessage struct {
	Header
	Subtype        string   `json:"subtype"`
	Cwd            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// UserMessage is a user turn: free text, attachments, or tool results.
type UserMessage struct {
	Header
	ParentToolUseID string
	Content         []ContentBlock
}

// AssistantMessage is one assistant response message.
type AssistantMessage struct {
	Header
	MessageID  string
	Model      string
	StopReason string
	Content    []ContentBlock
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Header
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

func (*SystemMessage) Kind() Kind    { return KindSystem }
func (*UserMessage) Kind() Kind      { return KindUser }
func (*AssistantMessage) Kind() Kind { return KindAssistant }
func (*ResultMessage) Kind() Kind    { return KindResult }

func (*SystemMessage) isMessage()    {}
func (*UserMessage) isMessage()      {}
func (*AssistantMessage) isMessage() {}
func (*ResultMessage) isMessage()    {}

// IsInit reports whether this is the system/init message of a turn.
func (m *SystemMessage) IsInit() bool { return m.Subtype == SubtypeInit }

// ErrorText returns a human readable description of a failed result.
func (m *ResultMessage) ErrorText() string {
	if !m.IsError {
		return ""
	}
	if m.Result != "" {
		return m.Result
	}
	return "agent reported " + m.Subtype
}

// body is the nested "message" object of user and assistant records.
type body struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content"`
}

func (m *SystemMessage) MarshalJSON() ([]byte, error) {
	type alias SystemMessage
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindSystem, (*alias)(m)})
}

func (m *ResultMessage) MarshalJSON() ([]byte, error) {
	type alias ResultMessage
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindResult, (*alias)(m)})
}

func (m *UserMessage) MarshalJSON() ([]byte, error) {
	content, err := marshalBlocks(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type Kind `json:"type"`
		Header
		ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
		Message         body   `json:"message"`
	}{KindUser, m.Header, m.ParentToolUseID, body{Role: "user", Content: content}})
}

func (m *UserMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Header
		ParentToolUseID *string `json:"parent_tool_use_id"`
		Message         body    `json:"message"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return fmt.Errorf("user message content: %w", err)
	}
	m.Header = w.Header
	m.Content = blocks
	m.ParentToolUseID = ""
	if w.ParentToolUseID != nil {
		m.ParentToolUseID = *w.ParentToolUseID
	}
	return nil
}

func (m *AssistantMessage) MarshalJSON() ([]byte, error) {
	content, err := marshalBlocks(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type Kind `json:"type"`
		Header
		Message body `json:"message"`
	}{KindAssistant, m.Header, body{
		ID:         m.MessageID,
		Role:       "assistant",
		Model:      m.Model,
		StopReason: m.StopReason,
		Content:    content,
	}})
}

func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Header
		Message body `json:"message"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return fmt.Errorf("assistant message content: %w", err)
	}
	m.Header = w.Header
	m.MessageID = w.Message.ID
	m.Model = w.Message.Model
	m.StopReason = w.Message.StopReason
	m.Content = blocks
	return nil
}

// Decode parses one JSON record into a Message. Records of any other type
// yield ErrUnknownKind.
func Decode(data []byte) (Message, error) {
	var peek struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, err
	}

	var msg Message
	switch peek.Type {
	case KindSystem:
		msg = &SystemMessage{}
	case KindUser:
		msg = &UserMessage{}
	case KindAssistant:
		msg = &AssistantMessage{}
	case KindResult:
		msg = &ResultMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, peek.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", peek.Type, err)
	}
	return msg, nil
}

// Blocks returns the content blocks of user and assistant messages, and nil
// for the other kinds.
func Blocks(m Message) []ContentBlock {
	switch m := m.(type) {
	case *UserMessage:
		return m.Content
	case *AssistantMessage:
		return m.Content
	}
	return nil
}

// PlainText joins the text blocks of a user or assistant message with
// newlines. Results yield their result text.
func PlainText(m Message) string {
	if r, ok := m.(*ResultMessage); ok {
		return r.Result
	}
	var parts []string
	for _, b := range Blocks(m) {
		if t, ok := b.(TextBlock); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// FirstText returns the text of the first text block, or "".
func (m *UserMessage) FirstText() string {
	for _, b := range m.Content {
		if t, ok := b.(TextBlock); ok {
			return t.Text
		}
	}
	return ""
}

// IsToolResult reports whether the message carries at least one tool result.
func (m *UserMessage) IsToolResult() bool {
	for _, b := range m.Content {
		if _, ok := b.(ToolResultBlock); ok {
			return true
		}
	}
	return false
}

// NewUserText builds a synthetic user turn with a text block followed by any
// extra blocks (attachments).
func NewUserText(text string, extra ...ContentBlock) *UserMessage {
	content := make([]ContentBlock, 0, len(extra)+1)
	if text != "" {
		content = append(content, TextBlock{Text: text})
	}
	content = append(content, extra...)
	return &UserMessage{Header: NewHeader(""), Content: content}
}

// NewToolResult builds a synthetic user turn carrying a single tool result.
func NewToolResult(toolUseID, content string, isError bool) *UserMessage {
	return &UserMessage{
		Header: NewHeader(""),
		Content: []ContentBlock{ToolResultBlock{
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		}},
	}
}

// NewHeader returns a header with a fresh uuid and the current timestamp.
func NewHeader(sessionID string) Header {
	return Header{
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
