package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/session"
	"github.com/inercia/agentdeck/internal/web"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// Callbacks defines callbacks for connection events.
// All callbacks are optional; nil callbacks are ignored.
type Callbacks struct {
	// OnConnected is called once the server has accepted the connection.
	OnConnected func(clientID string)

	// OnMessage is called for every message appended to the session.
	OnMessage func(sessionID string, msg protocol.Message)

	// OnMessagesUpdated is called when the whole transcript is replaced,
	// typically after a resume.
	OnMessagesUpdated func(sessionID string, msgs []protocol.Message)

	// OnStateChanged is called with every partial state update.
	OnStateChanged func(sessionID string, state session.StateDelta)

	// OnError is called when the server reports an error.
	OnError func(code, message string)

	// OnDisconnected is called when the WebSocket connection is closed.
	OnDisconnected func(err error)
}

// Conn is a WebSocket connection to an agentdeck server.
// It is safe for concurrent use.
type Conn struct {
	conn      *websocket.Conn
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clientID string
	closed   bool
}

// Connect opens a WebSocket connection. A non-empty sessionID attaches the
// connection to that session, loading its transcript if it is not live.
func (c *Client) Connect(ctx context.Context, sessionID string, callbacks Callbacks) (*Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	if sessionID != "" {
		u.RawQuery = url.Values{"sessionId": {sessionID}}.Encode()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		conn:      ws,
		callbacks: callbacks,
		ctx:       connCtx,
		cancel:    cancel,
	}
	go conn.readLoop()
	return conn, nil
}

// ClientID returns the client id assigned by the server.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Chat sends a prompt to the connection's session.
func (c *Conn) Chat(text string, attachments ...session.Attachment) error {
	return c.send(web.WSMsgTypeChat, web.ChatData{Text: text, Attachments: attachments})
}

// ChatIn sends a prompt to sessionID, switching the connection to it.
func (c *Conn) ChatIn(sessionID, text string, attachments ...session.Attachment) error {
	return c.send(web.WSMsgTypeChat, web.ChatData{Text: text, Attachments: attachments, SessionID: sessionID})
}

// ToolResult answers a pending tool use.
func (c *Conn) ToolResult(toolUseID, content string, isError bool) error {
	return c.send(web.WSMsgTypeToolResult, web.ToolResultData{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	})
}

// SetOptions merges options into the session. Keys map to option names
// ("cwd", "model", ...); a nil value clears the key.
func (c *Conn) SetOptions(options map[string]any) error {
	return c.send(web.WSMsgTypeSetOptions, map[string]any{"options": options})
}

// Resume switches the connection to sessionID and loads its transcript.
func (c *Conn) Resume(sessionID string) error {
	return c.send(web.WSMsgTypeResume, web.SessionRef{SessionID: sessionID})
}

// Subscribe attaches the connection to sessionID without sending anything.
func (c *Conn) Subscribe(sessionID string) error {
	return c.send(web.WSMsgTypeSubscribe, web.SessionRef{SessionID: sessionID})
}

// Interrupt cancels the running turn.
func (c *Conn) Interrupt() error {
	return c.send(web.WSMsgTypeInterrupt, nil)
}

// Close closes the WebSocket connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close()
}

func (c *Conn) send(msgType string, data any) error {
	msg := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msgType, Data: data}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.conn.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
	}()

	for {
		var msg web.WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.callbacks.OnDisconnected != nil && c.ctx.Err() == nil {
				c.callbacks.OnDisconnected(err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Conn) handleMessage(msg web.WSMessage) {
	switch msg.Type {
	case web.WSMsgTypeConnected:
		var data web.ConnectedData
		if json.Unmarshal(msg.Data, &data) == nil {
			c.mu.Lock()
			c.clientID = data.ClientID
			c.mu.Unlock()
			if c.callbacks.OnConnected != nil {
				c.callbacks.OnConnected(data.ClientID)
			}
		}

	case web.WSMsgTypeMessageAdded:
		var data struct {
			SessionID string          `json:"sessionId"`
			Message   json.RawMessage `json:"message"`
		}
		if json.Unmarshal(msg.Data, &data) != nil {
			return
		}
		m, err := protocol.Decode(data.Message)
		if err == nil && c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(data.SessionID, m)
		}

	case web.WSMsgTypeMessagesUpdated:
		var data struct {
			SessionID string            `json:"sessionId"`
			Messages  []json.RawMessage `json:"messages"`
		}
		if json.Unmarshal(msg.Data, &data) != nil {
			return
		}
		msgs, err := decodeMessages(data.Messages)
		if err == nil && c.callbacks.OnMessagesUpdated != nil {
			c.callbacks.OnMessagesUpdated(data.SessionID, msgs)
		}

	case web.WSMsgTypeStateChanged:
		var data web.StateChangedData
		if json.Unmarshal(msg.Data, &data) == nil && data.SessionState != nil && c.callbacks.OnStateChanged != nil {
			c.callbacks.OnStateChanged(data.SessionID, *data.SessionState)
		}

	case web.WSMsgTypeError:
		var data web.ErrorData
		if json.Unmarshal(msg.Data, &data) == nil && c.callbacks.OnError != nil {
			c.callbacks.OnError(data.Code, data.Message)
		}
	}
}
