package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/session"
)

// maxQueuedTurns bounds the chat and tool result messages waiting for the
// turn worker of one connection.
const maxQueuedTurns = 16

// WSClient is one WebSocket connection. It implements session.Client.
//
// A reader goroutine decodes inbound envelopes. Requests that start a turn
// are handed to a per-connection worker, so a long turn never blocks the
// reader and an interrupt is always processed.
type WSClient struct {
	id      string
	conn    *WSConn
	manager *session.Manager
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	turns  chan func()

	mu        sync.Mutex
	sessionID string
}

func newWSClient(parent context.Context, conn *WSConn, manager *session.Manager, limiter *rate.Limiter, logger *slog.Logger) *WSClient {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &WSClient{
		id:      id,
		conn:    conn,
		manager: manager,
		limiter: limiter,
		logger:  logging.WithClient(logger, id, ""),
		ctx:     ctx,
		cancel:  cancel,
		turns:   make(chan func(), maxQueuedTurns),
	}
}

// ID implements session.Client.
func (c *WSClient) ID() string { return c.id }

// SessionID implements session.Client.
func (c *WSClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID implements session.Client.
func (c *WSClient) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Deliver implements session.Client. A client too slow to keep up with its
// send buffer is disconnected; it catches up with a full transcript when it
// reconnects.
func (c *WSClient) Deliver(ev session.Event) {
	msgType, data := eventEnvelope(ev)
	if msgType == "" {
		return
	}
	if !c.conn.SendMessage(msgType, data) {
		c.logger.Warn("client too slow, disconnecting")
		c.cancel()
	}
}

// run serves the connection until it closes.
func (c *WSClient) run() {
	go c.conn.WritePump(c.ctx)
	go c.turnWorker()

	c.conn.SendMessage(WSMsgTypeConnected, ConnectedData{ClientID: c.id})
	c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c)
		c.cancel()
		c.conn.ReleaseConnectionSlot()
		c.logger.Debug("websocket client disconnected")
	}()

	// Unblock ReadMessage when the client is cancelled from elsewhere.
	go func() {
		<-c.ctx.Done()
		c.conn.Close()
	}()

	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.conn.SendError(ErrCodeRateLimited, "too many messages")
			continue
		}
		msg, err := ParseMessage(raw)
		if err != nil || msg.Type == "" {
			c.conn.SendError(ErrCodeInvalidMessage, "invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) turnWorker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case turn := <-c.turns:
			turn()
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	switch msg.Type {
	case WSMsgTypeChat:
		var data ChatData
		if !c.decode(msg, &data) {
			return
		}
		if strings.TrimSpace(data.Text) == "" && len(data.Attachments) == 0 {
			c.conn.SendError(ErrCodeInvalidRequest, "empty message")
			return
		}
		c.selectSession(data.SessionID)
		// Resolved when the turn starts, so a resume handled meanwhile
		// redirects the queued turn to the session the client is on.
		c.enqueue(func() {
			c.reportSendError(c.manager.SendMessage(c.ctx, c, data.Text, data.Attachments...))
		})

	case WSMsgTypeToolResult:
		var data ToolResultData
		if !c.decode(msg, &data) {
			return
		}
		if strings.TrimSpace(data.ToolUseID) == "" {
			c.conn.SendError(ErrCodeInvalidRequest, "toolUseId is required")
			return
		}
		c.selectSession(data.SessionID)
		c.enqueue(func() {
			c.reportSendError(c.manager.SendToolResult(c.ctx, c, data.ToolUseID, data.Content, data.IsError))
		})

	case WSMsgTypeSetOptions:
		var data SetOptionsData
		if !c.decode(msg, &data) {
			return
		}
		c.selectSession(data.SessionID)
		if err := c.manager.SetOptions(c.ctx, c, data.Options); err != nil {
			c.conn.SendError(ErrCodeSessionFailed, err.Error())
		}

	case WSMsgTypeResume:
		var data SessionRef
		if !c.decode(msg, &data) {
			return
		}
		if data.SessionID == "" {
			c.conn.SendError(ErrCodeInvalidRequest, "sessionId is required")
			return
		}
		s, err := c.manager.Resume(c.ctx, c, data.SessionID)
		if err != nil {
			c.conn.SendError(ErrCodeSessionFailed, err.Error())
			return
		}
		if err := s.LastError(); err != nil {
			c.conn.SendError(ErrCodeLoadFailed, err.Error())
		}

	case WSMsgTypeSubscribe:
		var data SessionRef
		if len(msg.Data) > 0 && !c.decode(msg, &data) {
			return
		}
		c.selectSession(data.SessionID)
		c.session()

	case WSMsgTypeInterrupt:
		if _, err := c.manager.Interrupt(c); err != nil && !errors.Is(err, session.ErrNoSession) {
			c.conn.SendError(ErrCodeSessionFailed, err.Error())
		}

	default:
		c.conn.SendError(ErrCodeUnknownType, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) decode(msg WSMessage, v any) bool {
	if len(msg.Data) == 0 {
		msg.Data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.conn.SendError(ErrCodeInvalidMessage, "invalid "+msg.Type+" data: "+err.Error())
		return false
	}
	return true
}

// selectSession points the client at sessionID for the next lookup.
func (c *WSClient) selectSession(sessionID string) {
	if sessionID != "" {
		c.SetSessionID(sessionID)
	}
}

// session resolves and subscribes to the client's session, reporting
// failures to the client.
func (c *WSClient) session() (*session.Session, bool) {
	s, err := c.manager.Subscribe(c.ctx, c)
	if err != nil {
		c.conn.SendError(ErrCodeSessionFailed, err.Error())
		return nil, false
	}
	return s, true
}

func (c *WSClient) enqueue(turn func()) {
	select {
	case c.turns <- turn:
	default:
		c.conn.SendError(ErrCodeBusy, "too many queued messages")
	}
}

func (c *WSClient) reportSendError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && c.ctx.Err() != nil:
	default:
		c.conn.SendError(ErrCodeSessionFailed, err.Error())
	}
}
