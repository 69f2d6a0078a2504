package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn wraps a WebSocket connection with a buffered, non-blocking send
// queue drained by WritePump, which also keeps the connection alive with pings.
type WSConn struct {
	conn     *websocket.Conn
	send     chan []byte
	config   WebSocketSecurityConfig
	logger   *slog.Logger
	clientIP string
	tracker  *ConnectionTracker
}

// WSConnConfig contains configuration for creating a new WSConn.
type WSConnConfig struct {
	Conn     *websocket.Conn
	Config   WebSocketSecurityConfig
	Logger   *slog.Logger
	ClientIP string
	Tracker  *ConnectionTracker
	SendSize int // default: 256
}

// NewWSConn creates a new WebSocket connection wrapper.
func NewWSConn(cfg WSConnConfig) *WSConn {
	sendSize := cfg.SendSize
	if sendSize <= 0 {
		sendSize = 256
	}
	configureWebSocketConn(cfg.Conn, cfg.Config)
	return &WSConn{
		conn:     cfg.Conn,
		send:     make(chan []byte, sendSize),
		config:   cfg.Config,
		logger:   cfg.Logger,
		clientIP: cfg.ClientIP,
		tracker:  cfg.Tracker,
	}
}

// SendMessage queues a typed envelope. It never blocks and reports false if
// the send buffer is full and the message was dropped.
func (w *WSConn) SendMessage(msgType string, data any) bool {
	msgBytes, err := encodeEnvelope(msgType, data)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to encode websocket message", "type", msgType, "error", err)
		}
		return true
	}
	select {
	case w.send <- msgBytes:
		return true
	default:
		if w.logger != nil {
			w.logger.Warn("websocket send buffer full, dropping message",
				"type", msgType, "client_ip", w.clientIP)
		}
		return false
	}
}

// SendError queues an error envelope.
func (w *WSConn) SendError(code, message string) {
	w.SendMessage(WSMsgTypeError, ErrorData{Code: code, Message: message})
}

// Close closes the underlying connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}

// ReleaseConnectionSlot releases the per-IP connection slot.
func (w *WSConn) ReleaseConnectionSlot() {
	if w.tracker != nil && w.clientIP != "" {
		w.tracker.Remove(w.clientIP)
	}
}

// WritePump drains the send queue to the connection and sends pings. It
// returns, closing the connection, when ctx is done or a write fails.
func (w *WSConn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(w.config.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			// Flush what is already queued so final errors reach the client.
			for {
				select {
				case message := <-w.send:
					w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
					if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
					w.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// ReadMessage reads a single message from the connection.
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, message, err := w.conn.ReadMessage()
	return message, err
}

func encodeEnvelope(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(WSMessage{Type: msgType, Data: raw})
}
