package web

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSecurityConfig holds security configuration for WebSocket connections.
type WebSocketSecurityConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket connections.
	// If empty, only same-origin requests are allowed.
	// Use "*" to allow all origins (not recommended).
	AllowedOrigins []string

	// MaxMessageSize is the maximum size of an inbound message in bytes.
	MaxMessageSize int64

	// MaxConnectionsPerIP is the maximum number of concurrent connections per IP.
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	WriteWait time.Duration
}

// DefaultWebSocketSecurityConfig returns sensible defaults.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		MaxMessageSize:      16 << 20, // attachments travel inline
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultWebSocketSecurityConfig.
func (c WebSocketSecurityConfig) withDefaults() WebSocketSecurityConfig {
	def := DefaultWebSocketSecurityConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	return c
}

// ConnectionTracker tracks WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a connection slot for ip. It returns false if the limit
// is reached.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	current := ct.connections[ip]
	if current >= ct.maxPerIP {
		return false
	}
	ct.connections[ip] = current + 1
	return true
}

// Remove releases a connection slot for ip.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	current := ct.connections[ip]
	if current <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip] = current - 1
	}
}

// Count returns the current connection count for ip.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.connections[ip]
}

// TotalConnections returns the number of tracked connections.
func (ct *ConnectionTracker) TotalConnections() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	total := 0
	for _, n := range ct.connections {
		total += n
	}
	return total
}

func newUpgrader(cfg WebSocketSecurityConfig, logger *slog.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     createOriginChecker(cfg.AllowedOrigins, logger),
	}
}

// createOriginChecker returns a function validating WebSocket origins:
// requests without an Origin header (non-browser clients) and same-origin
// requests pass, anything else must be in allowedOrigins.
func createOriginChecker(allowedOrigins []string, logger *slog.Logger) func(*http.Request) bool {
	allowed := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowed[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		result := func(ok bool, reason string) bool {
			if logger != nil {
				logger.Debug("websocket origin check",
					"origin", origin, "host", r.Host, "allowed", ok, "reason", reason)
			}
			return ok
		}

		if origin == "" {
			return result(true, "no origin header")
		}
		if allowAll {
			return result(true, "all origins allowed")
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return result(false, "unparseable origin")
		}
		if allowed[strings.ToLower(origin)] || allowed[strings.ToLower(originURL.Host)] {
			return result(true, "origin in allowlist")
		}
		if isSameOrigin(r, originURL) {
			return result(true, "same origin")
		}
		return result(false, "cross origin")
	}
}

// isSameOrigin reports whether originURL names the host and port the
// request was sent to.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHost, requestPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		requestHost, requestPort = r.Host, ""
	}
	originHost, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		originHost, originPort = originURL.Host, ""
	}
	if !strings.EqualFold(requestHost, originHost) {
		return false
	}
	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}
	// Behind a reverse proxy the request host may carry no port.
	if requestPort == "" {
		return true
	}
	return requestPort == originPort
}

// configureWebSocketConn applies the read limit and keepalive deadlines.
func configureWebSocketConn(conn *websocket.Conn, cfg WebSocketSecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
}

// clientIP returns the remote address of r without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
