package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/session"
	"github.com/inercia/agentdeck/internal/transcript"
)

// ErrNotFound is returned for sessions the server does not know.
var ErrNotFound = errors.New("session not found")

// Client provides HTTP methods for the agentdeck API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a new client.
// baseURL is the server address (e.g., "http://localhost:8089").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionList is the response of ListSessions.
type SessionList struct {
	Live        []session.State      `json:"live"`
	Transcripts []transcript.Summary `json:"transcripts"`
}

// SessionDetail is the response of GetSession. Live is nil for sessions
// only known from their transcript.
type SessionDetail struct {
	SessionID string
	Live      *session.State
	Messages  []protocol.Message
	Pending   *session.PendingToolUse
}

// Health is the response of Health.
type Health struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Connections int    `json:"connections"`
	Sessions    struct {
		Live int `json:"live"`
		Busy int `json:"busy"`
	} `json:"sessions"`
}

// ListSessions returns the live sessions and the persisted transcripts.
func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	var list SessionList
	if err := c.getJSON(ctx, "/api/sessions", &list); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &list, nil
}

// GetSession returns the transcript and state of one session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var raw struct {
		SessionID string                  `json:"sessionId"`
		Live      *session.State          `json:"live"`
		Messages  []json.RawMessage       `json:"messages"`
		Pending   *session.PendingToolUse `json:"pendingToolUse"`
	}
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID), &raw); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	msgs, err := decodeMessages(raw.Messages)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &SessionDetail{
		SessionID: raw.SessionID,
		Live:      raw.Live,
		Messages:  msgs,
		Pending:   raw.Pending,
	}, nil
}

// Health reports the server health. A server shutting down answers with
// Status "unhealthy" and no error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("health: decode: %w", err)
	}
	return &h, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// decodeMessages decodes protocol messages, skipping kinds this client
// does not model.
func decodeMessages(raws []json.RawMessage) ([]protocol.Message, error) {
	msgs := make([]protocol.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := protocol.Decode(raw)
		if errors.Is(err, protocol.ErrUnknownKind) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
