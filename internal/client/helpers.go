package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/inercia/agentdeck/internal/protocol"
)

// PromptResult contains the outcome of one prompt.
type PromptResult struct {
	// SessionID is the remote session id the agent assigned or resumed.
	SessionID string

	// Messages contains every message appended during the turn, starting
	// with the prompt itself.
	Messages []protocol.Message

	// Result is the terminal result message.
	Result *protocol.ResultMessage
}

// Text returns the assistant text of the turn.
func (r *PromptResult) Text() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Kind() != protocol.KindAssistant {
			continue
		}
		if t := protocol.PlainText(m); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool invocations made during the turn.
func (r *PromptResult) ToolUses() []protocol.ToolUseBlock {
	var out []protocol.ToolUseBlock
	for _, m := range r.Messages {
		for _, b := range protocol.Blocks(m) {
			if tu, ok := b.(protocol.ToolUseBlock); ok {
				out = append(out, tu)
			}
		}
	}
	return out
}

// ServerError is an error envelope sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PromptAndWait sends a prompt and waits for its turn to complete.
// It opens a new connection, attached to sessionID when not empty, and
// closes it when the function returns. The turn is complete when the next
// result message arrives.
func (c *Client) PromptAndWait(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	result := &PromptResult{SessionID: sessionID}
	var (
		mu        sync.Mutex
		once      sync.Once
		finishErr error
	)
	done := make(chan struct{})
	connected := make(chan struct{})
	finish := func(err error) {
		once.Do(func() {
			finishErr = err
			close(done)
		})
	}

	conn, err := c.Connect(ctx, sessionID, Callbacks{
		OnConnected: func(string) {
			close(connected)
		},
		OnMessage: func(sid string, msg protocol.Message) {
			mu.Lock()
			result.Messages = append(result.Messages, msg)
			if sid != "" {
				result.SessionID = sid
			}
			r, isResult := msg.(*protocol.ResultMessage)
			if isResult {
				result.Result = r
			}
			mu.Unlock()
			if isResult {
				finish(nil)
			}
		},
		OnError: func(code, message string) {
			finish(&ServerError{Code: code, Message: message})
		},
		OnDisconnected: func(err error) {
			finish(fmt.Errorf("disconnected: %w", err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	select {
	case <-connected:
	case <-done:
		return nil, finishErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := conn.Chat(text); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		finish(ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	return result, finishErr
}
