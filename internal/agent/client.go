// Package agent implements the Agent Stream Client: given one synthetic user
// turn and a set of options it runs a coding agent and yields the protocol
// messages it produces, terminating the turn.
//
// Two backends are provided. ClaudeClient drives the Claude Code CLI in
// stream-json mode; ACPClient drives any agent that speaks the Agent Client
// Protocol and translates its session updates into protocol messages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/transcript"
)

// Backend names accepted by New.
const (
	BackendClaude = "claude"
	BackendACP    = "acp"
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownBackend = errors.New("unknown agent backend")
	ErrNoTurn         = errors.New("request has no turn message")
)

// Options configures one query.
type Options struct {
	Cwd            string
	PermissionMode string
	AllowedTools   []string
	Model          string
	Thinking       string
	// Resume continues a previously assigned remote session id.
	Resume string
}

// Request is a single turn sent to the agent.
type Request struct {
	Turn    *protocol.UserMessage
	Options Options
}

// Client is the Agent Stream Client. The context passed to Query is the
// cancellation handle for the turn: cancelling it stops the agent, though a
// few messages may still be yielded before the sequence ends.
type Client interface {
	// Query runs one turn. The sequence yields messages in arrival order and
	// ends after the terminal result message, or with a single non-nil error.
	Query(ctx context.Context, req Request) iter.Seq2[protocol.Message, error]

	// LoadMessages returns the persisted transcript for sessionID, or an
	// empty list if none exists.
	LoadMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)
}

// ExitError reports an agent process that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, stderr)
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Command is the agent command line. Empty selects the backend default.
	Command string
	// Env holds extra KEY=VALUE pairs for the agent process.
	Env []string
}

// New creates the Client for cfg.Backend. Transcripts are loaded from store.
func New(cfg Config, store *transcript.Store) (Client, error) {
	switch cfg.Backend {
	case "", BackendClaude:
		return NewClaudeClient(cfg.Command, store, cfg.Env)
	case BackendACP:
		return NewACPClient(cfg.Command, store, cfg.Env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// loadFromStore is the LoadMessages implementation shared by the backends.
func loadFromStore(ctx context.Context, store *transcript.Store, sessionID string) ([]protocol.Message, error) {
	if store == nil {
		return []protocol.Message{}, nil
	}
	return store.Read(ctx, sessionID)
}

// errSeq is a sequence yielding a single error.
func errSeq(err error) iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		yield(nil, err)
	}
}

// tailBuffer keeps the last max bytes written to it. It captures agent
// stderr for ExitError without holding unbounded output.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
