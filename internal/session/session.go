// Package session implements the session lifecycle core: a Session owns one
// conversation, runs one agent turn at a time and fans its transcript out to
// subscribed clients; the Manager maps transport clients to sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/transcript"
)

var (
	ErrEmptyToolUseID = errors.New("tool use id is empty")
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrEmptySessionID = errors.New("session id is empty")
	ErrClosed         = errors.New("session closed")
)

// approval bundles the rules and matcher used for pending tool approvals.
// The Manager swaps it as a whole on config reload.
type approval struct {
	rules   ApprovalRules
	matcher *ApprovalMatcher
}

type sessionConfig struct {
	agent    agent.Client
	defaults DefaultsFunc
	approval func() *approval
	clock    Clock
	debounce time.Duration
	logger   *slog.Logger
}

// State is a snapshot of a session for listings.
type State struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId,omitempty"`
	IsBusy       bool      `json:"isBusy"`
	IsLoading    bool      `json:"isLoading"`
	Options      Options   `json:"options"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"messageCount"`
	Clients      int       `json:"clients"`
	LastModified time.Time `json:"lastModified"`
	LastError    string    `json:"lastError,omitempty"`
}

// Session is the in-memory coordinator of one conversation.
type Session struct {
	key       string
	cfg       sessionConfig
	ctx       context.Context
	cancel    context.CancelFunc
	debouncer *Debouncer
	logger    *slog.Logger
	createdAt time.Time

	mu             sync.Mutex
	id             string
	overrides      Patch
	messages       []protocol.Message
	busy           bool
	loading        bool
	loadedID       string
	loadingID      string
	clients        map[string]Client
	lastModified   time.Time
	summary        string
	lastErr        error
	cancelTurn     context.CancelFunc
	turnSeq        uint64
	interruptedSeq uint64
	lastTurn       chan struct{}
	delta          StateDelta
	closed         bool
}

func newSession(parent context.Context, cfg sessionConfig) *Session {
	if cfg.clock == nil {
		cfg.clock = RealClock{}
	}
	if cfg.logger == nil {
		cfg.logger = logging.Session()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		key:       uuid.NewString(),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: cfg.clock.Now(),
		clients:   make(map[string]Client),
	}
	s.logger = cfg.logger.With("session_key", s.key)
	s.debouncer = NewDebouncer(cfg.clock, cfg.debounce, s.flushState)
	return s
}

// Key is the local registry key, stable for the lifetime of the Session.
func (s *Session) Key() string { return s.key }

// ID returns the remote session id, or "" until the agent assigns one.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Options returns the effective options.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides.Effective(s.cfg.defaults)
}

// IsBusy reports whether a turn is in flight.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// IsLoading reports whether a transcript load is in flight.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Summary returns the first user prompt of the conversation.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// LastModified is updated on every turn completion and transcript load.
func (s *Session) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

// LastError returns the error recorded by the last failed turn or load.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PendingToolUse returns the interactive tool use awaiting a decision, if any.
func (s *Session) PendingToolUse() (PendingToolUse, bool) {
	rules := s.cfg.approval().rules
	s.mu.Lock()
	defer s.mu.Unlock()
	return FindPendingToolUse(s.messages, rules)
}

// HasClient reports whether the client with clientID is subscribed.
func (s *Session) HasClient(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[clientID]
	return ok
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Key:          s.key,
		SessionID:    s.id,
		IsBusy:       s.busy,
		IsLoading:    s.loading,
		Options:      s.overrides.Effective(s.cfg.defaults),
		Summary:      s.summary,
		MessageCount: len(s.messages),
		Clients:      len(s.clients),
		LastModified: s.lastModified,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// lastActivity is the later of the creation and last modification times.
func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastModified.After(s.createdAt) {
		return s.lastModified
	}
	return s.createdAt
}

// Send issues a free-text turn. It waits for any in-flight turn to finish
// first. If text is an approval phrase and a plan approval is pending, the
// turn becomes a tool result approving the plan instead.
//
// The returned error only reports validation failures, a closed session or
// ctx expiring while waiting for the previous turn. Turn failures are
// recorded in LastError.
func (s *Session) Send(ctx context.Context, text string, attachments ...Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptyPrompt
	}
	return s.runTurn(ctx, func() *protocol.UserMessage {
		if len(attachments) == 0 {
			if pending, ok := s.pendingPlanApproval(text); ok {
				s.logger.Info("treating reply as plan approval", "tool_use_id", pending.ID)
				return protocol.NewToolResult(pending.ID, ApprovedPlanText, false)
			}
		}
		return protocol.NewUserText(text, attachmentBlocks(attachments)...)
	})
}

// SendToolResult issues a turn answering the tool use toolUseID.
func (s *Session) SendToolResult(ctx context.Context, toolUseID, content string, isError bool) error {
	if strings.TrimSpace(toolUseID) == "" {
		return ErrEmptyToolUseID
	}
	return s.runTurn(ctx, func() *protocol.UserMessage {
		return protocol.NewToolResult(toolUseID, content, isError)
	})
}

func (s *Session) pendingPlanApproval(text string) (PendingToolUse, bool) {
	a := s.cfg.approval()
	if !a.matcher.Matches(text) {
		return PendingToolUse{}, false
	}
	s.mu.Lock()
	pending, ok := FindPendingToolUse(s.messages, a.rules)
	s.mu.Unlock()
	if !ok || !pending.IsPlan(a.rules) {
		return PendingToolUse{}, false
	}
	return pending, true
}

// runTurn serializes turns through a chain of completion channels: each call
// waits for the channel of the call queued before it and closes its own when
// its stream has drained.
func (s *Session) runTurn(ctx context.Context, build func() *protocol.UserMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.lastTurn
	done := make(chan struct{})
	s.lastTurn = done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Turns queued behind this one must still wait for prev.
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)

	turn := build()

	// The turn belongs to the session, not to the caller: a client going
	// away does not abort it.
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.turnSeq++
	seq := s.turnSeq
	s.cancelTurn = cancel
	s.lastErr = nil
	resume := s.id
	opts := s.overrides.Effective(s.cfg.defaults)
	turn.SessionID = s.id
	s.appendLocked(turn)
	s.setBusyLocked(true)
	s.mu.Unlock()

	log := logging.WithSession(s.logger, resume, opts.Cwd)
	log.Debug("starting turn", "seq", seq, "tool_result", turn.IsToolResult())

	sawErrorResult := false
	req := agent.Request{Turn: turn, Options: opts.agentOptions(resume)}
	for msg, err := range s.cfg.agent.Query(turnCtx, req) {
		if err != nil {
			s.recordTurnError(seq, err, sawErrorResult)
			break
		}
		if r, ok := msg.(*protocol.ResultMessage); ok && r.IsError {
			sawErrorResult = true
		}
		s.processIncomingMessage(msg)
	}

	s.mu.Lock()
	if s.turnSeq == seq {
		s.cancelTurn = nil
	}
	s.lastModified = s.cfg.clock.Now()
	s.setBusyLocked(false)
	s.mu.Unlock()

	log.Debug("turn finished", "seq", seq)
	return nil
}

func (s *Session) recordTurnError(seq uint64, err error, sawErrorResult bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == s.interruptedSeq && errors.Is(err, context.Canceled) {
		s.logger.Debug("turn interrupted", "seq", seq)
		return
	}
	if s.closed {
		return
	}
	var exitErr *agent.ExitError
	if errors.As(err, &exitErr) && sawErrorResult {
		// The result message already told the client why the turn failed.
		s.logger.Debug("suppressing exit error after error result", "code", exitErr.Code)
		return
	}
	s.logger.Warn("turn failed", "session_id", s.id, "error", err)
	s.lastErr = err
	text := err.Error()
	s.queueDeltaLocked(StateDelta{Error: &text})
}

// processIncomingMessage applies one agent message: it is appended and
// broadcast, a system/init message assigns the session id, and a result
// message ends the busy state.
func (s *Session) processIncomingMessage(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sys, ok := msg.(*protocol.SystemMessage); ok && sys.IsInit() {
		if sys.SessionID != "" && sys.SessionID != s.id {
			s.setIDLocked(sys.SessionID)
			// The live transcript is the transcript of this id now.
			s.loadedID = sys.SessionID
		}
	}

	s.appendLocked(msg)

	if _, ok := msg.(*protocol.ResultMessage); ok {
		s.lastModified = s.cfg.clock.Now()
		s.setBusyLocked(false)
	}
}

// ResumeFrom loads the persisted transcript of sessionID. It returns
// immediately if that transcript is already loaded or loading. A load error
// is recorded in LastError and not returned.
func (s *Session) ResumeFrom(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	s.mu.Lock()
	if s.loadedID == sessionID || s.loadingID == sessionID {
		s.mu.Unlock()
		return nil
	}
	if s.id != sessionID {
		s.setIDLocked(sessionID)
	}
	s.loadingID = sessionID
	s.setLoadingLocked(true)
	s.mu.Unlock()

	msgs, err := s.cfg.agent.LoadMessages(ctx, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadingID == sessionID {
		s.loadingID = ""
	}
	s.setLoadingLocked(false)

	if err != nil {
		// Recorded only; the transport surfaces it to the client that asked.
		s.lastErr = fmt.Errorf("failed to load transcript %s: %w", sessionID, err)
		s.logger.Warn("transcript load failed", "session_id", sessionID, "error", err)
		return nil
	}

	s.loadedID = sessionID
	s.lastModified = s.cfg.clock.Now()

	if len(msgs) == 0 {
		// Not persisted yet, typically a session created moments ago. Reset
		// quietly so clients do not flash an empty conversation, and keep
		// the messages of a turn already in flight.
		if !s.busy {
			s.messages = nil
		}
		return nil
	}

	s.messages = slices.Clone(msgs)
	if s.summary == "" {
		s.summary = transcript.FirstPrompt(msgs)
	}
	s.broadcastLocked(Event{
		Type:      EventMessagesUpdated,
		SessionID: sessionID,
		Messages:  slices.Clone(s.messages),
	})
	s.logger.Debug("transcript loaded", "session_id", sessionID, "messages", len(msgs))
	return nil
}

// SetOptions merges a partial option set and emits a debounced state change.
func (s *Session) SetOptions(patch Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = s.overrides.Merge(patch)
	eff := s.overrides.Effective(s.cfg.defaults)
	s.queueDeltaLocked(StateDelta{Options: &eff})
}

// Subscribe adds c to the subscribers and catches it up with the current
// state and, if a transcript is loaded, the full transcript.
func (s *Session) Subscribe(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.ID()] = c
	if s.id != "" && c.SessionID() != s.id {
		c.SetSessionID(s.id)
	}
	c.Deliver(Event{Type: EventStateChanged, SessionID: s.id, State: s.snapshotLocked()})
	if s.loadedID != "" || len(s.messages) > 0 {
		c.Deliver(Event{Type: EventMessagesUpdated, SessionID: s.id, Messages: slices.Clone(s.messages)})
	}
}

// Unsubscribe removes c. It is a no-op for clients not subscribed.
func (s *Session) Unsubscribe(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.ID())
}

// Interrupt cancels the in-flight turn and clears the busy state without
// waiting for the agent to stop. It reports whether a turn was running.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.cancelTurn != nil
	if running {
		s.cancelTurn()
		s.cancelTurn = nil
		s.interruptedSeq = s.turnSeq
		s.logger.Info("turn interrupted", "session_id", s.id, "seq", s.turnSeq)
	}
	s.setBusyLocked(false)
	return running
}

// FlushState emits pending state changes now instead of after the debounce delay.
func (s *Session) FlushState() {
	s.debouncer.Flush()
}

// Close cancels any turn and stops event delivery.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.clients = make(map[string]Client)
	s.mu.Unlock()
	s.cancel()
	s.debouncer.Stop()
}

func (s *Session) setIDLocked(id string) {
	s.logger.Debug("session id assigned", "old", s.id, "new", id)
	s.id = id
	for _, c := range s.clients {
		c.SetSessionID(id)
	}
}

func (s *Session) appendLocked(msg protocol.Message) {
	s.messages = append(s.messages, msg)
	if s.summary == "" {
		if um, ok := msg.(*protocol.UserMessage); ok && !um.IsToolResult() {
			s.summary = strings.TrimSpace(um.FirstText())
		}
	}
	s.broadcastLocked(Event{Type: EventMessageAdded, SessionID: s.id, Message: msg})
}

func (s *Session) broadcastLocked(ev Event) {
	for _, c := range s.clients {
		c.Deliver(ev)
	}
}

func (s *Session) setBusyLocked(v bool) {
	if s.busy == v {
		return
	}
	s.busy = v
	s.queueDeltaLocked(StateDelta{IsBusy: &v})
}

func (s *Session) setLoadingLocked(v bool) {
	if s.loading == v {
		return
	}
	s.loading = v
	s.queueDeltaLocked(StateDelta{IsLoading: &v})
}

func (s *Session) queueDeltaLocked(d StateDelta) {
	s.delta = s.delta.merge(d)
	s.debouncer.Trigger()
}

func (s *Session) snapshotLocked() *StateDelta {
	busy, loading := s.busy, s.loading
	opts := s.overrides.Effective(s.cfg.defaults)
	d := &StateDelta{IsBusy: &busy, IsLoading: &loading, Options: &opts}
	if s.lastErr != nil {
		text := s.lastErr.Error()
		d.Error = &text
	}
	return d
}

func (s *Session) flushState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delta.empty() {
		return
	}
	delta := s.delta
	s.delta = StateDelta{}
	s.broadcastLocked(Event{Type: EventStateChanged, SessionID: s.id, State: &delta})
}
