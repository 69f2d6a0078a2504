package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/logging"
)

// DefaultStateDebounce is the window in which state changes are coalesced.
const DefaultStateDebounce = 50 * time.Millisecond

var (
	ErrSessionLimit = errors.New("session limit reached")
	ErrNoSession    = errors.New("client has no session")
)

// Config configures a Manager.
type Config struct {
	Agent    agent.Client
	Defaults DefaultsFunc

	// Rules and Phrases drive pending tool approval. Zero values select
	// DefaultApprovalRules and DefaultApprovalPhrases.
	Rules   ApprovalRules
	Phrases []string

	// StateDebounce defaults to DefaultStateDebounce.
	StateDebounce time.Duration
	// MaxSessions limits live sessions. Zero means no limit.
	MaxSessions int

	Clock  Clock
	Logger *slog.Logger
}

// Manager is the registry mapping transport clients to sessions. A client is
// subscribed to at most one session at a time.
//
// Lock order is Manager then Session.
type Manager struct {
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc
	approval atomic.Pointer[approval]
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by key
	bindings map[string]*Session // by client id
}

// NewManager creates a Manager. It panics if cfg.Agent is nil.
func NewManager(cfg Config) *Manager {
	if cfg.Agent == nil {
		panic("session: Config.Agent is nil")
	}
	if cfg.StateDebounce <= 0 {
		cfg.StateDebounce = DefaultStateDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Session()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		bindings: make(map[string]*Session),
	}
	m.SetApprovalRules(cfg.Rules, cfg.Phrases)
	return m
}

// SetApprovalRules replaces the approval rules and phrases for all sessions.
func (m *Manager) SetApprovalRules(rules ApprovalRules, phrases []string) {
	if len(rules.InteractiveTools) == 0 {
		rules = DefaultApprovalRules()
	}
	m.approval.Store(&approval{rules: rules, matcher: NewApprovalMatcher(phrases...)})
	m.logger.Debug("approval rules updated",
		"interactive_tools", rules.InteractiveTools,
		"placeholders", len(rules.Placeholders))
}

// ApprovalRules returns the rules in effect.
func (m *Manager) ApprovalRules() ApprovalRules {
	return m.approval.Load().rules
}

func (m *Manager) sessionConfig() sessionConfig {
	return sessionConfig{
		agent:    m.cfg.Agent,
		defaults: m.cfg.Defaults,
		approval: m.approval.Load,
		clock:    m.cfg.Clock,
		debounce: m.cfg.StateDebounce,
		logger:   m.logger,
	}
}

// GetOrCreateSession returns the session for c, in order: the session whose
// id c asks for, the session c is bound to, the session c is subscribed to,
// or a new one. A new session adopts the id c asks for and starts loading its
// transcript in the background. c ends up subscribed to the returned session
// only.
func (m *Manager) GetOrCreateSession(ctx context.Context, c Client) (*Session, error) {
	return m.resolve(c, false)
}

// Subscribe attaches c to its session like GetOrCreateSession, and catches c
// up with the session state and transcript even if it was attached already.
func (m *Manager) Subscribe(ctx context.Context, c Client) (*Session, error) {
	return m.resolve(c, true)
}

func (m *Manager) resolve(c Client, refresh bool) (*Session, error) {
	m.mu.Lock()
	s, created, err := m.getOrCreateLocked(c)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	attached := s.HasClient(c.ID())
	m.bindLocked(c, s)
	if refresh && attached {
		s.Subscribe(c)
	}
	m.mu.Unlock()

	if created {
		if id := s.ID(); id != "" {
			go func() {
				if err := s.ResumeFrom(m.ctx, id); err != nil {
					m.logger.Warn("background resume failed", "session_id", id, "error", err)
				}
			}()
		}
	}
	return s, nil
}

// Resume switches c to the session sessionID and loads its transcript
// before returning.
func (m *Manager) Resume(ctx context.Context, c Client, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	prevID := c.SessionID()
	c.SetSessionID(sessionID)

	m.mu.Lock()
	s, _, err := m.getOrCreateLocked(c)
	if err != nil {
		m.mu.Unlock()
		c.SetSessionID(prevID)
		return nil, err
	}
	m.bindLocked(c, s)
	m.mu.Unlock()

	if err := s.ResumeFrom(ctx, sessionID); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) getOrCreateLocked(c Client) (*Session, bool, error) {
	want := c.SessionID()
	if want != "" {
		if s := m.findByIDLocked(want); s != nil {
			return s, false, nil
		}
	}

	accept := func(s *Session) bool { return want == "" || s.ID() == want }

	if s, ok := m.bindings[c.ID()]; ok && accept(s) {
		return s, false, nil
	}
	for _, s := range m.sessions {
		if s.HasClient(c.ID()) && accept(s) {
			return s, false, nil
		}
	}

	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, false, ErrSessionLimit
	}
	s := newSession(m.ctx, m.sessionConfig())
	if want != "" {
		s.mu.Lock()
		s.id = want
		s.mu.Unlock()
	}
	m.sessions[s.key] = s
	m.logger.Info("session created", "session_key", s.key, "session_id", want, "client_id", c.ID())
	return s, true, nil
}

func (m *Manager) findByIDLocked(id string) *Session {
	for _, s := range m.sessions {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// bindLocked makes s the only session c is subscribed to.
func (m *Manager) bindLocked(c Client, s *Session) {
	for _, other := range m.sessions {
		if other != s {
			other.Unsubscribe(c)
		}
	}
	if !s.HasClient(c.ID()) {
		s.Subscribe(c)
	}
	m.bindings[c.ID()] = s
}

// Unsubscribe detaches c from every session.
func (m *Manager) Unsubscribe(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, c.ID())
	for _, s := range m.sessions {
		s.Unsubscribe(c)
	}
}

// SessionFor returns the session c is bound to.
func (m *Manager) SessionFor(c Client) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bindings[c.ID()]
	return s, ok
}

// Lookup returns the live session with the remote id sessionID.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findByIDLocked(sessionID)
	return s, s != nil
}

// SendMessage sends a free-text turn to the session of c.
func (m *Manager) SendMessage(ctx context.Context, c Client, text string, attachments ...Attachment) error {
	s, err := m.GetOrCreateSession(ctx, c)
	if err != nil {
		return err
	}
	return s.Send(ctx, text, attachments...)
}

// SendToolResult answers a tool use in the session of c.
func (m *Manager) SendToolResult(ctx context.Context, c Client, toolUseID, content string, isError bool) error {
	if toolUseID == "" {
		return ErrEmptyToolUseID
	}
	s, err := m.GetOrCreateSession(ctx, c)
	if err != nil {
		return err
	}
	return s.SendToolResult(ctx, toolUseID, content, isError)
}

// SetOptions applies a partial option set to the session of c.
func (m *Manager) SetOptions(ctx context.Context, c Client, patch Patch) error {
	s, err := m.GetOrCreateSession(ctx, c)
	if err != nil {
		return err
	}
	s.SetOptions(patch)
	return nil
}

// Interrupt cancels the turn running in the session of c.
func (m *Manager) Interrupt(c Client) (bool, error) {
	s, ok := m.SessionFor(c)
	if !ok {
		return false, ErrNoSession
	}
	return s.Interrupt(), nil
}

// Sessions returns a snapshot of every live session, most recently
// modified first.
func (m *Manager) Sessions() []State {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	states := make([]State, 0, len(list))
	for _, s := range list {
		states = append(states, s.State())
	}
	slices.SortFunc(states, func(a, b State) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return states
}

// Sweep closes sessions that have no subscribers, are not busy and have been
// idle longer than maxIdle. It returns the number of sessions closed.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := m.cfg.Clock.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []*Session
	for key, s := range m.sessions {
		st := s.State()
		if st.Clients > 0 || st.IsBusy || st.IsLoading {
			continue
		}
		if s.lastActivity().After(cutoff) {
			continue
		}
		delete(m.sessions, key)
		idle = append(idle, s)
	}
	for clientID, s := range m.bindings {
		if slices.Contains(idle, s) {
			delete(m.bindings, clientID)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Debug("closing idle session", "session_key", s.key, "session_id", s.ID())
		s.Close()
	}
	return len(idle)
}

// Close closes every session and cancels running turns.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.bindings = make(map[string]*Session)
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.Close()
	}
}
