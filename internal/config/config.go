// Package config handles configuration loading for agentdeck.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/appdir"
	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/session"
	"github.com/inercia/agentdeck/internal/transcript"
)

// PathEnv overrides the configuration file path.
const PathEnv = "AGENTDECK_CONFIG"

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	// Use "0.0.0.0" to listen on all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins lists extra origins allowed to open WebSockets.
	// Same-origin requests are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxMessageSize is the largest inbound WebSocket message, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// MaxConnectionsPerIP limits concurrent WebSockets from one address.
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
	// RateLimit is the sustained inbound messages per second per connection,
	// with bursts of up to RateBurst.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// AgentConfig selects the agent backend.
type AgentConfig struct {
	// Backend is "claude" (Claude Code CLI) or "acp".
	Backend string `yaml:"backend"`
	// Command overrides the backend's default command line.
	Command string `yaml:"command"`
	// TranscriptsDir is where persisted transcripts are read from
	// (default: ~/.claude/projects).
	TranscriptsDir string            `yaml:"transcripts_dir"`
	Env            map[string]string `yaml:"env"`
}

// DefaultsConfig holds the session options used when a client sets none.
type DefaultsConfig struct {
	Cwd            string   `yaml:"cwd"`
	Model          string   `yaml:"model"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
	Thinking       string   `yaml:"thinking"`
}

// ApprovalConfig configures pending tool approval detection. Omitted lists
// keep the built-in values; an explicit empty list disables them.
type ApprovalConfig struct {
	Phrases          []string `yaml:"phrases"`
	Placeholders     []string `yaml:"placeholders"`
	InteractiveTools []string `yaml:"interactive_tools"`
	PlanTools        []string `yaml:"plan_tools"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	StateDebounce time.Duration `yaml:"state_debounce"`
	// IdleTTL is how long an unsubscribed, idle session is kept.
	// Zero keeps sessions forever.
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
}

// LoggingConfig configures console and file logging.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	FileLevel  string   `yaml:"file_level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Compress   bool     `yaml:"compress"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Config represents the complete agentdeck configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Approval ApprovalConfig `yaml:"approval"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8089,
			MaxMessageSize:      16 << 20,
			MaxConnectionsPerIP: 10,
			RateLimit:           20,
			RateBurst:           40,
		},
		Agent: AgentConfig{
			Backend: agent.BackendClaude,
		},
		Session: SessionConfig{
			StateDebounce: session.DefaultStateDebounce,
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			MaxSessions:   100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// ResolvePath returns the configuration file path: explicit if set, else
// $AGENTDECK_CONFIG, else config.yaml in the data directory.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(PathEnv); env != "" {
		return env, nil
	}
	return appdir.ConfigPath()
}

// Load reads the configuration file at path. A missing file yields the
// built-in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Settings().Debug("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses YAML configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Agent.Backend {
	case agent.BackendClaude, agent.BackendACP:
	default:
		errs = append(errs, fmt.Errorf("agent.backend: unknown backend %q", c.Agent.Backend))
	}
	if c.Agent.Command != "" {
		if _, err := agent.ParseCommand(c.Agent.Command); err != nil {
			errs = append(errs, fmt.Errorf("agent.command: %w", err))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Server.MaxMessageSize < 0 {
		errs = append(errs, errors.New("server.max_message_size: must not be negative"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit: must not be negative"))
	}
	if c.Session.StateDebounce < 0 || c.Session.IdleTTL < 0 || c.Session.SweepInterval < 0 {
		errs = append(errs, errors.New("session: durations must not be negative"))
	}
	if c.Session.MaxSessions < 0 {
		errs = append(errs, errors.New("session.max_sessions: must not be negative"))
	}
	for _, lvl := range []string{c.Logging.Level, c.Logging.FileLevel} {
		if lvl != "" && !slices.Contains(validLevels, strings.ToLower(lvl)) {
			errs = append(errs, fmt.Errorf("logging: unknown level %q", lvl))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// AgentClientConfig returns the agent backend configuration.
func (c *Config) AgentClientConfig() agent.Config {
	keys := make([]string, 0, len(c.Agent.Env))
	for k := range c.Agent.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Agent.Env[k])
	}
	return agent.Config{Backend: c.Agent.Backend, Command: c.Agent.Command, Env: env}
}

// TranscriptStore returns the store persisted transcripts are read from.
func (c *Config) TranscriptStore() *transcript.Store {
	dir := c.Agent.TranscriptsDir
	if dir == "" {
		dir = transcript.DefaultDir()
	}
	return transcript.NewStore(dir)
}

// SessionDefaults returns the default session options.
func (c *Config) SessionDefaults() session.DefaultsFunc {
	return session.StaticDefaults(session.Options{
		Cwd:            c.Defaults.Cwd,
		PermissionMode: c.Defaults.PermissionMode,
		AllowedTools:   c.Defaults.AllowedTools,
		Model:          c.Defaults.Model,
		Thinking:       c.Defaults.Thinking,
	})
}

// ApprovalRules returns the pending tool approval rules.
func (c *Config) ApprovalRules() session.ApprovalRules {
	rules := session.DefaultApprovalRules()
	if c.Approval.InteractiveTools != nil {
		rules.InteractiveTools = c.Approval.InteractiveTools
	}
	if c.Approval.PlanTools != nil {
		rules.PlanTools = c.Approval.PlanTools
	}
	if c.Approval.Placeholders != nil {
		rules.Placeholders = c.Approval.Placeholders
	}
	return rules
}

// ApprovalPhrases returns the plan approval phrases, nil for the built-in ones.
func (c *Config) ApprovalPhrases() []string {
	return c.Approval.Phrases
}

// ManagerConfig returns the session manager configuration for agentClient.
func (c *Config) ManagerConfig(agentClient agent.Client) session.Config {
	return session.Config{
		Agent:         agentClient,
		Defaults:      c.SessionDefaults(),
		Rules:         c.ApprovalRules(),
		Phrases:       c.ApprovalPhrases(),
		StateDebounce: c.Session.StateDebounce,
		MaxSessions:   c.Session.MaxSessions,
		Logger:        logging.Session(),
	}
}

// LogConfig returns the logging configuration.
func (c *Config) LogConfig() logging.Config {
	lc := logging.Config{
		Level:      c.Logging.Level,
		FileLevel:  c.Logging.FileLevel,
		JSON:       c.Logging.JSON,
		Components: c.Logging.Components,
	}
	if c.Logging.File != "" {
		lc.FileLog = &logging.FileLogConfig{
			Path:       c.Logging.File,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			Compress:   c.Logging.Compress,
		}
	}
	return lc
}
