package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/session"
)

func TestParse_ValidConfig(t *testing.T) {
	yaml := `
server:
  host: "0.0.0.0"
  port: 9000
  allowed_origins: ["https://deck.example.com"]
agent:
  backend: acp
  command: "my-agent --acp"
  env:
    B: "2"
    A: "1"
defaults:
  cwd: /work
  model: opus
  permission_mode: plan
  allowed_tools: [Read, "Bash(git:*)"]
session:
  state_debounce: 20ms
  idle_ttl: 1h
  max_sessions: 5
logging:
  level: debug
  file: /tmp/agentdeck.log
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.RateLimit != 20 {
		t.Errorf("RateLimit = %v, want the default to survive", cfg.Server.RateLimit)
	}

	ac := cfg.AgentClientConfig()
	if ac.Backend != agent.BackendACP || ac.Command != "my-agent --acp" {
		t.Errorf("agent config = %+v", ac)
	}
	if !slices.Equal(ac.Env, []string{"A=1", "B=2"}) {
		t.Errorf("Env = %v, want sorted KEY=VALUE pairs", ac.Env)
	}

	if cfg.Session.StateDebounce != 20*time.Millisecond || cfg.Session.IdleTTL != time.Hour {
		t.Errorf("session durations = %+v", cfg.Session)
	}
	if cfg.Session.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want the default", cfg.Session.SweepInterval)
	}

	defaults := cfg.SessionDefaults()("")
	if defaults.Cwd != "/work" || defaults.Model != "opus" || defaults.PermissionMode != "plan" {
		t.Errorf("defaults = %+v", defaults)
	}
	if got := cfg.SessionDefaults()("/elsewhere").Cwd; got != "/elsewhere" {
		t.Errorf("explicit cwd = %q", got)
	}

	lc := cfg.LogConfig()
	if lc.Level != "debug" || lc.FileLog == nil || lc.FileLog.Path != "/tmp/agentdeck.log" || lc.FileLog.MaxBackups != 3 {
		t.Errorf("log config = %+v", lc)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) = %v", err)
	}
	def := Default()
	if cfg.Addr() != def.Addr() || cfg.Agent.Backend != agent.BackendClaude {
		t.Errorf("empty config = %+v, want defaults", cfg)
	}
	if cfg.LogConfig().FileLog != nil {
		t.Error("file logging should be off by default")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "server: [", "failed to parse"},
		{"unknown backend", "agent:\n  backend: gpt\n", "unknown backend"},
		{"bad port", "server:\n  port: 70000\n", "out of range"},
		{"bad duration", "session:\n  idle_ttl: soon\n", "failed to parse"},
		{"negative duration", "session:\n  state_debounce: -1s\n", "must not be negative"},
		{"bad level", "logging:\n  level: loud\n", "unknown level"},
		{"bad command", "agent:\n  command: \"claude 'unterminated\"\n", "agent.command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestApprovalRules(t *testing.T) {
	tests := []struct {
		name             string
		yaml             string
		wantPlaceholders int
		wantInteractive  []string
		wantPhrases      []string
	}{
		{
			name:             "defaults",
			yaml:             "",
			wantPlaceholders: len(session.DefaultApprovalRules().Placeholders),
			wantInteractive:  session.DefaultApprovalRules().InteractiveTools,
		},
		{
			name:             "overrides",
			yaml:             "approval:\n  phrases: [go]\n  placeholders: [\"Proceed?\"]\n  interactive_tools: [ExitPlanMode]\n",
			wantPlaceholders: 1,
			wantInteractive:  []string{"ExitPlanMode"},
			wantPhrases:      []string{"go"},
		},
		{
			name:             "explicitly empty placeholders",
			yaml:             "approval:\n  placeholders: []\n",
			wantPlaceholders: 0,
			wantInteractive:  session.DefaultApprovalRules().InteractiveTools,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			rules := cfg.ApprovalRules()
			if len(rules.Placeholders) != tt.wantPlaceholders {
				t.Errorf("placeholders = %v", rules.Placeholders)
			}
			if !slices.Equal(rules.InteractiveTools, tt.wantInteractive) {
				t.Errorf("interactive tools = %v", rules.InteractiveTools)
			}
			if !slices.Equal(cfg.ApprovalPhrases(), tt.wantPhrases) {
				t.Errorf("phrases = %v", cfg.ApprovalPhrases())
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) = %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("missing file should yield defaults, got port %d", cfg.Server.Port)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("port = %d, want 1234", cfg.Server.Port)
	}

	if err := os.WriteFile(path, []byte("agent:\n  backend: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("Load(invalid) = %v, want an error naming the file", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(PathEnv, "/from/env.yaml")
	if got, _ := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	if got, _ := ResolvePath(""); got != "/from/env.yaml" {
		t.Errorf("env path = %q", got)
	}
}

func TestManagerConfig(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  max_sessions: 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	mc := cfg.ManagerConfig(nil)
	if mc.MaxSessions != 3 || mc.StateDebounce != session.DefaultStateDebounce {
		t.Errorf("manager config = %+v", mc)
	}
	if mc.Defaults == nil {
		t.Error("defaults func missing")
	}
}
