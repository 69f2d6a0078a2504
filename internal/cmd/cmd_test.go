package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/appdir"
	"github.com/inercia/agentdeck/internal/config"
	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/transcript"
)

func TestHumanAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		if got := humanAge(tt.d); got != tt.want {
			t.Errorf("humanAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestOneLine(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"two\nlines  here", 20, "two lines here"},
		{"abcdefghijkl", 8, "abcde..."},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := oneLine(tt.in, tt.limit); got != tt.want {
			t.Errorf("oneLine(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestPrintSessions(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := printSessions(&buf, []transcript.Summary{
		{SessionID: "abc", MessageCount: 4, LastModified: now.Add(-2 * time.Hour), Summary: "fix the\nbug"},
		{SessionID: "def", MessageCount: 1, LastModified: now},
	}, now)
	if err != nil {
		t.Fatalf("printSessions() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "SESSION") {
		t.Errorf("header = %q", lines[0])
	}
	for _, want := range []string{"abc", "2h ago", "fix the bug"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q does not contain %q", lines[1], want)
		}
	}

	buf.Reset()
	printSessions(&buf, nil, now)
	if !strings.Contains(buf.String(), "No sessions found") {
		t.Errorf("empty listing = %q", buf.String())
	}
}

func TestPrintTranscript(t *testing.T) {
	h := protocol.Header{SessionID: "s1"}
	msgs := []protocol.Message{
		&protocol.SystemMessage{Header: h, Subtype: protocol.SubtypeInit, Model: "opus"},
		&protocol.UserMessage{Header: h, Content: []protocol.ContentBlock{protocol.TextBlock{Text: "hello\nworld"}}},
		&protocol.AssistantMessage{Header: h, Content: []protocol.ContentBlock{
			protocol.ToolUseBlock{ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
		}},
		&protocol.UserMessage{Header: h, Content: []protocol.ContentBlock{
			protocol.ToolResultBlock{ToolUseID: "tu-1", Content: "a.go", IsError: true},
		}},
		&protocol.ResultMessage{Header: h, Subtype: protocol.SubtypeSuccess},
	}

	var buf bytes.Buffer
	printTranscript(&buf, msgs)
	got := buf.String()
	for _, want := range []string{
		"--- session s1 (opus) ---",
		"[user] hello\n    world",
		`[assistant] tool_use Bash (tu-1) {"command":"ls"}`,
		"[user] tool_result tu-1 error: a.go",
		"[result] success",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output does not contain %q:\n%s", want, got)
		}
	}
}

func TestApplyServeFlags(t *testing.T) {
	c := &cobra.Command{}
	c.Flags().StringVar(&serveHost, "host", "", "")
	c.Flags().IntVar(&servePort, "port", 0, "")
	c.Flags().StringVar(&serveBackend, "backend", "", "")
	c.Flags().StringVar(&serveCommand, "command", "", "")
	if err := c.Flags().Parse([]string{"--port", "0", "--backend", "acp"}); err != nil {
		t.Fatal(err)
	}

	conf := config.Default()
	conf.Server.Host = "0.0.0.0"
	if err := applyServeFlags(c, conf); err != nil {
		t.Fatalf("applyServeFlags() error = %v", err)
	}
	if conf.Server.Port != 0 {
		t.Errorf("Port = %d, want 0", conf.Server.Port)
	}
	if conf.Agent.Backend != "acp" {
		t.Errorf("Backend = %q, want acp", conf.Agent.Backend)
	}
	if conf.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, unset flag should keep the config value", conf.Server.Host)
	}

	if err := c.Flags().Set("backend", "bogus"); err != nil {
		t.Fatal(err)
	}
	if err := applyServeFlags(c, config.Default()); err == nil {
		t.Error("applyServeFlags() with an unknown backend should fail")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" web, ,session ,")
	if len(got) != 2 || got[0] != "web" || got[1] != "session" {
		t.Errorf("splitList() = %q", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func TestApplyLogFlags(t *testing.T) {
	defer func() {
		debugFlag, logLevel = false, ""
	}()

	tests := []struct {
		name  string
		debug bool
		level string
		want  string
	}{
		{"config level kept", false, "", "warn"},
		{"debug flag", true, "", "debug"},
		{"log-level wins over debug", true, "error", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			debugFlag, logLevel = tt.debug, tt.level
			c := config.Default()
			c.Logging.Level = "warn"
			applyLogFlags(c)
			if c.Logging.Level != tt.want {
				t.Errorf("Logging.Level = %q, want %q", c.Logging.Level, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	defer func(v string) { Version = v }(Version)

	Version = "v1.2.3"
	if got := version(); got != "v1.2.3" {
		t.Errorf("version() = %q, want v1.2.3", got)
	}
	Version = ""
	if got := version(); got == "" {
		t.Error("version() should fall back to build info or dev")
	}
}

func TestSessionsAndShowCommands(t *testing.T) {
	t.Setenv(appdir.DirEnv, t.TempDir())
	appdir.ResetCache()
	t.Cleanup(appdir.ResetCache)

	transcripts := t.TempDir()
	projectDir := filepath.Join(transcripts, "proj")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	lines := strings.Join([]string{
		`{"type":"user","session_id":"t-1","message":{"role":"user","content":"plan the refactor"}}`,
		`{"type":"assistant","session_id":"t-1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-9","name":"ExitPlanMode","input":{"plan":"p"}}]}}`,
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(projectDir, "t-1.jsonl"), []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("agent:\n  transcripts_dir: "+transcripts+"\nlogging:\n  level: error\n"), 0644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--config", configFile}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	listing := run("sessions", "--json")
	var list []transcript.Summary
	if err := json.Unmarshal([]byte(listing), &list); err != nil {
		t.Fatalf("sessions --json output is not JSON: %v\n%s", err, listing)
	}
	if len(list) != 1 || list[0].SessionID != "t-1" || list[0].Summary != "plan the refactor" {
		t.Errorf("sessions = %+v", list)
	}

	shown := run("show", "t-1")
	for _, want := range []string{"[user] plan the refactor", "Awaiting approval: ExitPlanMode (tu-9)"} {
		if !strings.Contains(shown, want) {
			t.Errorf("show output does not contain %q:\n%s", want, shown)
		}
	}
}
