package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/inercia/agentdeck/internal/protocol"
)

func TestCLIArgs(t *testing.T) {
	args := cliArgs(Options{
		Resume:         "sess-1",
		PermissionMode: "plan",
		Model:          "opus",
		AllowedTools:   []string{"Read", "Bash(git:*)"},
	})
	want := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--resume", "sess-1",
		"--permission-mode", "plan",
		"--model", "opus",
		"--allowedTools", "Read,Bash(git:*)",
	}
	if !slices.Equal(args, want) {
		t.Errorf("cliArgs() = %q\nwant %q", args, want)
	}

	if got := cliArgs(Options{}); len(got) != 6 {
		t.Errorf("cliArgs(empty) = %q, want only the stream-json flags", got)
	}
}

func TestThinkingEnv(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"", ""},
		{"off", ""},
		{"low", "MAX_THINKING_TOKENS=4000"},
		{"high", "MAX_THINKING_TOKENS=31999"},
		{"2048", "MAX_THINKING_TOKENS=2048"},
		{"-1", ""},
	}
	for _, tt := range tests {
		if got := thinkingEnv(tt.level); got != tt.want {
			t.Errorf("thinkingEnv(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

// fakeCLI returns a command line running script under sh. The CLI flags
// appended by the client become positional parameters and are ignored.
func fakeCLI(script string) string {
	return "sh -c '" + script + "' fake-claude"
}

func collect(t *testing.T, c Client, req Request) ([]protocol.Message, error) {
	t.Helper()
	var msgs []protocol.Message
	for msg, err := range c.Query(context.Background(), req) {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func TestClaudeClient_Query_StreamsMessages(t *testing.T) {
	script := `cat >/dev/null
echo "{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"s-42\"}"
echo "not json noise"
echo "{\"type\":\"stream_event\",\"event\":{}}"
echo "{\"type\":\"assistant\",\"session_id\":\"s-42\",\"message\":{\"role\":\"assistant\",\"content\":[{\"type\":\"text\",\"text\":\"hi\"}]}}"
echo "{\"type\":\"result\",\"subtype\":\"success\",\"is_error\":false,\"session_id\":\"s-42\"}"`

	c, err := NewClaudeClient(fakeCLI(script), nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeClient() error = %v", err)
	}
	msgs, err := collect(t, c, Request{Turn: protocol.NewUserText("hello"), Options: Options{Cwd: t.TempDir()}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	kinds := make([]protocol.Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind()
	}
	want := []protocol.Kind{protocol.KindSystem, protocol.KindAssistant, protocol.KindResult}
	if !slices.Equal(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
	if msgs[0].GetSessionID() != "s-42" {
		t.Errorf("session id = %q", msgs[0].GetSessionID())
	}
}

func TestClaudeClient_Query_ReceivesTurnOnStdin(t *testing.T) {
	turnFile := filepath.Join(t.TempDir(), "turn.json")
	script := `cat > "$TURN_FILE"
echo "{\"type\":\"result\",\"subtype\":\"success\",\"is_error\":false}"`

	c, err := NewClaudeClient(fakeCLI(script), nil, []string{"TURN_FILE=" + turnFile})
	if err != nil {
		t.Fatalf("NewClaudeClient() error = %v", err)
	}
	if _, err := collect(t, c, Request{Turn: protocol.NewToolResult("toolu_1", "approved", false)}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	data, err := os.ReadFile(turnFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") || strings.Count(string(data), "\n") != 1 {
		t.Errorf("turn should be a single line, got %q", data)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	res, ok := protocol.Blocks(msg)[0].(protocol.ToolResultBlock)
	if !ok || res.ToolUseID != "toolu_1" || res.Content != "approved" {
		t.Errorf("agent received %s", data)
	}
}

func TestClaudeClient_Query_ExitError(t *testing.T) {
	script := `cat >/dev/null
echo "{\"type\":\"result\",\"subtype\":\"error_during_execution\",\"is_error\":true,\"result\":\"boom\"}"
echo "fatal: boom" >&2
exit 3`

	c, err := NewClaudeClient(fakeCLI(script), nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeClient() error = %v", err)
	}
	msgs, err := collect(t, c, Request{Turn: protocol.NewUserText("hello")})
	if len(msgs) != 1 || msgs[0].Kind() != protocol.KindResult {
		t.Fatalf("msgs = %v, want the result message before the error", msgs)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Stderr, "fatal: boom") {
		t.Errorf("Stderr = %q", exitErr.Stderr)
	}
}

func TestClaudeClient_Query_StopEarly(t *testing.T) {
	script := `cat >/dev/null
echo "{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"s\"}"
exec sleep 5`

	c, err := NewClaudeClient(fakeCLI(script), nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeClient() error = %v", err)
	}
	n := 0
	for _, err := range c.Query(context.Background(), Request{Turn: protocol.NewUserText("x")}) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("received %d messages, want 1", n)
	}
}

func TestClaudeClient_Query_NoTurn(t *testing.T) {
	c, err := NewClaudeClient("", nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeClient() error = %v", err)
	}
	if _, err := collect(t, c, Request{}); !errors.Is(err, ErrNoTurn) {
		t.Errorf("error = %v, want ErrNoTurn", err)
	}
}

func TestExitError_Message(t *testing.T) {
	if got := (&ExitError{Code: 1}).Error(); got != "agent exited with code 1" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&ExitError{Code: 2, Stderr: "bad flag\n"}).Error(); got != "agent exited with code 2: bad flag" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if b.String() != "defg" {
		t.Errorf("String() = %q, want %q", b.String(), "defg")
	}
}
