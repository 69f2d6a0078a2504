package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/agentdeck/internal/protocol"
)

func newTestBridge(opts Options) *acpBridge {
	b := newACPBridge(opts, slog.Default())
	b.setSessionID("acp-1")
	return b
}

func TestACPBridge_TranslatesTurn(t *testing.T) {
	b := newTestBridge(Options{})

	b.onThought("considering")
	b.onText("Let me ")
	b.onText("look.")
	b.onToolCall("call-1", "Read main.go", json.RawMessage(`{"path":"main.go"}`))
	b.onToolStatus("call-1", "in_progress", "")
	b.onToolStatus("call-1", string(acp.ToolCallStatusCompleted), "package main")
	b.onText("Done.")
	msgs := b.finish("end_turn", 1500*time.Millisecond)

	if len(msgs) != 5 {
		t.Fatalf("len(msgs) = %d, want 5: %v", len(msgs), msgs)
	}

	first := msgs[0].(*protocol.AssistantMessage)
	if len(first.Content) != 2 {
		t.Fatalf("first assistant content = %v", first.Content)
	}
	if _, ok := first.Content[0].(protocol.ThinkingBlock); !ok {
		t.Errorf("first block = %T, want ThinkingBlock", first.Content[0])
	}
	if text := first.Content[1].(protocol.TextBlock).Text; text != "Let me look." {
		t.Errorf("text = %q", text)
	}

	use := msgs[1].(*protocol.AssistantMessage).Content[0].(protocol.ToolUseBlock)
	if use.ID != "call-1" || use.Name != "Read main.go" {
		t.Errorf("tool use = %+v", use)
	}

	result := msgs[2].(*protocol.UserMessage).Content[0].(protocol.ToolResultBlock)
	if result.ToolUseID != "call-1" || result.IsError || result.Content != "package main" {
		t.Errorf("tool result = %+v", result)
	}

	if protocol.PlainText(msgs[3]) != "Done." {
		t.Errorf("final text = %q", protocol.PlainText(msgs[3]))
	}

	res := msgs[4].(*protocol.ResultMessage)
	if res.IsError || res.Subtype != protocol.SubtypeSuccess || res.Result != "Done." || res.DurationMS != 1500 {
		t.Errorf("result = %+v", res)
	}

	for _, m := range msgs {
		if m.GetSessionID() != "acp-1" {
			t.Errorf("%s message session id = %q", m.Kind(), m.GetSessionID())
		}
	}
}

func TestACPBridge_FailedToolAndStopReasons(t *testing.T) {
	b := newTestBridge(Options{})
	b.onToolCall("c", "Bash", nil)
	b.onToolStatus("c", string(acp.ToolCallStatusFailed), "exit 1")
	// A second final status for the same call is ignored.
	b.onToolStatus("c", string(acp.ToolCallStatusFailed), "exit 1")
	msgs := b.finish("max_turn_requests", 0)

	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	use := msgs[0].(*protocol.AssistantMessage).Content[0].(protocol.ToolUseBlock)
	if string(use.Input) != "{}" {
		t.Errorf("input = %s, want {}", use.Input)
	}
	if !msgs[1].(*protocol.UserMessage).Content[0].(protocol.ToolResultBlock).IsError {
		t.Error("failed tool call should produce an error result")
	}
	res := msgs[2].(*protocol.ResultMessage)
	if !res.IsError || res.Subtype != protocol.SubtypeErrorMaxTurns {
		t.Errorf("result = %+v", res)
	}

	refused := newTestBridge(Options{}).finish("refusal", 0)
	if r := refused[0].(*protocol.ResultMessage); !r.IsError || r.Subtype != protocol.SubtypeErrorDuringExecution {
		t.Errorf("refusal result = %+v", r)
	}
}

func TestACPBridge_ReplayIsDropped(t *testing.T) {
	b := newTestBridge(Options{})
	b.setReplaying(true)
	b.onText("old history")
	b.onToolCall("old", "Read", nil)
	b.setReplaying(false)

	msgs := b.finish("end_turn", 0)
	if len(msgs) != 1 || msgs[0].Kind() != protocol.KindResult {
		t.Errorf("msgs = %v, want only the result", msgs)
	}
}

func TestACPBridge_ReadySignal(t *testing.T) {
	b := newTestBridge(Options{})
	b.onToolCall("c", "Read", nil)
	select {
	case <-b.ready():
	default:
		t.Fatal("ready() should be signalled after a message is queued")
	}
	if got := b.take(); len(got) != 1 {
		t.Errorf("take() = %v", got)
	}
	if got := b.take(); len(got) != 0 {
		t.Errorf("second take() = %v, want empty", got)
	}
}

func TestACPToolName(t *testing.T) {
	if got := acpToolName("switch_mode", "Ready to code?"); got != "ExitPlanMode" {
		t.Errorf("acpToolName(switch_mode) = %q", got)
	}
	if got := acpToolName("read", "Read file"); got != "Read file" {
		t.Errorf("acpToolName(read) = %q", got)
	}
	if got := acpToolName("edit", ""); got != "edit" {
		t.Errorf("acpToolName(edit, \"\") = %q", got)
	}
}

func TestRawText(t *testing.T) {
	if rawText(nil) != "" {
		t.Error("rawText(nil) should be empty")
	}
	if rawText("plain") != "plain" {
		t.Error("rawText(string) should be returned as is")
	}
	if got := rawText(map[string]any{"ok": true}); got != `{"ok":true}` {
		t.Errorf("rawText(map) = %q", got)
	}
}

func TestPermissionAllowed(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		tool string
		want bool
	}{
		{"bypass mode", Options{PermissionMode: "bypassPermissions"}, "Bash", true},
		{"accept edits", Options{PermissionMode: "acceptEdits"}, "Edit", true},
		{"default mode", Options{PermissionMode: "default"}, "Bash", false},
		{"exact allowed tool", Options{AllowedTools: []string{"Read"}}, "Read", true},
		{"pattern allowed tool", Options{AllowedTools: []string{"Bash(git:*)"}}, "Bash", true},
		{"other tool", Options{AllowedTools: []string{"Read"}}, "Write", false},
		{"empty title", Options{AllowedTools: []string{"Read"}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := permissionAllowed(tt.opts, tt.tool); got != tt.want {
				t.Errorf("permissionAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAutoApprovePermission(t *testing.T) {
	options := []acp.PermissionOption{
		{OptionId: "deny", Name: "Deny", Kind: acp.PermissionOptionKindRejectOnce},
		{OptionId: "allow-always", Name: "Allow Always", Kind: acp.PermissionOptionKindAllowAlways},
	}
	resp := AutoApprovePermission(options)
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow-always" {
		t.Errorf("outcome = %+v, want allow-always", resp.Outcome)
	}

	resp = AutoApprovePermission([]acp.PermissionOption{{OptionId: "only", Name: "Only", Kind: acp.PermissionOptionKindRejectOnce}})
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "only" {
		t.Errorf("outcome = %+v, want first option", resp.Outcome)
	}

	if resp := AutoApprovePermission(nil); resp.Outcome.Cancelled == nil {
		t.Error("no options should cancel")
	}
}

func TestPromptBlocks(t *testing.T) {
	blocks, err := promptBlocks(protocol.NewToolResult("toolu_1", "User approved the plan", false))
	if err != nil {
		t.Fatalf("promptBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text == nil {
		t.Fatalf("blocks = %+v", blocks)
	}
	if text := blocks[0].Text.Text; !strings.Contains(text, "toolu_1") || !strings.Contains(text, "User approved the plan") {
		t.Errorf("text = %q", text)
	}

	if _, err := promptBlocks(&protocol.UserMessage{}); err == nil {
		t.Error("empty turn should fail")
	}
}

func TestACPBridge_ReadTextFile_Window(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("a\nb\nc\nd"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := newTestBridge(Options{})
	line, limit := 2, 2
	resp, err := b.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: path, Line: &line, Limit: &limit})
	if err != nil {
		t.Fatalf("ReadTextFile() error = %v", err)
	}
	if resp.Content != "b\nc" {
		t.Errorf("Content = %q, want %q", resp.Content, "b\nc")
	}

	if _, err := b.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "relative.txt"}); err == nil {
		t.Error("relative path should be rejected")
	}
}

func TestACPBridge_TerminalsUnsupported(t *testing.T) {
	b := newTestBridge(Options{})
	ctx := context.Background()

	tests := []struct {
		method string
		call   func() error
	}{
		{acp.ClientMethodTerminalCreate, func() error {
			_, err := b.CreateTerminal(ctx, acp.CreateTerminalRequest{Command: "ls"})
			return err
		}},
		{acp.ClientMethodTerminalOutput, func() error {
			_, err := b.TerminalOutput(ctx, acp.TerminalOutputRequest{})
			return err
		}},
		{acp.ClientMethodTerminalRelease, func() error {
			_, err := b.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{})
			return err
		}},
		{acp.ClientMethodTerminalWaitForExit, func() error {
			_, err := b.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{})
			return err
		}},
		{acp.ClientMethodTerminalKill, func() error {
			_, err := b.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := tt.call()
			var reqErr *acp.RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("error = %v, want *acp.RequestError", err)
			}
			if reqErr.Code != -32601 {
				t.Errorf("code = %d, want -32601 (method not found)", reqErr.Code)
			}
		})
	}
}
