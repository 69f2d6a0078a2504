package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/agentdeck/internal/protocol"
)

// ACP tool kinds with a dedicated protocol tool name.
var acpToolNames = map[string]string{
	"switch_mode": "ExitPlanMode",
}

// acpBridge is the client side of an ACP connection for one turn. It turns
// session/update notifications into protocol messages and queues them for
// the Query loop. Agent text is buffered and emitted as one assistant
// message when a tool call starts or the turn ends.
type acpBridge struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	replaying bool
	text      strings.Builder
	thinking  strings.Builder
	lastText  string
	openTools map[string]string
	queue     []protocol.Message
	notify    chan struct{}
}

var _ acp.Client = (*acpBridge)(nil)

func newACPBridge(opts Options, logger *slog.Logger) *acpBridge {
	return &acpBridge{
		opts:      opts,
		logger:    logger,
		openTools: make(map[string]string),
		notify:    make(chan struct{}, 1),
	}
}

func (b *acpBridge) setSessionID(id string) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
}

// setReplaying drops updates while the agent replays a loaded session.
func (b *acpBridge) setReplaying(v bool) {
	b.mu.Lock()
	b.replaying = v
	b.mu.Unlock()
}

// ready is signalled whenever messages are queued.
func (b *acpBridge) ready() <-chan struct{} { return b.notify }

// take returns and clears the queued messages.
func (b *acpBridge) take() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queue
	b.queue = nil
	return msgs
}

func (b *acpBridge) pushLocked(msg protocol.Message) {
	b.queue = append(b.queue, msg)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *acpBridge) flushLocked() {
	if b.text.Len() == 0 && b.thinking.Len() == 0 {
		return
	}
	var content []protocol.ContentBlock
	if b.thinking.Len() > 0 {
		content = append(content, protocol.ThinkingBlock{Thinking: b.thinking.String()})
	}
	if b.text.Len() > 0 {
		b.lastText = b.text.String()
		content = append(content, protocol.TextBlock{Text: b.lastText})
	}
	b.text.Reset()
	b.thinking.Reset()
	b.pushLocked(&protocol.AssistantMessage{
		Header:  protocol.NewHeader(b.sessionID),
		Content: content,
	})
}

func (b *acpBridge) onText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.replaying {
		b.text.WriteString(text)
	}
}

func (b *acpBridge) onThought(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.replaying {
		b.thinking.WriteString(text)
	}
}

func (b *acpBridge) onToolCall(id, name string, input json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replaying {
		return
	}
	if _, seen := b.openTools[id]; seen {
		return
	}
	b.flushLocked()
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	b.openTools[id] = name
	b.pushLocked(&protocol.AssistantMessage{
		Header:  protocol.NewHeader(b.sessionID),
		Content: []protocol.ContentBlock{protocol.ToolUseBlock{ID: id, Name: name, Input: input}},
	})
}

// onToolStatus emits the tool result once a tool call reaches a final status.
func (b *acpBridge) onToolStatus(id, status, output string) {
	if status != string(acp.ToolCallStatusCompleted) && status != string(acp.ToolCallStatusFailed) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replaying {
		return
	}
	if _, open := b.openTools[id]; !open {
		return
	}
	delete(b.openTools, id)
	b.flushLocked()
	msg := protocol.NewToolResult(id, output, status == string(acp.ToolCallStatusFailed))
	msg.SessionID = b.sessionID
	b.pushLocked(msg)
}

// finish flushes buffered text and queues the terminal result.
func (b *acpBridge) finish(stopReason string, elapsed time.Duration) []protocol.Message {
	b.mu.Lock()
	b.flushLocked()
	res := &protocol.ResultMessage{
		Header:     protocol.NewHeader(b.sessionID),
		Subtype:    protocol.SubtypeSuccess,
		Result:     b.lastText,
		DurationMS: elapsed.Milliseconds(),
		NumTurns:   1,
	}
	switch stopReason {
	case "max_turn_requests":
		res.Subtype = protocol.SubtypeErrorMaxTurns
		res.IsError = true
	case "refusal", "cancelled":
		res.Subtype = protocol.SubtypeErrorDuringExecution
		res.IsError = true
		res.Result = "agent stopped: " + stopReason
	}
	b.pushLocked(res)
	b.mu.Unlock()
	return b.take()
}

// SessionUpdate translates streaming updates from the agent.
func (b *acpBridge) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	u := params.Update
	switch {
	case u.AgentMessageChunk != nil:
		if content := u.AgentMessageChunk.Content; content.Text != nil {
			b.onText(content.Text.Text)
		}
	case u.AgentThoughtChunk != nil:
		if content := u.AgentThoughtChunk.Content; content.Text != nil {
			b.onThought(content.Text.Text)
		}
	case u.ToolCall != nil:
		id := string(u.ToolCall.ToolCallId)
		b.onToolCall(id, acpToolName(string(u.ToolCall.Kind), u.ToolCall.Title), rawJSON(u.ToolCall.RawInput))
		b.onToolStatus(id, string(u.ToolCall.Status), rawText(u.ToolCall.RawOutput))
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status != nil {
			b.onToolStatus(string(u.ToolCallUpdate.ToolCallId), string(*u.ToolCallUpdate.Status), rawText(u.ToolCallUpdate.RawOutput))
		}
	case u.Plan != nil:
		b.logger.Debug("agent plan update")
	}
	return nil
}

// RequestPermission approves tool use when the permission mode or the
// allowed tool list covers it and cancels it otherwise. Nobody is around to
// answer interactively in the middle of a streamed turn.
func (b *acpBridge) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if params.ToolCall.Title != nil {
		title = *params.ToolCall.Title
	}
	if permissionAllowed(b.opts, title) {
		b.logger.Debug("auto-approving permission request", "title", title)
		return AutoApprovePermission(params.Options), nil
	}
	b.logger.Info("declining permission request", "title", title, "permission_mode", b.opts.PermissionMode)
	return CancelledPermissionResponse(), nil
}

// WriteTextFile writes a file on behalf of the agent.
func (b *acpBridge) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("mkdir %s: %w", filepath.Dir(params.Path), err)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("write %s: %w", params.Path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}

// ReadTextFile reads a file, or a line window of it, on behalf of the agent.
func (b *acpBridge) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	data, err := os.ReadFile(params.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, fmt.Errorf("read %s: %w", params.Path, err)
	}
	content := string(data)
	if params.Line != nil || params.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if params.Line != nil && *params.Line > 0 {
			start = min(*params.Line-1, len(lines))
		}
		end := len(lines)
		if params.Limit != nil && *params.Limit > 0 && start+*params.Limit < end {
			end = start + *params.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// Terminals are not advertised in the client capabilities, so an agent that
// asks for one anyway gets a method-not-found error.

func (b *acpBridge) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalCreate)
}

func (b *acpBridge) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalOutput)
}

func (b *acpBridge) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalRelease)
}

func (b *acpBridge) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalWaitForExit)
}

func (b *acpBridge) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, acp.NewMethodNotFound(acp.ClientMethodTerminalKill)
}

func acpToolName(kind, title string) string {
	if name, ok := acpToolNames[kind]; ok {
		return name
	}
	if title != "" {
		return title
	}
	return kind
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func rawText(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return string(rawJSON(v))
	}
}
