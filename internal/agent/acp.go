package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/transcript"
)

// DefaultACPCommand is the ACP adapter for Claude Code.
const DefaultACPCommand = "npx -y @zed-industries/claude-code-acp@latest"

// ErrConnectionClosed is returned when the agent goes away mid-turn.
var ErrConnectionClosed = errors.New("agent connection closed")

// ACPClient runs an Agent Client Protocol agent once per turn. The remote
// session is loaded when resuming (if the agent supports it) and created
// otherwise. Model and thinking options are not part of ACP and are ignored.
type ACPClient struct {
	args   []string
	env    []string
	store  *transcript.Store
	logger *slog.Logger
}

var _ Client = (*ACPClient)(nil)

// NewACPClient creates a client for the given ACP agent command line.
func NewACPClient(command string, store *transcript.Store, env []string) (*ACPClient, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultACPCommand
	}
	args, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}
	return &ACPClient{
		args:   args,
		env:    env,
		store:  store,
		logger: logging.Agent().With("backend", BackendACP),
	}, nil
}

// LoadMessages reads the persisted transcript for sessionID.
func (c *ACPClient) LoadMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	return loadFromStore(ctx, c.store, sessionID)
}

// promptBlocks converts a turn into ACP prompt content. Tool results have no
// ACP counterpart and are sent as text.
func promptBlocks(turn *protocol.UserMessage) ([]acp.ContentBlock, error) {
	var blocks []acp.ContentBlock
	for _, b := range turn.Content {
		switch b := b.(type) {
		case protocol.TextBlock:
			blocks = append(blocks, acp.TextBlock(b.Text))
		case protocol.ImageBlock:
			blocks = append(blocks, acp.ImageBlock(b.Data, b.MediaType))
		case protocol.ToolResultBlock:
			blocks = append(blocks, acp.TextBlock(formatToolResult(b)))
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("turn has no content for the agent")
	}
	return blocks, nil
}

func formatToolResult(b protocol.ToolResultBlock) string {
	status := "result"
	if b.IsError {
		status = "error"
	}
	return fmt.Sprintf("[tool %s for %s]\n%s", status, b.ToolUseID, b.Content)
}

type promptOutcome struct {
	stopReason string
	err        error
}

// Query runs one turn through the ACP agent.
func (c *ACPClient) Query(ctx context.Context, req Request) iter.Seq2[protocol.Message, error] {
	if req.Turn == nil {
		return errSeq(ErrNoTurn)
	}
	prompt, err := promptBlocks(req.Turn)
	if err != nil {
		return errSeq(err)
	}

	return func(yield func(protocol.Message, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		cwd := req.Options.Cwd
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		log := logging.WithSession(c.logger, req.Options.Resume, cwd)

		cmd := exec.CommandContext(runCtx, c.args[0], c.args[1:]...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), c.env...)
		stderr := &tailBuffer{max: maxStderrTail}
		cmd.Stderr = stderr
		cmd.WaitDelay = waitDelay

		stdin, err := cmd.StdinPipe()
		if err != nil {
			yield(nil, fmt.Errorf("stdin pipe error: %w", err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("stdout pipe error: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("failed to start ACP agent: %w", err))
			return
		}
		defer func() {
			cancel()
			_ = cmd.Wait()
		}()

		bridge := newACPBridge(req.Options, log)
		conn := acp.NewClientSideConnection(bridge, stdin, newJSONLineFilter(stdout, log))
		conn.SetLogger(logging.DowngradeInfoToDebug(log))

		sessionID, err := c.openSession(runCtx, conn, bridge, cwd, req.Options.Resume, log)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				err = fmt.Errorf("%w (stderr: %s)", err, tail)
			}
			yield(nil, err)
			return
		}
		bridge.setSessionID(sessionID)

		initMsg := &protocol.SystemMessage{
			Header:         protocol.NewHeader(sessionID),
			Subtype:        protocol.SubtypeInit,
			Cwd:            cwd,
			Model:          req.Options.Model,
			PermissionMode: req.Options.PermissionMode,
		}
		if !yield(initMsg, nil) {
			return
		}

		start := time.Now()
		done := make(chan promptOutcome, 1)
		go func() {
			resp, err := conn.Prompt(runCtx, acp.PromptRequest{
				SessionId: acp.SessionId(sessionID),
				Prompt:    prompt,
			})
			done <- promptOutcome{stopReason: string(resp.StopReason), err: err}
		}()

		emit := func(msgs []protocol.Message) bool {
			for _, m := range msgs {
				if !yield(m, nil) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-bridge.ready():
				if !emit(bridge.take()) {
					return
				}
			case out := <-done:
				if out.err != nil {
					if !emit(bridge.take()) {
						return
					}
					if ctx.Err() != nil {
						yield(nil, ctx.Err())
						return
					}
					yield(nil, fmt.Errorf("prompt failed: %w", out.err))
					return
				}
				emit(bridge.finish(out.stopReason, time.Since(start)))
				return
			case <-conn.Done():
				if !emit(bridge.take()) {
					return
				}
				yield(nil, fmt.Errorf("%w: %s", ErrConnectionClosed, strings.TrimSpace(stderr.String())))
				return
			case <-ctx.Done():
				cancelCtx, stop := context.WithTimeout(context.Background(), time.Second)
				_ = conn.Cancel(cancelCtx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
				stop()
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// openSession initializes the connection and loads or creates the remote
// session, returning its id.
func (c *ACPClient) openSession(ctx context.Context, conn *acp.ClientSideConnection, bridge *acpBridge, cwd, resume string, log *slog.Logger) (string, error) {
	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("initialize error: %w", err)
	}

	if resume != "" && initResp.AgentCapabilities.LoadSession {
		// Loading replays the whole conversation as updates; the transcript
		// already has it.
		bridge.setReplaying(true)
		_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(resume),
			Cwd:        cwd,
			McpServers: []acp.McpServer{},
		})
		bridge.setReplaying(false)
		if err == nil {
			log.Debug("resumed ACP session")
			return resume, nil
		}
		log.Warn("failed to load ACP session, creating new session", "error", err)
	}

	sess, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("new session error: %w", err)
	}
	log.Debug("created ACP session", "acp_session_id", sess.SessionId)
	return string(sess.SessionId), nil
}
