package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/transcript"
)

// DefaultClaudeCommand is the command used when none is configured.
const DefaultClaudeCommand = "claude"

const (
	maxStdoutLine = 10 * 1024 * 1024
	maxStderrTail = 16 * 1024

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// orphaned children after the agent is killed.
	waitDelay = 2 * time.Second
)

// thinkingBudgets maps thinking levels to MAX_THINKING_TOKENS values.
var thinkingBudgets = map[string]int{
	"low":    4000,
	"medium": 10000,
	"high":   31999,
}

// ClaudeClient runs the Claude Code CLI once per turn:
//
//	claude -p --input-format stream-json --output-format stream-json --verbose
//
// The synthetic turn is written to stdin as a single stream-json record and
// every stdout record is decoded into a protocol message. The CLI persists
// the transcript itself.
type ClaudeClient struct {
	args   []string
	env    []string
	store  *transcript.Store
	logger *slog.Logger
}

var _ Client = (*ClaudeClient)(nil)

// NewClaudeClient creates a client for the given command line.
func NewClaudeClient(command string, store *transcript.Store, env []string) (*ClaudeClient, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultClaudeCommand
	}
	args, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}
	return &ClaudeClient{
		args:   args,
		env:    env,
		store:  store,
		logger: logging.Agent().With("backend", BackendClaude),
	}, nil
}

// LoadMessages reads the persisted transcript for sessionID.
func (c *ClaudeClient) LoadMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	return loadFromStore(ctx, c.store, sessionID)
}

// cliArgs returns the CLI flags for opts.
func cliArgs(opts Options) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	return args
}

// thinkingEnv returns the environment entry enabling extended thinking, or "".
func thinkingEnv(level string) string {
	if budget, ok := thinkingBudgets[level]; ok {
		return "MAX_THINKING_TOKENS=" + strconv.Itoa(budget)
	}
	if n, err := strconv.Atoi(level); err == nil && n > 0 {
		return "MAX_THINKING_TOKENS=" + level
	}
	return ""
}

// Query runs one turn through the CLI.
func (c *ClaudeClient) Query(ctx context.Context, req Request) iter.Seq2[protocol.Message, error] {
	if req.Turn == nil {
		return errSeq(ErrNoTurn)
	}
	line, err := json.Marshal(req.Turn)
	if err != nil {
		return errSeq(fmt.Errorf("failed to encode turn: %w", err))
	}
	line = append(line, '\n')

	return func(yield func(protocol.Message, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		args := append(append([]string{}, c.args[1:]...), cliArgs(req.Options)...)
		cmd := exec.CommandContext(runCtx, c.args[0], args...)
		cmd.Dir = req.Options.Cwd
		cmd.Env = append(os.Environ(), c.env...)
		if env := thinkingEnv(req.Options.Thinking); env != "" {
			cmd.Env = append(cmd.Env, env)
		}
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

		log := c.logger.With("cwd", req.Options.Cwd, "resume", req.Options.Resume)
		log.Debug("starting agent process", "command", c.args[0], "args", args)
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("failed to start agent: %w", err))
			return
		}

		// Write from a goroutine: large attachments can exceed the pipe buffer
		// before the CLI starts draining stdin.
		go func() {
			defer stdin.Close()
			if _, err := stdin.Write(line); err != nil {
				log.Debug("failed to write turn to agent", "error", err)
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStdoutLine)
		stopped := false
		for scanner.Scan() {
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 || raw[0] != '{' {
				continue
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				// stream_event and other records outside the message set
				if !errors.Is(err, protocol.ErrUnknownKind) {
					log.Debug("skipping undecodable agent output", "error", err)
				}
				continue
			}
			if !yield(msg, nil) {
				stopped = true
				cancel()
				break
			}
		}
		scanErr := scanner.Err()
		if scanErr != nil {
			// The process may block on a full stdout pipe; Wait would hang.
			cancel()
		}
		waitErr := cmd.Wait()

		if stopped {
			return
		}
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
			return
		}
		if scanErr != nil {
			yield(nil, fmt.Errorf("failed to read agent output: %w", scanErr))
			return
		}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				yield(nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()})
				return
			}
			yield(nil, fmt.Errorf("agent process failed: %w", waitErr))
		}
	}
}
