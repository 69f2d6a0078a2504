package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/protocol"
	"github.com/inercia/agentdeck/internal/session"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a persisted session transcript",
	Long: `Print the transcript of a persisted session, followed by the tool
invocation awaiting approval, if any.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		msgs, err := cfg.TranscriptStore().Read(cmd.Context(), id)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("session %s not found", id)
		}
		pending, hasPending := session.FindPendingToolUse(msgs, cfg.ApprovalRules())

		out := cmd.OutOrStdout()
		if showJSON {
			resp := struct {
				SessionID string                  `json:"sessionId"`
				Messages  []protocol.Message      `json:"messages"`
				Pending   *session.PendingToolUse `json:"pendingToolUse,omitempty"`
			}{SessionID: id, Messages: msgs}
			if hasPending {
				resp.Pending = &pending
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		printTranscript(out, msgs)
		if hasPending {
			fmt.Fprintf(out, "\nAwaiting approval: %s (%s)\n", pending.Name, pending.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print as JSON")
}

// printTranscript writes a human readable rendition of msgs.
func printTranscript(w io.Writer, msgs []protocol.Message) {
	for _, m := range msgs {
		switch m := m.(type) {
		case *protocol.SystemMessage:
			if m.IsInit() {
				fmt.Fprintf(w, "--- session %s", m.SessionID)
				if m.Model != "" {
					fmt.Fprintf(w, " (%s)", m.Model)
				}
				fmt.Fprintln(w, " ---")
			}
		case *protocol.UserMessage:
			printBlocks(w, "user", m.Content)
		case *protocol.AssistantMessage:
			printBlocks(w, "assistant", m.Content)
		case *protocol.ResultMessage:
			if m.IsError {
				fmt.Fprintf(w, "[result] error: %s\n", m.ErrorText())
			} else {
				fmt.Fprintf(w, "[result] %s\n", m.Subtype)
			}
		}
	}
}

func printBlocks(w io.Writer, role string, blocks []protocol.ContentBlock) {
	for _, b := range blocks {
		switch b := b.(type) {
		case protocol.TextBlock:
			fmt.Fprintf(w, "[%s] %s\n", role, indent(b.Text))
		case protocol.ToolUseBlock:
			fmt.Fprintf(w, "[%s] tool_use %s (%s) %s\n", role, b.Name, b.ID, oneLine(string(b.Input), 120))
		case protocol.ToolResultBlock:
			status := "ok"
			if b.IsError {
				status = "error"
			}
			fmt.Fprintf(w, "[%s] tool_result %s %s: %s\n", role, b.ToolUseID, status, oneLine(b.Content, 120))
		case protocol.ImageBlock:
			fmt.Fprintf(w, "[%s] image %s\n", role, b.MediaType)
		case protocol.ThinkingBlock:
			fmt.Fprintf(w, "[%s] thinking: %s\n", role, oneLine(b.Thinking, 120))
		}
	}
}

// indent continues multi-line text under its role prefix.
func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
