package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/client"
)

var (
	promptServer  string
	promptSession string
	promptTimeout time.Duration
)

var promptCmd = &cobra.Command{
	Use:   "prompt <text>...",
	Short: "Send a prompt to a running server and print the reply",
	Long: `Send one prompt to a running agentdeck server and wait for the turn to
complete. Without --session a new session is started; its id is printed so
it can be continued later.

Example:
  agentdeck prompt "summarize the README"
  agentdeck prompt --session 3f2a... "now write tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := promptServer
		if server == "" {
			server = "http://" + cfg.Addr()
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), promptTimeout)
		defer cancel()

		c := client.New(server)
		result, err := c.PromptAndWait(ctx, promptSession, strings.Join(args, " "))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printTranscript(out, result.Messages)
		fmt.Fprintf(out, "\nsession: %s\n", result.SessionID)
		if result.Result != nil && result.Result.IsError {
			return fmt.Errorf("turn failed: %s", result.Result.ErrorText())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptCmd.Flags().StringVar(&promptServer, "server", "", "Server URL (default: the configured listen address)")
	promptCmd.Flags().StringVarP(&promptSession, "session", "s", "", "Session id to continue")
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 10*time.Minute, "Maximum time to wait for the turn")
}
