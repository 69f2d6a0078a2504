package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/transcript"
)

var (
	sessionsLimit int
	sessionsJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cfg.TranscriptStore().List(cmd.Context())
		if err != nil {
			return err
		}
		if sessionsLimit > 0 && len(list) > sessionsLimit {
			list = list[:sessionsLimit]
		}
		out := cmd.OutOrStdout()
		if sessionsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		return printSessions(out, list, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to list (0 for all)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print as JSON")
}

const maxSummaryWidth = 60

func printSessions(w io.Writer, list []transcript.Summary, now time.Time) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMESSAGES\tMODIFIED\tSUMMARY")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			s.SessionID, s.MessageCount, humanAge(now.Sub(s.LastModified)), oneLine(s.Summary, maxSummaryWidth))
	}
	return tw.Flush()
}

// humanAge formats d as a coarse "5m ago" style age.
func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// oneLine collapses whitespace in s and truncates it to limit runes.
func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
