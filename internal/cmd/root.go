// Package cmd provides the CLI commands for agentdeck.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/appdir"
	"github.com/inercia/agentdeck/internal/config"
	"github.com/inercia/agentdeck/internal/logging"
)

var (
	// Global flags
	configFlag    string
	debugFlag     bool
	logLevel      string
	logFile       string
	logComponents string
	logJSON       bool

	// Loaded configuration and the file it came from.
	cfg     *config.Config
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "agentdeck - a multi-client session server for coding agents",
	Long: `agentdeck runs coding agents (the Claude Code CLI or any Agent Client
Protocol agent) behind a WebSocket server. Every browser tab or client
attached to a session sees the same transcript and state, and persisted
sessions can be resumed later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolvePath(configFlag)
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyLogFlags(loaded)

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := logging.Initialize(loaded.LogConfig()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Settings().Debug("configuration loaded", "path", path)

		cfg, cfgPath = loaded, path
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Configuration file path (default: $AGENTDECK_CONFIG or config.yaml in the data directory)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'web,session,agent'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

// applyLogFlags overlays the logging flags on c.
// Priority: --log-level > --debug > config.
func applyLogFlags(c *config.Config) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	} else if debugFlag {
		c.Logging.Level = "debug"
	}
	if logFile != "" {
		c.Logging.File = logFile
	}
	if logJSON {
		c.Logging.JSON = true
	}
	if components := splitList(logComponents); len(components) > 0 {
		c.Logging.Components = components
	}
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
