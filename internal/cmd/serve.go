package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/config"
	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/session"
	"github.com/inercia/agentdeck/internal/web"
)

const shutdownTimeout = 10 * time.Second

var (
	serveHost    string
	servePort    int
	serveBackend string
	serveCommand string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket session server",
	Long: `Start the HTTP server exposing sessions over WebSocket (/ws), the
session listing API (/api/sessions) and a health check (/healthz).

Flags override the configuration file.

Example:
  agentdeck serve                            # Listen on 127.0.0.1:8089
  agentdeck serve --port 0                   # Use a random port
  agentdeck serve --backend acp --command "auggie --acp"`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on, 0 for a random port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Agent backend: claude or acp (overrides agent.backend)")
	serveCmd.Flags().StringVar(&serveCommand, "command", "", "Agent command line (overrides agent.command)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload approval settings when the config file changes")
}

// applyServeFlags overlays the flags the user set on c.
func applyServeFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Server.Host = serveHost
	}
	if flags.Changed("port") {
		c.Server.Port = servePort
	}
	if flags.Changed("backend") {
		c.Agent.Backend = serveBackend
	}
	if flags.Changed("command") {
		c.Agent.Command = serveCommand
	}
	return c.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger := logging.Get()

	store := cfg.TranscriptStore()
	agentClient, err := agent.New(cfg.AgentClientConfig(), store)
	if err != nil {
		return fmt.Errorf("failed to create agent client: %w", err)
	}
	manager := session.NewManager(cfg.ManagerConfig(agentClient))

	srv, err := web.NewServer(web.Config{
		Manager: manager,
		Store:   store,
		Security: web.WebSocketSecurityConfig{
			AllowedOrigins:      cfg.Server.AllowedOrigins,
			MaxMessageSize:      cfg.Server.MaxMessageSize,
			MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		},
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logging.Web(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if !serveNoWatch {
		if w := watchConfig(cfgPath, manager); w != nil {
			defer w.Close()
		}
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	fmt.Printf("agentdeck listening on http://%s\n", listener.Addr())
	fmt.Printf("   Backend: %s\n", cfg.Agent.Backend)
	fmt.Printf("   WebSocket: ws://%s/ws\n", listener.Addr())
	fmt.Println("Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// watchConfig pushes approval settings from the config file into manager
// whenever the file changes. It returns nil if the file cannot be watched.
func watchConfig(path string, manager *session.Manager) *config.Watcher {
	logger := logging.Settings()
	w, err := config.NewWatcher(path, func(c *config.Config) {
		manager.SetApprovalRules(c.ApprovalRules(), c.ApprovalPhrases())
		logger.Info("approval settings reloaded", "path", path)
	})
	if err != nil {
		logger.Warn("config file will not be watched", "path", path, "error", err)
		return nil
	}
	w.Start()
	return w
}
