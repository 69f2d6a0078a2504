// Package logging provides centralized logging configuration for agentdeck.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger is the application-wide logger
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the rotating file writer (if any) for cleanup
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents stores the set of components to log (empty means all)
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	// Compress determines if rotated log files should be compressed.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level for console output (debug, info, warn, error)
	Level string
	// FileLevel is the minimum log level for file output.
	// If empty, defaults to Level.
	FileLevel string
	// FileLog enables file logging with rotation when its Path is set.
	FileLog *FileLogConfig
	// JSON enables JSON output format
	JSON bool
	// Components is a list of component names to include in logs (empty means all)
	Components []string
	// Console is the console writer. Defaults to os.Stderr.
	Console io.Writer
}

// Initialize sets up the global logger with the given configuration.
// If FileLog is specified, logs are written to both console and a rotating file.
func Initialize(cfg Config) error {
	consoleLevel := parseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = parseLevel(cfg.FileLevel)
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool)
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}

	var fileWriter io.Writer
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		maxSize := cfg.FileLog.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.FileLog.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FileLog.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.FileLog.Compress,
		}
		logWriter = lj
		fileWriter = lj
	}

	createHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			createHandler(console, consoleLevel),
			createHandler(fileWriter, fileLevel),
		}}
	case fileWriter != nil:
		handler = createHandler(io.MultiWriter(console, fileWriter), consoleLevel)
	default:
		handler = createHandler(console, consoleLevel)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// multiHandler fans out log records to multiple handlers.
// It is used when console and file have different log levels.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close cleans up logging resources (closes the log file if open).
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler wraps a slog.Handler and filters based on component.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger with a component attribute.
// If component filtering is enabled and this component is not in the allowed list,
// the returned logger discards everything.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Web returns a logger for HTTP and WebSocket events.
func Web() *slog.Logger {
	return WithComponent("web")
}

// Session returns a logger for session lifecycle events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Agent returns a logger for agent backend events.
func Agent() *slog.Logger {
	return WithComponent("agent")
}

// Transcript returns a logger for transcript store events.
func Transcript() *slog.Logger {
	return WithComponent("transcript")
}

// Settings returns a logger for configuration loading and reloads.
func Settings() *slog.Logger {
	return WithComponent("config")
}

// WithSession returns a logger that includes session_id and working_dir in
// every record.
func WithSession(base *slog.Logger, sessionID, workingDir string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"session_id", sessionID,
		"working_dir", workingDir,
	)
}

// WithClient returns a logger with WebSocket client context.
func WithClient(base *slog.Logger, clientID, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"client_id", clientID,
		"session_id", sessionID,
	)
}

// DowngradeInfoToDebug returns a logger that downgrades INFO messages to DEBUG level.
// The ACP SDK logs routine connection chatter at INFO.
func DowngradeInfoToDebug(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	return slog.New(&downgradeHandler{inner: logger.Handler()})
}

type downgradeHandler struct {
	inner slog.Handler
}

func (h *downgradeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level == slog.LevelInfo {
		return h.inner.Enabled(ctx, slog.LevelDebug)
	}
	return h.inner.Enabled(ctx, level)
}

func (h *downgradeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level == slog.LevelInfo {
		newRecord := slog.NewRecord(r.Time, slog.LevelDebug, r.Message, r.PC)
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		return h.inner.Handle(ctx, newRecord)
	}
	return h.inner.Handle(ctx, r)
}

func (h *downgradeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *downgradeHandler) WithGroup(name string) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithGroup(name)}
}
