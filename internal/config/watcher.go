package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/agentdeck/internal/logging"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands the new
// configuration to a callback. Invalid files are logged and skipped, so the
// last good configuration stays in effect.
//
// The parent directory is watched rather than the file itself, because
// editors commonly save by renaming a temporary file over the original.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	debounceMu    sync.Mutex
	debounceDelay time.Duration
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start to begin watching and Close when done.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:          abs,
		onChange:      onChange,
		watcher:       fw,
		logger:        logging.Settings(),
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the delay for batching rapid changes.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No callback runs after Close returns.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("config file changed", "path", event.Name, "op", event.Op.String())

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	if _, err := os.Stat(w.path); err != nil {
		// Mid-rename; the Create that follows triggers another reload.
		w.logger.Debug("config file not present, keeping current config", "path", w.path)
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config file", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
