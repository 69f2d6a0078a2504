// Package appdir locates the agentdeck data directory, which holds the
// configuration file (config.yaml) and rotated logs (logs/).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "AGENTDECK_DIR"

	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "config.yaml"

	// LogsDirName is the name of the log subdirectory.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory. It is resolved, in order, from:
//  1. the AGENTDECK_DIR environment variable
//  2. the platform default:
//     - macOS: ~/Library/Application Support/agentdeck
//     - Linux: $XDG_DATA_HOME/agentdeck or ~/.local/share/agentdeck
//     - Windows: %APPDATA%\agentdeck
//
// The directory is not created; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}
	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "agentdeck"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "agentdeck"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataDir, "agentdeck"), nil
	}
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	logs := filepath.Join(dir, LogsDirName)
	if err := os.MkdirAll(logs, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", logs, err)
	}
	return nil
}

// ConfigPath returns the path of the configuration file.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// LogPath returns the default log file path.
func LogPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName, "agentdeck.log"), nil
}

// ResetCache clears the cached directory. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
