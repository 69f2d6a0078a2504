// Package transcript reads conversation transcripts persisted by the agent.
//
// Transcripts are append-only NDJSON files, one per session, laid out as
//
//	<dir>/<project>/<session-id>.jsonl
//
// The store never writes: the agent backend persists turns on its own, and
// this package only locates, reads and lists them.
package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/protocol"
)

const fileExt = ".jsonl"

// maxLineSize bounds a single transcript record. Tool results with large file
// contents can exceed bufio's 64KB default by a wide margin.
const maxLineSize = 10 * 1024 * 1024

var (
	ErrNotFound         = errors.New("transcript not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Summary describes one persisted transcript for session listings.
type Summary struct {
	SessionID    string    `json:"session_id"`
	Project      string    `json:"project"`
	Path         string    `json:"path"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"message_count"`
	LastModified time.Time `json:"last_modified"`
}

// Store provides read access to transcripts under a projects directory.
// It is safe for concurrent use.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory does not need to
// exist yet; an absent directory simply holds no transcripts.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the Claude Code projects directory (~/.claude/projects).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Locate returns the path of the transcript for sessionID.
func (s *Store) Locate(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}

	// Transcripts directly under the root are accepted too.
	direct := filepath.Join(s.dir, sessionID+fileExt)
	if fileExists(direct) {
		return direct, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, "*", sessionID+fileExt))
	if err != nil {
		return "", fmt.Errorf("failed to search transcripts: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	if len(matches) > 1 {
		// The same id under several projects: the most recently written wins.
		sort.Slice(matches, func(i, j int) bool {
			return modTime(matches[i]).After(modTime(matches[j]))
		})
	}
	return matches[0], nil
}

// Read returns every protocol message of a transcript in file order.
// A transcript that does not exist yields an empty list and no error.
// Lines that fail to parse, and records that are not protocol messages,
// are skipped.
func (s *Store) Read(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	path, err := s.Locate(sessionID)
	if errors.Is(err, ErrNotFound) {
		return []protocol.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return ReadFile(ctx, path)
}

// ReadFile parses one transcript file.
func ReadFile(ctx context.Context, path string) ([]protocol.Message, error) {
	log := logging.Transcript()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []protocol.Message{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	messages := []protocol.Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownKind) {
				skipped++
				log.Debug("skipping unparseable transcript line",
					"path", path, "line", lineNo, "error", err)
			}
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	if skipped > 0 {
		log.Warn("transcript had unparseable lines", "path", path, "skipped", skipped)
	}
	return messages, nil
}

// List returns a summary of every transcript, most recently modified first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*", "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	summaries := make([]Summary, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		messages, err := ReadFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		summaries = append(summaries, Summary{
			SessionID:    strings.TrimSuffix(filepath.Base(path), fileExt),
			Project:      filepath.Base(filepath.Dir(path)),
			Path:         path,
			Summary:      FirstPrompt(messages),
			MessageCount: len(messages),
			LastModified: info.ModTime(),
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastModified.After(summaries[j].LastModified)
	})
	return summaries, nil
}

// FirstPrompt returns the text of the first user message that is not a tool
// result, or "".
func FirstPrompt(messages []protocol.Message) string {
	for _, m := range messages {
		um, ok := m.(*protocol.UserMessage)
		if !ok || um.IsToolResult() {
			continue
		}
		if text := strings.TrimSpace(um.FirstText()); text != "" {
			return text
		}
	}
	return ""
}

func validateSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
