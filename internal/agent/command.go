package agent

import (
	"fmt"

	"github.com/google/shlex"
)

// ParseCommand splits an agent command line into arguments using
// shell-aware tokenization:
//   - "sh -c 'cd /dir && cmd'" -> ["sh", "-c", "cd /dir && cmd"]
//   - "claude --settings \"my settings.json\"" -> ["claude", "--settings", "my settings.json"]
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}
