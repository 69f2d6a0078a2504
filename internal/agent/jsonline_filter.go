package agent

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

// jsonLineFilter wraps an agent's stdout and drops every line that does not
// start with '{'. ACP agents that crash tend to paint terminal UI (ANSI
// sequences, box drawing) on stdout, which would otherwise break JSON-RPC
// framing.
type jsonLineFilter struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	pending []byte
}

func newJSONLineFilter(r io.Reader, logger *slog.Logger) *jsonLineFilter {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxStdoutLine)
	return &jsonLineFilter{scanner: scanner, logger: logger}
}

func (f *jsonLineFilter) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}

	for f.scanner.Scan() {
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			if f.logger != nil {
				logLine := string(line)
				if len(logLine) > 200 {
					logLine = logLine[:100] + "..." + logLine[len(logLine)-50:]
				}
				f.logger.Debug("filtered non-JSON line from agent stdout",
					"line", logLine, "length", len(line))
			}
			continue
		}
		buf := make([]byte, len(line)+1)
		copy(buf, line)
		buf[len(line)] = '\n'
		n := copy(p, buf)
		f.pending = buf[n:]
		return n, nil
	}

	if err := f.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}
