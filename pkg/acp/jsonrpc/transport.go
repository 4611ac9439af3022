package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// interactivePrompts are substrings of diagnostic output that indicate the
// CLI started in interactive mode and is blocked waiting for a keystroke.
// A bare Enter is written to stdin to unblock it.
var interactivePrompts = []string{
	"press enter to continue",
	"do you trust the files in this folder",
	"continue? (y/n)",
	"[y/n]",
}

// FrameHandler receives each syntactically valid JSON object read from the
// agent's stdout, one call per line.
type FrameHandler func(frame json.RawMessage)

// Transport frames line-delimited JSON messages over a subprocess's
// stdin/stdout. Writes are serialized; reads run in a single loop owned by
// the caller via ReadLoop.
type Transport struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex
	logger  *logger.Logger
}

// NewTransport creates a framed transport over the given streams.
func NewTransport(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Transport {
	return &Transport{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "acp-transport")),
	}
}

// WriteMessage sends one JSON-serialized message terminated by a newline
// (CRLF on Windows).
func (t *Transport) WriteMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if runtime.GOOS == "windows" {
		data = append(data, '\r', '\n')
	} else {
		data = append(data, '\n')
	}

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	t.logger.Debug("sent frame", zap.ByteString("data", bytes.TrimSpace(data)))
	return nil
}

// ReadLoop reads the agent's stdout until EOF or done, delivering each valid
// JSON object to onFrame. Partial lines split across OS-level reads are
// buffered until the terminating newline arrives. Non-JSON lines are logged
// as diagnostics and matched against known interactive prompts.
func (t *Transport) ReadLoop(onFrame FrameHandler, done <-chan struct{}) error {
	scanner := bufio.NewScanner(t.stdout)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-done:
			return nil
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) || line[0] != '{' {
			t.handleDiagnostic(line)
			continue
		}

		t.logger.Debug("received frame", zap.ByteString("data", line))

		// The scanner reuses its buffer between calls
		frame := make(json.RawMessage, len(line))
		copy(frame, line)
		onFrame(frame)
	}

	return scanner.Err()
}

// handleDiagnostic processes a non-protocol line from the agent's stdout.
// Known interactive prompts get a benign Enter keystroke so a CLI that
// started in the wrong mode does not strand the session.
func (t *Transport) handleDiagnostic(line []byte) {
	text := string(line)
	t.logger.Debug("agent diagnostic output", zap.String("text", text))

	lowered := strings.ToLower(text)
	for _, prompt := range interactivePrompts {
		if strings.Contains(lowered, prompt) {
			t.logger.Warn("interactive prompt detected, sending enter",
				zap.String("prompt", prompt))
			t.writeMu.Lock()
			_, _ = t.stdin.Write([]byte("\n"))
			t.writeMu.Unlock()
			return
		}
	}
}
