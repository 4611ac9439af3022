package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// LocalLauncher runs agent binaries directly on the host.
type LocalLauncher struct {
	logger *logger.Logger
}

// NewLocalLauncher creates a launcher for host binaries.
func NewLocalLauncher(log *logger.Logger) *LocalLauncher {
	return &LocalLauncher{
		logger: log.WithFields(zap.String("component", "local-runtime")),
	}
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

// Start spawns the binary with a scrubbed environment. Binary-missing and
// permission failures surface immediately from here rather than as a later
// broken pipe.
func (l *LocalLauncher) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("launch spec has no command")
	}
	if _, err := exec.LookPath(spec.Command); err != nil {
		return nil, fmt.Errorf("agent binary not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(ScrubEnv(os.Environ()), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	l.logger.Info("agent process started",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.Int("pid", cmd.Process.Pid))

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	// stderr is diagnostic-only, never protocol.
	go l.drainStderr(spec.Command, stderr)

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
		l.logger.Info("agent process exited",
			zap.String("command", spec.Command),
			zap.Int("exit_code", code))
	}()

	return p, nil
}

func (l *LocalLauncher) drainStderr(command string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.logger.Debug("agent stderr",
			zap.String("command", command),
			zap.String("line", line))
	}
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Stop closes stdin, sends SIGTERM, and escalates to SIGKILL if the process
// is still running when the context expires or after a grace period.
func (p *localProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()

	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}
