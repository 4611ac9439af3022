package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/agent/docker"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
)

// DockerLauncher runs agent CLIs inside containers with attached stdio.
type DockerLauncher struct {
	client *docker.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewDockerLauncher creates a launcher backed by the Docker daemon.
func NewDockerLauncher(cfg config.DockerConfig, log *logger.Logger) (*DockerLauncher, error) {
	cli, err := docker.NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &DockerLauncher{
		client: cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

// Close releases the underlying Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

type dockerProcess struct {
	client      *docker.Client
	containerID string
	attach      *docker.AttachResult

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

// Start creates an interactive container for the spec, attaches its stdio,
// and starts it. The agent command runs as the container entrypoint's Cmd.
func (l *DockerLauncher) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	img := spec.Image
	if img == "" {
		img = l.cfg.Image
	}
	if img == "" {
		return nil, fmt.Errorf("launch spec has no container image")
	}

	if err := l.client.PullImage(ctx, img); err != nil {
		l.logger.Warn("image pull failed, trying local image",
			zap.String("image", img), zap.Error(err))
	}

	cmd := append([]string{spec.Command}, spec.Args...)
	containerID, err := l.client.CreateContainerInteractive(ctx, docker.ContainerConfig{
		Name:       spec.Name,
		Image:      img,
		Cmd:        cmd,
		Env:        ScrubEnv(spec.Env),
		WorkingDir: spec.WorkingDir,
		Network:    l.cfg.Network,
		Labels:     map[string]string{"agentwire.managed": "true"},
		AutoRemove: false,
	})
	if err != nil {
		return nil, err
	}

	attach, err := l.client.AttachContainer(ctx, containerID)
	if err != nil {
		_ = l.client.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}

	if err := l.client.StartContainer(ctx, containerID); err != nil {
		_ = attach.Close()
		_ = l.client.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}

	p := &dockerProcess{
		client:      l.client,
		containerID: containerID,
		attach:      attach,
		done:        make(chan struct{}),
	}

	go func() {
		code, err := l.client.WaitContainer(context.Background(), containerID)
		if err != nil {
			code = -1
		}
		p.mu.Lock()
		p.exitCode = int(code)
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *dockerProcess) Stdin() io.WriteCloser { return p.attach.Stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.attach.Stdout }
func (p *dockerProcess) Done() <-chan struct{} { return p.done }

func (p *dockerProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Stop stops and removes the container.
func (p *dockerProcess) Stop(ctx context.Context) error {
	defer func() { _ = p.attach.Close() }()

	if err := p.client.StopContainer(ctx, p.containerID, 10*time.Second); err != nil {
		_ = p.client.RemoveContainer(ctx, p.containerID, true)
		return err
	}
	return p.client.RemoveContainer(ctx, p.containerID, false)
}
