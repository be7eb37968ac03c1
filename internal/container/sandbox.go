package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
)

// Sandbox is the isolation namespace agents of one container share: a
// workspace path and, for the docker backend, a long-lived container the
// tools run inside.
type Sandbox interface {
	ContainerID() string
	WorkspacePath() string
	Start(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// SandboxFactory builds the sandbox for a new container.
type SandboxFactory interface {
	CreateSandbox(ctx context.Context, containerID string) (Sandbox, error)
}

// LocalSandbox isolates agents with a per-container workspace directory.
type LocalSandbox struct {
	containerID string
	workspace   string
}

// NewLocalSandboxFactory creates sandboxes rooted at workspacesPath.
func NewLocalSandboxFactory(workspacesPath string) SandboxFactory {
	return &localSandboxFactory{root: workspacesPath}
}

type localSandboxFactory struct {
	root string
}

func (f *localSandboxFactory) CreateSandbox(_ context.Context, containerID string) (Sandbox, error) {
	return &LocalSandbox{
		containerID: containerID,
		workspace:   filepath.Join(f.root, containerID),
	}, nil
}

func (s *LocalSandbox) ContainerID() string   { return s.containerID }
func (s *LocalSandbox) WorkspacePath() string { return s.workspace }

func (s *LocalSandbox) Start(_ context.Context) error {
	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *LocalSandbox) Destroy(_ context.Context) error {
	if err := os.RemoveAll(s.workspace); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// DockerSandbox runs a long-lived docker container with the workspace
// mounted at /workspace. It drives the docker CLI rather than the engine
// API so the backend works against docker, podman, and remote contexts
// without extra configuration.
type DockerSandbox struct {
	containerID string
	workspace   string
	image       string
	host        string
	logger      *logger.Logger
}

// NewDockerSandboxFactory creates docker-backed sandboxes. host may be empty
// to use the CLI default context.
func NewDockerSandboxFactory(workspacesPath, image, host string, log *logger.Logger) SandboxFactory {
	return &dockerSandboxFactory{root: workspacesPath, image: image, host: host, logger: log}
}

type dockerSandboxFactory struct {
	root   string
	image  string
	host   string
	logger *logger.Logger
}

func (f *dockerSandboxFactory) CreateSandbox(_ context.Context, containerID string) (Sandbox, error) {
	if f.image == "" {
		return nil, fmt.Errorf("docker sandbox needs an image")
	}
	return &DockerSandbox{
		containerID: containerID,
		workspace:   filepath.Join(f.root, containerID),
		image:       f.image,
		host:        f.host,
		logger:      f.logger.WithContainerID(containerID),
	}, nil
}

func (s *DockerSandbox) ContainerID() string   { return s.containerID }
func (s *DockerSandbox) WorkspacePath() string { return s.workspace }

// dockerName is the docker-side container name for this sandbox.
func (s *DockerSandbox) dockerName() string {
	return "agentx-" + s.containerID
}

func (s *DockerSandbox) docker(ctx context.Context, args ...string) *exec.Cmd {
	if s.host != "" {
		args = append([]string{"--host", s.host}, args...)
	}
	return exec.CommandContext(ctx, "docker", args...)
}

func (s *DockerSandbox) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	cmd := s.docker(ctx, "run", "-d",
		"--name", s.dockerName(),
		"-v", s.workspace+":/workspace",
		"-w", "/workspace",
		s.image, "sleep", "infinity")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("docker sandbox started", zap.String("image", s.image))
	return nil
}

func (s *DockerSandbox) Destroy(ctx context.Context) error {
	cmd := s.docker(ctx, "rm", "-f", s.dockerName())
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Warn("docker rm failed",
			zap.Error(err), zap.String("output", strings.TrimSpace(string(out))))
	}
	if err := os.RemoveAll(s.workspace); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
