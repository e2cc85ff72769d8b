package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerProvider implements Provider using the Docker SDK. A session is a
// long-lived container; workloads run inside it via the exec API.
type DockerProvider struct {
	client *client.Client
	image  string
}

// NewDockerProvider creates a Docker-based provider. The client is
// initialized from standard environment variables (DOCKER_HOST, etc.).
func NewDockerProvider(img string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if img == "" {
		img = "alpine:latest"
	}
	return &DockerProvider{client: cli, image: img}, nil
}

// Connect implements Provider.Connect by starting a long-lived container.
func (p *DockerProvider) Connect(ctx context.Context, credential string) (Session, error) {
	// Check if the image exists locally first to save time.
	_, err := p.client.ImageInspect(ctx, p.image)
	if err != nil {
		reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", p.image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image: p.image,
		// Keep the container alive between exec'd workloads.
		Cmd: []string{"sleep", "infinity"},
		Env: []string{"SANDFLEET_KEY=" + credential},
		Labels: map[string]string{
			"io.sandfleet.managed": "true",
		},
	}
	created, err := p.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Don't leak the created container on a failed start.
		_ = p.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &dockerSession{client: p.client, containerID: created.ID}, nil
}

type dockerSession struct {
	client      *client.Client
	containerID string

	mu     sync.Mutex
	closed bool
}

func (s *dockerSession) ID() string {
	if len(s.containerID) > 12 {
		return s.containerID[:12]
	}
	return s.containerID
}

// RunBackground starts the command inside the session container via the
// exec API and begins draining its output.
func (s *dockerSession) RunBackground(ctx context.Context, command string) (Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session %s is closed", s.ID())
	}

	resp, err := s.client.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.client.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	h := &dockerHandle{
		client: s.client,
		execID: resp.ID,
		stdout: newBoundedBuffer(captureLimit),
		stderr: newBoundedBuffer(captureLimit),
	}
	go func() {
		defer attach.Close()
		_, _ = stdcopy.StdCopy(h.stdout, h.stderr, attach.Reader)
	}()

	return h, nil
}

// Close force-removes the session container. Safe to call multiple times;
// an already-removed container is not an error.
func (s *dockerSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.client.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", s.ID(), err)
	}
	return nil
}

type dockerHandle struct {
	client *client.Client
	execID string
	stdout *boundedBuffer
	stderr *boundedBuffer
}

// Wait polls the exec until it stops running or the context expires.
func (h *dockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitResult{ExitCode: -1}, ctx.Err()
		case <-ticker.C:
			inspect, err := h.client.ContainerExecInspect(ctx, h.execID)
			if err != nil {
				return ExitResult{ExitCode: -1}, fmt.Errorf("failed to inspect exec: %w", err)
			}
			if inspect.Running {
				continue
			}
			return ExitResult{
				ExitCode: inspect.ExitCode,
				Stdout:   h.stdout.String(),
				Stderr:   h.stderr.String(),
			}, nil
		}
	}
}
