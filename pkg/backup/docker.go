package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
)

// Quiescer pauses writers to the sync directory for the length of a batch.
type Quiescer interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// DockerQuiescer stops a container before a batch and starts it again
// afterwards.
type DockerQuiescer struct {
	cli       *client.Client
	container string
	timeout   time.Duration
	log       *zap.Logger
}

// NewDockerQuiescer connects to the Docker daemon from the environment.
func NewDockerQuiescer(containerName string) (*DockerQuiescer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerQuiescer{
		cli:       cli,
		container: containerName,
		timeout:   2 * time.Minute,
		log:       logging.Named("docker").With(zap.String("container", containerName)),
	}, nil
}

// Close releases the Docker client.
func (d *DockerQuiescer) Close() error {
	return d.cli.Close()
}

// Validate checks that the container exists and is reachable.
func (d *DockerQuiescer) Validate(ctx context.Context) error {
	if _, err := d.cli.ContainerInspect(ctx, d.container); err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", d.container, err)
	}
	return nil
}

// poll calls check every interval until it reports done or the timeout
// passes.
func (d *DockerQuiescer) poll(ctx context.Context, interval time.Duration, what string, check func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for container %s to %s", d.container, what)
		case <-ticker.C:
		}
	}
}

func (d *DockerQuiescer) Stop(ctx context.Context) error {
	d.log.Info("stopping container")
	timeoutSeconds := 30
	if err := d.cli.ContainerStop(ctx, d.container, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return d.poll(ctx, 100*time.Millisecond, "stop", func() (bool, error) {
		info, err := d.cli.ContainerInspect(ctx, d.container)
		if err != nil {
			return false, fmt.Errorf("failed to inspect container: %w", err)
		}
		return !info.State.Running, nil
	})
}

func (d *DockerQuiescer) Start(ctx context.Context) error {
	d.log.Info("starting container")
	if err := d.cli.ContainerStart(ctx, d.container, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	info, err := d.cli.ContainerInspect(ctx, d.container)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State.Health != nil {
		d.log.Info("waiting for container to be healthy")
		return d.poll(ctx, time.Second, "become healthy", func() (bool, error) {
			info, err := d.cli.ContainerInspect(ctx, d.container)
			if err != nil {
				return false, fmt.Errorf("failed to inspect container health: %w", err)
			}
			switch info.State.Health.Status {
			case "healthy":
				return true, nil
			case "unhealthy":
				return false, fmt.Errorf("container %s is unhealthy after start", d.container)
			}
			return false, nil
		})
	}
	return d.poll(ctx, 100*time.Millisecond, "start", func() (bool, error) {
		info, err := d.cli.ContainerInspect(ctx, d.container)
		if err != nil {
			return false, fmt.Errorf("failed to inspect container: %w", err)
		}
		if info.State.Running {
			return true, nil
		}
		if info.State.ExitCode != 0 {
			return false, fmt.Errorf("container %s failed to start (exit code: %d)", d.container, info.State.ExitCode)
		}
		return false, nil
	})
}
