package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker Engine client the runtime uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerRuntime implements Runtime on the Docker Engine SDK.
type DockerRuntime struct {
	client dockerAPI
	logger *slog.Logger
}

// NewDockerRuntime creates a runtime connected to host, or to the daemon
// named by the DOCKER_HOST environment when host is empty.
func NewDockerRuntime(host string, logger *slog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to create Docker client: %w", err)
	}
	return newDockerRuntimeWithClient(cli, logger), nil
}

// newDockerRuntimeWithClient creates a DockerRuntime with an injected client (for testing).
func newDockerRuntimeWithClient(cli dockerAPI, logger *slog.Logger) *DockerRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{client: cli, logger: logger}
}

// PullImage pulls ref unless it is already present locally.
func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty image reference", ErrImageUnavailable)
	}
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	d.logger.Info("Pulling image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, ref, err)
	}
	defer reader.Close()

	// Consume the pull output to completion
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, ref, err)
	}
	return nil
}

// CreateAndStart implements Runtime.
func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hc, err := buildConfig(spec)
	if err != nil {
		return "", err
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hc, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("sandbox: failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("Container create warning", "container", resp.ID, "warning", w)
	}

	for _, c := range spec.Copies {
		archive, err := createTarFromDir(c.Source, c.Target)
		if err != nil {
			return resp.ID, fmt.Errorf("sandbox: failed to archive %s: %w", c.Source, err)
		}
		if err := d.client.CopyToContainer(ctx, resp.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
			return resp.ID, fmt.Errorf("sandbox: failed to copy %s to container: %w", c.Source, err)
		}
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("sandbox: failed to start container: %w", err)
	}
	return resp.ID, nil
}

// StreamLogs implements Runtime.
func (d *DockerRuntime) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logReader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: failed to read logs: %w", err)
	}
	defer logReader.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logReader); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sandbox: failed to read logs: %w", err)
	}
	return nil
}

// Wait implements Runtime.
func (d *DockerRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.client.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return true, fmt.Errorf("sandbox: container %s: %s", id, status.Error.Message)
		}
		return true, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if waitCtx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("sandbox: error waiting for container: %w", err)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
}

// Kill sends SIGKILL to the container.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := d.client.ContainerKill(ctx, id, "KILL"); err != nil {
		return fmt.Errorf("sandbox: failed to kill container: %w", err)
	}
	return nil
}

// ExitCode implements Runtime.
func (d *DockerRuntime) ExitCode(ctx context.Context, id string) (int, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("sandbox: failed to inspect container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return 0, fmt.Errorf("sandbox: container %s has no state", id)
	}
	return info.State.ExitCode, nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("sandbox: failed to remove container: %w", err)
	}
	return nil
}

// Close cleans up the Docker client.
func (d *DockerRuntime) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// buildConfig translates a ContainerSpec into Docker create parameters.
func buildConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	if spec.Image == "" {
		return nil, nil, fmt.Errorf("sandbox: image is required")
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Entrypoint: spec.Entrypoint,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		User:       spec.User,
	}
	hc := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
		if err != nil {
			return nil, nil, fmt.Errorf("sandbox: invalid ports: %w", err)
		}
		cfg.ExposedPorts = exposed
		hc.PortBindings = bindings
	}

	// Resource limits
	if spec.MemoryLimit > 0 {
		hc.Resources.Memory = spec.MemoryLimit
	}
	if spec.CPULimit > 0 {
		// Docker uses NanoCPUs (1 CPU = 1e9 NanoCPUs)
		hc.Resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]mount.Mount, len(spec.Mounts))
		for i, m := range spec.Mounts {
			mounts[i] = mount.Mount{
				Type:     mount.TypeBind,
				Source:   m.Source,
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			}
		}
		hc.Mounts = mounts
	}

	if spec.NetworkMode != "" {
		hc.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	return cfg, hc, nil
}
