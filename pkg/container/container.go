package container

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// ManagedByLabel marks every container created by the bot so leftover
// sandboxes can be pruned after a crash.
const ManagedByLabel = "codejam.managed-by"

// ManagedByValue is the value stored under ManagedByLabel.
const ManagedByValue = "codejam-bot"

// Manager handles container runtime operations for sandbox runs.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// Image operations.
	PullImage(ctx context.Context, imageName, policy string) error

	// Container operations.
	CreateContainer(ctx context.Context, spec *Spec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	// StreamLogs copies container stdout/stderr to the given writers until
	// the container exits or ctx is cancelled.
	StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error

	// WaitForContainerExit returns channels that signal when a container
	// exits. The statusCh receives the exit code, errCh any wait errors.
	WaitForContainerExit(ctx context.Context, containerID string) (<-chan int64, <-chan error)

	// PruneStopped removes all stopped containers carrying the managed-by
	// label. Used on startup to clear leftovers from crashed runs.
	PruneStopped(ctx context.Context) (int, error)

	// GetClient returns the underlying Docker client for direct API access
	// (stats sampling).
	GetClient() *client.Client
}

// Mount defines a bind mount into the sandbox container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec defines sandbox container configuration.
type Spec struct {
	Name       string
	Image      string
	Entrypoint []string
	Mounts     []Mount
	Labels     map[string]string
}

// NewManager creates a new container manager backed by the local Docker
// daemon. The client is shared across concurrent sandbox runs.
func NewManager(log logrus.FieldLogger) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "container"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start verifies connectivity with the container runtime.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the runtime client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// PullImage pulls a container image according to the pull policy.
func (m *manager) PullImage(ctx context.Context, imageName, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled")

	return nil
}

// CreateContainer creates a new sandbox container from the spec.
func (m *manager) CreateContainer(ctx context.Context, spec *Spec) (string, error) {
	log := m.log.WithField("container", spec.Name)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))

	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}

	labels[ManagedByLabel] = ManagedByValue

	containerCfg := &container.Config{
		Image:      spec.Image,
		Labels:     labels,
		Entrypoint: spec.Entrypoint,
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID[:12], err)
	}

	m.log.WithField("id", containerID[:12]).Debug("Started container")

	return nil
}

// StopContainer stops a container.
func (m *manager) StopContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID[:12], err)
	}

	m.log.WithField("id", containerID[:12]).Debug("Stopped container")

	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID[:12], err)
	}

	m.log.WithField("id", containerID[:12]).Debug("Removed container")

	return nil
}

// StreamLogs streams container logs to the provided writers.
func (m *manager) StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}

	reader, err := m.client.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	if err != nil && err != io.EOF {
		return fmt.Errorf("copying logs: %w", err)
	}

	return nil
}

// WaitForContainerExit returns channels that signal when a container exits.
func (m *manager) WaitForContainerExit(
	ctx context.Context,
	containerID string,
) (<-chan int64, <-chan error) {
	statusCh := make(chan int64, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(statusCh)
		defer close(errCh)

		waitStatusCh, waitErrCh := m.client.ContainerWait(
			ctx, containerID, container.WaitConditionNotRunning,
		)

		select {
		case status := <-waitStatusCh:
			statusCh <- status.StatusCode
		case err := <-waitErrCh:
			errCh <- err
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return statusCh, errCh
}

// PruneStopped removes all stopped bot-managed containers.
func (m *manager) PruneStopped(ctx context.Context) (int, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", ManagedByLabel+"="+ManagedByValue),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	removed := 0

	for _, c := range containers {
		if err := m.RemoveContainer(ctx, c.ID); err != nil {
			m.log.WithError(err).WithField("id", c.ID[:12]).Warn("Failed to prune container")

			continue
		}

		removed++
	}

	if removed > 0 {
		m.log.WithField("count", removed).Info("Pruned stopped sandbox containers")
	}

	return removed, nil
}

// GetClient returns the underlying Docker client.
func (m *manager) GetClient() *client.Client {
	return m.client
}
