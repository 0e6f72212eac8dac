package defra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage         = "sourcenetwork/defradb:latest"
	DefaultContainerName = "magicalstory-defra"
	DefaultPort          = "9181"
	ContainerPort        = "9181/tcp"
	DataDir              = "/data"
	Label                = "magicalstory.defra"

	defaultReadyTimeout = 30 * time.Second
)

// ErrContainerNotFound is returned by operations that need an existing container.
var ErrContainerNotFound = errors.New("defra container not found")

// ContainerStatus represents the state of the DefraDB container.
type ContainerStatus string

const (
	StatusRunning   ContainerStatus = "running"
	StatusStopped   ContainerStatus = "stopped"
	StatusNotFound  ContainerStatus = "not_found"
	StatusUnhealthy ContainerStatus = "unhealthy"
	StatusStarting  ContainerStatus = "starting"
)

// dockerStates maps docker's container states onto ours. Anything else
// passes through unchanged.
var dockerStates = map[string]ContainerStatus{
	"running":    StatusRunning,
	"exited":     StatusStopped,
	"dead":       StatusStopped,
	"created":    StatusStarting,
	"restarting": StatusStarting,
}

// DockerConfig holds configuration for the Docker manager.
type DockerConfig struct {
	ContainerName string
	Image         string
	// DataPath is the host directory bound to /data, usually ~/.magicalstory/defradb.
	DataPath string
	HostPort string
	// Labels are added to the container. Tests use them for cleanup.
	Labels       map[string]string
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// DockerManager manages the DefraDB container that backs the story store.
type DockerManager struct {
	cli    *client.Client
	cfg    DockerConfig
	labels map[string]string
	logger *slog.Logger
}

// containerRef is the subset of a container listing the manager acts on.
type containerRef struct {
	id     string
	status ContainerStatus
}

// NewDockerManager creates a new Docker manager for DefraDB.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.ContainerName == "" {
		cfg.ContainerName = DefaultContainerName
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.HostPort == "" {
		cfg.HostPort = DefaultPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	labels := map[string]string{Label: "true"}
	maps.Copy(labels, cfg.Labels)

	return &DockerManager{cli: cli, cfg: cfg, labels: labels, logger: logger}, nil
}

// Close closes the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// URL returns the DefraDB API URL.
func (m *DockerManager) URL() string {
	return "http://localhost:" + m.cfg.HostPort
}

// Start brings DefraDB up, reusing a stopped container when one exists.
// It is a no-op when the container is already running.
func (m *DockerManager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	ref, err := m.find(ctx)
	if err != nil {
		return err
	}

	switch ref.status {
	case StatusRunning:
		return nil
	case StatusStopped:
		m.logger.Info("starting existing defra container", "name", m.cfg.ContainerName)
		if err := m.cli.ContainerStart(ctx, ref.id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
	case StatusNotFound:
		if err := m.create(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("container in unexpected state: %s", ref.status)
	}
	return m.WaitReady(ctx, m.cfg.ReadyTimeout)
}

// Stop stops the container. A missing container is not an error.
func (m *DockerManager) Stop(ctx context.Context) error {
	ref, err := m.find(ctx)
	if err != nil || ref.status == StatusNotFound {
		return err
	}

	timeout := 10
	if err := m.cli.ContainerStop(ctx, ref.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the container. Data on the host bind mount survives.
func (m *DockerManager) Remove(ctx context.Context) error {
	ref, err := m.find(ctx)
	if err != nil || ref.status == StatusNotFound {
		return err
	}
	if ref.status == StatusRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}

	if err := m.cli.ContainerRemove(ctx, ref.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status returns the current status of the DefraDB container.
func (m *DockerManager) Status(ctx context.Context) (ContainerStatus, error) {
	ref, err := m.find(ctx)
	return ref.status, err
}

// Logs returns the last tail lines of container output.
func (m *DockerManager) Logs(ctx context.Context, tail string) (string, error) {
	ref, err := m.find(ctx)
	if err != nil {
		return "", err
	}
	if ref.status == StatusNotFound {
		return "", ErrContainerNotFound
	}

	rc, err := m.cli.ContainerLogs(ctx, ref.id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(out), nil
}

// ValidateExisting reports whether a container left over from an earlier
// run matches this configuration. No container at all is compatible.
func (m *DockerManager) ValidateExisting(ctx context.Context) error {
	ref, err := m.find(ctx)
	if err != nil || ref.status == StatusNotFound {
		return err
	}

	info, err := m.cli.ContainerInspect(ctx, ref.id)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if info.Config != nil && info.Config.Image != m.cfg.Image {
		return fmt.Errorf("existing container runs image %s, expected %s", info.Config.Image, m.cfg.Image)
	}

	if info.HostConfig == nil {
		return fmt.Errorf("existing container has no host config")
	}
	bindings := info.HostConfig.PortBindings[ContainerPort]
	if len(bindings) == 0 {
		return fmt.Errorf("existing container has no port binding for %s", ContainerPort)
	}
	if got := bindings[0].HostPort; got != m.cfg.HostPort {
		return fmt.Errorf("existing container bound to port %s, expected %s", got, m.cfg.HostPort)
	}

	if m.cfg.DataPath == "" {
		return nil
	}
	for _, mnt := range info.Mounts {
		if mnt.Destination != DataDir {
			continue
		}
		if mnt.Source != m.cfg.DataPath {
			return fmt.Errorf("existing container mounts %s, expected %s", mnt.Source, m.cfg.DataPath)
		}
		return nil
	}
	return fmt.Errorf("existing container has no mount for %s", DataDir)
}

// WaitReady polls the health endpoint once a second until it answers or
// timeout elapses.
func (m *DockerManager) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := NewClient(m.URL())
	err := retry.Do(
		func() error {
			probe, done := context.WithTimeout(ctx, 2*time.Second)
			defer done()
			return c.HealthCheck(probe)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("defra not ready after %s: %w", timeout, err)
	}
	return nil
}

func (m *DockerManager) create(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	cfg := &container.Config{
		Image: m.cfg.Image,
		Cmd: []string{
			"start",
			"--no-keyring",
			"--url", "0.0.0.0:9181",
			"--store", "badger",
			"--rootdir", DataDir,
		},
		Labels:       m.labels,
		ExposedPorts: nat.PortSet{ContainerPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD", "curl", "-sf", "http://localhost:9181/health-check"},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 5 * time.Second,
		},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			ContainerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: m.cfg.HostPort}},
		},
	}
	if m.cfg.DataPath != "" {
		host.Mounts = []mount.Mount{{Type: mount.TypeBind, Source: m.cfg.DataPath, Target: DataDir}}
	}

	m.logger.Info("creating defra container", "name", m.cfg.ContainerName, "image", m.cfg.Image, "port", m.cfg.HostPort)
	resp, err := m.cli.ContainerCreate(ctx, cfg, host, nil, nil, m.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// find looks the container up by name.
func (m *DockerManager) find(ctx context.Context) (containerRef, error) {
	args := filters.NewArgs(filters.Arg("name", "^/"+m.cfg.ContainerName+"$"))
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return containerRef{}, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(list) == 0 {
		return containerRef{status: StatusNotFound}, nil
	}

	c := list[0]
	status, ok := dockerStates[c.State]
	if !ok {
		status = ContainerStatus(c.State)
	}
	return containerRef{id: c.ID, status: status}, nil
}

func (m *DockerManager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.cfg.Image); err == nil {
		return nil
	}

	m.logger.Info("pulling defra image", "image", m.cfg.Image)
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer rc.Close()

	_, err = io.Copy(io.Discard, rc)
	return err
}
