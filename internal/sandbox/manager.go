// Package sandbox provides Docker-backed ephemeral sandboxes for agent runs.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/vibelabs/vibe-server/internal/config"
)

const (
	containerUser   = "1000"
	workingDir      = "/home/user/app"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Sandbox network configuration.
	sandboxNetwork = "vibe-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	sandboxLabel = "vibe.sandbox"

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// ExecResult captures the output of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Manager defines the interface for managing agent sandboxes. All methods are
// fallible remote calls; callers do not retry them directly — retry is the
// job runner's responsibility at step granularity.
type Manager interface {
	// Create provisions a new sandbox and returns its opaque id.
	Create(ctx context.Context) (string, error)

	// Exec runs a shell command inside the sandbox and returns captured
	// stdout/stderr and the exit code. A non-zero exit code is not an error.
	Exec(ctx context.Context, sandboxID, command string) (ExecResult, error)

	// WriteFile writes content to a path relative to the sandbox workdir.
	WriteFile(ctx context.Context, sandboxID, filePath, content string) error

	// ReadFile reads a path relative to the sandbox workdir.
	ReadFile(ctx context.Context, sandboxID, filePath string) (string, error)

	// PreviewURL resolves the sandbox's published preview port to a URL.
	PreviewURL(ctx context.Context, sandboxID string) (string, error)

	// Stop stops and removes a sandbox. Idempotent.
	Stop(ctx context.Context, sandboxID string) error

	// ReapExpired stops sandboxes older than ttl. Returns the number reaped.
	ReapExpired(ctx context.Context, ttl time.Duration) (int, error)

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli         *client.Client
	image       string
	runtime     string // Container runtime: "" = default (runc), "runsc" = gVisor
	previewPort int
	previewHost string
}

// NewDockerManager creates a new Docker-backed sandbox manager.
func NewDockerManager(cfg *config.Config) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Sandbox.Runtime
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerManager{
		cli:         cli,
		image:       cfg.Sandbox.Image,
		runtime:     runtime,
		previewPort: cfg.Sandbox.PreviewPort,
		previewHost: "localhost",
	}, nil
}

// Create provisions a new sandbox container and returns its id.
func (m *DockerManager) Create(ctx context.Context) (string, error) {
	name := "vibe-sbx-" + uuid.NewString()[:8]

	cfg := &container.Config{
		Image:      m.image,
		User:       containerUser,
		WorkingDir: workingDir,
		Tty:        false,
		// Keep the container alive; commands run via exec sessions.
		Cmd: []string{"sleep", "infinity"},
		Labels: map[string]string{
			sandboxLabel: "1",
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:         m.runtime,
		NetworkMode:     container.NetworkMode(sandboxNetwork),
		PublishAllPorts: true,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox: %w", createErr)
		}

		// Random-suffix collisions are rare; pick a new name and retry.
		slog.Warn("Sandbox name conflict during create, retrying",
			"name", name,
			"attempt", i+1,
			"error", createErr,
		)
		name = "vibe-sbx-" + uuid.NewString()[:8]

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove sandbox after start failure", "sandbox_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox created and started", "sandbox_id", resp.ID, "name", name)
	return resp.ID, nil
}

// Exec runs a shell command inside the sandbox, capturing output.
func (m *DockerManager) Exec(ctx context.Context, sandboxID, command string) (ExecResult, error) {
	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", command},
		User:         containerUser,
		WorkingDir:   workingDir,
	}

	resp, err := m.cli.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in sandbox %s: %w", sandboxID, err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	// Demultiplex the attached stream into separate stdout/stderr buffers.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// WriteFile writes content to a path relative to the sandbox workdir.
func (m *DockerManager) WriteFile(ctx context.Context, sandboxID, filePath, content string) error {
	rel := path.Clean(strings.TrimPrefix(filePath, "/"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("invalid sandbox path %q", filePath)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	// Emit parent directory headers so extraction never depends on the
	// directories already existing.
	var dirs []string
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Name:     dir + "/",
			Mode:     0755,
			Typeflag: tar.TypeDir,
		}); err != nil {
			return fmt.Errorf("write tar dir header: %w", err)
		}
	}

	if err := tw.WriteHeader(&tar.Header{
		Name: rel,
		Mode: 0644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := m.cli.CopyToContainer(ctx, sandboxID, workingDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to sandbox %s: %w", rel, sandboxID, err)
	}
	return nil
}

// ReadFile reads a path relative to the sandbox workdir.
func (m *DockerManager) ReadFile(ctx context.Context, sandboxID, filePath string) (string, error) {
	rel := path.Clean(strings.TrimPrefix(filePath, "/"))
	reader, _, err := m.cli.CopyFromContainer(ctx, sandboxID, path.Join(workingDir, rel))
	if err != nil {
		return "", fmt.Errorf("copy %s from sandbox %s: %w", rel, sandboxID, err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			slog.Warn("failed to close copy reader", "error", closeErr)
		}
	}()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read tar from sandbox: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("read %s from sandbox: %w", rel, err)
		}
		return string(content), nil
	}
	return "", fmt.Errorf("no regular file at %s in sandbox %s", rel, sandboxID)
}

// PreviewURL resolves the sandbox's published preview port to a URL.
func (m *DockerManager) PreviewURL(ctx context.Context, sandboxID string) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox %s has no network settings", sandboxID)
	}

	for port, bindings := range inspect.NetworkSettings.Ports {
		if port.Int() != m.previewPort || port.Proto() != "tcp" {
			continue
		}
		for _, binding := range bindings {
			if binding.HostPort != "" {
				return fmt.Sprintf("http://%s:%s", m.previewHost, binding.HostPort), nil
			}
		}
	}
	return "", fmt.Errorf("sandbox %s does not publish port %d", sandboxID, m.previewPort)
}

// Stop stops and removes a sandbox. It is idempotent.
func (m *DockerManager) Stop(ctx context.Context, sandboxID string) error {
	slog.Info("Stopping sandbox", "sandbox_id", sandboxID)

	_, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "sandbox_id", sandboxID)
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already stopped/removed", "sandbox_id", sandboxID)
		} else {
			slog.Debug("Sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, sandbox may still be removed", "sandbox_id", sandboxID, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	slog.Info("Sandbox stopped and removed", "sandbox_id", sandboxID)
	return nil
}

// ReapExpired stops sandboxes older than ttl.
func (m *DockerManager) ReapExpired(ctx context.Context, ttl time.Duration) (int, error) {
	listFilters := filters.NewArgs()
	listFilters.Add("label", sandboxLabel+"=1")

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: listFilters,
	})
	if err != nil {
		return 0, fmt.Errorf("list sandboxes: %w", err)
	}

	threshold := time.Now().Add(-ttl).Unix()
	reaped := 0
	for _, c := range containers {
		if c.Created >= threshold {
			continue
		}
		if err := m.Stop(ctx, c.ID); err != nil {
			slog.Error("Failed to reap expired sandbox", "sandbox_id", c.ID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: sandboxSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}
