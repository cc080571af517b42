package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

var _ Runtime = (*DockerRuntime)(nil)

type DockerRuntime struct {
	client *client.Client
	config RuntimeConfig
	probe  Probe
	logger *slog.Logger
}

func NewDockerRuntime(client *client.Client, cfg RuntimeConfig, probe Probe, logger *slog.Logger) *DockerRuntime {
	def := DefaultRuntimeConfig()
	if cfg.MountPath == "" {
		cfg.MountPath = def.MountPath
	}
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = def.ContainerPort
	}
	if cfg.ProbeHost == "" {
		cfg.ProbeHost = def.ProbeHost
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	return &DockerRuntime{
		client: client,
		config: cfg,
		probe:  probe,
		logger: logger.With("component", "docker-runtime"),
	}
}

func (r *DockerRuntime) containerPort() nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", r.config.ContainerPort))
}

func (r *DockerRuntime) Start(ctx context.Context, spec StartSpec) (string, error) {
	img := spec.Image
	if img == "" {
		img = r.config.Image
	}
	l := r.logger.With("user_id", spec.UserID, "port", spec.Port)
	l.Info("Starting workspace container", "image", img)

	if err := r.ensureImage(ctx, img); err != nil {
		return "", err
	}

	hostDir := spec.BindDir
	if hostDir == "" {
		dir, err := WorkspaceDir(r.config.HostRoot, spec.UserID)
		if err != nil {
			return "", err
		}
		hostDir = dir
	}
	if err := prepareWorkspace(hostDir); err != nil {
		return "", err
	}

	name := ContainerName(spec.UserID)

	// 上次异常退出可能留下同名容器
	if err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		l.Warn("Failed to remove stale container", "name", name, "error", err)
	}

	port := r.containerPort()
	config := &container.Config{
		Image:        img,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		WorkingDir:   r.config.MountPath,
		Labels: map[string]string{
			"managed_by": "robotlab",
			"user_id":    spec.UserID,
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			fmt.Sprintf("%s:%s:rw", hostDir, r.config.MountPath),
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
		Resources: container.Resources{
			Memory:   r.config.MemoryLimit,
			NanoCPUs: int64(r.config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	var netConfig *network.NetworkingConfig
	if r.config.NetworkName != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.config.NetworkName: {},
			},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		l.Error("Failed to create container", "error", err)
		return "", fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.Error("Failed to start container", "error", err)
		// 如果启动失败，清理容器
		_ = r.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	l.Info("Workspace container started", "container_id", resp.ID)
	return resp.ID, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	_, err := r.client.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	r.logger.Info("Image not found, pulling...", "image", img)
	reader, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	// 异步读取 pull 输出
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		r.logger.Info("Image pull completed", "image", img)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

func prepareWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}
	welcome := filepath.Join(dir, welcomeFile)
	if _, err := os.Stat(welcome); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(welcome, []byte(welcomeText), 0644); err != nil {
			return fmt.Errorf("failed to seed workspace: %w", err)
		}
	}
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, ref string) error {
	r.logger.Info("Stopping container", "container_id", ref)
	timeout := int(r.config.StopTimeout.Seconds())

	if err := r.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := r.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}

	r.logger.Info("Container stopped and removed", "container_id", ref)
	return nil
}

// IsReady 容器在运行且 probe 通过。容器已退出时返回附带日志的错误。
func (r *DockerRuntime) IsReady(ctx context.Context, ref string) (bool, error) {
	inspect, err := r.client.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, ErrContainerNotFound
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}

	if inspect.State == nil || !inspect.State.Running {
		exitCode := 0
		if inspect.State != nil {
			exitCode = inspect.State.ExitCode
		}
		logs := r.tailLogs(ref, 50)
		return false, fmt.Errorf("%w (code %d): %s", ErrContainerExited, exitCode, logs)
	}

	if r.probe == nil {
		return true, nil
	}

	addr, err := r.hostAddr(inspect.NetworkSettings)
	if err != nil {
		return false, err
	}
	if err := r.probe.Check(ctx, addr); err != nil {
		r.logger.Debug("Probe not ready", "container_id", ref, "addr", addr, "error", err)
		return false, nil
	}
	return true, nil
}

func (r *DockerRuntime) hostAddr(settings *container.NetworkSettings) (string, error) {
	if settings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	bindings := settings.Ports[r.containerPort()]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container port %s is not published", r.containerPort())
	}
	return net.JoinHostPort(r.config.ProbeHost, bindings[0].HostPort), nil
}

func (r *DockerRuntime) tailLogs(ref string, tail int) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	render, err := r.client.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return ""
	}
	defer render.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, render)
	return stdoutBuf.String() + stderrBuf.String()
}
