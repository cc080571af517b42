package sandbox_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"robotlab/internal/sandbox"

	"github.com/docker/docker/client"
)

const (
	testImage   = "nginx:alpine"
	testTimeout = 90 * time.Second
)

// TestHarness 管理测试基础设施
type TestHarness struct {
	t            *testing.T
	dockerClient *client.Client
	hostRoot     string
	logger       *slog.Logger
	refs         []string
}

func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Failed to create Docker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		t.Fatalf("Docker daemon is not available: %v", err)
	}

	// 创建临时目录用于主机挂载
	hostRoot, err := os.MkdirTemp("", "workspace-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	return &TestHarness{
		t:            t,
		dockerClient: dockerClient,
		hostRoot:     hostRoot,
		logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (h *TestHarness) Runtime() *sandbox.DockerRuntime {
	return sandbox.NewDockerRuntime(h.dockerClient, sandbox.RuntimeConfig{
		Image:         testImage,
		HostRoot:      h.hostRoot,
		MountPath:     "/usr/share/nginx/html",
		ContainerPort: 80,
		MemoryLimit:   64 * 1024 * 1024,
		CPULimit:      0.2,
		StopTimeout:   2 * time.Second,
	}, sandbox.NewHTTPProbe("/README.md", time.Second), h.logger)
}

func (h *TestHarness) Cleanup(rt *sandbox.DockerRuntime) {
	for _, ref := range h.refs {
		_ = rt.Stop(context.Background(), ref)
	}
	os.RemoveAll(h.hostRoot)
	h.dockerClient.Close()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestDockerRuntimeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	rt := h.Runtime()
	defer h.Cleanup(rt)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ref, err := rt.Start(ctx, sandbox.StartSpec{UserID: "it-1", Port: freePort(t)})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.refs = append(h.refs, ref)

	ready := false
	for i := 0; i < 30 && !ready; i++ {
		ready, err = rt.IsReady(ctx, ref)
		if err != nil {
			t.Fatalf("IsReady failed: %v", err)
		}
		if !ready {
			time.Sleep(500 * time.Millisecond)
		}
	}
	if !ready {
		t.Fatal("container never became ready")
	}

	if err := rt.Stop(ctx, ref); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := rt.Stop(ctx, ref); !errors.Is(err, sandbox.ErrContainerNotFound) {
		t.Fatalf("second Stop should report ErrContainerNotFound, got %v", err)
	}
	h.refs = nil
}
