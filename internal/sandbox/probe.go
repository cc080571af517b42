package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HTTPProbe IDE 的 HTTP 端口返回 2xx/3xx 即视为就绪
type HTTPProbe struct {
	Path    string
	Timeout time.Duration
	client  *http.Client
}

func NewHTTPProbe(path string, timeout time.Duration) *HTTPProbe {
	if path == "" {
		path = "/"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProbe{
		Path:    path,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProbe) Check(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+p.Path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned %d", addr, resp.StatusCode)
	}
	return nil
}

// GRPCProbe 使用标准 grpc.health.v1 协议
type GRPCProbe struct {
	Service string
	Timeout time.Duration
}

func NewGRPCProbe(service string, timeout time.Duration) *GRPCProbe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCProbe{Service: service, Timeout: timeout}
}

func (p *GRPCProbe) Check(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("probe %s status %s", addr, resp.GetStatus())
	}
	return nil
}

// NewProbe 按配置选择 probe 类型
func NewProbe(kind, target string, timeout time.Duration) (Probe, error) {
	switch kind {
	case "", "http":
		return NewHTTPProbe(target, timeout), nil
	case "grpc":
		return NewGRPCProbe(target, timeout), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}
