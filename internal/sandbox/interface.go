package sandbox

import "context"

// Runtime 容器运行时。Start 返回的 ref 是后续 Stop/IsReady 的句柄。
type Runtime interface {
	Start(ctx context.Context, spec StartSpec) (string, error)
	// Stop 停止并删除容器，容器不存在时返回 ErrContainerNotFound
	Stop(ctx context.Context, ref string) error
	IsReady(ctx context.Context, ref string) (bool, error)
}

// Probe 检查容器内服务是否可用
type Probe interface {
	Check(ctx context.Context, addr string) error
}
