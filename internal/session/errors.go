package session

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExhausted 端口区间已满，需要管理员处理
	ErrCapacityExhausted = errors.New("workspace capacity exhausted: no free ports")

	ErrNotReady = errors.New("workspace did not become ready")

	ErrStopFailed = errors.New("failed to stop workspace")

	ErrInvalidPortRange = errors.New("invalid port range")
)

// StartError 工作区启动失败，可重试。Cause 来自容器运行时。
type StartError struct {
	UserID string
	Cause  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("workspace start failed for user %s: %v", e.UserID, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}
