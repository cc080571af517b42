package registry

import "errors"

var (
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceUnavailable 资源不存在或已下线，区别于预约冲突
	ErrResourceUnavailable = errors.New("resource unavailable")
)
