package sandbox

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrContainerExited = errors.New("container exited")

	ErrInvalidPath = errors.New("invalid path")

	ErrImagePullFailed = errors.New("failed to pull image")
)
