package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

type StartSpec struct {
	UserID string
	Image  string
	// BindDir 为空时使用 HostRoot 下的用户目录
	BindDir string
	Port    int
}

type RuntimeConfig struct {
	Image         string
	HostRoot      string
	MountPath     string
	ContainerPort int
	ProbeHost     string
	NetworkName   string
	MemoryLimit   int64
	CPULimit      float64
	StopTimeout   time.Duration
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Image:         "robotlab/workspace-ide:latest",
		HostRoot:      "/var/robotlab/workspaces",
		MountPath:     "/home/project",
		ContainerPort: 3000,
		ProbeHost:     "127.0.0.1",
		MemoryLimit:   1024 * 1024 * 1024,
		CPULimit:      1,
		StopTimeout:   10 * time.Second,
	}
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)

func ContainerName(userID string) string {
	return "workspace-user-" + userID
}

// WorkspaceDir 用户的持久化项目目录
func WorkspaceDir(root, userID string) (string, error) {
	if !userIDPattern.MatchString(userID) || userID == "." || userID == ".." {
		return "", fmt.Errorf("%w: user id %q", ErrInvalidPath, userID)
	}
	return filepath.Join(root, "user-"+userID), nil
}

const welcomeFile = "README.md"

const welcomeText = `# Robot workspace

Files in this directory persist between sessions.
The robot execution endpoint is available while your booking is active.
`
