package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	ReaperLocal = "local"
	ReaperQueue = "queue"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Storage   StorageConfig
	Workspace WorkspaceConfig
	Booking   BookingConfig
	Reaper    ReaperConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// StorageConfig memory 模式不连接 postgres/redis，只用于本地开发
type StorageConfig struct {
	Driver string
}

type WorkspaceConfig struct {
	Image         string
	HostRoot      string
	MountPath     string
	PublicHost    string
	ProbeHost     string
	PortBase      int
	PortMax       int
	ContainerPort int
	ProbeKind     string
	ProbeTarget   string
	ProbeTimeout  time.Duration
	ProbeAttempts int
	ProbeInterval time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	NetworkName   string
	ContainerMem  int64
	ContainerCPU  float64
}

type BookingConfig struct {
	MaxDuration time.Duration
	Grace       time.Duration
}

type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Mode        string
	Queue       string
	Concurrency int
}

type AuthConfig struct {
	JWTSecret    string
	BridgeSecret string
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	if err := loadDotEnv(".env"); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}

	hostname, _ := os.Hostname()

	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 180*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "robotlab"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
		},
		Workspace: WorkspaceConfig{
			Image:         getEnv("WORKSPACE_IMAGE", "robotlab/workspace-ide:latest"),
			HostRoot:      getEnv("WORKSPACE_HOST_ROOT", "/var/robotlab/workspaces"),
			MountPath:     getEnv("WORKSPACE_MOUNT_PATH", "/home/project"),
			PublicHost:    getEnv("WORKSPACE_PUBLIC_HOST", "localhost"),
			ProbeHost:     getEnv("WORKSPACE_PROBE_HOST", "127.0.0.1"),
			PortBase:      getIntEnv("WORKSPACE_PORT_BASE", 3001),
			PortMax:       getIntEnv("WORKSPACE_PORT_MAX", 4000),
			ContainerPort: getIntEnv("WORKSPACE_CONTAINER_PORT", 3000),
			ProbeKind:     getEnv("WORKSPACE_PROBE_KIND", "http"),
			ProbeTarget:   getEnv("WORKSPACE_PROBE_TARGET", "/"),
			ProbeTimeout:  getDurationEnv("WORKSPACE_PROBE_TIMEOUT", 2*time.Second),
			ProbeAttempts: getIntEnv("WORKSPACE_PROBE_ATTEMPTS", 30),
			ProbeInterval: getDurationEnv("WORKSPACE_PROBE_INTERVAL", time.Second),
			StartTimeout:  getDurationEnv("WORKSPACE_START_TIMEOUT", 2*time.Minute),
			StopTimeout:   getDurationEnv("WORKSPACE_STOP_TIMEOUT", 30*time.Second),
			NetworkName:   getEnv("WORKSPACE_NETWORK", ""),
			ContainerMem:  int64(getIntEnv("WORKSPACE_CONTAINER_MEM_MB", 1024)),
			ContainerCPU:  getFloatEnv("WORKSPACE_CONTAINER_CPU", 1),
		},
		Booking: BookingConfig{
			MaxDuration: getDurationEnv("BOOKING_MAX_DURATION", 4*time.Hour),
			Grace:       getDurationEnv("BOOKING_GRACE", 5*time.Minute),
		},
		Reaper: ReaperConfig{
			Interval:    getDurationEnv("REAPER_INTERVAL", time.Minute),
			IdleTimeout: getDurationEnv("REAPER_IDLE_TIMEOUT", 30*time.Minute),
			Mode:        strings.ToLower(getEnv("REAPER_MODE", ReaperLocal)),
			Queue:       getEnv("REAPER_QUEUE", "reap-"+hostname),
			Concurrency: getIntEnv("REAPER_CONCURRENCY", 1),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			BridgeSecret: getEnv("BRIDGE_SECRET", ""),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

// loadDotEnv 文件不存在不算错误，格式错误会返回
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}

// Validate 启动前检查，错误一次性返回
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}
	switch c.Reaper.Mode {
	case ReaperLocal:
	case ReaperQueue:
		if c.Storage.Driver == StorageMemory {
			errs = append(errs, errors.New("REAPER_MODE=queue requires redis (STORAGE_DRIVER=postgres)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REAPER_MODE %q", c.Reaper.Mode))
	}
	if c.Workspace.PortBase <= 0 || c.Workspace.PortMax > 65535 || c.Workspace.PortBase > c.Workspace.PortMax {
		errs = append(errs, fmt.Errorf("invalid workspace port range [%d, %d]", c.Workspace.PortBase, c.Workspace.PortMax))
	}
	if c.Booking.MaxDuration <= 0 {
		errs = append(errs, errors.New("BOOKING_MAX_DURATION must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
