// Package config loads the settings shared by the server and worker
// commands: built-in defaults, then an optional YAML file, then .env, then
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/page-colorizer/api/handlers"
	"github.com/feichai0017/page-colorizer/internal/colorize"
	"github.com/feichai0017/page-colorizer/internal/ingest"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/state"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
	"github.com/feichai0017/page-colorizer/pkg/storage"
	"github.com/feichai0017/page-colorizer/pkg/worker"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type Config struct {
	Server      ServerConfig       `yaml:"server" mapstructure:"server"`
	Logger      logger.Config      `yaml:"logger" mapstructure:"logger"`
	State       state.Config       `yaml:"state" mapstructure:"state"`
	Storage     StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Gemini      colorize.Config    `yaml:"gemini" mapstructure:"gemini"`
	Workflow    WorkflowConfig     `yaml:"workflow" mapstructure:"workflow"`
	Queue       queue.QueueConfig  `yaml:"queue" mapstructure:"queue"`
	Worker      worker.Config      `yaml:"worker" mapstructure:"worker"`
	Maintenance worker.SweepConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

type ServerConfig struct {
	Addr            string                `yaml:"addr" mapstructure:"addr"`
	Mode            string                `yaml:"mode" mapstructure:"mode"`
	AllowedOrigins  []string              `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration         `yaml:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration         `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Stream          handlers.StreamConfig `yaml:"stream" mapstructure:"stream"`
}

type StorageConfig struct {
	Backend  string      `yaml:"backend" mapstructure:"backend"`
	LocalDir string      `yaml:"local_dir" mapstructure:"local_dir"`
	S3       S3Config    `yaml:"s3" mapstructure:"s3"`
	Minio    MinioConfig `yaml:"minio" mapstructure:"minio"`
}

type WorkflowConfig struct {
	DefaultStepSize int     `yaml:"default_step_size" mapstructure:"default_step_size"`
	DefaultPrompt   string  `yaml:"default_prompt" mapstructure:"default_prompt"`
	DPI             float64 `yaml:"dpi" mapstructure:"dpi"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxUploadSize   int64   `yaml:"max_upload_size" mapstructure:"max_upload_size"`
	MaxPages        int     `yaml:"max_pages" mapstructure:"max_pages"`
}

// Ingest is the ingest.Config part of the workflow section.
func (w WorkflowConfig) Ingest() ingest.Config {
	return ingest.Config{DPI: w.DPI, Concurrency: w.Concurrency}
}

// Default returns a configuration that runs locally without external services.
func Default() *Config {
	logCfg := logger.DefaultConfig()
	logCfg.OutputPaths = []string{"stdout"}

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Stream:          handlers.DefaultStreamConfig(),
		},
		Logger: logCfg,
		State: state.Config{
			Backend: state.BackendMemory,
			Redis:   state.RedisConfig{Addr: "localhost:6379", Prefix: "colorizer:"},
		},
		Storage: StorageConfig{
			Backend:  string(storage.StorageTypeLocal),
			LocalDir: "data/documents",
		},
		Gemini: colorize.DefaultConfig(),
		Workflow: WorkflowConfig{
			DefaultStepSize: 10,
			DefaultPrompt:   colorize.DefaultPrompt,
			DPI:             ingest.DefaultDPI,
			Concurrency:     4,
			MaxUploadSize:   100 << 20,
			MaxPages:        500,
		},
		Queue: queue.QueueConfig{
			RedisAddr:  "localhost:6379",
			MaxRetries: 3,
			Timeout:    30 * time.Minute,
			StatusTTL:  24 * time.Hour,
		},
		Worker: worker.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
				queue.QueueLow:      1,
			},
		},
		Maintenance: worker.SweepConfig{
			Retention: 7 * 24 * time.Hour,
			Schedule:  "@every 1h",
		},
	}
}

// Load builds the configuration. path may be empty; envFiles default to
// ".env" and missing files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errorf("server.addr is required")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return errorf("server.mode must be debug, release or test, got %q", c.Server.Mode)
	}

	switch c.State.Backend {
	case state.BackendMemory:
	case state.BackendRedis:
		if c.State.Redis.Addr == "" {
			return errorf("state.redis.addr is required")
		}
	case state.BackendPostgres:
		if c.State.Postgres.DSN == "" {
			return errorf("state.postgres.dsn is required")
		}
	default:
		return errorf("unknown state backend %q", c.State.Backend)
	}

	switch storage.StorageType(c.Storage.Backend) {
	case storage.StorageTypeLocal:
		if c.Storage.LocalDir == "" {
			return errorf("storage.local_dir is required")
		}
	case storage.StorageTypeMemory:
	case storage.StorageTypeS3:
		if err := c.Storage.S3.validate(); err != nil {
			return err
		}
	case storage.StorageTypeMinio:
		if err := c.Storage.Minio.validate(); err != nil {
			return err
		}
	default:
		return errorf("unknown storage backend %q", c.Storage.Backend)
	}

	w := c.Workflow
	if w.DefaultStepSize < models.MinStepSize || w.DefaultStepSize > models.MaxStepSize {
		return errorf("workflow.default_step_size must be between %d and %d", models.MinStepSize, models.MaxStepSize)
	}
	if w.DefaultPrompt == "" {
		return errorf("workflow.default_prompt is required")
	}
	if w.DPI <= 0 {
		return errorf("workflow.dpi must be positive")
	}
	if w.MaxUploadSize <= 0 {
		return errorf("workflow.max_upload_size must be positive")
	}
	if w.MaxPages <= 0 {
		return errorf("workflow.max_pages must be positive")
	}

	if c.Gemini.MaxAttempts < 1 {
		return errorf("gemini.max_attempts must be at least 1")
	}
	if c.Maintenance.Retention <= 0 {
		return errorf("maintenance.retention must be positive")
	}
	return nil
}
