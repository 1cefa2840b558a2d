package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/internal/state"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Workflow.DefaultStepSize)
	assert.Equal(t, 150.0, cfg.Workflow.DPI)
	assert.Equal(t, state.BackendMemory, cfg.State.Backend)
	assert.Equal(t, "@every 1h", cfg.Maintenance.Schedule)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9090"
  stream:
    ping_interval: 15s
state:
  backend: redis
  redis:
    addr: redis:6379
    prefix: "pc:"
storage:
  backend: minio
  minio:
    endpoint: minio:9000
    bucket_name: pages
workflow:
  default_step_size: 5
  dpi: 200
maintenance:
  retention: 48h
`)

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.Stream.PingInterval)
	assert.Equal(t, state.BackendRedis, cfg.State.Backend)
	assert.Equal(t, "pc:", cfg.State.Redis.Prefix)
	assert.Equal(t, "pages", cfg.Storage.Minio.BucketName)
	assert.Equal(t, 5, cfg.Workflow.DefaultStepSize)
	assert.Equal(t, 200.0, cfg.Workflow.DPI)
	assert.Equal(t, 48*time.Hour, cfg.Maintenance.Retention)
	// untouched keys keep their defaults
	assert.Equal(t, 500, cfg.Workflow.MaxPages)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "workflow:\n  default_step_size: 5\n")
	t.Setenv("COLORIZER_WORKFLOW_DEFAULT_STEP_SIZE", "7")
	t.Setenv("COLORIZER_MAINTENANCE_RETENTION", "3d")
	t.Setenv("COLORIZER_STATE_BACKEND", "Postgres")
	t.Setenv("COLORIZER_STATE_POSTGRES_DSN", "postgres://localhost/colorizer")

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workflow.DefaultStepSize)
	assert.Equal(t, 72*time.Hour, cfg.Maintenance.Retention)
	assert.Equal(t, state.BackendPostgres, cfg.State.Backend)
	assert.Equal(t, "postgres://localhost/colorizer", cfg.State.Postgres.DSN)
}

func TestLegacyEnvNames(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "secret")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("AWS_S3_BUCKET_NAME", "bucket")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Gemini.APIKey)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "bucket", cfg.Storage.S3.BucketName)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
}

func TestDotEnvFile(t *testing.T) {
	env := writeFile(t, "test.env", "COLORIZER_WORKFLOW_MAX_PAGES=42\n")
	t.Cleanup(func() { _ = os.Unsetenv("COLORIZER_WORKFLOW_MAX_PAGES") })

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Workflow.MaxPages)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := writeFile(t, "bad.yaml", "server: [")
	_, err = Load(bad, noEnvFile(t))
	assert.ErrorContains(t, err, "failed to parse config file")

	t.Setenv("COLORIZER_MAINTENANCE_RETENTION", "soon")
	_, err = Load("", noEnvFile(t))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"mode":            func(c *Config) { c.Server.Mode = "prod" },
		"state backend":   func(c *Config) { c.State.Backend = "etcd" },
		"redis addr":      func(c *Config) { c.State.Backend = state.BackendRedis; c.State.Redis.Addr = "" },
		"postgres dsn":    func(c *Config) { c.State.Backend = state.BackendPostgres },
		"storage backend": func(c *Config) { c.Storage.Backend = "ftp" },
		"s3 bucket":       func(c *Config) { c.Storage.Backend = "s3" },
		"minio endpoint":  func(c *Config) { c.Storage.Backend = "minio" },
		"step size":       func(c *Config) { c.Workflow.DefaultStepSize = 51 },
		"prompt":          func(c *Config) { c.Workflow.DefaultPrompt = "" },
		"dpi":             func(c *Config) { c.Workflow.DPI = 0 },
		"attempts":        func(c *Config) { c.Gemini.MaxAttempts = 0 },
		"retention":       func(c *Config) { c.Maintenance.Retention = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = parseDuration(" 90m ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("xd")
	assert.Error(t, err)
}
