package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every config key looked up in the environment,
// e.g. COLORIZER_STATE_BACKEND for state.backend.
const EnvPrefix = "COLORIZER"

// legacyEnv maps config keys to the unprefixed variable names deployments
// already use.
var legacyEnv = map[string][]string{
	"gemini.api_key":              {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"storage.s3.bucket_name":      {"AWS_S3_BUCKET_NAME"},
	"storage.s3.region":           {"AWS_REGION"},
	"storage.s3.endpoint":         {"AWS_ENDPOINT"},
	"storage.s3.access_key":       {"AWS_ACCESS_KEY"},
	"storage.s3.secret_key":       {"AWS_SECRET_KEY"},
	"storage.minio.access_key":    {"MINIO_ACCESS_KEY"},
	"storage.minio.secret_key":    {"MINIO_SECRET_KEY"},
	"storage.minio.endpoint":      {"MINIO_ENDPOINT"},
	"storage.minio.region":        {"MINIO_REGION"},
	"storage.minio.bucket_name":   {"MINIO_BUCKET_NAME"},
	"storage.minio.use_ssl":       {"MINIO_USE_SSL"},
	"state.postgres.dsn":          {"DATABASE_URL"},
	"queue.redis_addr":            {"REDIS_ADDR"},
	"queue.redis_password":        {"REDIS_PASSWORD"},
	"state.redis.addr":            {"REDIS_ADDR"},
	"state.redis.password":        {"REDIS_PASSWORD"},
	"server.addr":                 {"SERVER_ADDR"},
	"logger.level":                {"LOG_LEVEL"},
	"maintenance.retention":       {"SWEEP_RETENTION"},
	"workflow.default_step_size":  {"DEFAULT_STEP_SIZE"},
	"workflow.default_prompt":     {"DEFAULT_PROMPT"},
	"workflow.max_upload_size":    {"MAX_UPLOAD_SIZE"},
	"storage.local_dir":           {"DATA_DIR"},
	"storage.backend":             {"STORAGE_BACKEND"},
	"state.backend":               {"STATE_BACKEND"},
	"gemini.model":                {"GEMINI_MODEL"},
	"server.stream.ping_interval": {"WS_PING_INTERVAL"},
}

// loadDotEnv reads .env style files into the process environment without
// overriding variables that are already set.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// applyEnv overrides cfg with whatever the environment sets.
func applyEnv(cfg *Config) error {
	v := newEnvViper()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("server.addr", &cfg.Server.Addr)
	str("server.mode", &cfg.Server.Mode)
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = strings.Split(v.GetString("server.allowed_origins"), ",")
	}

	str("logger.level", &cfg.Logger.Level)
	str("logger.encoding", &cfg.Logger.Encoding)

	var stateBackend string
	str("state.backend", &stateBackend)
	if stateBackend != "" {
		cfg.State.Backend = stateBackendOf(stateBackend)
	}
	str("state.redis.addr", &cfg.State.Redis.Addr)
	str("state.redis.password", &cfg.State.Redis.Password)
	integer("state.redis.db", &cfg.State.Redis.DB)
	str("state.redis.prefix", &cfg.State.Redis.Prefix)
	str("state.postgres.dsn", &cfg.State.Postgres.DSN)

	str("storage.backend", &cfg.Storage.Backend)
	str("storage.local_dir", &cfg.Storage.LocalDir)
	str("storage.s3.bucket_name", &cfg.Storage.S3.BucketName)
	str("storage.s3.region", &cfg.Storage.S3.Region)
	str("storage.s3.endpoint", &cfg.Storage.S3.Endpoint)
	str("storage.s3.access_key", &cfg.Storage.S3.AccessKey)
	str("storage.s3.secret_key", &cfg.Storage.S3.SecretKey)
	str("storage.minio.endpoint", &cfg.Storage.Minio.Endpoint)
	str("storage.minio.access_key", &cfg.Storage.Minio.AccessKey)
	str("storage.minio.secret_key", &cfg.Storage.Minio.SecretKey)
	str("storage.minio.region", &cfg.Storage.Minio.Region)
	str("storage.minio.bucket_name", &cfg.Storage.Minio.BucketName)
	boolean("storage.minio.use_ssl", &cfg.Storage.Minio.UseSSL)

	str("gemini.api_key", &cfg.Gemini.APIKey)
	str("gemini.model", &cfg.Gemini.Model)
	integer("gemini.max_attempts", &cfg.Gemini.MaxAttempts)

	integer("workflow.default_step_size", &cfg.Workflow.DefaultStepSize)
	str("workflow.default_prompt", &cfg.Workflow.DefaultPrompt)
	integer("workflow.concurrency", &cfg.Workflow.Concurrency)
	integer("workflow.max_pages", &cfg.Workflow.MaxPages)
	if v.IsSet("workflow.dpi") {
		cfg.Workflow.DPI = v.GetFloat64("workflow.dpi")
	}
	if v.IsSet("workflow.max_upload_size") {
		cfg.Workflow.MaxUploadSize = v.GetInt64("workflow.max_upload_size")
	}

	str("queue.redis_addr", &cfg.Queue.RedisAddr)
	str("queue.redis_password", &cfg.Queue.RedisPassword)
	integer("queue.redis_db", &cfg.Queue.RedisDB)
	integer("worker.concurrency", &cfg.Worker.Concurrency)
	str("maintenance.schedule", &cfg.Maintenance.Schedule)

	durations := map[string]*time.Duration{
		"server.read_timeout":         &cfg.Server.ReadTimeout,
		"server.shutdown_timeout":     &cfg.Server.ShutdownTimeout,
		"server.stream.ping_interval": &cfg.Server.Stream.PingInterval,
		"gemini.initial_backoff":      &cfg.Gemini.InitialBackoff,
		"queue.timeout":               &cfg.Queue.Timeout,
		"maintenance.retention":       &cfg.Maintenance.Retention,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			return errorf("%s: %v", key, err)
		}
		*dst = d
	}
	return nil
}
