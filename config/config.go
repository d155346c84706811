package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Limits    LimitsConfig    `yaml:"limits"`
	Models    ModelsConfig    `yaml:"models"`
	Image     ImageConfig     `yaml:"image"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowOrigins    []string      `yaml:"allow_origins"`
}

type LogConfig struct {
	Level       string   `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding    string   `yaml:"encoding" validate:"oneof=json console"`
	OutputPaths []string `yaml:"output_paths" validate:"min=1"`
	// Rotation limits for file outputs.
	MaxSizeMB  int `yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int `yaml:"max_age_days" validate:"min=0"`
}

type StorageConfig struct {
	Root          string        `yaml:"root" validate:"required"`
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	SweepSchedule string        `yaml:"sweep_schedule" validate:"required"`
	Mirror        MirrorConfig  `yaml:"mirror"`
}

type SchedulerConfig struct {
	// Workers is the number of FileJobs processed at once.
	Workers int `yaml:"workers" validate:"min=1"`
	// MaxConcurrentCalls bounds model calls in flight across all tasks.
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls" validate:"min=1"`
	// RetryAttempts is the total number of tries for a retryable failure.
	RetryAttempts int           `yaml:"retry_attempts" validate:"min=1,max=10"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`
}

type LimitsConfig struct {
	MaxFileSize  int64 `yaml:"max_file_size" validate:"min=1"`
	MaxBatchSize int64 `yaml:"max_batch_size" validate:"min=1,gtefield=MaxFileSize"`
	MaxFiles     int   `yaml:"max_files" validate:"min=1"`
}

type ImageConfig struct {
	MaxDimension int      `yaml:"max_dimension" validate:"min=256"`
	Preprocess   []string `yaml:"preprocess" validate:"dive,oneof=grayscale contrast sharpen denoise"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
			AllowOrigins:    []string{"*"},
		},
		Log: LogConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout", "logs/notebot.log"},
			MaxSizeMB:   100,
			MaxBackups:  3,
			MaxAgeDays:  7,
		},
		Storage: StorageConfig{
			Root:          "data/tasks",
			Retention:     24 * time.Hour,
			SweepSchedule: "@every 1h",
			Mirror:        MirrorConfig{Type: MirrorNone},
		},
		Scheduler: SchedulerConfig{
			Workers:            8,
			MaxConcurrentCalls: 4,
			RetryAttempts:      2,
			RetryDelay:         2 * time.Second,
		},
		Limits: LimitsConfig{
			MaxFileSize:  16 << 20,
			MaxBatchSize: 64 << 20,
			MaxFiles:     20,
		},
		Models: defaultModels(),
		Image: ImageConfig{
			MaxDimension: 2048,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// .env file and NOTEBOT_* environment variables, in that order.
func Load(path string) (*Config, error) {
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

	envFile := os.Getenv("NOTEBOT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

type override struct {
	key   string
	apply func(c *Config, v string) error
}

var overrides = []override{
	{"NOTEBOT_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"NOTEBOT_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"NOTEBOT_STORAGE_ROOT", func(c *Config, v string) error { c.Storage.Root = v; return nil }},
	{"NOTEBOT_RETENTION", func(c *Config, v string) (err error) {
		c.Storage.Retention, err = cast.ToDurationE(v)
		return err
	}},
	{"NOTEBOT_SWEEP_SCHEDULE", func(c *Config, v string) error { c.Storage.SweepSchedule = v; return nil }},
	{"NOTEBOT_MIRROR", func(c *Config, v string) error { c.Storage.Mirror.Type = MirrorType(v); return nil }},
	{"NOTEBOT_WORKERS", func(c *Config, v string) (err error) {
		c.Scheduler.Workers, err = cast.ToIntE(v)
		return err
	}},
	{"NOTEBOT_MAX_CONCURRENT_CALLS", func(c *Config, v string) (err error) {
		c.Scheduler.MaxConcurrentCalls, err = cast.ToInt64E(v)
		return err
	}},
	{"NOTEBOT_RETRY_ATTEMPTS", func(c *Config, v string) (err error) {
		c.Scheduler.RetryAttempts, err = cast.ToIntE(v)
		return err
	}},
	{"NOTEBOT_RETRY_DELAY", func(c *Config, v string) (err error) {
		c.Scheduler.RetryDelay, err = cast.ToDurationE(v)
		return err
	}},
	{"NOTEBOT_MAX_FILE_SIZE", func(c *Config, v string) (err error) {
		c.Limits.MaxFileSize, err = cast.ToInt64E(v)
		return err
	}},
	{"NOTEBOT_MAX_BATCH_SIZE", func(c *Config, v string) (err error) {
		c.Limits.MaxBatchSize, err = cast.ToInt64E(v)
		return err
	}},
	{"NOTEBOT_MAX_FILES", func(c *Config, v string) (err error) {
		c.Limits.MaxFiles, err = cast.ToIntE(v)
		return err
	}},
	{"NOTEBOT_MODEL_TIMEOUT", func(c *Config, v string) (err error) {
		c.Models.Timeout, err = cast.ToDurationE(v)
		return err
	}},
	{"NOTEBOT_RECOGNIZER", func(c *Config, v string) error { c.Models.Recognizer = v; return nil }},
	{"NOTEBOT_ENHANCER", func(c *Config, v string) error { c.Models.Enhancer = v; return nil }},
	{"OLLAMA_HOST", func(c *Config, v string) error { c.Models.Ollama.Endpoint = v; return nil }},
	{"NOTEBOT_VISION_MODEL", func(c *Config, v string) error { c.Models.Ollama.VisionModel = v; return nil }},
	{"NOTEBOT_TEXT_MODEL", func(c *Config, v string) error { c.Models.Ollama.TextModel = v; return nil }},
	{"GEMINI_API_KEY", func(c *Config, v string) error { c.Models.Gemini.APIKey = v; return nil }},
	{"NOTEBOT_REDIS_ADDR", func(c *Config, v string) error {
		c.Models.Cache.RedisAddr = v
		c.Models.Cache.Enabled = v != ""
		return nil
	}},
	{"NOTEBOT_CACHE", func(c *Config, v string) (err error) {
		c.Models.Cache.Enabled, err = cast.ToBoolE(v)
		return err
	}},
	{"AWS_REGION", func(c *Config, v string) error {
		c.Models.Textract.Region = v
		c.Storage.Mirror.S3.Region = v
		return nil
	}},
	{"AWS_ACCESS_KEY", func(c *Config, v string) error {
		c.Models.Textract.AccessKey = v
		c.Storage.Mirror.S3.AccessKey = v
		return nil
	}},
	{"AWS_SECRET_KEY", func(c *Config, v string) error {
		c.Models.Textract.SecretKey = v
		c.Storage.Mirror.S3.SecretKey = v
		return nil
	}},
	{"AWS_S3_BUCKET_NAME", func(c *Config, v string) error { c.Storage.Mirror.S3.BucketName = v; return nil }},
	{"AWS_ENDPOINT", func(c *Config, v string) error { c.Storage.Mirror.S3.Endpoint = v; return nil }},
	{"MINIO_ENDPOINT", func(c *Config, v string) error { c.Storage.Mirror.Minio.Endpoint = v; return nil }},
	{"MINIO_ACCESS_KEY", func(c *Config, v string) error { c.Storage.Mirror.Minio.AccessKey = v; return nil }},
	{"MINIO_SECRET_KEY", func(c *Config, v string) error { c.Storage.Mirror.Minio.SecretKey = v; return nil }},
	{"MINIO_REGION", func(c *Config, v string) error { c.Storage.Mirror.Minio.Region = v; return nil }},
	{"MINIO_BUCKET_NAME", func(c *Config, v string) error { c.Storage.Mirror.Minio.BucketName = v; return nil }},
	{"MINIO_USE_SSL", func(c *Config, v string) (err error) {
		c.Storage.Mirror.Minio.UseSSL, err = cast.ToBoolE(v)
		return err
	}},
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	for _, o := range overrides {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("invalid value for %s: %w", o.key, err)
		}
	}
	return nil
}
