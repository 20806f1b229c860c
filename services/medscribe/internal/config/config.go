package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; MEDSCRIBE_CONFIG overrides it.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	LogsDir           string   `yaml:"logsDir"`
	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Upload      UploadConfig      `yaml:"upload"`
}

type DatabaseConfig struct {
	// Driver is postgres or memory.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	JWTSecret                string        `yaml:"jwtSecret"`
	SessionTTL               time.Duration `yaml:"sessionTTL"`
	Issuer                   string        `yaml:"issuer"`
	Audience                 string        `yaml:"audience"`
	Leeway                   time.Duration `yaml:"leeway"`
	LoginRateLimitPerMinute  int           `yaml:"loginRateLimitPerMinute"`
	SignupRateLimitPerMinute int           `yaml:"signupRateLimitPerMinute"`
}

type StorageConfig struct {
	// Driver is filesystem or minio.
	Driver         string `yaml:"driver"`
	BasePath       string `yaml:"basePath"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

type QueueConfig struct {
	// Driver is local, redis or amqp.
	Driver    string `yaml:"driver"`
	Stream    string `yaml:"stream"`
	Group     string `yaml:"group"`
	AMQPURL   string `yaml:"amqpURL"`
	QueueName string `yaml:"queueName"`
}

type DispatchConfig struct {
	Workers           int            `yaml:"workers"`
	QueueSize         int            `yaml:"queueSize"`
	// ReconcileInterval is nil when unset; an explicit 0 disables the sweep.
	ReconcileInterval *time.Duration `yaml:"reconcileInterval"`
	StaleAfter        time.Duration  `yaml:"staleAfter"`
}

// SweepInterval returns the reconcile period, 0 when disabled.
func (d DispatchConfig) SweepInterval() time.Duration {
	if d.ReconcileInterval == nil {
		return 0
	}
	return *d.ReconcileInterval
}

type TranscriberConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

type UploadConfig struct {
	MaxBytes     int64    `yaml:"maxBytes"`
	AllowedTypes []string `yaml:"allowedTypes"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and defaults, then validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("MEDSCRIBE_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments run without a file
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.SessionTTL = d
		}
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Storage.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Storage.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Storage.MinioUseSSL = b
		}
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	}
	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Workers = n
		}
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.ReconcileInterval = &d
		}
	}
	if v := os.Getenv("TRANSCRIBER_URL"); v != "" {
		cfg.Transcriber.URL = v
	}
	if v := os.Getenv("TRANSCRIBER_API_KEY"); v != "" {
		cfg.Transcriber.APIKey = v
	}
	if v := os.Getenv("TRANSCRIBER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transcriber.Timeout = d
		}
	}
	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Upload.MaxBytes = n
		}
	}
	if v := os.Getenv("UPLOAD_ALLOWED_TYPES"); v != "" {
		cfg.Upload.AllowedTypes = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "5000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Database.Driver = lowerOr(cfg.Database.Driver, "postgres")
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 4 * time.Hour
	}
	if cfg.Auth.LoginRateLimitPerMinute == 0 {
		cfg.Auth.LoginRateLimitPerMinute = 20
	}
	if cfg.Auth.SignupRateLimitPerMinute == 0 {
		cfg.Auth.SignupRateLimitPerMinute = 10
	}
	cfg.Storage.Driver = lowerOr(cfg.Storage.Driver, "filesystem")
	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = "uploads"
	}
	cfg.Queue.Driver = lowerOr(cfg.Queue.Driver, "local")
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "medscribe:dispatch"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "medscribe-dispatchers"
	}
	if cfg.Queue.QueueName == "" {
		cfg.Queue.QueueName = "medscribe.dispatch"
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 256
	}
	if cfg.Dispatch.ReconcileInterval == nil {
		interval := 5 * time.Minute
		cfg.Dispatch.ReconcileInterval = &interval
	}
	if cfg.Dispatch.StaleAfter == 0 {
		cfg.Dispatch.StaleAfter = 2 * time.Minute
	}
	if cfg.Transcriber.Timeout == 0 {
		cfg.Transcriber.Timeout = 5 * time.Minute
	}
	if cfg.Upload.MaxBytes == 0 {
		cfg.Upload.MaxBytes = 5 << 20
	}
	if len(cfg.Upload.AllowedTypes) == 0 {
		cfg.Upload.AllowedTypes = []string{"image/jpeg", "image/png", "application/pdf"}
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return errors.New("config: auth.jwtSecret must be at least 32 characters")
	}
	switch cfg.Database.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			return errors.New("config: database.url is required (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", cfg.Database.Driver)
	}
	switch cfg.Storage.Driver {
	case "filesystem":
	case "minio":
		if cfg.Storage.MinioEndpoint == "" || cfg.Storage.MinioBucket == "" {
			return errors.New("config: storage.minioEndpoint and storage.minioBucket are required for the minio driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.Queue.Driver {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("config: redis.addr is required for the redis queue driver")
		}
	case "amqp":
		if strings.TrimSpace(cfg.Queue.AMQPURL) == "" {
			return errors.New("config: queue.amqpURL is required for the amqp queue driver")
		}
	default:
		return fmt.Errorf("config: unknown queue.driver %q", cfg.Queue.Driver)
	}
	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.QueueSize < 1 {
		return errors.New("config: dispatch.workers and dispatch.queueSize must be >= 1")
	}
	if cfg.Dispatch.SweepInterval() < 0 || cfg.Dispatch.StaleAfter < 0 {
		return errors.New("config: dispatch durations must be >= 0")
	}
	if cfg.Transcriber.Timeout < 0 {
		return errors.New("config: transcriber.timeout must be >= 0")
	}
	if cfg.Upload.MaxBytes < 0 {
		return errors.New("config: upload.maxBytes must be >= 0")
	}
	if cfg.Auth.LoginRateLimitPerMinute < 0 || cfg.Auth.SignupRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func lowerOr(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
