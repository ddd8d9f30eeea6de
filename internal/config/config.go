package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/uri"
)

type Config struct {
	API       APIConfig
	Image     ImageConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr          string        `env:"PIXELGATE_API_ADDR" envDefault:":8080"`
	PathBase      string        `env:"PIXELGATE_PATH_BASE"`
	BrowserMaxAge time.Duration `env:"PIXELGATE_BROWSER_MAX_AGE" envDefault:"168h"`
}

type ImageConfig struct {
	// HMACSecret keys request tokens. Empty disables authorization.
	HMACSecret   string `env:"PIXELGATE_HMAC_SECRET"`
	URICase      string `env:"PIXELGATE_URI_CASE" envDefault:"lower"`
	WebRoot      string `env:"PIXELGATE_WEB_ROOT"`
	ContentRoot  string `env:"PIXELGATE_CONTENT_ROOT"`
	ObjectPrefix string `env:"PIXELGATE_OBJECT_PREFIX"`
	MaxDimension int    `env:"PIXELGATE_MAX_DIMENSION" envDefault:"8192"`
}

func (c ImageConfig) CaseHandling() (uri.CaseHandling, error) {
	return uri.ParseCaseHandling(c.URICase)
}

type CacheConfig struct {
	Folder      string        `env:"PIXELGATE_CACHE_FOLDER" envDefault:"is-cache"`
	Root        string        `env:"PIXELGATE_CACHE_ROOT"`
	HashLength  int           `env:"PIXELGATE_CACHE_HASH_LENGTH" envDefault:"12"`
	FolderDepth int           `env:"PIXELGATE_CACHE_FOLDER_DEPTH" envDefault:"8"`
	MaxAge      time.Duration `env:"PIXELGATE_CACHE_MAX_AGE" envDefault:"8760h"`
}

// ResolveRoot returns the absolute cache directory for the given web and
// content roots.
func (c CacheConfig) ResolveRoot(webRoot, contentRoot string) (string, error) {
	return cache.ResolveRoot(cache.RootOptions{
		CacheFolder:   c.Folder,
		CacheRootPath: c.Root,
	}, webRoot, contentRoot)
}

type QueueConfig struct {
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	Name          string        `env:"ASYNQ_QUEUE" envDefault:"default"`
	MaxRetry      int           `env:"ASYNQ_MAX_RETRY" envDefault:"5"`
	TaskTimeout   time.Duration `env:"ASYNQ_TASK_TIMEOUT" envDefault:"3m"`
	Retention     time.Duration `env:"ASYNQ_RETENTION" envDefault:"24h"`
}

// ClientOptions maps the queue settings onto the enqueue options.
func (q QueueConfig) ClientOptions() queue.Options {
	return queue.Options{
		Queue:     q.Name,
		MaxRetry:  q.MaxRetry,
		Timeout:   q.TaskTimeout,
		Retention: q.Retention,
	}
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `env:"WORKER_CONCURRENCY"`
	MaxActiveJobs int    `env:"WORKER_MAX_ACTIVE_JOBS"`
	MetricsAddr   string `env:"WORKER_METRICS_ADDR" envDefault:":9091"`
}

type StorageConfig struct {
	Endpoint       string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	Region         string `env:"MINIO_REGION"`
	AccessKey      string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey      string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	Bucket         string `env:"MINIO_BUCKET" envDefault:"pixelgate-sources"`
	UseSSL         bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	MaxObjectBytes int64  `env:"MINIO_MAX_OBJECT_BYTES" envDefault:"67108864"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres job store. Empty keeps jobs in memory.
	DSN string `env:"POSTGRES_DSN"`
}

type RateLimitConfig struct {
	Capacity      int           `env:"RATE_LIMIT_CAPACITY" envDefault:"300"`
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	SubjectHeader string        `env:"RATE_LIMIT_SUBJECT_HEADER" envDefault:"X-User-ID"`
}

type TracingConfig struct {
	Exporter     string  `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

type WebhookConfig struct {
	SigningSecret  string        `env:"WEBHOOK_SIGNING_SECRET"`
	Timeout        time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	MaxAttempts    int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `env:"WEBHOOK_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"WEBHOOK_MAX_BACKOFF" envDefault:"30s"`
}

type LogConfig struct {
	Level  string `env:"PIXELGATE_LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"PIXELGATE_LOG_PRETTY" envDefault:"false"`
}

// Load reads the configuration from the environment and fills in defaults
// that depend on the host.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if cfg.Worker.MaxActiveJobs <= 0 {
		cfg.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}

	if strings.TrimSpace(cfg.Image.ContentRoot) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve content root: %w", err)
		}
		cfg.Image.ContentRoot = wd
	}
	contentRoot, err := filepath.Abs(cfg.Image.ContentRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve content root: %w", err)
	}
	cfg.Image.ContentRoot = contentRoot

	if _, err := cfg.Image.CaseHandling(); err != nil {
		return Config{}, err
	}
	if cfg.Cache.FolderDepth < 0 {
		return Config{}, fmt.Errorf("%w: PIXELGATE_CACHE_FOLDER_DEPTH must not be negative", cache.ErrConfiguration)
	}
	return cfg, nil
}

// SourceRoot is the directory the file system provider serves images from.
func (c Config) SourceRoot() string {
	if strings.TrimSpace(c.Image.WebRoot) != "" {
		if filepath.IsAbs(c.Image.WebRoot) {
			return c.Image.WebRoot
		}
		return filepath.Join(c.Image.ContentRoot, c.Image.WebRoot)
	}
	return c.Image.ContentRoot
}

// CacheRoot resolves the processed image cache directory.
func (c Config) CacheRoot() (string, error) {
	return c.Cache.ResolveRoot(c.Image.WebRoot, c.Image.ContentRoot)
}
