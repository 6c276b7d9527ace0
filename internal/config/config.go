package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config はプロセス全体の設定
type Config struct {
	Port        int `env:"OFFLINECACHE_PORT" envDefault:"10080" validate:"min=1,max=65535"`
	MetricsPort int `env:"OFFLINECACHE_METRICS_PORT" envDefault:"10081" validate:"min=1,max=65535,nefield=Port"`

	// Origin はプロキシ対象アプリケーションのオリジン
	Origin string `env:"OFFLINECACHE_ORIGIN" envDefault:"http://localhost:3000" validate:"required,url"`

	ManifestPath         string        `env:"OFFLINECACHE_MANIFEST" envDefault:"./configs/manifest.yaml" validate:"required"`
	ManifestPollInterval time.Duration `env:"OFFLINECACHE_MANIFEST_POLL_INTERVAL" envDefault:"1m" validate:"gt=0"`

	LogDir   string `env:"OFFLINECACHE_LOG_DIR" envDefault:"./logs" validate:"required"`
	LogLevel string `env:"OFFLINECACHE_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	Storage        string `env:"OFFLINECACHE_STORAGE" envDefault:"memory" validate:"oneof=memory disk sqlite redis"`
	CacheDir       string `env:"OFFLINECACHE_CACHE_DIR" envDefault:"./cache"`
	SQLitePath     string `env:"OFFLINECACHE_SQLITE_PATH" envDefault:"./cache/offlinecache.db"`
	RedisAddr      string `env:"OFFLINECACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"OFFLINECACHE_REDIS_PASSWORD"`
	RedisDB        int    `env:"OFFLINECACHE_REDIS_DB" envDefault:"0" validate:"min=0"`
	RedisNamespace string `env:"OFFLINECACHE_REDIS_NAMESPACE" envDefault:"offlinecache"`

	MetricsSaveInterval time.Duration `env:"OFFLINECACHE_METRICS_SAVE_INTERVAL" envDefault:"1m" validate:"gt=0"`
	ShutdownTimeout     time.Duration `env:"OFFLINECACHE_SHUTDOWN_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	OTelEndpoint string `env:"OFFLINECACHE_OTEL_ENDPOINT"`

	BackendURL string `env:"OFFLINECACHE_BACKEND_URL" validate:"omitempty,url"`
	BackendKey string `env:"OFFLINECACHE_BACKEND_KEY"`
}

// Load は .env、環境変数、コマンドライン引数の順に設定を読み込んで検証する
func Load(envFile string, args []string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	flags := flag.NewFlagSet("offlinecache", flag.ContinueOnError)
	flags.IntVar(&cfg.Port, "port", cfg.Port, "Proxy server port")
	flags.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Metrics server port")
	flags.StringVar(&cfg.Origin, "origin", cfg.Origin, "Origin of the proxied application")
	flags.StringVar(&cfg.ManifestPath, "manifest", cfg.ManifestPath, "Worker manifest file")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Log directory")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flags.StringVar(&cfg.Storage, "storage", cfg.Storage, "Cache storage backend (memory, disk, sqlite, redis)")
	flags.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Cache directory for the disk backend")
	flags.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "Database file for the sqlite backend")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis backend")
	flags.DurationVar(&cfg.MetricsSaveInterval, "metrics-save-interval", cfg.MetricsSaveInterval, "Metrics save interval")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
