package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes duration strings ("500ms", "15m") from TOML and
// environment values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// S3 holds object-storage settings.
type S3 struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Config holds application configuration. Precedence: defaults, then
// TOML file (-config), then FETCHD_* environment variables.
type Config struct {
	Port             int      `toml:"port"`
	DBPath           string   `toml:"db_path"`
	RedisURL         string   `toml:"redis_url"` // empty: in-memory queue
	QueueKey         string   `toml:"queue_key"`
	Workers          int      `toml:"workers"`
	YtdlpPath        string   `toml:"ytdlp_path"`
	ProgressInterval Duration `toml:"progress_interval"`
	PresignTTL       Duration `toml:"presign_ttl"`
	S3               S3       `toml:"s3"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "fetchd", "jobs.db")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:             8080,
		DBPath:           DefaultDBPath(),
		QueueKey:         "fetchd:tasks",
		Workers:          2,
		YtdlpPath:        "yt-dlp",
		ProgressInterval: Duration{500 * time.Millisecond},
		PresignTTL:       Duration{15 * time.Minute},
		S3: S3{
			Endpoint: "localhost:9000",
			Bucket:   "fetchd",
		},
	}
}

// Load parses flags, the optional config file and the environment.
func Load() (*Config, error) {
	cfg := Default()

	var file string
	flag.StringVar(&file, "config", "", "TOML config file")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for the task queue (empty: in-memory)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent download workers")
	flag.Parse()

	if file != "" {
		if err := ApplyFile(cfg, file); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg, os.Getenv)
	return cfg, nil
}

// ApplyFile overlays a TOML file onto cfg.
func ApplyFile(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays FETCHD_* variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FETCHD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := getenv("FETCHD_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("FETCHD_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := getenv("FETCHD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := getenv("FETCHD_YTDLP"); v != "" {
		cfg.YtdlpPath = v
	}
	if v := getenv("FETCHD_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProgressInterval = Duration{d}
		}
	}
	if v := getenv("FETCHD_PRESIGN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PresignTTL = Duration{d}
		}
	}
	if v := getenv("FETCHD_S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := getenv("FETCHD_S3_ACCESS_KEY"); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := getenv("FETCHD_S3_SECRET_KEY"); v != "" {
		cfg.S3.SecretKey = v
	}
	if v := getenv("FETCHD_S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := getenv("FETCHD_S3_USE_SSL"); v != "" {
		cfg.S3.UseSSL = v == "true" || v == "1"
	}
}
