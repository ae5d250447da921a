package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.YtdlpPath != "yt-dlp" {
		t.Errorf("YtdlpPath = %q", cfg.YtdlpPath)
	}
	if cfg.ProgressInterval.Duration != 500*time.Millisecond {
		t.Errorf("ProgressInterval = %v", cfg.ProgressInterval)
	}
	if cfg.PresignTTL.Duration != 15*time.Minute {
		t.Errorf("PresignTTL = %v", cfg.PresignTTL)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, want empty (in-memory queue)", cfg.RedisURL)
	}
	if cfg.S3.Bucket != "fetchd" {
		t.Errorf("S3.Bucket = %q", cfg.S3.Bucket)
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetchd.toml")
	data := `
port = 9999
db_path = "/var/lib/fetchd/jobs.db"
redis_url = "redis://localhost:6379/0"
workers = 8
progress_interval = "250ms"
presign_ttl = "1h"

[s3]
endpoint = "minio.internal:9000"
access_key = "AKIA"
secret_key = "hunter2"
bucket = "media"
use_ssl = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := ApplyFile(cfg, path); err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	if cfg.Port != 9999 || cfg.Workers != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DBPath != "/var/lib/fetchd/jobs.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.S3.Endpoint != "minio.internal:9000" || !cfg.S3.UseSSL {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if cfg.ProgressInterval.Duration != 250*time.Millisecond {
		t.Errorf("ProgressInterval = %v, want 250ms", cfg.ProgressInterval)
	}
	if cfg.PresignTTL.Duration != time.Hour {
		t.Errorf("PresignTTL = %v, want 1h", cfg.PresignTTL)
	}
	// Values the file does not mention keep their defaults.
	if cfg.YtdlpPath != "yt-dlp" {
		t.Errorf("YtdlpPath = %q", cfg.YtdlpPath)
	}
}

func TestApplyFile_Missing(t *testing.T) {
	if err := ApplyFile(Default(), "/does/not/exist.toml"); err == nil {
		t.Error("ApplyFile() of missing file returned nil error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FETCHD_PORT":          "7070",
		"FETCHD_DB":            "/tmp/jobs.db",
		"FETCHD_REDIS_URL":     "redis://cache:6379",
		"FETCHD_WORKERS":       "4",
		"FETCHD_YTDLP":         "/opt/bin/yt-dlp",
		"FETCHD_S3_ENDPOINT":   "s3.example:443",
		"FETCHD_S3_ACCESS_KEY": "key",
		"FETCHD_S3_SECRET_KEY": "secret",
		"FETCHD_S3_BUCKET":     "bkt",
		"FETCHD_S3_USE_SSL":    "1",

		"FETCHD_PROGRESS_INTERVAL": "2s",
		"FETCHD_PRESIGN_TTL":       "30m",
	}
	cfg := Default()
	ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Port != 7070 || cfg.Workers != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DBPath != "/tmp/jobs.db" || cfg.RedisURL != "redis://cache:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.YtdlpPath != "/opt/bin/yt-dlp" {
		t.Errorf("YtdlpPath = %q", cfg.YtdlpPath)
	}
	if cfg.S3.Endpoint != "s3.example:443" || cfg.S3.AccessKey != "key" || cfg.S3.SecretKey != "secret" || cfg.S3.Bucket != "bkt" || !cfg.S3.UseSSL {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if cfg.ProgressInterval.Duration != 2*time.Second {
		t.Errorf("ProgressInterval = %v, want 2s", cfg.ProgressInterval)
	}
	if cfg.PresignTTL.Duration != 30*time.Minute {
		t.Errorf("PresignTTL = %v, want 30m", cfg.PresignTTL)
	}
}

func TestApplyEnv_IgnoresInvalidValues(t *testing.T) {
	cfg := Default()
	ApplyEnv(cfg, func(k string) string {
		switch k {
		case "FETCHD_PORT":
			return "not-a-number"
		case "FETCHD_PROGRESS_INTERVAL":
			return "soon"
		}
		return ""
	})
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.ProgressInterval.Duration != 500*time.Millisecond {
		t.Errorf("ProgressInterval = %v, want default 500ms", cfg.ProgressInterval)
	}
}
