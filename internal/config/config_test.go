package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		path := DefaultDBPath()

		expected := "/custom/cache/attachdl/jobs.db"
		if path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()

		if !strings.HasSuffix(path, filepath.Join(".cache", "attachdl", "jobs.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/attachdl/jobs.db", path)
		}
	})
}

func TestDefaultAttachmentsDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultAttachmentsDir(); got != "/data/attachdl/attachments" {
		t.Errorf("DefaultAttachmentsDir() = %q", got)
	}
}

// isolate points every default location at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CACHE_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("ATTACHDL_TRANSIT_BASE_URL", "https://cdn.example")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Errorf("MaxConcurrentJobs = %d, want 3", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxTextAttachmentSizeKiB != 5*1024 {
		t.Errorf("MaxTextAttachmentSizeKiB = %d, want 5 MiB", cfg.MaxTextAttachmentSizeKiB)
	}
	// Retries become eligible 30s after the first failure; the tick must not
	// hold them back much longer.
	if cfg.TickInterval.Duration >= 30*time.Second {
		t.Errorf("TickInterval = %v, want below the first retry backoff", cfg.TickInterval)
	}
	if cfg.Backfill.Timeout.Duration != 10*time.Second {
		t.Errorf("Backfill.Timeout = %v, want 10s", cfg.Backfill.Timeout)
	}
	if cfg.DownloadsDir != filepath.Join(cfg.AttachmentsDir, "downloads") {
		t.Errorf("DownloadsDir = %q", cfg.DownloadsDir)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "attachdl", "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, `
listen_addr = ":9000"
max_concurrent_jobs = 5
tick_interval = "30s"
backup_base_url = "https://backup.example"

[redis]
addr = "localhost:6379"

[backfill]
enabled = true
timeout = "3s"
`)
	t.Setenv("ATTACHDL_MAX_CONCURRENT_JOBS", "7")
	t.Setenv("ATTACHDL_REDIS_PASSWORD", "pw")

	cfg, err := Load([]string{"-listen", ":9100"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want flag value :9100", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentJobs != 7 {
		t.Errorf("MaxConcurrentJobs = %d, want env value 7", cfg.MaxConcurrentJobs)
	}
	if cfg.TickInterval.Duration != 30*time.Second {
		t.Errorf("TickInterval = %v, want 30s", cfg.TickInterval)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Password != "pw" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if !cfg.Backfill.Enabled || cfg.Backfill.Timeout.Duration != 3*time.Second {
		t.Errorf("Backfill = %+v", cfg.Backfill)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := isolate(t)
	envPath := filepath.Join(dir, "test.env")
	writeFile(t, envPath, "ATTACHDL_TRANSIT_BASE_URL=https://from-dotenv.example\n")
	t.Cleanup(func() { os.Unsetenv("ATTACHDL_TRANSIT_BASE_URL") })

	cfg, err := Load([]string{"-env-file", envPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TransitBaseURL != "https://from-dotenv.example" {
		t.Errorf("TransitBaseURL = %q", cfg.TransitBaseURL)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)
	t.Setenv("ATTACHDL_TRANSIT_BASE_URL", "https://cdn.example")

	tests := []struct {
		name string
		args []string
	}{
		{"missing explicit config", []string{"-config", filepath.Join(dir, "nope.toml")}},
		{"missing explicit env file", []string{"-env-file", filepath.Join(dir, "nope.env")}},
		{"unknown flag", []string{"-bogus"}},
		{"invalid concurrency", []string{"-max-concurrent", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	cfg.TransitBaseURL = "https://cdn.example"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.Backfill.Enabled = true
	cfg.TickInterval = Duration{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"tick interval", "backfill requires redis.addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 1m30s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText() expected error")
	}
}
