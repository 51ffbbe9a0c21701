package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != DefaultWorkers || cfg.QueueSize != DefaultQueueSize {
		t.Errorf("unexpected pool defaults %d/%d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.DefaultTaskTimeout != 30*time.Minute {
		t.Errorf("expected 30m task timeout, got %s", cfg.DefaultTaskTimeout)
	}
	if cfg.MaxJobsPerFlow != 1 {
		t.Errorf("expected 1 job per flow, got %d", cfg.MaxJobsPerFlow)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected :9090, got %q", cfg.MetricsAddr)
	}
	if cfg.DBPath != "" {
		t.Errorf("expected in-memory store by default, got %q", cfg.DBPath)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.SlogLevel())
	}
}

func TestLoadEngineConfig_File(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "engine.yml")
	content := `
log_level: debug
workers: 8
queue_size: 16
max_jobs_per_flow: 2
default_task_timeout: 90s
plugin_dir: /opt/plugins
flow_dir: /etc/flows
db_path: /var/lib/engine.db
docker_host: unix:///var/run/docker.sock
metrics_addr: 127.0.0.1:9100
`
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEngineConfig(fp)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := EngineConfig{
		LogLevel:           "debug",
		Workers:            8,
		QueueSize:          16,
		MaxJobsPerFlow:     2,
		DefaultTaskTimeout: 90 * time.Second,
		PluginDir:          "/opt/plugins",
		FlowDir:            "/etc/flows",
		DBPath:             "/var/lib/engine.db",
		DockerHost:         "unix:///var/run/docker.sock",
		MetricsAddr:        "127.0.0.1:9100",
	}
	if *cfg != want {
		t.Errorf("expected %+v, got %+v", want, *cfg)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
}

func TestLoadEngineConfig_EnvOverrides(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "engine.yml")
	if err := os.WriteFile(fp, []byte("workers: 2\ndb_path: file.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_WORKERS", "6")
	t.Setenv("ENGINE_DB_PATH", "/tmp/override.db")
	t.Setenv("ENGINE_PLUGIN_DIR", "/plugins")
	t.Setenv("ENGINE_DOCKER_HOST", "tcp://docker:2375")
	t.Setenv("ENGINE_LOG_LEVEL", "warn")

	cfg, err := LoadEngineConfig(fp)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 6 {
		t.Errorf("expected 6 workers, got %d", cfg.Workers)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("expected overridden db path, got %q", cfg.DBPath)
	}
	if cfg.PluginDir != "/plugins" || cfg.DockerHost != "tcp://docker:2375" {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("expected warn level, got %v", cfg.SlogLevel())
	}
}

func TestLoadEngineConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "bad yaml", content: "workers: [1"},
		{name: "negative workers", content: "workers: -1"},
		{name: "bad timeout", content: "default_task_timeout: soon"},
		{name: "bad level", content: "log_level: loud"},
		{name: "bad env int", env: map[string]string{"ENGINE_QUEUE_SIZE": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := filepath.Join(t.TempDir(), "engine.yml")
			if err := os.WriteFile(fp, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadEngineConfig(fp); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
