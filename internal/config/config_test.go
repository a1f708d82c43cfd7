package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "histoflow.db" {
		t.Errorf("db = %q, want histoflow.db", cfg.DBPath)
	}
	if cfg.Pipeline.DefaultWorkers != 4 || cfg.Pipeline.HighWorkers != 2 {
		t.Errorf("workers = %d/%d, want 4/2", cfg.Pipeline.DefaultWorkers, cfg.Pipeline.HighWorkers)
	}
	if cfg.Pipeline.QueueCapacity != 256 {
		t.Errorf("queue capacity = %d, want 256", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.DownloadTimeout != 10*time.Minute {
		t.Errorf("download timeout = %s, want 10m", cfg.Pipeline.DownloadTimeout)
	}
	if cfg.Export.UsePseudonyms {
		t.Error("pseudonyms must default to off")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "histoflow.yaml")
	content := []byte(`
db: /var/lib/hf/engine.db
data-dir: /srv/hf
pipeline:
  default-workers: 8
  thumbnail-size: 256
  dicomizer:
    include-labels: true
export:
  use-pseudonyms: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/hf/engine.db" {
		t.Errorf("db = %q", cfg.DBPath)
	}
	if cfg.Pipeline.DefaultWorkers != 8 {
		t.Errorf("default workers = %d, want 8", cfg.Pipeline.DefaultWorkers)
	}
	// Unset keys keep their defaults.
	if cfg.Pipeline.HighWorkers != 2 {
		t.Errorf("high workers = %d, want default 2", cfg.Pipeline.HighWorkers)
	}
	if !cfg.Pipeline.Dicomizer.IncludeLabels {
		t.Error("include-labels not read")
	}
	if !cfg.Export.UsePseudonyms {
		t.Error("use-pseudonyms not read")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HF_PIPELINE_DEFAULT_WORKERS", "12")
	t.Setenv("HF_DB", "/tmp/env.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.DefaultWorkers != 12 {
		t.Errorf("default workers = %d, want 12 from env", cfg.Pipeline.DefaultWorkers)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Errorf("db = %q, want /tmp/env.db from env", cfg.DBPath)
	}
}
