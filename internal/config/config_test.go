package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fxd.toml")
	if err := os.WriteFile(path, []byte(`data_dir = "/tmp/fxd-test"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/fxd-test" {
		t.Errorf("expected data dir /tmp/fxd-test, got %s", cfg.DataDir)
	}
	if cfg.Durability.Policy != "batched" {
		t.Errorf("expected default batched policy, got %s", cfg.Durability.Policy)
	}
	if cfg.Durability.BatchInterval != 5*time.Millisecond {
		t.Errorf("unexpected batch interval %v", cfg.Durability.BatchInterval)
	}
	if cfg.Signals.Coalescing {
		t.Error("coalescing must default to off")
	}
	if cfg.Checkpoint.Interval != 5*time.Minute {
		t.Errorf("unexpected checkpoint interval %v", cfg.Checkpoint.Interval)
	}
	if cfg.RecoveryMode != "fail_fast" {
		t.Errorf("expected fail_fast recovery, got %s", cfg.RecoveryMode)
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	raw := `
data_dir = "/var/lib/fxd"
recovery_mode = "best_effort"

[durability]
policy = "sync"
batch_interval = "10ms"
batch_max = 64

[signals]
buffer_size = 32
coalescing = true
coalesce_window = "40ms"

[checkpoint]
interval = "1m"
segment_max_size = 1048576
keep = 5

[observability]
addr = ":9107"
otlp_endpoint = "localhost:4317"
`
	path := filepath.Join(t.TempDir(), "fxd.toml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Durability.Policy != "sync" || cfg.Durability.BatchMax != 64 {
		t.Errorf("durability not parsed: %+v", cfg.Durability)
	}
	if !cfg.Signals.Coalescing || cfg.Signals.BufferSize != 32 {
		t.Errorf("signals not parsed: %+v", cfg.Signals)
	}
	if cfg.Checkpoint.Interval != time.Minute || cfg.Checkpoint.Keep != 5 {
		t.Errorf("checkpoint not parsed: %+v", cfg.Checkpoint)
	}
	if cfg.Observability.Addr != ":9107" {
		t.Errorf("observability not parsed: %+v", cfg.Observability)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
