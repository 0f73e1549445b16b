package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  data_dir: /tmp/exc\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Storage.MaxSegmentBytes != 128<<20 {
		t.Errorf("segment bytes = %d, want default 128 MiB", cfg.Storage.MaxSegmentBytes)
	}
	if cfg.Storage.CompactionInterval != 10*time.Second {
		t.Errorf("compaction interval = %s, want 10s", cfg.Storage.CompactionInterval)
	}
	if cfg.Replication.Role != "primary" {
		t.Errorf("role = %s, want primary", cfg.Replication.Role)
	}
	if got := cfg.Storage.WALDir(); got != "/tmp/exc/wal" {
		t.Errorf("wal dir = %s", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"follower without primary", "storage:\n  data_dir: d\nreplication:\n  role: follower\n"},
		{"unknown role", "storage:\n  data_dir: d\nreplication:\n  role: observer\n"},
		{"bad port", "storage:\n  data_dir: d\nserver:\n  port: 99999\n"},
		{"zero maintenance rate", "storage:\n  data_dir: d\nrisk:\n  maintenance_margin_rate: 0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.body))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Error("validate accepted a bad config")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EXC_SERVER_PORT", "9999")
	cfg, err := Load(writeConfig(t, "storage:\n  data_dir: d\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env override 9999", cfg.Server.Port)
	}
}
