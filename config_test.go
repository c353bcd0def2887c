package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ibcp.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig with no file failed: %v", err)
	}
	if cfg.Port != 7471 {
		t.Errorf("default port = %d, want 7471", cfg.Port)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("default buffer size = %d, want 4096", cfg.BufferSize)
	}
	if cfg.Artifact != "received_file.bin" {
		t.Errorf("default artifact = %q", cfg.Artifact)
	}
	if cfg.ResolveTimeout != 2000*time.Millisecond {
		t.Errorf("default resolve timeout = %v", cfg.ResolveTimeout)
	}
	if cfg.LogLevel != logrus.InfoLevel {
		t.Errorf("default log level = %v", cfg.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[transfer]
port = 9000
buffer_size = 8192
artifact = "incoming.bin"
resolve_timeout_ms = 500

[log]
level = "debug"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Port != 9000 || cfg.BufferSize != 8192 || cfg.Artifact != "incoming.bin" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ResolveTimeout != 500*time.Millisecond {
		t.Errorf("resolve timeout = %v, want 500ms", cfg.ResolveTimeout)
	}
	if cfg.LogLevel != logrus.DebugLevel {
		t.Errorf("log level = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := writeConfig(t, "[transfer]\nport = 9100\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Port)
	}
	if cfg.BufferSize != 4096 || cfg.Artifact != "received_file.bin" {
		t.Errorf("unset fields lost their defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"tiny buffer", "[transfer]\nbuffer_size = 4\n"},
		{"port out of range", "[transfer]\nport = 70000\n"},
		{"bad log level", "[log]\nlevel = \"loud\"\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := loadConfig(path); err == nil {
			t.Errorf("%s: loadConfig accepted an invalid configuration", tc.name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("loadConfig accepted a missing explicit config file")
	}
}
