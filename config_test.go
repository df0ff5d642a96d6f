package jsbridge

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jsbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
global_name = "host"
memory_limit_mb = 64
sync_timeout_ms = 250
timers = false
log_level = "debug"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GlobalName != "host" {
		t.Errorf("GlobalName = %q, want host", cfg.GlobalName)
	}
	if cfg.MemoryLimitMB != 64 {
		t.Errorf("MemoryLimitMB = %d, want 64", cfg.MemoryLimitMB)
	}
	if cfg.syncTimeout() != 250*time.Millisecond {
		t.Errorf("syncTimeout = %v, want 250ms", cfg.syncTimeout())
	}
	if cfg.Timers {
		t.Error("Timers = true, want false")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	// Keys absent from the file keep their defaults.
	if !cfg.Console {
		t.Error("Console = false, want default true")
	}
	if cfg.VariantKey != DefaultVariantKey {
		t.Errorf("VariantKey = %q, want %q", cfg.VariantKey, DefaultVariantKey)
	}
	if cfg.DisableSyncInvoke {
		t.Error("DisableSyncInvoke = true, want default false")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty global", `global_name = ""`, "global_name must not be empty"},
		{"negative memory", `memory_limit_mb = -1`, "memory_limit_mb must not be negative"},
		{"negative timeout", `sync_timeout_ms = -5`, "sync_timeout_ms must not be negative"},
		{"empty variant key", `variant_key = ""`, "variant_key must not be empty"},
		{"syntax", `global_name = `, "parsing config"},
		{"wrong type", `timers = "yes"`, "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "reading config") {
		t.Errorf("LoadConfig = %v, want reading error", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("LoadConfig error %v does not wrap a not-exist error", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	var zero Config
	if err := zero.Validate(); err == nil {
		t.Error("zero Config validated")
	}
}
