package jsbridge

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config controls a Runtime. The zero value is not usable; start from
// DefaultConfig or LoadConfig.
type Config struct {
	// GlobalName is the global property the bridge host object is installed under.
	GlobalName string `toml:"global_name"`

	// MemoryLimitMB caps the engine heap. Zero keeps the engine default.
	MemoryLimitMB int `toml:"memory_limit_mb"`

	// DisableSyncInvoke makes InvokeSync fail with ErrSyncUnsupported.
	DisableSyncInvoke bool `toml:"disable_sync_invoke"`

	// SyncTimeoutMs bounds InvokeSync calls whose context has no deadline.
	SyncTimeoutMs int `toml:"sync_timeout_ms"`

	// Console installs a console object that writes through the logger.
	Console bool `toml:"console"`

	// Timers installs setTimeout/setInterval and friends.
	Timers bool `toml:"timers"`

	// VariantKey names the discriminator property for tuple enum variants.
	VariantKey string `toml:"variant_key"`

	// LogLevel is read by the CLI when it builds its logger.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		GlobalName: "bridge",
		Console:    true,
		Timers:     true,
		VariantKey: DefaultVariantKey,
		LogLevel:   "info",
	}
}

// LoadConfig reads a TOML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.GlobalName == "" {
		return fmt.Errorf("config: global_name must not be empty")
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("config: memory_limit_mb must not be negative")
	}
	if c.SyncTimeoutMs < 0 {
		return fmt.Errorf("config: sync_timeout_ms must not be negative")
	}
	if c.VariantKey == "" {
		return fmt.Errorf("config: variant_key must not be empty")
	}
	return nil
}

func (c Config) syncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMs) * time.Millisecond
}
