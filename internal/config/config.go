// Package config loads the portino configuration from defaults, an optional
// config file and PORTINO_* environment variables, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete portino configuration.
type Config struct {
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Client    ClientConfig    `mapstructure:"client"`
	Ownership OwnershipConfig `mapstructure:"ownership"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Aliases   AliasConfig     `mapstructure:"aliases"`
}

// BridgeConfig controls the bridge daemon.
type BridgeConfig struct {
	// WireAddr is the TCP address of the control/data listener.
	WireAddr string `mapstructure:"wire_addr"`
	// HTTPAddr is the address of the HTTP control surface.
	HTTPAddr string `mapstructure:"http_addr"`
	// TailBufferBytes bounds the per-monitor replay buffer.
	TailBufferBytes int `mapstructure:"tail_buffer_bytes"`
	// DetectionIntervalMs is the port enumeration poll period.
	DetectionIntervalMs int `mapstructure:"detection_interval_ms"`
	// HeartbeatIntervalMs is advertised to attaching consumers.
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs reaps attachments that stop heartbeating.
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	// DefaultBaudrate applies when a session never chose one.
	DefaultBaudrate int `mapstructure:"default_baudrate"`
}

// ClientConfig controls the consumer side.
type ClientConfig struct {
	// OpenTimeoutMs bounds one monitor open round trip.
	OpenTimeoutMs int `mapstructure:"open_timeout_ms"`
	// HealthRetries bounds health probe attempts during startup.
	HealthRetries int `mapstructure:"health_retries"`
	// ReconnectBaseMs and ReconnectMaxMs bound the reconnect backoff.
	ReconnectBaseMs int `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMs  int `mapstructure:"reconnect_max_ms"`
}

// OwnershipConfig tunes the takeover policy windows.
type OwnershipConfig struct {
	DemandWindowMs    int `mapstructure:"demand_window_ms"`
	LocalCooldownMs   int `mapstructure:"local_cooldown_ms"`
	LeaseFreshMs      int `mapstructure:"lease_fresh_ms"`
	RestartLockTTLMs  int `mapstructure:"restart_lock_ttl_ms"`
	RetryBackoffMinMs int `mapstructure:"retry_backoff_min_ms"`
	RetryBackoffMaxMs int `mapstructure:"retry_backoff_max_ms"`
}

// LeaseConfig selects the lease store backend.
type LeaseConfig struct {
	// Backend is "file" or "redis".
	Backend string `mapstructure:"backend"`
	// Path overrides the file backend's lease location.
	Path string `mapstructure:"path"`
	// RedisAddr is the redis backend's address.
	RedisAddr string `mapstructure:"redis_addr"`
}

// LoggingConfig controls the application logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// AliasConfig points at the optional port alias file.
type AliasConfig struct {
	File string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			WireAddr:            "127.0.0.1:9287",
			HTTPAddr:            "127.0.0.1:9288",
			TailBufferBytes:     64 * 1024,
			DetectionIntervalMs: 2000,
			HeartbeatIntervalMs: 5000,
			HeartbeatTimeoutMs:  30000,
			DefaultBaudrate:     115200,
		},
		Client: ClientConfig{
			OpenTimeoutMs:   10000,
			HealthRetries:   20,
			ReconnectBaseMs: 250,
			ReconnectMaxMs:  5000,
		},
		Ownership: OwnershipConfig{
			DemandWindowMs:    60000,
			LocalCooldownMs:   12000,
			LeaseFreshMs:      15000,
			RestartLockTTLMs:  20000,
			RetryBackoffMinMs: 1000,
			RetryBackoffMaxMs: 2500,
		},
		Lease: LeaseConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration. file may be empty, in which case only
// defaults and environment variables apply.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("PORTINO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("bridge.wire_addr", d.Bridge.WireAddr)
	v.SetDefault("bridge.http_addr", d.Bridge.HTTPAddr)
	v.SetDefault("bridge.tail_buffer_bytes", d.Bridge.TailBufferBytes)
	v.SetDefault("bridge.detection_interval_ms", d.Bridge.DetectionIntervalMs)
	v.SetDefault("bridge.heartbeat_interval_ms", d.Bridge.HeartbeatIntervalMs)
	v.SetDefault("bridge.heartbeat_timeout_ms", d.Bridge.HeartbeatTimeoutMs)
	v.SetDefault("bridge.default_baudrate", d.Bridge.DefaultBaudrate)
	v.SetDefault("client.open_timeout_ms", d.Client.OpenTimeoutMs)
	v.SetDefault("client.health_retries", d.Client.HealthRetries)
	v.SetDefault("client.reconnect_base_ms", d.Client.ReconnectBaseMs)
	v.SetDefault("client.reconnect_max_ms", d.Client.ReconnectMaxMs)
	v.SetDefault("ownership.demand_window_ms", d.Ownership.DemandWindowMs)
	v.SetDefault("ownership.local_cooldown_ms", d.Ownership.LocalCooldownMs)
	v.SetDefault("ownership.lease_fresh_ms", d.Ownership.LeaseFreshMs)
	v.SetDefault("ownership.restart_lock_ttl_ms", d.Ownership.RestartLockTTLMs)
	v.SetDefault("ownership.retry_backoff_min_ms", d.Ownership.RetryBackoffMinMs)
	v.SetDefault("ownership.retry_backoff_max_ms", d.Ownership.RetryBackoffMaxMs)
	v.SetDefault("lease.backend", d.Lease.Backend)
	v.SetDefault("lease.path", d.Lease.Path)
	v.SetDefault("lease.redis_addr", d.Lease.RedisAddr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("aliases.file", d.Aliases.File)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Lease.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("lease.backend must be \"file\" or \"redis\", got %q", c.Lease.Backend)
	}
	if c.Lease.Backend == "redis" && c.Lease.RedisAddr == "" {
		return fmt.Errorf("lease.redis_addr is required with the redis backend")
	}
	if c.Bridge.DefaultBaudrate <= 0 {
		return fmt.Errorf("bridge.default_baudrate must be positive")
	}
	if c.Client.ReconnectBaseMs > c.Client.ReconnectMaxMs {
		return fmt.Errorf("client.reconnect_base_ms exceeds client.reconnect_max_ms")
	}
	return nil
}

// DetectionInterval returns the poll period as a duration.
func (c *BridgeConfig) DetectionInterval() time.Duration {
	return time.Duration(c.DetectionIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the advertised heartbeat period.
func (c *BridgeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the attachment reap threshold.
func (c *BridgeConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// OpenTimeout returns the monitor open deadline.
func (c *ClientConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMs) * time.Millisecond
}
