// Package config loads gateway configuration from an optional config file
// and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob of the gateway process.
type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxMessageSize int64  `mapstructure:"max_message_size"`

	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// StorePath is the sqlite file holding registered users. Empty keeps
	// credentials in memory only.
	StorePath string `mapstructure:"store_path"`

	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// SessionConfig bounds session validity and activity.
type SessionConfig struct {
	MaxAge            time.Duration `mapstructure:"max_age"`
	InactiveThreshold time.Duration `mapstructure:"inactive_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// AuthConfig bounds registration and token lifetime.
type AuthConfig struct {
	MinPasswordLength int           `mapstructure:"min_password_length"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// DiscoveryConfig selects the peer-discovery backends.
type DiscoveryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ServiceName  string        `mapstructure:"service_name"`
	InstanceName string        `mapstructure:"instance_name"`
	Backends     []string      `mapstructure:"backends"`
	PeerTTL      time.Duration `mapstructure:"peer_ttl"`
}

// Load reads configuration from the given file (optional) and CHATGW_*
// environment variables, on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATGW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 18789)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_connections", 100)
	v.SetDefault("max_message_size", 10*1024*1024)
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("heartbeat_timeout", "60s")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("store_path", "")

	v.SetDefault("session.max_age", "1h")
	v.SetDefault("session.inactive_threshold", "5m")
	v.SetDefault("session.sweep_interval", "60s")

	v.SetDefault("auth.min_password_length", 8)
	v.SetDefault("auth.token_ttl", "168h")
	v.SetDefault("auth.sweep_interval", "5m")

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.service_name", "xsg-chat")
	v.SetDefault("discovery.instance_name", "")
	v.SetDefault("discovery.backends", []string{"zeroconf", "ssdp"})
	v.SetDefault("discovery.peer_ttl", "2m")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Auth.MinPasswordLength < 1 {
		return fmt.Errorf("auth.min_password_length must be at least 1")
	}
	return nil
}
