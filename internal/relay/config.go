// Package relay provides configuration loading with runtime defaults,
// validation, and rate-limiting parameters for the Driftchat service.
package relay

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	defaultAddr           = ":8000"
	defaultMaxMessageSize = 4096
	defaultRateInterval   = 250 * time.Millisecond
	defaultMaxTextLength  = 2000
	defaultSendBuffer     = 256
)

// Config holds the relay's runtime settings.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string `mapstructure:"addr"`
	// AllowedOrigins restricts WebSocket upgrades by Origin header. The
	// single entry "*" allows every origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxMessageSize caps the size of a single inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// RateLimitInterval is the minimum interval between accepted messages
	// per device.
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	// MaxTextLength caps a sanitized message body in runes.
	MaxTextLength int `mapstructure:"max_text_length"`
	// SendBufferSize is the per-session outbound queue capacity.
	SendBufferSize int `mapstructure:"send_buffer_size"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns a configuration populated with default values for
// all settings.
func DefaultConfig() *Config {
	return &Config{
		Addr:              defaultAddr,
		AllowedOrigins:    []string{"*"},
		MaxMessageSize:    defaultMaxMessageSize,
		RateLimitInterval: defaultRateInterval,
		MaxTextLength:     defaultMaxTextLength,
		SendBufferSize:    defaultSendBuffer,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// LoadConfig reads configuration from an optional YAML file and
// DRIFTCHAT_* environment variables, falling back to defaults for
// anything unset.
func LoadConfig(logger zerolog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("allowed_origins", defaults.AllowedOrigins)
	v.SetDefault("max_message_size", defaults.MaxMessageSize)
	v.SetDefault("rate_limit_interval", defaults.RateLimitInterval)
	v.SetDefault("max_text_length", defaults.MaxTextLength)
	v.SetDefault("send_buffer_size", defaults.SendBufferSize)
	v.SetDefault("read_timeout", defaults.ReadTimeout)
	v.SetDefault("write_timeout", defaults.WriteTimeout)
	v.SetDefault("idle_timeout", defaults.IdleTimeout)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DRIFTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn().Str("config", fileName).Msg("config file not found, relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return sanitizeConfig(&cfg), nil
}

// sanitizeConfig clamps invalid values back to their defaults.
func sanitizeConfig(cfg *Config) *Config {
	defaults := DefaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaults.AllowedOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimitInterval <= 0 {
		cfg.RateLimitInterval = defaults.RateLimitInterval
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = defaults.MaxTextLength
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return cfg
}
