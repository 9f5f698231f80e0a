// Package config loads relay settings from the environment (and an optional
// .env file), applies defaults and validates them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/Tyrowin/wsrelay/internal/relay"
)

const (
	defaultMaxMessageSize = 64 * 1024
	defaultSendBufferSize = 256
)

// Config holds the server configuration.
type Config struct {
	Host string `env:"HOST" default:"0.0.0.0"`
	Port string `env:"PORT" default:"10000"`

	RecipientMode     string `env:"RECIPIENT_MODE" default:"include-sender"`
	AllowedOriginList string `env:"ALLOWED_ORIGINS" default:"*"`

	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" default:"65536"`
	SendBufferSize int   `env:"SEND_BUFFER_SIZE" default:"256"`

	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" default:"30s"`
	PongTimeout       time.Duration `env:"PONG_TIMEOUT" default:"0s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	RateLimitBurst    int           `env:"RATE_LIMIT_BURST" default:"0"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" default:"1s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Derived during validation.
	Mode           relay.RecipientMode
	AllowedOrigins []string
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	cfg := &Config{
		Host:              "0.0.0.0",
		Port:              "10000",
		RecipientMode:     string(relay.IncludeSender),
		AllowedOriginList: "*",
		MaxMessageSize:    defaultMaxMessageSize,
		SendBufferSize:    defaultSendBufferSize,
		KeepAliveInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RateLimitInterval: time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate checks the loaded values, fills derived fields and replaces
// non-positive sizes with their defaults.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 0 and 65535, got %q", c.Port)
	}

	mode, err := relay.ParseRecipientMode(c.RecipientMode)
	if err != nil {
		return fmt.Errorf("RECIPIENT_MODE: %w", err)
	}
	c.Mode = mode

	if c.KeepAliveInterval <= 0 {
		return errors.New("KEEPALIVE_INTERVAL must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("WRITE_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.PongTimeout < 0 {
		return errors.New("PONG_TIMEOUT must not be negative")
	}
	if c.RateLimitBurst < 0 {
		return errors.New("RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitBurst > 0 && c.RateLimitInterval <= 0 {
		return errors.New("RATE_LIMIT_INTERVAL must be positive when RATE_LIMIT_BURST is set")
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBufferSize
	}

	c.AllowedOrigins = parseOrigins(c.AllowedOriginList)
	return nil
}

// ConnectionOptions translates the config into per-connection settings.
func (c *Config) ConnectionOptions() relay.ConnectionOptions {
	return relay.ConnectionOptions{
		SendBufferSize:    c.SendBufferSize,
		MaxMessageSize:    c.MaxMessageSize,
		WriteTimeout:      c.WriteTimeout,
		PongTimeout:       c.PongTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		RateLimitBurst:    c.RateLimitBurst,
		RateLimitInterval: c.RateLimitInterval,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
