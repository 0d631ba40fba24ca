package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Token verification backends.
const (
	AuthSigned   = "signed"
	AuthRedis    = "redis"
	AuthPostgres = "postgres"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DrainInterval          time.Duration `env:"DRAIN_INTERVAL" default:"100ms"`
	DispatchQueueCapacity  int           `env:"DISPATCH_QUEUE_CAPACITY" default:"10000"`
	DispatchOverflowPolicy string        `env:"DISPATCH_OVERFLOW_POLICY" default:"drop-oldest"`
	SessionPolicy          string        `env:"SESSION_POLICY" default:"multi"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatMaxMissed     int           `env:"HEARTBEAT_MAX_MISSED" default:"2"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`

	AuthBackend   string        `env:"AUTH_BACKEND" default:"signed"`
	AuthPublicKey string        `env:"AUTH_PUBLIC_KEY"`
	AuthCacheTTL  time.Duration `env:"AUTH_CACHE_TTL" default:"30s"`

	TokenPruneInterval time.Duration `env:"TOKEN_PRUNE_INTERVAL" default:"1h"`
	TokenRetention     time.Duration `env:"TOKEN_RETENTION" default:"168h"`

	RedisURL      string `env:"REDIS_URL"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RelayChannel  string `env:"RELAY_CHANNEL"`
	PublishAPIKey string `env:"PUBLISH_API_KEY"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PublicKey decodes AUTH_PUBLIC_KEY.
func (c *Config) PublicKey() ([]byte, error) {
	return hex.DecodeString(c.AuthPublicKey)
}

func validate(cfg *Config) error {
	if cfg.DrainInterval <= 0 {
		return errors.New("DRAIN_INTERVAL must be positive")
	}
	if cfg.DispatchQueueCapacity < 0 {
		return errors.New("DISPATCH_QUEUE_CAPACITY must not be negative")
	}
	if cfg.DispatchOverflowPolicy != "drop-oldest" && cfg.DispatchOverflowPolicy != "drop-newest" {
		return fmt.Errorf("DISPATCH_OVERFLOW_POLICY must be drop-oldest or drop-newest, got %q", cfg.DispatchOverflowPolicy)
	}
	if cfg.SessionPolicy != "multi" && cfg.SessionPolicy != "single" {
		return fmt.Errorf("SESSION_POLICY must be multi or single, got %q", cfg.SessionPolicy)
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.HeartbeatMaxMissed < 1 {
		return errors.New("HEARTBEAT_MAX_MISSED must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.ConnectionRatePerSecond <= 0 || cfg.ConnectionRateBurst < 1 {
		return errors.New("CONNECTION_RATE_PER_SECOND must be positive and CONNECTION_RATE_BURST at least 1")
	}

	switch cfg.AuthBackend {
	case AuthSigned:
		if cfg.AuthPublicKey == "" {
			return errors.New("AUTH_PUBLIC_KEY is required when AUTH_BACKEND=signed")
		}
		key, err := cfg.PublicKey()
		if err != nil {
			return fmt.Errorf("AUTH_PUBLIC_KEY must be valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("AUTH_PUBLIC_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(key))
		}
	case AuthRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when AUTH_BACKEND=redis")
		}
	case AuthPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when AUTH_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("AUTH_BACKEND must be one of %s, got %q", strings.Join([]string{AuthSigned, AuthRedis, AuthPostgres}, ", "), cfg.AuthBackend)
	}

	if cfg.AppEnv == "production" && cfg.DatabaseURL != "" {
		if err := checkProductionSSL(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	if cfg.TokenPruneInterval <= 0 || cfg.TokenRetention < 0 {
		return errors.New("TOKEN_PRUNE_INTERVAL must be positive and TOKEN_RETENTION must not be negative")
	}

	if cfg.RelayChannel != "" && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required when RELAY_CHANNEL is set")
	}
	if cfg.PublishAPIKey != "" && len(cfg.PublishAPIKey) < 16 {
		return errors.New("PUBLISH_API_KEY must be at least 16 characters")
	}

	return nil
}

func checkProductionSSL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
