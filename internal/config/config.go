package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AccessTokenTTL    time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL   time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	RefreshSigningKey string        `mapstructure:"REFRESH_SIGNING_KEY"`

	WSPingInterval    time.Duration `mapstructure:"WS_PING_INTERVAL"`
	WSPongTimeout     time.Duration `mapstructure:"WS_PONG_TIMEOUT"`
	WSWriteTimeout    time.Duration `mapstructure:"WS_WRITE_TIMEOUT"`
	WSSendBuffer      int           `mapstructure:"WS_SEND_BUFFER"`
	WSMaxMessageBytes int64         `mapstructure:"WS_MAX_MESSAGE_BYTES"`
	WSInboundRPS      float64       `mapstructure:"WS_INBOUND_RPS"`
	WSInboundBurst    int           `mapstructure:"WS_INBOUND_BURST"`
	RegistryShards    int           `mapstructure:"REGISTRY_SHARDS"`

	NotificationRetention     time.Duration `mapstructure:"NOTIFICATION_RETENTION"`
	CleanupSchedule           string        `mapstructure:"CLEANUP_SCHEDULE"`
	SessionPurgeSchedule      string        `mapstructure:"SESSION_PURGE_SCHEDULE"`
	ScheduledDeliverySchedule string        `mapstructure:"SCHEDULED_DELIVERY_SCHEDULE"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "REFRESH_SIGNING_KEY",
	"WS_PING_INTERVAL", "WS_PONG_TIMEOUT", "WS_WRITE_TIMEOUT", "WS_SEND_BUFFER",
	"WS_MAX_MESSAGE_BYTES", "WS_INBOUND_RPS", "WS_INBOUND_BURST", "REGISTRY_SHARDS",
	"NOTIFICATION_RETENTION", "CLEANUP_SCHEDULE", "SESSION_PURGE_SCHEDULE",
	"SCHEDULED_DELIVERY_SCHEDULE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ACCESS_TOKEN_TTL", "24h")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("WS_PING_INTERVAL", "25s")
	v.SetDefault("WS_PONG_TIMEOUT", "60s")
	v.SetDefault("WS_WRITE_TIMEOUT", "10s")
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 4096)
	v.SetDefault("WS_INBOUND_RPS", 5)
	v.SetDefault("WS_INBOUND_BURST", 10)
	v.SetDefault("REGISTRY_SHARDS", 32)
	v.SetDefault("NOTIFICATION_RETENTION", "720h")
	v.SetDefault("CLEANUP_SCHEDULE", "@daily")
	v.SetDefault("SESSION_PURGE_SCHEDULE", "@hourly")
	v.SetDefault("SCHEDULED_DELIVERY_SCHEDULE", "@every 30s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "256K")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.RefreshSigningKey == "" {
		log.Println("WARNING: REFRESH_SIGNING_KEY is not set; using an insecure development key.")
		cfg.RefreshSigningKey = "development-only-refresh-signing-key!"
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a refresh signing key of at least 32 bytes is required, and the websocket
// liveness window must be longer than the ping cadence or every healthy
// connection would be reaped.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.RefreshSigningKey) < 32 {
		return fmt.Errorf("REFRESH_SIGNING_KEY must be at least 32 bytes when ENV=%q", c.Env)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive, got %s", c.AccessTokenTTL)
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must not be shorter than ACCESS_TOKEN_TTL (%s)",
			c.RefreshTokenTTL, c.AccessTokenTTL)
	}
	if c.WSPingInterval <= 0 || c.WSPongTimeout <= c.WSPingInterval {
		return fmt.Errorf("WS_PONG_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)",
			c.WSPongTimeout, c.WSPingInterval)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("REGISTRY_SHARDS must be positive, got %d", c.RegistryShards)
	}
	if c.NotificationRetention <= 0 {
		return fmt.Errorf("NOTIFICATION_RETENTION must be positive, got %s", c.NotificationRetention)
	}
	return nil
}
