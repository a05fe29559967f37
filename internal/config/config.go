package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	Store       string   `mapstructure:"STORE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	NATSURL        string `mapstructure:"NATS_URL"`
	NATSSubject    string `mapstructure:"NATS_SUBJECT"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`

	ActivationTimeout     time.Duration `mapstructure:"ACTIVATION_TIMEOUT"`
	ActivationWorkers     int           `mapstructure:"ACTIVATION_WORKERS"`
	DeliveryTimeout       time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	DispatchQueueSize     int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
	ChannelQueueSize      int           `mapstructure:"CHANNEL_QUEUE_SIZE"`
	ExpiryInterval        time.Duration `mapstructure:"EXPIRY_INTERVAL"`
	RefreshInterval       time.Duration `mapstructure:"SUBSCRIPTION_REFRESH_INTERVAL"`
	NotificationRetention time.Duration `mapstructure:"NOTIFICATION_RETENTION"`
	WebsocketPath         string        `mapstructure:"WEBSOCKET_PATH"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS", "BODY_LIMIT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"NATS_URL", "NATS_SUBJECT", "METRICS_ENABLED",
	"ACTIVATION_TIMEOUT", "ACTIVATION_WORKERS", "DELIVERY_TIMEOUT", "DISPATCH_QUEUE_SIZE", "CHANNEL_QUEUE_SIZE",
	"EXPIRY_INTERVAL", "SUBSCRIPTION_REFRESH_INTERVAL", "NOTIFICATION_RETENTION", "WEBSOCKET_PATH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("NATS_SUBJECT", "fhir.events")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("ACTIVATION_TIMEOUT", "10s")
	v.SetDefault("ACTIVATION_WORKERS", 4)
	v.SetDefault("DELIVERY_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_QUEUE_SIZE", 1024)
	v.SetDefault("CHANNEL_QUEUE_SIZE", 64)
	v.SetDefault("EXPIRY_INTERVAL", "1m")
	v.SetDefault("SUBSCRIPTION_REFRESH_INTERVAL", "30s")
	v.SetDefault("NOTIFICATION_RETENTION", "168h")
	v.SetDefault("WEBSOCKET_PATH", "/websocket")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
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
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token get admin access.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects configurations the server cannot start with. Outside
// development a signing key is mandatory so that bearer tokens are enforced.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS_URL is set")
	}

	if c.ActivationTimeout <= 0 || c.DeliveryTimeout <= 0 || c.ExpiryInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("ACTIVATION_TIMEOUT, DELIVERY_TIMEOUT, EXPIRY_INTERVAL and SUBSCRIPTION_REFRESH_INTERVAL must be positive")
	}
	if c.DispatchQueueSize <= 0 || c.ChannelQueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE and CHANNEL_QUEUE_SIZE must be positive")
	}
	if c.ActivationWorkers <= 0 {
		return fmt.Errorf("ACTIVATION_WORKERS must be positive, got %d", c.ActivationWorkers)
	}
	if !strings.HasPrefix(c.WebsocketPath, "/") {
		return fmt.Errorf("WEBSOCKET_PATH must start with '/', got %q", c.WebsocketPath)
	}
	return nil
}
