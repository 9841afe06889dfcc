package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	InstanceID      string        `mapstructure:"INSTANCE_ID"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	PriceCacheTTL   time.Duration `mapstructure:"PRICE_CACHE_TTL"`
	AMQPURL         string        `mapstructure:"AMQP_URL"`
	RulesExchange   string        `mapstructure:"RULES_EXCHANGE"`
	BundleEndpoint  string        `mapstructure:"BUNDLE_ENDPOINT"`
	BundleBucket    string        `mapstructure:"BUNDLE_BUCKET"`
	BundleAccessKey string        `mapstructure:"BUNDLE_ACCESS_KEY"`
	BundleSecretKey string        `mapstructure:"BUNDLE_SECRET_KEY"`
	BundleRegion    string        `mapstructure:"BUNDLE_REGION"`
	BundleUseSSL    bool          `mapstructure:"BUNDLE_USE_SSL"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string        `mapstructure:"BUNDLE_BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MCPEnabled      bool          `mapstructure:"MCP_ENABLED"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "INSTANCE_ID", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "PRICE_CACHE_TTL", "AMQP_URL", "RULES_EXCHANGE",
	"BUNDLE_ENDPOINT", "BUNDLE_BUCKET", "BUNDLE_ACCESS_KEY", "BUNDLE_SECRET_KEY",
	"BUNDLE_REGION", "BUNDLE_USE_SSL", "BODY_LIMIT", "BUNDLE_BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "MCP_ENABLED",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "METRICS_ENABLED", "METRICS_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PRICE_CACHE_TTL", "5m")
	v.SetDefault("RULES_EXCHANGE", "rxrules")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "16M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MCP_ENABLED", true)
	v.SetDefault("METRICS_INTERVAL", "60s")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	return cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rxrules"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// BundleStoreEnabled reports whether object storage for bundles is configured.
func (c *Config) BundleStoreEnabled() bool {
	return c.BundleEndpoint != ""
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("ENV must be development, staging, production or test, got %q", c.Env)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.PriceCacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive when REDIS_URL is set")
	}
	if c.AMQPURL != "" && c.RulesExchange == "" {
		return fmt.Errorf("RULES_EXCHANGE is required when AMQP_URL is set")
	}
	if c.BundleStoreEnabled() {
		if c.BundleBucket == "" {
			return fmt.Errorf("BUNDLE_BUCKET is required when BUNDLE_ENDPOINT is set")
		}
		if c.BundleAccessKey == "" || c.BundleSecretKey == "" {
			return fmt.Errorf("BUNDLE_ACCESS_KEY and BUNDLE_SECRET_KEY are required when BUNDLE_ENDPOINT is set")
		}
		if c.IsProduction() && !c.BundleUseSSL {
			return fmt.Errorf("BUNDLE_USE_SSL must be true in production")
		}
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.MetricsEnabled && c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be positive when METRICS_ENABLED is true")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
