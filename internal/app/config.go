package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-voucher/internal/domain/stock"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (VOUCHER_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (VOUCHER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	SeedFile    string `usage:"JSON fixture loaded at startup when storage is memory" flag:"seed-file"`
	Stock       StockConfig
	Redis       RedisConfig
	Outbox      OutboxConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// StockConfig holds the inventory protection thresholds.
type StockConfig struct {
	MinStockForOnline      int `default:"10" usage:"Stock level below which a variant is offline-only" flag:"min-stock-for-online"`
	LargeQuantityThreshold int `default:"20" usage:"Per-variant quantity that needs manual assistance" flag:"large-quantity-threshold"`
}

// Rules converts the config to validator rules.
func (c StockConfig) Rules() stock.Rules {
	return stock.Rules{
		MinStockForOnline:      c.MinStockForOnline,
		LargeQuantityThreshold: c.LargeQuantityThreshold,
	}
}

// RedisConfig enables the voucher definition cache when Addr is set.
type RedisConfig struct {
	Addr     string        `usage:"Redis address; empty disables the voucher cache" flag:"redis-addr"`
	Password string        `usage:"Redis password" flag:"redis-password"`
	DB       int           `default:"0" usage:"Redis database number" flag:"redis-db"`
	TTL      time.Duration `default:"30s" usage:"Voucher cache TTL" flag:"redis-ttl"`
}

// OutboxConfig enables the Kafka relay when Brokers is set.
type OutboxConfig struct {
	Brokers   string        `usage:"Comma separated Kafka brokers; empty disables the relay" flag:"kafka-brokers"`
	Interval  time.Duration `default:"1s" usage:"Outbox poll interval" flag:"outbox-interval"`
	BatchSize int           `default:"100" usage:"Outbox records per batch" flag:"outbox-batch-size"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "VOUCHER",
		Files:     []string{"config.yaml", "/etc/voucher/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints aconfig cannot express.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set VOUCHER_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q: want %s or %s", c.Storage, StoragePostgres, StorageMemory)
	}
	if c.Stock.MinStockForOnline <= 0 || c.Stock.LargeQuantityThreshold <= 0 {
		return errors.New("stock thresholds must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's VOUCHER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
