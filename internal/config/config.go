package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	OverpaymentReject = "reject"
	OverpaymentCap    = "cap"

	PricingCaller  = "caller"
	PricingCatalog = "catalog"

	ExpiredStockDispense = "dispense"
	ExpiredStockSkip     = "skip"

	AuditSinkLog = "log"
	AuditSinkDB  = "db"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	Store             string        `mapstructure:"STORE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultFacility   string        `mapstructure:"DEFAULT_FACILITY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LockTimeout       time.Duration `mapstructure:"LOCK_TIMEOUT"`
	OverpaymentPolicy string        `mapstructure:"OVERPAYMENT_POLICY"`
	PricingPolicy     string        `mapstructure:"PRICING_POLICY"`
	ExpiredStock      string        `mapstructure:"EXPIRED_STOCK_POLICY"`
	IdempotencyTTL    time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	AuditSink         string        `mapstructure:"AUDIT_SINK"`
	AuditBuffer       int           `mapstructure:"AUDIT_BUFFER"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_FACILITY", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "LOCK_TIMEOUT", "OVERPAYMENT_POLICY", "PRICING_POLICY",
	"EXPIRED_STOCK_POLICY", "IDEMPOTENCY_TTL", "AUDIT_SINK", "AUDIT_BUFFER",
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_FACILITY", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("OVERPAYMENT_POLICY", OverpaymentReject)
	v.SetDefault("PRICING_POLICY", PricingCaller)
	v.SetDefault("EXPIRED_STOCK_POLICY", ExpiredStockDispense)
	v.SetDefault("IDEMPOTENCY_TTL", "72h")
	v.SetDefault("AUDIT_SINK", AuditSinkLog)
	v.SetDefault("AUDIT_BUFFER", 1024)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode; requests without a token act as dev-user with admin role")
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

// Validate rejects unknown policy values and unauthenticated non-dev setups.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.IsProduction() && c.Store == StoreMemory {
		return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
	}
	switch c.OverpaymentPolicy {
	case OverpaymentReject, OverpaymentCap:
	default:
		return fmt.Errorf("OVERPAYMENT_POLICY must be %q or %q, got %q", OverpaymentReject, OverpaymentCap, c.OverpaymentPolicy)
	}
	switch c.PricingPolicy {
	case PricingCaller, PricingCatalog:
	default:
		return fmt.Errorf("PRICING_POLICY must be %q or %q, got %q", PricingCaller, PricingCatalog, c.PricingPolicy)
	}
	switch c.ExpiredStock {
	case ExpiredStockDispense, ExpiredStockSkip:
	default:
		return fmt.Errorf("EXPIRED_STOCK_POLICY must be %q or %q, got %q", ExpiredStockDispense, ExpiredStockSkip, c.ExpiredStock)
	}
	switch c.AuditSink {
	case AuditSinkLog, AuditSinkDB:
	default:
		return fmt.Errorf("AUDIT_SINK must be %q or %q, got %q", AuditSinkLog, AuditSinkDB, c.AuditSink)
	}
	if c.AuditSink == AuditSinkDB && c.Store != StorePostgres {
		return fmt.Errorf("AUDIT_SINK=%s requires STORE=%s", AuditSinkDB, StorePostgres)
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (ENV=%q)", c.Env)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	return nil
}
