package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling of values like "5m" or "300s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// Config is the top-level server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Accounting AccountingConfig `yaml:"accounting"`
	Tickets    TicketsConfig    `yaml:"tickets"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Orders     OrdersConfig     `yaml:"orders"`
	Payment    PaymentConfig    `yaml:"payment"`
	Admin      AdminConfig      `yaml:"admin"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimit          int      `yaml:"rate_limit"`
	RateLimitWindow    Duration `yaml:"rate_limit_window"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// DatabaseConfig holds the durable SQL endpoint and pool/gate sizing.
type DatabaseConfig struct {
	URL         string   `yaml:"url"`
	PoolSize    int      `yaml:"pool_size"`
	MaxOverflow int      `yaml:"max_overflow"`
	PoolTimeout Duration `yaml:"pool_timeout"`
	GateLimit   int      `yaml:"gate_limit"`
}

// AccountingConfig selects and parameterizes the capacity ledger backend.
type AccountingConfig struct {
	Backend     string `yaml:"backend"` // "tb" | "pg"
	TBAddress   string `yaml:"tb_address"`
	TBClusterID uint64 `yaml:"tb_cluster_id"`
}

// TicketsConfig holds the sale catalog: capacities and prices.
type TicketsConfig struct {
	ClassACapacity int64  `yaml:"class_a_capacity"`
	ClassBCapacity int64  `yaml:"class_b_capacity"`
	GoodieLimit    int64  `yaml:"goodie_limit"`
	PriceA         int64  `yaml:"price_a"` // cents
	PriceB         int64  `yaml:"price_b"` // cents
	Currency       string `yaml:"currency"`
}

// SessionsConfig selects and parameterizes the payment-session store.
type SessionsConfig struct {
	Backend        string   `yaml:"backend"` // "redis" | "pg"
	RedisURL       string   `yaml:"redis_url"`
	RedisMaxConn   int      `yaml:"redis_max_conn"`
	ReservationTTL Duration `yaml:"reservation_ttl"`
}

// OrdersConfig selects the durable order store backend.
type OrdersConfig struct {
	Backend       string `yaml:"backend"` // "pg" | "mongo"
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`
}

// PaymentConfig selects and parameterizes the payment provider adapter.
type PaymentConfig struct {
	Provider            string `yaml:"provider"` // "mock" | "stripe"
	MockSecret          string `yaml:"mock_secret"`
	MockWebhookURL      string `yaml:"mock_webhook_url"`
	StripeSecretKey     string `yaml:"stripe_secret_key"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	StripeSuccessURL    string `yaml:"stripe_success_url"`
	StripeCancelURL     string `yaml:"stripe_cancel_url"`
}

// AdminConfig holds admin console credentials.
type AdminConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SessionSecret string `yaml:"session_secret"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
