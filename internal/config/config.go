package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies
// environment overrides. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 15 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			RateLimit:       0, // disabled unless configured
			RateLimitWindow: Duration{Duration: time.Minute},
		},
		Database: DatabaseConfig{
			PoolSize:    5,
			MaxOverflow: 5,
			PoolTimeout: Duration{Duration: 30 * time.Second},
			GateLimit:   0, // 0 = pool size + overflow
		},
		Accounting: AccountingConfig{
			Backend:     "tb",
			TBAddress:   "3000",
			TBClusterID: 0,
		},
		Tickets: TicketsConfig{
			ClassACapacity: 5_000_000,
			ClassBCapacity: 5_000_000,
			GoodieLimit:    100_000,
			PriceA:         6500,
			PriceB:         3500,
			Currency:       "eur",
		},
		Sessions: SessionsConfig{
			Backend:        "redis",
			RedisURL:       "redis://127.0.0.1:6379",
			RedisMaxConn:   512,
			ReservationTTL: Duration{Duration: 5 * time.Minute},
		},
		Orders: OrdersConfig{
			Backend:       "pg",
			MongoDatabase: "tigerfans",
		},
		Payment: PaymentConfig{
			Provider:       "mock",
			MockSecret:     "supersecret",
			MockWebhookURL: "http://localhost:8000/payments/webhook",
		},
		Admin: AdminConfig{
			Username:      "admin",
			Password:      "supasecret",
			SessionSecret: "dev-secret-change-me",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
