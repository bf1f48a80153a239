package config

import "fmt"

// Validate checks the configuration for startup-blocking problems.
// A failing Validate must prevent the server from accepting traffic.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	switch c.Accounting.Backend {
	case "tb", "pg":
	default:
		return fmt.Errorf("config: ACCT_BACKEND must be 'tb' or 'pg', got %q", c.Accounting.Backend)
	}

	switch c.Sessions.Backend {
	case "redis", "pg":
	default:
		return fmt.Errorf("config: PAYSESSION_BACKEND must be 'redis' or 'pg', got %q", c.Sessions.Backend)
	}

	switch c.Orders.Backend {
	case "pg":
	case "mongo":
		if c.Orders.MongoURL == "" {
			return fmt.Errorf("config: MONGODB_URL is required for ORDER_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("config: ORDER_BACKEND must be 'pg' or 'mongo', got %q", c.Orders.Backend)
	}

	switch c.Payment.Provider {
	case "mock":
		if c.Payment.MockSecret == "" {
			return fmt.Errorf("config: MOCK_SECRET must not be empty")
		}
	case "stripe":
		if c.Payment.StripeSecretKey == "" || c.Payment.StripeWebhookSecret == "" {
			return fmt.Errorf("config: STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("config: PAYMENT_PROVIDER must be 'mock' or 'stripe', got %q", c.Payment.Provider)
	}

	if c.Sessions.ReservationTTL.Duration <= 0 {
		return fmt.Errorf("config: RESERVATION_TTL_SECONDS must be positive")
	}
	if c.Tickets.ClassACapacity < 0 || c.Tickets.ClassBCapacity < 0 || c.Tickets.GoodieLimit < 0 {
		return fmt.Errorf("config: ticket capacities must be non-negative")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("config: DB_POOL_SIZE must be positive")
	}

	return nil
}

// EffectiveGateLimit returns the DB gate size: the configured cap, or the
// connection pool ceiling when unset.
func (c *Config) EffectiveGateLimit() int {
	if c.Database.GateLimit > 0 {
		return c.Database.GateLimit
	}
	return c.Database.PoolSize + c.Database.MaxOverflow
}
