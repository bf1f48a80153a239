package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "SERVER_ADDR")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ADMIN_METRICS_API_KEY")
	setIntIfEnv(&c.Server.RateLimit, "RATE_LIMIT")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Durable SQL + pool/gate sizing
	setIfEnv(&c.Database.URL, "DATABASE_URL")
	setIntIfEnv(&c.Database.PoolSize, "DB_POOL_SIZE")
	setIntIfEnv(&c.Database.MaxOverflow, "DB_MAX_OVERFLOW")
	setSecondsIfEnv(&c.Database.PoolTimeout, "DB_POOL_TIMEOUT")
	setIntIfEnv(&c.Database.GateLimit, "DB_GATE_LIMIT")

	// Accounting ledger
	setIfEnv(&c.Accounting.Backend, "ACCT_BACKEND")
	setIfEnv(&c.Accounting.TBAddress, "TB_ADDRESS")
	setUint64IfEnv(&c.Accounting.TBClusterID, "TB_CLUSTER_ID")

	// Capacities
	setInt64IfEnv(&c.Tickets.ClassACapacity, "TICKETS_CLASS_A")
	setInt64IfEnv(&c.Tickets.ClassBCapacity, "TICKETS_CLASS_B")
	setInt64IfEnv(&c.Tickets.GoodieLimit, "GOODIE_LIMIT")

	// Payment sessions
	setIfEnv(&c.Sessions.Backend, "PAYSESSION_BACKEND")
	setIfEnv(&c.Sessions.RedisURL, "REDIS_URL")
	setIntIfEnv(&c.Sessions.RedisMaxConn, "REDIS_MAX_CONN")
	setSecondsIfEnv(&c.Sessions.ReservationTTL, "RESERVATION_TTL_SECONDS")

	// Orders
	setIfEnv(&c.Orders.Backend, "ORDER_BACKEND")
	setIfEnv(&c.Orders.MongoURL, "MONGODB_URL")
	setIfEnv(&c.Orders.MongoDatabase, "MONGODB_DATABASE")

	// Payment provider
	setIfEnv(&c.Payment.Provider, "PAYMENT_PROVIDER")
	setIfEnv(&c.Payment.MockSecret, "MOCK_SECRET")
	setIfEnv(&c.Payment.MockWebhookURL, "MOCK_WEBHOOK_URL")
	setIfEnv(&c.Payment.StripeSecretKey, "STRIPE_SECRET_KEY")
	setIfEnv(&c.Payment.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Payment.StripeSuccessURL, "STRIPE_SUCCESS_URL")
	setIfEnv(&c.Payment.StripeCancelURL, "STRIPE_CANCEL_URL")

	// Admin
	setIfEnv(&c.Admin.Username, "ADMIN_USERNAME")
	setIfEnv(&c.Admin.Password, "ADMIN_PASSWORD")
	setIfEnv(&c.Admin.SessionSecret, "SESSION_SECRET")

	// Logging
	setIfEnv(&c.Log.Level, "LOG_LEVEL")
	setIfEnv(&c.Log.Format, "LOG_FORMAT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setUint64IfEnv sets a uint64 pointer from an environment variable.
func setUint64IfEnv(target *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setSecondsIfEnv sets a Duration from an environment variable holding
// either a bare number of seconds ("300") or a Go duration ("5m").
func setSecondsIfEnv(target *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = Duration{Duration: time.Duration(n) * time.Second}
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*target = Duration{Duration: dur}
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
