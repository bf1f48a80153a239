package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	tb "github.com/tigerbeetle/tigerbeetle-go"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tigerfans/server/internal/accounting"
	"github.com/tigerfans/server/internal/config"
	"github.com/tigerfans/server/internal/dbgate"
	"github.com/tigerfans/server/internal/dbpool"
	"github.com/tigerfans/server/internal/httpserver"
	"github.com/tigerfans/server/internal/logger"
	"github.com/tigerfans/server/internal/metrics"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/internal/paysession"
	"github.com/tigerfans/server/internal/storage"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development keeps secrets in .env; absent in production.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "tigerfans",
		Version: version,
	})

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.NewSharedPool(cfg.Database.URL, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	gate := dbgate.New(cfg.EffectiveGateLimit(), metricsCollector.ObserveGateWait)

	caps := accounting.Capacities{
		ClassA: cfg.Tickets.ClassACapacity,
		ClassB: cfg.Tickets.ClassBCapacity,
		Goodie: cfg.Tickets.GoodieLimit,
	}

	var ledger accounting.Ledger
	var tbLedger *accounting.TigerBeetle
	switch cfg.Accounting.Backend {
	case "tb":
		client, err := tb.NewClient(types.ToUint128(cfg.Accounting.TBClusterID), []string{cfg.Accounting.TBAddress})
		if err != nil {
			return fmt.Errorf("connect tigerbeetle: %w", err)
		}
		defer client.Close()

		tbLedger = accounting.NewTigerBeetle(client, caps, func(size int, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metricsCollector.ObserveLedgerBatch(size, outcome)
		})
		ledger = tbLedger
	case "pg":
		ledger = accounting.NewPostgres(pool.DB(), gate, caps)
	default:
		return fmt.Errorf("unknown accounting backend %q", cfg.Accounting.Backend)
	}

	if err := ledger.Setup(ctx); err != nil {
		return fmt.Errorf("setup accounting: %w", err)
	}

	ttl := cfg.Sessions.ReservationTTL.Duration

	var sessions paysession.Store
	switch cfg.Sessions.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Sessions.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Sessions.RedisMaxConn > 0 {
			opts.PoolSize = cfg.Sessions.RedisMaxConn
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		sessions = paysession.NewRedisStore(redisClient, ttl)
	case "pg":
		store := paysession.NewPostgresStore(pool.DB(), gate, ttl)
		if err := store.Setup(ctx); err != nil {
			return fmt.Errorf("setup session store: %w", err)
		}
		sessions = store
	default:
		return fmt.Errorf("unknown session backend %q", cfg.Sessions.Backend)
	}

	var orders storage.Store
	switch cfg.Orders.Backend {
	case "pg":
		store := storage.NewPostgresStore(pool.DB(), gate)
		if err := store.Setup(ctx); err != nil {
			return fmt.Errorf("setup order store: %w", err)
		}
		orders = store
	case "mongo":
		mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Orders.MongoURL))
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		defer mongoClient.Disconnect(context.Background())

		store := storage.NewMongoStore(mongoClient, cfg.Orders.MongoDatabase)
		if err := store.Setup(ctx); err != nil {
			return fmt.Errorf("setup order store: %w", err)
		}
		orders = store
	default:
		return fmt.Errorf("unknown order backend %q", cfg.Orders.Backend)
	}

	var provider payment.Adapter
	var mockPay *payment.MockPay
	switch cfg.Payment.Provider {
	case "mock":
		mockPay = payment.NewMockPay(cfg.Payment.MockSecret, cfg.Payment.MockWebhookURL)
		provider = mockPay
	case "stripe":
		provider = payment.NewStripe(
			cfg.Payment.StripeSecretKey,
			cfg.Payment.StripeWebhookSecret,
			cfg.Payment.StripeSuccessURL,
			cfg.Payment.StripeCancelURL,
		)
	default:
		return fmt.Errorf("unknown payment provider %q", cfg.Payment.Provider)
	}

	srv := httpserver.New(cfg, ledger, sessions, orders, provider, mockPay, metricsCollector, appLogger)

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("addr", cfg.Server.Address).
			Str("accounting", cfg.Accounting.Backend).
			Str("sessions", cfg.Sessions.Backend).
			Str("orders", cfg.Orders.Backend).
			Str("provider", cfg.Payment.Provider).
			Msg("server.started")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn().Err(err).Msg("server.shutdown_failed")
	}

	// Drain any in-flight ledger batches before the client closes.
	if tbLedger != nil {
		if err := tbLedger.Flush(shutdownCtx); err != nil {
			appLogger.Warn().Err(err).Msg("server.ledger_flush_failed")
		}
	}

	appLogger.Info().Msg("server.stopped")
	return nil
}
