package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"payment-service/internal/billing"
	"payment-service/internal/config"
	"payment-service/internal/db"
	"payment-service/internal/events"
	"payment-service/internal/gateway"
	"payment-service/internal/gateway/razorpay"
	"payment-service/internal/gateway/resilience"
	"payment-service/internal/gateway/stripe"
	"payment-service/internal/httpapi"
	"payment-service/internal/kafka"
	"payment-service/internal/ledger"
	"payment-service/internal/lock"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/payment"
	"payment-service/internal/refund"
	"payment-service/internal/storage"
	"payment-service/internal/storage/memory"
	"payment-service/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	cfg := config.MustLoadConfig(config.GetString("CONFIG_PATH", "."))
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	locker, err := openLocker(ctx, cfg.Redis)
	if err != nil {
		log.Fatal(err)
	}

	publisher, closePublisher := openPublisher(cfg.Kafka, logger)
	defer closePublisher()

	queue := events.NewQueue(cfg.Events, publisher, logger)
	queue.Start(ctx)
	defer queue.Close()

	router, err := newRouter(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	refundSettings, err := refund.SettingsFromConfig(cfg.Refund, cfg.Kafka.Topic.Notifications)
	if err != nil {
		log.Fatal(err)
	}

	l := ledger.New(store, logger)
	activator := billing.NewActivator(store, locker, cfg.Billing, logger)
	defer activator.Wait()
	pipeline := webhook.NewPipeline(l, router, cfg.Gateways, queue, activator, webhook.Settings{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Topic:       cfg.Kafka.Topic.PaymentEvents,
	}, logger)
	refunds := refund.NewEngine(l, router, locker, queue, refundSettings, logger)
	payments := payment.NewService(l, router, activator, queue, cfg.Kafka.Topic.PaymentEvents, logger)
	subscriptions := billing.NewService(store, router, logger)

	webhook.NewSweeper(pipeline, cfg.Webhook, logger).Start(ctx)

	if cfg.Kafka.Broker.URL != "" {
		replayReader := kafka.NewReader(cfg.Kafka)
		defer replayReader.Close()
		go kafka.ReadReplayRequests(ctx, replayReader, func(ctx context.Context, id uuid.UUID) error {
			return pipeline.Replay(ctx, id).Err()
		}, logger)
	}

	server := httpapi.NewServer(pipeline, payments, refunds, subscriptions, logger)
	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port)
		if err := server.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down server", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.Storage.Driver == "memory" {
		return memory.NewStore(), func() {}, nil
	}

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, cfg.Storage.MigrationsDir); err != nil {
		return nil, nil, errors.Wrap(err, "running migrations")
	}
	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to database")
	}
	return db.NewStore(pool), pool.Close, nil
}

func openLocker(ctx context.Context, cfg config.Redis) (lock.Locker, error) {
	if cfg.URL == "" {
		return lock.NewMemoryLocker(), nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}
	return lock.NewRedisLocker(client), nil
}

func openPublisher(cfg config.Kafka, logger *slog.Logger) (events.Publisher, func()) {
	if cfg.Broker.URL == "" {
		logger.Warn("No kafka broker configured, events stay in memory")
		return events.NewMemoryPublisher(logger), func() {}
	}
	writer := kafka.NewWriter(cfg)
	return kafka.NewPublisher(writer, logger), func() {
		if err := writer.Close(); err != nil {
			logger.Error("Error closing kafka writer", "error", err)
		}
	}
}

func newRouter(cfg *config.Config, logger *slog.Logger) (*gateway.Router, error) {
	router := gateway.NewRouter(gateway.DefaultDetector(), logger)
	gateways := cfg.Gateways

	if gateways.Razorpay.Enabled {
		settings := resilience.SettingsFromConfig(model.GatewayRazorpay.String(), cfg.Resilience, gateways.Razorpay.TimeoutMs)
		router.Register(razorpay.New(gateways.Razorpay, logger), resilience.New(settings, logger))
	}
	if gateways.Stripe.Enabled {
		settings := resilience.SettingsFromConfig(model.GatewayStripe.String(), cfg.Resilience, gateways.Stripe.TimeoutMs)
		router.Register(stripe.New(gateways.Stripe, logger), resilience.New(settings, logger))
	}

	if !gateways.Razorpay.Enabled && !gateways.Stripe.Enabled {
		return nil, errors.New("no payment gateway enabled")
	}
	return router, nil
}
