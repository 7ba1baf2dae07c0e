package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kevin07696/billing-engine/internal/adapters/cdp"
	"github.com/kevin07696/billing-engine/internal/adapters/database"
	"github.com/kevin07696/billing-engine/internal/adapters/postgres"
	"github.com/kevin07696/billing-engine/internal/adapters/rabbitmq"
	"github.com/kevin07696/billing-engine/internal/adapters/secrets"
	"github.com/kevin07696/billing-engine/internal/billing/dunning"
	"github.com/kevin07696/billing-engine/internal/config"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	subscriptionHandler "github.com/kevin07696/billing-engine/internal/handlers/subscription"
	webhookHandler "github.com/kevin07696/billing-engine/internal/handlers/webhook"
	"github.com/kevin07696/billing-engine/internal/middleware"
	"github.com/kevin07696/billing-engine/internal/services/activation"
	"github.com/kevin07696/billing-engine/internal/services/processor"
	"github.com/kevin07696/billing-engine/internal/services/scheduler"
	webhookService "github.com/kevin07696/billing-engine/internal/services/webhook"
	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/resilience"
	"github.com/kevin07696/billing-engine/pkg/resourcemgmt"
	"github.com/kevin07696/billing-engine/pkg/shutdown"
)

func main() {
	// Optional in production; local development keeps settings in .env.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logger)
	defer logger.Sync()

	ctx := context.Background()

	if err := resolveSecrets(ctx, cfg, logger); err != nil {
		logger.Fatal("Failed to resolve secrets", zap.Error(err))
	}

	shutdownManager := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)

	// Database
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := database.NewPostgreSQLAdapter(dbCtx, &database.PostgreSQLConfig{
		DatabaseURL: databaseURL(&cfg.Database),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
	}, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	shutdownManager.Register("database", func(ctx context.Context) error {
		db.Close()
		return nil
	})

	// Message broker
	broker, err := rabbitmq.Connect(cfg.Broker.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	shutdownManager.Register("rabbitmq", broker.Close)

	publisher, err := rabbitmq.NewPublisher(broker, logger)
	if err != nil {
		logger.Fatal("Failed to create publisher", zap.Error(err))
	}
	shutdownManager.Register("publisher", func(ctx context.Context) error {
		return publisher.Close()
	})

	// Stores
	subscriptionStore := postgres.NewSubscriptionStore(db, logger)
	timerStore := postgres.NewTimerStore(db, logger)
	webhookStore := postgres.NewWebhookStore(db, logger)
	accountStore := postgres.NewAccountStore(db, logger)

	// Onchain provider
	provider := cdp.NewAdapter(cdp.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Testnet: cfg.Provider.Testnet,
		Timeout: cfg.Provider.Timeout,
	}, nil, logger)

	// Order scheduler + overdue sweeper
	orderScheduler := scheduler.New(timerStore, publisher, scheduler.Config{
		MaxFireRetries: cfg.Scheduler.MaxFireRetries,
	}, logger)
	if err := orderScheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	shutdownManager.Register("scheduler", orderScheduler.Stop)

	sweeper := scheduler.NewSweeper(subscriptionStore, publisher, scheduler.SweeperConfig{
		Interval:  cfg.Scheduler.SweepInterval,
		BatchSize: cfg.Scheduler.SweepBatchSize,
		Grace:     cfg.Scheduler.ClaimGrace,
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}
	shutdownManager.Register("sweeper", sweeper.Stop)

	// Webhook emission + delivery
	emitter := webhookService.NewEmitter(webhookStore, publisher, logger)
	deliveryWorker := webhookService.NewDeliveryWorker(nil, logger)

	webhookConsumer := rabbitmq.NewConsumer(broker, rabbitmq.ConsumerConfig{
		Queue:       rabbitmq.WebhookQueue,
		WaitQueue:   rabbitmq.WebhookWaitQueue,
		Workers:     cfg.Broker.WebhookWorkers,
		Prefetch:    cfg.Broker.Prefetch,
		MaxAttempts: cfg.Broker.MaxWebhookAttempts,
		Backoff:     resilience.WebhookBackoff(),
	}, logger)
	if err := webhookConsumer.Start(ctx, deliveryWorker.Handler()); err != nil {
		logger.Fatal("Failed to start webhook consumer", zap.Error(err))
	}
	shutdownManager.Register("webhook-consumer", webhookConsumer.Stop)

	// Payment processor
	schedule := dunning.NewSchedule(cfg.Dunning.Schedule)
	proc := processor.New(subscriptionStore, provider, orderScheduler, emitter, schedule, logger)

	chargeConsumer := rabbitmq.NewConsumer(broker, rabbitmq.ConsumerConfig{
		Queue:       rabbitmq.ChargeQueue,
		WaitQueue:   rabbitmq.ChargeWaitQueue,
		Workers:     cfg.Broker.ChargeWorkers,
		Prefetch:    cfg.Broker.Prefetch,
		MaxAttempts: cfg.Broker.MaxChargeAttempts,
		Backoff:     resilience.ChargeRequeueBackoff(),
	}, logger)
	if err := chargeConsumer.Start(ctx, proc.Handler()); err != nil {
		logger.Fatal("Failed to start charge consumer", zap.Error(err))
	}
	shutdownManager.Register("charge-consumer", chargeConsumer.Stop)

	// Activation orchestrator with supervised background charges
	tracker := resourcemgmt.NewTracker(logger)
	shutdownManager.Register("activation-drain", tracker.Drain)

	activationService := activation.New(subscriptionStore, provider, orderScheduler, emitter,
		tracker, cfg.Provider.SpenderAddress, logger)

	// HTTP API
	mux := http.NewServeMux()
	subscriptionHandler.NewHandler(activationService, logger).RegisterRoutes(mux)
	webhookHandler.NewHandler(webhookStore, logger).RegisterRoutes(mux)

	handler := observability.HTTPMetricsMiddleware(
		middleware.APIKeyAuth(accountStore, logger)(mux),
	)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()
	shutdownManager.Register("api-server", apiServer.Shutdown)

	// Metrics + health
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("database", db.Ping)
	healthChecker.Register("rabbitmq", broker.Ping)

	metricsServer := observability.StartMetricsServer(strconv.Itoa(cfg.Server.MetricsPort), healthChecker, logger)
	shutdownManager.Register("metrics-server", func(ctx context.Context) error {
		return observability.ShutdownMetricsServer(metricsServer)
	})

	logger.Info("Billing engine started",
		zap.Int("api_port", cfg.Server.Port),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
		zap.Int("charge_workers", cfg.Broker.ChargeWorkers),
		zap.Int("webhook_workers", cfg.Broker.WebhookWorkers),
		zap.Int("dunning_steps", len(cfg.Dunning.Schedule)),
		zap.Bool("testnet", cfg.Provider.Testnet),
	)

	shutdownManager.WaitForShutdown()
}

// resolveSecrets fills the database password and provider API key from the
// configured secrets backend when the environment did not provide them.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	manager, err := newSecretManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	if cfg.Database.Password == "" {
		secret, err := manager.GetSecret(ctx, "db/password")
		if err != nil {
			return fmt.Errorf("resolve database password: %w", err)
		}
		cfg.Database.Password = secret.Value
	}
	if cfg.Provider.APIKey == "" {
		secret, err := manager.GetSecret(ctx, "provider/api-key")
		if err != nil {
			return fmt.Errorf("resolve provider api key: %w", err)
		}
		cfg.Provider.APIKey = secret.Value
	}
	return nil
}

func newSecretManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.SecretManagerAdapter, error) {
	switch cfg.Secrets.Backend {
	case "aws":
		return secrets.NewAWSSecretsManagerAdapter(ctx,
			secrets.DefaultAWSSecretsManagerConfig(cfg.Secrets.AWSRegion), logger)
	case "vault":
		return secrets.NewVaultAdapter(ctx,
			secrets.DefaultVaultConfig(cfg.Secrets.VaultAddr, cfg.Secrets.VaultToken), logger)
	case "env":
		return secrets.NewEnvSecretManager(logger), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
}

func databaseURL(db *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// initLogger builds the zap logger from config
func initLogger(cfg config.LoggerConfig) *zap.Logger {
	if cfg.Development {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	zapCfg := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, _ := zapCfg.Build()
	return logger
}
