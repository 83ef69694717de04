/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, logging,
 * the store, Redis, RabbitMQ, the external clients, the core application service,
 * the scheduler and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: idempotency cache and rate limiting.
 * - github.com/joho/godotenv: loads a local .env into the process environment.
 * - go.uber.org/zap: structured logging.
 * - internal/api, internal/app, internal/config, internal/logging, internal/store.
 * - pkg/billclient, pkg/userclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/thrifty/ledger-service/internal/api"
	"github.com/thrifty/ledger-service/internal/app"
	"github.com/thrifty/ledger-service/internal/config"
	"github.com/thrifty/ledger-service/internal/logging"
	"github.com/thrifty/ledger-service/internal/store"
	"github.com/thrifty/ledger-service/pkg/billclient"
	rmrabbit "github.com/thrifty/ledger-service/pkg/rabbitmq"
	"github.com/thrifty/ledger-service/pkg/userclient"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()

	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWKSURL) == "" {
		logger.Fatal("either JWT_SECRET or JWKS_URL must be configured")
	}
	logger.Info("starting ledger-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreDriver))

	// Initialize the data access layer (repository).
	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; balances are lost on restart")
		repository = store.NewMemoryRepository()
	default:
		isolation, err := store.ParseIsolationLevel(cfg.TxIsolation)
		if err != nil {
			logger.Fatal("invalid transaction isolation", zap.Error(err))
		}

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database url parse failed", zap.Error(err))
		}
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts behind poolers
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool, isolation)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgRepo.EnsureSchema(schemaCtx); err != nil {
			cancelSchema()
			logger.Fatal("schema bootstrap failed", zap.Error(err))
		}
		cancelSchema()
		logger.Info("database connected", zap.String("isolation", string(isolation)))
		repository = pgRepo
	}

	// Initialize the RabbitMQ producer to publish ledger events.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		} else {
			defer rabbitProducer.Close()
			producer = rabbitProducer
			logger.Info("rabbitmq producer connected")
		}
	}

	// The user collaborator is remote when configured, else the local mirror.
	var users app.UserDirectory = repository
	if strings.TrimSpace(cfg.UserServiceURL) != "" {
		users = userclient.NewClient(cfg.UserServiceURL, cfg.UserServiceAPIKey)
	} else {
		logger.Info("user service url not set; resolving users from the local mirror")
	}

	var bills app.BillProvider
	if strings.TrimSpace(cfg.BillProviderBaseURL) != "" {
		bills = billclient.NewClient(cfg.BillProviderBaseURL, cfg.BillProviderAPIKey, logger)
	} else {
		logger.Warn("bill provider not configured; bill payments stay pending")
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; idempotency cache and rate limiting disabled")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; idempotency cache and rate limiting disabled", zap.Error(parseErr))
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				logger.Warn("redis ping failed; idempotency cache and rate limiting disabled", zap.Error(pingErr))
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				logger.Info("redis connected")
			}
		}
	}

	refs, err := app.NewRefGenerator(cfg.NodeID)
	if err != nil {
		logger.Fatal("reference generator init failed", zap.Error(err))
	}

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(repository, users, bills, producer, refs, logger, app.Settings{
		DefaultCurrency:        cfg.DefaultCurrency,
		ExternalTransferCharge: cfg.ExternalTransferChargeAmount(),
		EventsExchange:         cfg.LedgerEventsExchange,
	})

	// Background reconciliation.
	scheduler := app.NewScheduler(app.NewJobs(repository, logger), logger, cfg.ReconciliationSchedule)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// Inbound events: user directory mirror and settlement of pending postings.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; inbound events disabled", zap.Error(err))
		} else {
			defer rabbitConsumer.Close()
			transferConsumer := app.NewTransferStatusConsumer(ledgerService, logger)
			userConsumer := app.NewUserEventConsumer(repository, logger)
			bindings := map[string]rmrabbit.Handler{
				"user.created":               userConsumer.HandleMessage,
				"user.updated":               userConsumer.HandleMessage,
				"transfer.status.external.*": transferConsumer.HandleMessage,
				"bill.payment.status.*":      transferConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.InboundEventsExchange, cfg.EventsQueue, bindings); err != nil {
				logger.Fatal("event consumer start failed", zap.Error(err))
			}
			logger.Info("event consumer started", zap.String("queue", cfg.EventsQueue))
		}
	}

	// Initialize the API handlers and the router.
	opts := api.RouterOptions{
		Authenticator:    api.NewAuthenticator(cfg.JWTSecret, cfg.JWKSURL, logger),
		MoneyRateLimit:   app.RateLimitPolicy{Scope: "money", Limit: cfg.RateLimitPerMinute, Window: time.Minute},
		AccountOpenLimit: app.RateLimitPolicy{Scope: "account_open", Limit: cfg.AccountOpensPerHour, Window: time.Hour},
		AllowedOrigins:   cfg.AllowedOrigins(),
		Logger:           logger,
	}
	if redisClient != nil {
		opts.Idempotency = api.NewIdempotencyCache(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.IdempotencyTTLMinutes)*time.Minute, logger)
		opts.RateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}
	handlers := api.NewHandlers(ledgerService, logger)

	router := chi.NewRouter()
	router.Mount("/", api.LedgerRoutes(handlers, opts))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}
