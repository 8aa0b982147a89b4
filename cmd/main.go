/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration, opens
 * the store (Postgres in production, SQLite for local development), provisions the
 * pool account, wires the ledger, journal, settlement saga and auth gate, and starts
 * the HTTP server together with the obligation relay, the reconciliation scheduler and
 * the course-upload consumer.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: shared auth-failure counters.
 * - go.uber.org/zap: structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tuition/ledger-service/internal/api"
	"github.com/tuition/ledger-service/internal/app"
	"github.com/tuition/ledger-service/internal/config"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	rmrabbit "github.com/tuition/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// A missing .env file is expected outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ledger-service",
		zap.String("component", "bootstrap"),
		zap.String("port", cfg.ServerPort),
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.String("pool_account", cfg.PoolAccountNumber),
	)

	repository, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.String("component", "bootstrap"), zap.Error(err))
	}
	defer repository.Close()

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; events disabled", zap.String("component", "bootstrap"), zap.String("env", "RABBITMQ_URL"))
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", zap.String("component", "bootstrap"), zap.Error(err))
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected", zap.String("component", "bootstrap"))
	}

	gate := app.NewAuthGate(cfg.BcryptCost, logger)
	if redisClient := openRedis(cfg, logger); redisClient != nil {
		defer redisClient.Close()
		gate.SetFailureCounter(
			app.NewRedisFailureCounter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.AuthFailureLimit,
			time.Duration(cfg.AuthFailureWindowSecs)*time.Second,
		)
	}

	ledger := app.NewAccountLedger(repository, gate, logger)
	ledger.SetPublisher(publisher, cfg.EventsExchange)
	journal := app.NewTransactionJournal(repository)
	saga := app.NewSettlementSaga(repository, ledger, journal, app.SettlementPolicy{
		PoolAccount:     cfg.PoolAccountNumber,
		InstructorShare: cfg.InstructorShare,
		CourseUploadFee: cfg.CourseUploadFee,
		ObligationGrace: time.Duration(cfg.ObligationGraceSecs) * time.Second,
	}, publisher, cfg.EventsExchange, logger)

	provisionCtx, cancelProvision := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := ledger.EnsureAccount(provisionCtx, cfg.PoolAccountNumber, cfg.PoolAccountSecret)
	cancelProvision()
	if err != nil {
		logger.Fatal("pool account provisioning failed", zap.String("component", "bootstrap"), zap.Error(err))
	}
	logger.Info("pool account ready",
		zap.String("component", "bootstrap"),
		zap.String("pool_account", pool.AccountNumber),
		zap.String("balance", pool.Balance.String()),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	relay := app.NewObligationRelay(repository, saga, app.ObligationRelayOptions{
		BatchSize:    cfg.ObligationBatchSize,
		PollInterval: time.Duration(cfg.ObligationPollSecs) * time.Second,
		MaxAttempts:  cfg.ObligationMaxAttempts,
	}, logger)
	go relay.Run(workerCtx)

	reconciler := app.NewReconciler(repository, saga, logger)
	scheduler := app.NewScheduler(reconciler, cfg.ReconcileSchedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("reconciliation scheduler start failed", zap.String("component", "bootstrap"), zap.Error(err))
	}

	if cfg.RabbitMQURL != "" {
		startCourseUploadConsumer(cfg, saga, logger)
	}

	handler := api.NewHandler(ledger, saga, reconciler, repository, logger)
	requestTimeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	router := api.NewRouter(handler, cfg.InternalAPIKey, requestTimeout, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	stopWorkers()
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete", zap.String("component", "http"))
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build(zap.Fields(zap.String("service", "ledger-service")))
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		if err := store.MigratePostgres(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrated", zap.String("component", "bootstrap"))

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database url parse failed: %w", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := dbpool.Ping(ctx); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("database connected", zap.String("component", "bootstrap"), zap.String("driver", "postgres"))
		return store.NewPostgresRepository(dbpool), nil
	default:
		repo, err := store.NewSQLiteRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("database connected", zap.String("component", "bootstrap"), zap.String("driver", "sqlite"))
		return repo, nil
	}
}

func openRedis(cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; auth failure throttling disabled", zap.String("component", "bootstrap"), zap.String("env", "REDIS_URL"))
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; auth failure throttling disabled", zap.String("component", "bootstrap"), zap.Error(err))
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; auth failure throttling disabled", zap.String("component", "bootstrap"), zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected", zap.String("component", "bootstrap"))
	return client
}

// startCourseUploadConsumer is best effort: the upload fee can always be paid through
// POST /api/transactions/course-upload.
func startCourseUploadConsumer(cfg config.Config, saga *app.SettlementSaga, logger *zap.Logger) {
	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; course upload events disabled", zap.String("component", "bootstrap"), zap.Error(err))
		return
	}

	courseUploads := app.NewCourseUploadConsumer(saga, logger)
	bindings := map[string]rmrabbit.Handler{
		domain.EventCourseUploaded: courseUploads.HandleMessage,
	}
	if err := consumer.ConsumeWithBindings(cfg.CourseEventsExchange, cfg.CourseUploadQueue, bindings); err != nil {
		logger.Warn("course upload consumer start failed", zap.String("component", "bootstrap"), zap.Error(err))
		consumer.Close()
		return
	}
	logger.Info("course upload consumer started",
		zap.String("component", "bootstrap"),
		zap.String("exchange", cfg.CourseEventsExchange),
		zap.String("queue", cfg.CourseUploadQueue),
	)
}
