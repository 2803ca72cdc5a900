package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"waitq/waiting-service/internal/config"
	"waitq/waiting-service/internal/httpapi"
	"waitq/waiting-service/internal/logging"
	"waitq/waiting-service/internal/metrics"
	"waitq/waiting-service/internal/store"
	"waitq/waiting-service/internal/store/memory"
	"waitq/waiting-service/internal/store/postgres"
	"waitq/waiting-service/internal/sweeper"
	"waitq/waiting-service/internal/telemetry"
	"waitq/waiting-service/internal/waiting"
)

// backend is what both store drivers provide.
type backend interface {
	store.Store
	waiting.OperationStatusProvider
	waiting.CustomerResolver
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry := telemetry.Setup(cfg.ServiceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	location, err := cfg.Location()
	if err != nil {
		logger.WithError(err).WithField("timezone", cfg.BusinessTimezone).Warn("unknown business timezone, using UTC")
	}

	st, closeStore := openStore(cfg, logger)
	defer closeStore()

	m := metrics.New()
	service := waiting.NewService(st, waiting.Options{
		Location:        location,
		RestoreWindow:   cfg.RestoreWindow,
		OperationStatus: st,
		Customers:       st,
		Logger:          logger,
		Metrics:         m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(st, service, sweeper.Options{
		BatchSize: cfg.SweepBatchSize,
		Logger:    logger,
		Metrics:   m,
	})
	stopSweeper := startSweeper(ctx, cfg, sw, logger)
	defer stopSweeper()

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		StorePerMinute: cfg.StoreRateLimitPerMinute,
		StoreBurst:     cfg.StoreRateLimitBurst,
	})
	handler := httpapi.NewHandler(service, st, httpapi.Options{
		Limiter: limiter,
		Metrics: m,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, m, limiter.Middleware(handler.Routes())), cfg.ServiceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("waiting-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

func openStore(cfg config.Config, logger *logrus.Logger) (backend, func()) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewStore(), func() {}
	case config.StoreDriverPostgres:
	default:
		logger.WithField("driver", cfg.StoreDriver).Fatal("unknown store driver")
	}

	if cfg.DatabaseURL == "" {
		logger.Fatal("DB_DSN is required for the postgres store")
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			logger.WithError(err).Fatal("db migrate")
		}
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("db connect")
	}
	return postgres.NewStore(pool), pool.Close
}

// startSweeper runs the auto-cancel sweep in-process or through an asynq scheduler.
// The returned func stops whatever was started.
func startSweeper(ctx context.Context, cfg config.Config, sw *sweeper.Sweeper, logger *logrus.Logger) func() {
	if cfg.SweepInterval <= 0 {
		logger.Warn("auto-cancel sweep disabled: SWEEP_INTERVAL_SECONDS is not positive")
		return func() {}
	}

	switch cfg.SweepMode {
	case config.SweepModeOff:
		logger.Warn("auto-cancel sweep disabled")
		return func() {}
	case config.SweepModeAsynq:
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}

		worker := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 1,
			Logger:      logger,
		})
		mux := asynq.NewServeMux()
		sw.RegisterHandlers(mux)
		if err := worker.Start(mux); err != nil {
			logger.WithError(err).Fatal("asynq worker start")
		}

		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   logger,
		})
		entryID, err := sweeper.RegisterPeriodicSweep(scheduler, cfg.SweepInterval, cfg.SweepBatchSize)
		if err != nil {
			logger.WithError(err).Fatal("asynq schedule sweep")
		}
		if err := scheduler.Start(); err != nil {
			logger.WithError(err).Fatal("asynq scheduler start")
		}
		logger.WithFields(logrus.Fields{"entry_id": entryID, "interval": cfg.SweepInterval}).Info("auto-cancel sweep scheduled")

		return func() {
			scheduler.Shutdown()
			worker.Shutdown()
		}
	default:
		go sweeper.Start(ctx, cfg.SweepInterval, sw)
		logger.WithField("interval", cfg.SweepInterval).Info("auto-cancel sweep running in-process")
		return func() {}
	}
}
