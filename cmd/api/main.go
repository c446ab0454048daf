package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinivia/agendabot/internal/admin"
	"github.com/clinivia/agendabot/internal/api/router"
	"github.com/clinivia/agendabot/internal/cache"
	appconfig "github.com/clinivia/agendabot/internal/config"
	"github.com/clinivia/agendabot/internal/conversation"
	"github.com/clinivia/agendabot/internal/http/handlers"
	"github.com/clinivia/agendabot/internal/messaging"
	"github.com/clinivia/agendabot/internal/observability/metrics"
	"github.com/clinivia/agendabot/internal/resilience"
	"github.com/clinivia/agendabot/internal/scheduling"
	"github.com/clinivia/agendabot/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting agendabot API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	cancelPing()

	m := metrics.New(nil)

	exec := resilience.NewExecutor(resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Window:           cfg.BreakerWindow,
			Cooldown:         cfg.BreakerCooldown,
		},
		CallTimeout:          cfg.CallTimeout,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}, logger, m.BreakerStateChange)

	resultCache := cache.New(rdb, m.CacheObserver())

	schedClient := scheduling.NewClient(cfg.GestaoDSBaseURL, cfg.GestaoDSToken, exec,
		resultCache,
		scheduling.NewIdempotencyStore(rdb, cfg.IdempotencyRetention),
		scheduling.CacheTTLs{
			Patient: cfg.PatientCacheTTL,
			Dates:   cfg.DatesCacheTTL,
			Slots:   cfg.SlotsCacheTTL,
		}, logger)

	sender := messaging.NewSender(messaging.Config{
		BaseURL:          cfg.ZAPIBaseURL,
		InstanceID:       cfg.ZAPIInstanceID,
		Token:            cfg.ZAPIToken,
		ClientToken:      cfg.ZAPIClientToken,
		RatePerMinute:    cfg.OutboundRatePerMinute,
		MaxMessageLength: cfg.MaxMessageLength,
	}, exec, logger)

	store := conversation.NewStore(rdb, 24*time.Hour, cfg.IdempotencyRetention)
	queue := conversation.NewMemoryQueue(cfg.QueueCapacity)
	publisher := conversation.NewPublisher(queue, logger)

	adminSvc := admin.NewService(store, exec, resultCache, sender, queue, logger)

	engine := conversation.NewEngine(conversation.Config{
		MaxAttempts: cfg.MaxAttemptsPerStage,
		IdleExpiry:  cfg.IdleExpiry,
		Clinic: conversation.ClinicInfo{
			Name:    cfg.ClinicName,
			Address: cfg.ClinicAddress,
			Phone:   cfg.ClinicPhone,
		},
		AdminPhones: cfg.AdminPhones,
	}, store, schedClient, sender, logger,
		conversation.WithAdminControl(adminSvc),
		conversation.WithReadAcknowledger(sender),
		conversation.WithMetrics(m),
		conversation.WithRateLimiter(conversation.NewPhoneLimiter(cfg.InboundRatePerMinute, cfg.InboundBurst)),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	worker := conversation.NewWorker(engine, queue, logger,
		conversation.WithWorkers(cfg.WorkerCount),
		conversation.WithStatusObserver(m),
	)
	worker.Start(workerCtx)

	r := router.New(&router.Config{
		Logger:               logger,
		Webhooks:             handlers.NewWebhookHandler(publisher, cfg.WebhookToken, logger, m),
		Admin:                handlers.NewAdminHandler(adminSvc, logger),
		Health:               handlers.NewHealthHandler(rdb),
		MetricsHandler:       promhttp.Handler(),
		AdminAuthSecret:      cfg.AdminJWTSecret,
		WebhookRatePerSecond: 50,
		WebhookBurst:         100,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop intake first so workers can drain in-flight conversations.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stopWorkers()
	worker.Wait()

	if err := rdb.Close(); err != nil {
		logger.Error("failed to close redis client", "error", err)
	}
	logger.Info("server stopped")
}
