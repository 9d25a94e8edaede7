package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"crosspost/internal/adapters/platform"
	"crosspost/internal/adapters/registry"
	"crosspost/internal/adapters/repo"
	"crosspost/internal/domain"
	"crosspost/internal/infra/config"
	"crosspost/internal/infra/db"
	"crosspost/internal/infra/events"
	applog "crosspost/internal/infra/log"
	"crosspost/internal/infra/metrics"
	"crosspost/internal/usecase/dispatch"
	queueusecase "crosspost/internal/usecase/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	publisher, closeEvents, err := events.New(events.Options{
		Backend:     cfg.Events.Backend,
		RabbitMQURL: cfg.Events.RabbitMQURL,
		Queue:       cfg.Events.Queue,
		Redis:       redisClient,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось инициализировать события")
	}
	defer closeEvents()

	if cfg.Registry.URL == "" {
		logger.Fatal().Msg("dispatcher: не указан адрес реестра каналов (CHANNEL_REGISTRY_URL)")
	}
	registryClient, err := registry.New(cfg.Registry.URL, cfg.Registry.Token, cfg.Registry.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось создать клиента реестра")
	}

	var fallback domain.PlatformClient
	if cfg.Platforms.GatewayURL != "" {
		gateway, err := platform.NewGateway(cfg.Platforms.GatewayURL, platform.WithTimeout(cfg.Platforms.Timeout))
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось создать клиента шлюза")
		}
		fallback = gateway
	} else {
		logger.Warn().Msg("dispatcher: PLATFORM_GATEWAY_URL не задан, публикация возможна только в Telegram")
	}
	router := platform.NewRouter(fallback).
		Register(domain.PlatformTelegram, platform.NewTelegram(cfg.Platforms.TelegramToken, cfg.Platforms.Timeout))

	guards := dispatch.NewGuards(dispatch.GuardConfig{
		RPS:             cfg.Platforms.RPS,
		Burst:           cfg.Platforms.Burst,
		BreakerFailures: uint(cfg.Platforms.BreakerFailures),
		BreakerWindow:   uint(cfg.Platforms.BreakerWindow),
		BreakerDelay:    cfg.Platforms.BreakerDelay,
		BreakerSuccess:  uint(cfg.Platforms.BreakerSuccess),
	}, applog.Component(logger, "guards"))

	store := repo.NewPostgres(pool)
	policy := queueusecase.Policy{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		Lease:       cfg.Queue.Lease,
	}
	queueService := queueusecase.NewService(store, store, store, publisher, policy, applog.Component(logger, "queue"))
	dispatcher := dispatch.NewDispatcher(dispatch.Deps{
		Queue:       queueService,
		Content:     store,
		Adaptations: store,
		Registry:    registryClient,
		Client:      router,
		Guards:      guards,
		Timeout:     cfg.Platforms.Timeout,
	}, applog.Component(logger, "dispatcher"))

	workers := dispatch.NewPool(queueService, dispatcher, cfg.Dispatch.Workers, cfg.Dispatch.IdleWait, applog.Component(logger, "dispatcher"))
	logger.Info().Msg("dispatcher: запуск обработки очереди")
	workers.Run(ctx)
	logger.Info().Msg("dispatcher: остановлен")
}
