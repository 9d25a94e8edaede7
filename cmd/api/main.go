package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"crosspost/internal/adapters/api"
	"crosspost/internal/adapters/repo"
	"crosspost/internal/infra/config"
	"crosspost/internal/infra/db"
	"crosspost/internal/infra/events"
	httpinfra "crosspost/internal/infra/http"
	applog "crosspost/internal/infra/log"
	"crosspost/internal/infra/metrics"
	"crosspost/internal/usecase/adapt"
	queueusecase "crosspost/internal/usecase/queue"
	"crosspost/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось применить схему")
	}

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
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать события")
	}
	defer closeEvents()

	store := repo.NewPostgres(pool)
	policy := queueusecase.Policy{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		Lease:       cfg.Queue.Lease,
	}
	scheduleService := schedule.NewService(store, store, publisher, cfg.Scheduler.Grace, applog.Component(logger, "schedule"))
	queueService := queueusecase.NewService(store, store, store, publisher, policy, applog.Component(logger, "queue"))

	srv := httpinfra.NewServer(applog.Component(logger, "http"))
	api.NewHandler(scheduleService, queueService, adapt.NewEngine(), logger).Mount(srv.Router, cfg.APIToken)

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	logger.Info().Msg("api: старт")
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
