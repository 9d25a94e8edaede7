package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"crosspost/internal/adapters/repo"
	"crosspost/internal/domain"
	"crosspost/internal/infra/cache"
	"crosspost/internal/infra/config"
	"crosspost/internal/infra/db"
	"crosspost/internal/infra/events"
	applog "crosspost/internal/infra/log"
	"crosspost/internal/infra/metrics"
	queueusecase "crosspost/internal/usecase/queue"
	"crosspost/internal/usecase/schedule"
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
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось применить схему")
	}

	var (
		redisClient *redis.Client
		locker      domain.Locker
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := cache.NewRedis(redisClient)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("scheduler: Redis недоступен")
		}
		locker = redisCache
	} else {
		logger.Warn().Msg("scheduler: REDIS_ADDR не задан, блокировка между репликами отключена")
	}

	publisher, closeEvents, err := events.New(events.Options{
		Backend:     cfg.Events.Backend,
		RabbitMQURL: cfg.Events.RabbitMQURL,
		Queue:       cfg.Events.Queue,
		Redis:       redisClient,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать события")
	}
	defer closeEvents()

	store := repo.NewPostgres(pool)
	policy := queueusecase.Policy{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		Lease:       cfg.Queue.Lease,
	}
	queueService := queueusecase.NewService(store, store, store, publisher, policy, applog.Component(logger, "queue"))
	poller := schedule.NewPoller(queueService, locker, cfg.Scheduler.Batch, cfg.Scheduler.LockTTL, applog.Component(logger, "scheduler"))

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	addJob(ctx, c, logger, cfg.Scheduler.PollSpec, schedule.JobEnqueue, poller.EnqueueDue)
	addJob(ctx, c, logger, cfg.Scheduler.ReapSpec, schedule.JobReap, poller.ReapExpired)

	c.Start()
	logger.Info().Str("poll", cfg.Scheduler.PollSpec).Str("reap", cfg.Scheduler.ReapSpec).Msg("scheduler: старт")
	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка")
	<-c.Stop().Done()
}

func addJob(ctx context.Context, c *cron.Cron, logger zerolog.Logger, spec, job string, run func(context.Context) (int, error)) {
	_, err := c.AddFunc(spec, func() {
		if _, err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str("job", job).Msg("scheduler: цикл завершился ошибкой")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Str("job", job).Str("spec", spec).Msg("scheduler: некорректное расписание")
	}
}
