package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PublishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_attempts_total",
		Help: "Попытки публикации по платформам и исходам",
	}, []string{"platform", "outcome"})
	DispatchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Время обработки элемента очереди",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})
	ItemsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_items_enqueued_total",
		Help: "Элементы, поставленные в очередь поллером",
	})
	RetriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_retries_scheduled_total",
		Help: "Повторные попытки по коду ошибки",
	}, []string{"error_code"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Количество элементов очереди по статусам",
	}, []string{"status"})
	PollerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Запуски периодических задач планировщика",
	}, []string{"job", "status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PublishAttempts,
		DispatchSeconds,
		ItemsEnqueued,
		RetriesScheduled,
		QueueDepth,
		PollerRuns,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePublish записывает исход попытки публикации.
func ObservePublish(platform, outcome string, start time.Time) {
	if platform == "" {
		platform = "unknown"
	}
	PublishAttempts.WithLabelValues(platform, outcome).Inc()
	DispatchSeconds.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// IncRetry увеличивает счётчик запланированных повторов.
func IncRetry(code string) {
	RetriesScheduled.WithLabelValues(code).Inc()
}

// AddEnqueued учитывает элементы, созданные поллером.
func AddEnqueued(n int) {
	if n > 0 {
		ItemsEnqueued.Add(float64(n))
	}
}

// IncPollerRun учитывает запуск задачи планировщика.
func IncPollerRun(job string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PollerRuns.WithLabelValues(job, status).Inc()
}

// SetQueueDepth обновляет глубину очереди по статусам.
func SetQueueDepth(queued, processing, published, failed, cancelled int) {
	QueueDepth.WithLabelValues("queued").Set(float64(queued))
	QueueDepth.WithLabelValues("processing").Set(float64(processing))
	QueueDepth.WithLabelValues("published").Set(float64(published))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
	QueueDepth.WithLabelValues("cancelled").Set(float64(cancelled))
}
