package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	APIToken    string `envconfig:"API_TOKEN"`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Events struct {
		Backend     string `envconfig:"EVENTS_BACKEND" default:"none"`
		RabbitMQURL string `envconfig:"RABBITMQ_URL"`
		Queue       string `envconfig:"EVENTS_QUEUE" default:"publish_events"`
	} `envconfig:""`

	Registry struct {
		URL     string        `envconfig:"CHANNEL_REGISTRY_URL"`
		Token   string        `envconfig:"CHANNEL_REGISTRY_TOKEN"`
		Timeout time.Duration `envconfig:"CHANNEL_REGISTRY_TIMEOUT" default:"5s"`
	} `envconfig:""`

	Platforms struct {
		GatewayURL    string        `envconfig:"PLATFORM_GATEWAY_URL"`
		Timeout       time.Duration `envconfig:"PLATFORM_TIMEOUT" default:"20s"`
		RPS           float64       `envconfig:"PLATFORM_RPS" default:"5"`
		Burst         int           `envconfig:"PLATFORM_BURST" default:"5"`
		TelegramToken string        `envconfig:"TELEGRAM_BOT_TOKEN"`

		BreakerFailures int           `envconfig:"PLATFORM_BREAKER_FAILURES" default:"5"`
		BreakerWindow   int           `envconfig:"PLATFORM_BREAKER_WINDOW" default:"10"`
		BreakerDelay    time.Duration `envconfig:"PLATFORM_BREAKER_DELAY" default:"30s"`
		BreakerSuccess  int           `envconfig:"PLATFORM_BREAKER_SUCCESS" default:"2"`
	} `envconfig:""`

	Queue struct {
		MaxRetries  int           `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
		BackoffBase time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"30s"`
		BackoffMax  time.Duration `envconfig:"QUEUE_BACKOFF_MAX" default:"30m"`
		Lease       time.Duration `envconfig:"QUEUE_LEASE" default:"10m"`
	} `envconfig:""`

	Dispatch struct {
		Workers  int           `envconfig:"DISPATCH_WORKERS" default:"4"`
		IdleWait time.Duration `envconfig:"DISPATCH_IDLE_WAIT" default:"2s"`
	} `envconfig:""`

	Scheduler struct {
		PollSpec string        `envconfig:"SCHEDULER_POLL_SPEC" default:"@every 15s"`
		ReapSpec string        `envconfig:"SCHEDULER_REAP_SPEC" default:"@every 1m"`
		Grace    time.Duration `envconfig:"SCHEDULER_GRACE" default:"60s"`
		LockTTL  time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"30s"`
		Batch    int           `envconfig:"SCHEDULER_BATCH" default:"100"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает конфиг из окружения без завершения процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}
