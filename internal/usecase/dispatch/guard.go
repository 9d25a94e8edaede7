package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crosspost/internal/domain"
)

// GuardConfig задаёт темп и автоматический выключатель для каждой платформы.
type GuardConfig struct {
	RPS   float64
	Burst int

	// Выключатель размыкается после BreakerFailures сбоев из последних BreakerWindow вызовов.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
	BreakerSuccess  uint
}

// DefaultGuardConfig возвращает значения по умолчанию.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RPS:             5,
		Burst:           5,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    30 * time.Second,
		BreakerSuccess:  2,
	}
}

// Guards выдаёт по лимитеру и выключателю на платформу. Платформы не влияют друг на друга.
type Guards struct {
	cfg GuardConfig
	log zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]circuitbreaker.CircuitBreaker[domain.PublishResult]
}

// NewGuards создаёт набор ограничителей.
func NewGuards(cfg GuardConfig, logger zerolog.Logger) *Guards {
	def := DefaultGuardConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerWindow < cfg.BreakerFailures {
		cfg.BreakerWindow = cfg.BreakerFailures
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = def.BreakerDelay
	}
	if cfg.BreakerSuccess == 0 {
		cfg.BreakerSuccess = def.BreakerSuccess
	}
	return &Guards{
		cfg:      cfg,
		log:      logger,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]circuitbreaker.CircuitBreaker[domain.PublishResult]),
	}
}

// Call выполняет fn с учётом темпа и выключателя платформы.
func (g *Guards) Call(ctx context.Context, platform string, fn func(context.Context) (domain.PublishResult, error)) (domain.PublishResult, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	limiter, breaker := g.forPlatform(platform)

	if err := limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.PublishResult{}, err
		}
		return domain.PublishResult{}, &domain.PublishError{
			Code:    domain.ErrorCodeRateLimit,
			Message: "local rate limit for " + platform,
			Err:     err,
		}
	}

	result, err := failsafe.With[domain.PublishResult](breaker).Get(func() (domain.PublishResult, error) {
		return fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return domain.PublishResult{}, &domain.PublishError{
			Code:       domain.ErrorCodeRateLimit,
			Message:    "circuit open for " + platform,
			RetryAfter: g.cfg.BreakerDelay,
			Err:        err,
		}
	}
	return result, err
}

func (g *Guards) forPlatform(platform string) (*rate.Limiter, circuitbreaker.CircuitBreaker[domain.PublishResult]) {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.limiters[platform]
	if !ok {
		limit := rate.Inf
		if g.cfg.RPS > 0 {
			limit = rate.Limit(g.cfg.RPS)
		}
		limiter = rate.NewLimiter(limit, g.cfg.Burst)
		g.limiters[platform] = limiter
	}

	breaker, ok := g.breakers[platform]
	if !ok {
		breaker = circuitbreaker.NewBuilder[domain.PublishResult]().
			HandleIf(func(_ domain.PublishResult, err error) bool {
				return err != nil && countsAsOutage(err)
			}).
			WithFailureThresholdRatio(g.cfg.BreakerFailures, g.cfg.BreakerWindow).
			WithDelay(g.cfg.BreakerDelay).
			WithSuccessThreshold(g.cfg.BreakerSuccess).
			OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
				g.log.Warn().
					Str("platform", platform).
					Str("from", stateName(event.OldState)).
					Str("to", stateName(event.NewState)).
					Msg("dispatcher: состояние выключателя изменилось")
			}).
			Build()
		g.breakers[platform] = breaker
	}
	return limiter, breaker
}

// Отказы авторизации и валидации относятся к каналу или материалу, а не к доступности платформы.
func countsAsOutage(err error) bool {
	switch domain.Classify(err) {
	case domain.ErrorCodeNetwork, domain.ErrorCodeTimeout, domain.ErrorCodeRateLimit, domain.ErrorCodeUnknown:
		return true
	default:
		return false
	}
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
