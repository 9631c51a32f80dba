package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// GuardConfig — настройки защиты вызова обработчика.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerConsecutiveFails uint32
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RatePerSecond:           100,
		Burst:                   20,
		BreakerMaxRequests:      3,
		BreakerInterval:         5 * time.Second,
		BreakerTimeout:          30 * time.Second,
		BreakerConsecutiveFails: 5,
	}
}

// Guard оборачивает вызов обработчика: Rate Limiter -> Circuit Breaker (на действие) -> Timeout.
// Повторов нет: обработчик вызывается не более одного раза на запрос.
type Guard struct {
	cfg     GuardConfig
	limiter *rate.Limiter
	metrics *Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewGuard(cfg GuardConfig, metrics *Metrics) *Guard {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Guard{
		cfg:      cfg,
		limiter:  limiter,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Call исполняет обработчик действия с таймаутом. Ошибки:
//   - превышение срока (своего или ctx вызывающего) -> domain.ErrTimeout;
//   - отмена ctx вызывающим -> domain.ErrCanceled;
//   - ошибка/паника обработчика или открытый breaker -> *domain.HandlerFailure.
func (g *Guard) Call(ctx context.Context, action string, h domain.Handler, params domain.Params, timeout time.Duration) (domain.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// 1. Rate Limiter (ждем токен в пределах срока запроса)
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			// ctx.Err() == nil: токен не успеет прийти до дедлайна, это тоже timeout
			return nil, contextFailure(ctx, err, "waiting for rate limiter")
		}
	}

	// 2. Circuit Breaker
	cbResult, err := g.breaker(action).Execute(func() (interface{}, error) {
		return runHandler(ctx, action, h, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.HandlerFailure{Action: action, Err: err}
		}
		return nil, err
	}

	res, _ := cbResult.(domain.Result)
	return res, nil
}

// runHandler не дает зависшему обработчику заблокировать вызывающего.
func runHandler(ctx context.Context, action string, h domain.Handler, params domain.Params) (domain.Result, error) {
	type outcome struct {
		res domain.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &domain.HandlerFailure{Action: action, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		res, err := h(ctx, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.res, nil
		}
		var hf *domain.HandlerFailure
		if errors.As(o.err, &hf) {
			return nil, o.err
		}
		if ctx.Err() != nil && (errors.Is(o.err, context.DeadlineExceeded) || errors.Is(o.err, context.Canceled)) {
			return nil, contextFailure(ctx, o.err, "action "+action)
		}
		return nil, &domain.HandlerFailure{Action: action, Err: o.err}
	case <-ctx.Done():
		return nil, contextFailure(ctx, ctx.Err(), "action "+action)
	}
}

// contextFailure различает отмену вызывающим и истечение срока.
func contextFailure(ctx context.Context, cause error, what string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %s: %v", domain.ErrCanceled, what, cause)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTimeout, what, cause)
}

func (g *Guard) breaker(action string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[action]; ok {
		return cb
	}

	fails := g.cfg.BreakerConsecutiveFails
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        action,
		MaxRequests: g.cfg.BreakerMaxRequests,
		Interval:    g.cfg.BreakerInterval,
		Timeout:     g.cfg.BreakerTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если ошибок подряд больше порога, открываемся (блокируем трафик)
			return fails > 0 && counts.ConsecutiveFailures > fails
		},
		// отключившийся клиент не говорит ничего о здоровье интеграции
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrCanceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if g.metrics != nil {
				g.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	g.breakers[action] = cb
	return cb
}

// BreakerState — текущее состояние предохранителя действия (для статус-эндпоинта).
func (g *Guard) BreakerState(action string) gobreaker.State {
	g.mu.Lock()
	cb, ok := g.breakers[action]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// BreakerStates — снимок всех созданных предохранителей: action -> closed/half-open/open.
func (g *Guard) BreakerStates() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.breakers))
	for name, cb := range g.breakers {
		out[name] = cb.State().String()
	}
	return out
}
