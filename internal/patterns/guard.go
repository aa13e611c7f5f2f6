package patterns

import (
	"context"
	"time"
)

// GuardConfig bundles the resilience settings for one provider
type GuardConfig struct {
	Concurrency    int
	AcquireTimeout time.Duration
	CallTimeout    time.Duration
	Breaker        BreakerSettings
}

// Guard runs provider calls through a bulkhead, then a circuit breaker, with a
// per-call deadline. The bulkhead wraps the breaker so rejected calls never
// count as breaker failures.
type Guard struct {
	bulkhead *Bulkhead
	breaker  *CircuitBreaker
	timeout  time.Duration
}

func NewGuard(provider string, cfg GuardConfig) *Guard {
	return &Guard{
		bulkhead: NewBulkhead(cfg.Concurrency, provider+"-calls", provider, cfg.AcquireTimeout),
		breaker:  NewCircuitBreaker(provider+"-circuit", provider, cfg.Breaker),
		timeout:  cfg.CallTimeout,
	}
}

// Do executes fn with a context that expires after the call timeout.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.bulkhead.Execute(ctx, func() error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := WithTimeout(ctx, g.timeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		return err
	})
}
