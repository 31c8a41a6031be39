package source

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/resilience"
)

// Budget is the request budget for one source's token bucket.
type Budget struct {
	// RatePerSec is the sustained request rate. Default: 5.
	RatePerSec float64
	// Burst is the bucket depth. Default: 5.
	Burst int
}

// ControllerConfig tunes the shared fetch policy applied to every source.
type ControllerConfig struct {
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig

	// FailFast makes Acquire reject immediately when no token is available
	// instead of blocking, for callers that prefer to defer work over
	// queueing behind the budget.
	FailFast bool
}

// ErrBudgetExceeded is returned by Acquire under the fail-fast policy when
// the source's token bucket is empty.
var ErrBudgetExceeded = eris.New("source request budget exceeded")

// Controller is the single rate-limit and backoff authority for all source
// fetches. Every adapter call goes through Fetch: token acquisition, retry
// with exponential backoff and jitter, and a per-source circuit breaker.
type Controller struct {
	cfg ControllerConfig

	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

// NewController creates an empty controller; register adapters with Register.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Register adds an adapter with its request budget. The token bucket and
// circuit breaker are shared by all building fetches against this source.
func (c *Controller) Register(a Adapter, budget Budget) {
	if budget.RatePerSec <= 0 {
		budget.RatePerSec = 5
	}
	if budget.Burst <= 0 {
		budget.Burst = 5
	}

	breakerCfg := c.cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = logStateChange
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Source()] = a
	c.limiters[a.Source()] = rate.NewLimiter(rate.Limit(budget.RatePerSec), budget.Burst)
	c.breakers[a.Source()] = resilience.NewCircuitBreaker(a.Source(), breakerCfg)
}

// Sources returns the registered source names.
func (c *Controller) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	return names
}

// Acquire takes one token from the source's bucket, blocking until one is
// available or failing fast under the budget-exceeded policy.
func (c *Controller) Acquire(ctx context.Context, source string) error {
	c.mu.RLock()
	lim, ok := c.limiters[source]
	c.mu.RUnlock()
	if !ok {
		return eris.Errorf("unknown source %q", source)
	}

	if c.cfg.FailFast {
		if !lim.Allow() {
			return ErrBudgetExceeded
		}
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return eris.Wrapf(err, "acquire %s token", source)
	}
	return nil
}

// Degraded reports whether the source's circuit is currently open.
func (c *Controller) Degraded(source string) bool {
	c.mu.RLock()
	cb, ok := c.breakers[source]
	c.mu.RUnlock()
	return ok && cb.State() == resilience.CircuitOpen
}

// Fetch runs one guarded adapter call for a building. Each retry attempt
// pays its own token; an open circuit short-circuits with
// resilience.ErrSourceDegraded instead of touching the network.
func (c *Controller) Fetch(ctx context.Context, sourceName string, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error) {
	c.mu.RLock()
	adapter, ok := c.adapters[sourceName]
	cb := c.breakers[sourceName]
	c.mu.RUnlock()
	if !ok {
		return nil, eris.Errorf("unknown source %q", sourceName)
	}

	retryCfg := c.cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(sourceName, "fetch")
	}

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]RawRecord, error) {
		if err := c.Acquire(ctx, sourceName); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]RawRecord, error) {
			return adapter.Fetch(ctx, bld, f)
		})
	})
}

func logStateChange(source string, from, to resilience.CircuitState) {
	zap.L().Warn("source circuit state changed",
		zap.String("source", source),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
