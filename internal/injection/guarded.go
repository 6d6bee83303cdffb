package injection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/observability"
	"github.com/pttdictation/dictation-gateway/internal/resilience"
)

// Rewriter transforms text before it is injected
type Rewriter interface {
	Apply(text string) string
}

// GuardedConfig configures a Guarded injector
type GuardedConfig struct {
	Name                string // circuit breaker name used in metrics
	MaxFailures         int
	ResetTimeout        time.Duration
	RetryAttempts       int
	RetryInitialBackoff time.Duration

	// Rewriter is optional
	Rewriter Rewriter
}

// Guarded wraps a TextInjector with empty-text rejection, optional rule
// rewriting, retries for transient failures and a circuit breaker.
type Guarded struct {
	next     TextInjector
	rewriter Rewriter
	breaker  *resilience.CircuitBreaker
	retry    *resilience.RetryConfig
	logger   zerolog.Logger
}

// NewGuarded wraps next
func NewGuarded(next TextInjector, cfg GuardedConfig, logger zerolog.Logger) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "injector"
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryInitialBackoff > 0 {
		retry.InitialBackoff = cfg.RetryInitialBackoff
	}

	breaker := resilience.NewCircuitBreaker(cfg.Name, cfg.MaxFailures, cfg.ResetTimeout)
	log := observability.WithComponent(logger, "injector")
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Injector circuit breaker changed state")
	})
	observability.UpdateCircuitBreakerState(cfg.Name, int(resilience.StateClosed))

	return &Guarded{
		next:     next,
		rewriter: cfg.Rewriter,
		breaker:  breaker,
		retry:    retry,
		logger:   log,
	}
}

func (g *Guarded) Inject(ctx context.Context, text string) error {
	start := time.Now()

	if g.rewriter != nil {
		text = g.rewriter.Apply(text)
	}
	if strings.TrimSpace(text) == "" {
		observability.RecordInjection("rejected", time.Since(start))
		return ErrEmptyText
	}

	err := g.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			return g.next.Inject(ctx, text)
		}, g.retry, resilience.IsRetryable)
	})

	switch {
	case err == nil:
		observability.RecordInjection("success", time.Since(start))
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		observability.RecordInjection("rejected", time.Since(start))
		return fmt.Errorf("injector unavailable: %w", err)
	default:
		observability.RecordInjection("error", time.Since(start))
		observability.IncrementCircuitBreakerFailures(g.breaker.Name())
		return fmt.Errorf("inject text: %w", err)
	}
}

// State returns the circuit breaker state
func (g *Guarded) State() resilience.CircuitState {
	return g.breaker.GetState()
}

// HealthCheck reports healthy while the circuit is not open
func (g *Guarded) HealthCheck(context.Context) (bool, error) {
	if state := g.breaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("injector circuit is %s", state)
	}
	return true, nil
}
