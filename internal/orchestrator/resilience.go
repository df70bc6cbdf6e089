package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/agent"
)

// RetryConfig configures the exponential backoff between task retries.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay before the first retry (default 100ms)
	MaxInterval         time.Duration // Maximum delay (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = 0
	}
	return c
}

// retryDelay returns how long to wait before the given retry (1-based).
func retryDelay(cfg RetryConfig, retry int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0 // Retry count is bounded by the task, not by time
	policy.Reset()

	delay := policy.NextBackOff()
	for i := 1; i < retry; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        // Test requests allowed while half-open (default 3)
	Timeout             time.Duration // How long the breaker stays open (default 30s)
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
}

// CircuitBreakerRegistry manages one circuit breaker per agent role.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(role string, state gobreaker.State)
	logger   *zap.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
// onChange, if set, is called on every state change.
func NewCircuitBreakerRegistry(cfg BreakerConfig, onChange func(role string, state gobreaker.State), logger *zap.Logger) *CircuitBreakerRegistry {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onChange: onChange,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Get returns the circuit breaker for the given role, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("role", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onChange != nil {
				r.onChange(name, to)
			}
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the agent's
			if err == nil {
				return true
			}
			var timeout *agent.TimeoutError
			if errors.As(err, &timeout) {
				return false
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[role] = cb
	return cb
}

// guardedInvoker puts every agent call under a per-call deadline and the role's
// circuit breaker. The deadline sits inside the breaker so timeouts count as
// failures. An open breaker fails fast with an InvocationError, which the
// coordinator retries like any other transient failure.
type guardedInvoker struct {
	inner    agent.Invoker
	breakers *CircuitBreakerRegistry
	timeout  time.Duration
}

func (g *guardedInvoker) Invoke(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	cb := g.breakers.Get(req.Spec.Role)
	result, err := cb.Execute(func() (interface{}, error) {
		return agent.CallWithTimeout(ctx, g.timeout, req.Spec.ID, "invoke",
			func(ctx context.Context) (agent.Artifact, error) {
				return g.inner.Invoke(ctx, req)
			})
	})

	var artifact agent.Artifact
	if a, ok := result.(agent.Artifact); ok {
		artifact = a
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return artifact, &agent.InvocationError{TaskID: req.Spec.ID, Role: req.Spec.Role, Err: err}
		}
		return artifact, err
	}
	return artifact, nil
}

// breakerStateValue maps a breaker state to the metric encoding.
func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
