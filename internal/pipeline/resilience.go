package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/task"
)

// ErrCircuitOpen is returned while an agent type's breaker rejects calls.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", task.ErrExternal)

// BreakerConfig configures per agent type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip threshold (default 5)
	OpenTimeout         time.Duration // Time spent open before probing (default 30s)
	HalfOpenRequests    uint32        // Trial requests allowed while half-open (default 3)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 3
	}
	return c
}

// BreakerRegistry hands out one circuit breaker per agent type.
type BreakerRegistry struct {
	cfg    BreakerConfig
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty breaker registry.
func NewBreakerRegistry(cfg BreakerConfig, logger logging.Logger) *BreakerRegistry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for agentType, creating it on first use.
func (r *BreakerRegistry) Get(agentType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentType]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentType,
		MaxRequests: r.cfg.HalfOpenRequests,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent_type", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Saturation and caller cancellation say nothing about the agents' health.
			return err == nil ||
				errors.Is(err, task.ErrNoSuitableAgent) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, task.ErrCancelled)
		},
	})
	r.breakers[agentType] = cb
	return cb
}

// State reports the current state of agentType's breaker.
func (r *BreakerRegistry) State(agentType string) gobreaker.State {
	return r.Get(agentType).State()
}

// Execute runs fn through agentType's breaker. An open breaker yields ErrExternal.
func (r *BreakerRegistry) Execute(agentType string, fn func() (*agent.Result, error)) (*agent.Result, error) {
	out, err := r.Get(agentType).Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w for agent type %q", ErrCircuitOpen, agentType)
	}
	res, _ := out.(*agent.Result)
	return res, err
}

// isPermanent reports errors a stage retry cannot fix.
func isPermanent(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, task.ErrCancelled)
}

func newStageBackOff(ctx context.Context, p RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}
