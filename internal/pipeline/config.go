// Package pipeline runs ordered stages of capability invocations against a
// task and aggregates their outputs into a single ProcessingResult.
package pipeline

import (
	"fmt"
	"time"

	"github.com/aristath/triage/internal/task"
)

// Strategy determines how a required stage's failure affects the execution.
type Strategy string

const (
	StrategyStop     Strategy = "stop"     // Abort the execution
	StrategyContinue Strategy = "continue" // Record and move on
	StrategyRetry    Strategy = "retry"    // Retry stages marked RetryOnFailure, then stop
)

// Stage is one pipeline step.
type Stage struct {
	ID             string
	Name           string
	AgentTypes     []string
	Required       bool
	Parallel       bool
	RetryOnFailure bool
	Timeout        time.Duration
	When           Condition // Optional gate evaluated against the running context
}

// RetryPolicy bounds stage retries under StrategyRetry.
type RetryPolicy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns three retries starting at 100ms and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// DefaultHistoryLimit caps retained executions per pipeline.
const DefaultHistoryLimit = 100

// Config is a pipeline definition.
type Config struct {
	ID              string
	Name            string
	Stages          []Stage
	Timeout         time.Duration // Bounds the whole execution, zero for none
	FailureStrategy Strategy
	Parallel        bool // Run every stage's agent types concurrently
	Retry           RetryPolicy
	Weights         map[string]float64 // Per agent type confidence weight, default 1
	HistoryLimit    int
}

// withDefaults fills unset optional fields.
func (c Config) withDefaults() Config {
	if c.FailureStrategy == "" {
		c.FailureStrategy = StrategyStop
	}
	def := DefaultRetryPolicy()
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.MaxRetries
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = def.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = def.MaxInterval
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = def.Multiplier
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return c
}

// Validate checks structural correctness of the definition.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: pipeline id is required", task.ErrValidation)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: pipeline %q has no stages", task.ErrValidation, c.ID)
	}
	switch c.FailureStrategy {
	case "", StrategyStop, StrategyContinue, StrategyRetry:
	default:
		return fmt.Errorf("%w: pipeline %q has unknown failure strategy %q", task.ErrValidation, c.ID, c.FailureStrategy)
	}

	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.ID == "" {
			return fmt.Errorf("%w: pipeline %q stage %d has no id", task.ErrValidation, c.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: pipeline %q has duplicate stage %q", task.ErrValidation, c.ID, s.ID)
		}
		seen[s.ID] = true
		if len(s.AgentTypes) == 0 {
			return fmt.Errorf("%w: stage %q lists no agent types", task.ErrValidation, s.ID)
		}
		for _, typ := range s.AgentTypes {
			if typ == "" {
				return fmt.Errorf("%w: stage %q lists an empty agent type", task.ErrValidation, s.ID)
			}
		}
	}
	return nil
}
