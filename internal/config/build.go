package config

import (
	"fmt"
	"sort"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// Descriptor returns the agent descriptor for the agent registered as id.
func (a AgentConfig) Descriptor(id string) agent.Descriptor {
	return agent.Descriptor{
		ID:             id,
		Name:           a.Name,
		Type:           a.Type,
		Capabilities:   append([]string(nil), a.Capabilities...),
		Priority:       a.Priority,
		MaxConcurrency: a.MaxConcurrency,
		Timeout:        a.Timeout.Std(),
	}
}

// CommandConfig returns the subprocess settings for the agent.
func (a AgentConfig) CommandConfig() agent.CommandConfig {
	return agent.CommandConfig{
		Command: a.Command,
		Args:    append([]string(nil), a.Args...),
		Env:     append([]string(nil), a.Env...),
		WorkDir: a.WorkDir,
	}
}

// Validate checks that the agent names a type and a command.
func (a AgentConfig) Validate(id string) error {
	if a.Type == "" {
		return fmt.Errorf("%w: agent %q has no type", task.ErrValidation, id)
	}
	if a.Command == "" {
		return fmt.Errorf("%w: agent %q has no command", task.ErrValidation, id)
	}
	return nil
}

// Build converts the definition into a validated pipeline config.
func (p PipelineConfig) Build(id string) (pipeline.Config, error) {
	cfg := pipeline.Config{
		ID:              id,
		Name:            p.Name,
		Timeout:         p.Timeout.Std(),
		FailureStrategy: pipeline.Strategy(p.FailureStrategy),
		Parallel:        p.Parallel,
		Retry: pipeline.RetryPolicy{
			MaxRetries:      p.Retry.MaxRetries,
			InitialInterval: p.Retry.InitialInterval.Std(),
			MaxInterval:     p.Retry.MaxInterval.Std(),
			Multiplier:      p.Retry.Multiplier,
		},
		HistoryLimit: p.HistoryLimit,
	}
	if len(p.Weights) > 0 {
		cfg.Weights = make(map[string]float64, len(p.Weights))
		for k, v := range p.Weights {
			cfg.Weights[k] = v
		}
	}

	for _, s := range p.Stages {
		when, err := pipeline.ParseCondition(s.When)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("pipeline %q stage %q: %w", id, s.ID, err)
		}
		cfg.Stages = append(cfg.Stages, pipeline.Stage{
			ID:             s.ID,
			Name:           s.Name,
			AgentTypes:     append([]string(nil), s.AgentTypes...),
			Required:       !s.Optional,
			Parallel:       s.Parallel,
			RetryOnFailure: s.RetryOnFailure,
			Timeout:        s.Timeout.Std(),
			When:           when,
		})
	}

	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

// Options returns the breaker settings for pipeline executors.
func (b BreakerConfig) Options() pipeline.BreakerConfig {
	return pipeline.BreakerConfig{
		ConsecutiveFailures: b.ConsecutiveFailures,
		OpenTimeout:         b.OpenTimeout.Std(),
		HalfOpenRequests:    b.HalfOpenRequests,
	}
}

// AgentIDs returns the configured agent IDs in sorted order.
func (c *EngineConfig) AgentIDs() []string {
	return sortedKeys(c.Agents)
}

// PipelineIDs returns the configured pipeline IDs in sorted order.
func (c *EngineConfig) PipelineIDs() []string {
	return sortedKeys(c.Pipelines)
}

// Validate checks every agent, pipeline and route.
func (c *EngineConfig) Validate() error {
	for _, id := range c.AgentIDs() {
		if err := c.Agents[id].Validate(id); err != nil {
			return err
		}
	}
	for _, id := range c.PipelineIDs() {
		if _, err := c.Pipelines[id].Build(id); err != nil {
			return err
		}
	}
	for class, id := range c.Routes.Classes {
		if _, ok := c.Pipelines[id]; !ok {
			return fmt.Errorf("%w: route %q targets unknown pipeline %q", task.ErrValidation, class, id)
		}
	}
	if f := c.Routes.Fallback; f != "" {
		if _, ok := c.Pipelines[f]; !ok {
			return fmt.Errorf("%w: fallback targets unknown pipeline %q", task.ErrValidation, f)
		}
	}
	if c.Scheduler.Concurrency < 0 || c.Scheduler.MaxRetries < 0 || c.Scheduler.RetryBase < 0 {
		return fmt.Errorf("%w: scheduler settings must not be negative", task.ErrValidation)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
