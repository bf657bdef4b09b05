// Package config loads engine configuration from YAML or JSON files and
// turns it into agent descriptors and pipeline definitions.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/triage/internal/logging"
)

// Duration is a time.Duration written as a Go duration string ("250ms", "2m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// SchedulerConfig tunes the intake scheduler.
type SchedulerConfig struct {
	Concurrency     int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	MaxRetries      int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty" yaml:"retry_base,omitempty"`
	UrgencyKeywords []string `json:"urgency_keywords,omitempty" yaml:"urgency_keywords,omitempty"`
}

// BreakerConfig tunes the per agent type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures,omitempty" yaml:"consecutive_failures,omitempty"`
	OpenTimeout         Duration `json:"open_timeout,omitempty" yaml:"open_timeout,omitempty"`
	HalfOpenRequests    uint32   `json:"half_open_requests,omitempty" yaml:"half_open_requests,omitempty"`
}

// AgentConfig defines a command-backed agent. The map key is its ID.
type AgentConfig struct {
	Type           string   `json:"type" yaml:"type"` // Capability type the agent serves
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Priority       int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Timeout        Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Command        string   `json:"command" yaml:"command"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env            []string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// StageConfig defines one pipeline stage. Stages are required unless Optional.
type StageConfig struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	AgentTypes     []string `json:"agent_types" yaml:"agent_types"`
	Optional       bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Parallel       bool     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	RetryOnFailure bool     `json:"retry_on_failure,omitempty" yaml:"retry_on_failure,omitempty"`
	Timeout        Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	When           string   `json:"when,omitempty" yaml:"when,omitempty"` // Condition expression, see pipeline.ParseCondition
}

// RetryConfig bounds stage retries under the "retry" failure strategy.
type RetryConfig struct {
	MaxRetries      int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// PipelineConfig defines a pipeline. The map key is its ID.
type PipelineConfig struct {
	Name            string             `json:"name,omitempty" yaml:"name,omitempty"`
	Stages          []StageConfig      `json:"stages" yaml:"stages"`
	Timeout         Duration           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailureStrategy string             `json:"failure_strategy,omitempty" yaml:"failure_strategy,omitempty"`
	Parallel        bool               `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Retry           RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Weights         map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	HistoryLimit    int                `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
}

// RoutesConfig maps task classifications to pipeline IDs.
type RoutesConfig struct {
	Classes  map[string]string `json:"classes,omitempty" yaml:"classes,omitempty"`
	Fallback string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	Scheduler   SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Breaker     BreakerConfig             `json:"breaker" yaml:"breaker"`
	Agents      map[string]AgentConfig    `json:"agents" yaml:"agents"`
	Pipelines   map[string]PipelineConfig `json:"pipelines" yaml:"pipelines"`
	Routes      RoutesConfig              `json:"routes" yaml:"routes"`
	ArchivePath string                    `json:"archive_path,omitempty" yaml:"archive_path,omitempty"` // SQLite file, empty for in-memory
	Log         logging.Config            `json:"log" yaml:"log"`
}
