package config

import (
	"time"

	"github.com/aristath/triage/internal/logging"
)

// DefaultConfig returns the built-in scheduler and breaker settings with no
// agents or pipelines.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Scheduler: SchedulerConfig{
			Concurrency: 5,
			MaxRetries:  3,
			RetryBase:   Duration(time.Second),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
			HalfOpenRequests:    3,
		},
		Agents:    map[string]AgentConfig{},
		Pipelines: map[string]PipelineConfig{},
		Routes:    RoutesConfig{Classes: map[string]string{}},
		Log:       logging.Config{Level: "info", Format: "json"},
	}
}
