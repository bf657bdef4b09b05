// Package agent defines the capability contract every agent implements,
// a base Capability that runs the shared execution sequence, and the
// Registry that groups agents by type and selects one per invocation.
package agent

import (
	"context"
	"time"

	"github.com/aristath/triage/internal/task"
)

// Status is the availability state of an agent.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusError
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Available reports whether the agent may receive work.
func (s Status) Available() bool {
	return s == StatusIdle || s == StatusBusy
}

// DefaultMaxConcurrency applies when a descriptor leaves MaxConcurrency unset.
const DefaultMaxConcurrency = 5

// Descriptor is the static description of an agent. Type is explicit and
// is the key the registry groups agents by.
type Descriptor struct {
	ID             string
	Name           string
	Type           string
	Capabilities   []string      // Additional task types the agent accepts
	Priority       int           // Higher wins during selection
	MaxConcurrency int           // In-flight invocation limit
	Timeout        time.Duration // Per-invocation limit, zero for none
}

// Limit returns MaxConcurrency or the default when unset.
func (d Descriptor) Limit() int {
	if d.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return d.MaxConcurrency
}

// Accepts reports whether a task type tag matches the descriptor.
// An empty tag matches every agent.
func (d Descriptor) Accepts(taskType string) bool {
	if taskType == "" || taskType == d.Type {
		return true
	}
	for _, c := range d.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Metrics are the rolling execution statistics of one agent.
type Metrics struct {
	TotalProcessed        int64
	ErrorCount            int64
	SuccessRate           float64
	AverageProcessingTime time.Duration
	LastActivity          time.Time
}

// Output is what a processor returns on success.
type Output struct {
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Actions    []string       `json:"actions,omitempty"`
}

// Result is the structured outcome of one capability call. Failures are
// reported here with Success=false rather than returned as errors.
type Result struct {
	AgentID    string
	AgentType  string
	Success    bool
	Confidence float64
	Data       map[string]any
	Tags       []string
	Actions    []string
	Err        error
	Duration   time.Duration
}

// Agent is the capability contract.
type Agent interface {
	Descriptor() Descriptor
	Status() Status
	Metrics() Metrics
	CanHandle(t *task.Task) bool
	Execute(ctx context.Context, t *task.Task, ec *task.ExecutionContext) *Result
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Processor holds the capability-specific logic run by Capability.
type Processor interface {
	Process(ctx context.Context, t *task.Task, ec *task.ExecutionContext) (*Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, t *task.Task, ec *task.ExecutionContext) (*Output, error)

func (f ProcessorFunc) Process(ctx context.Context, t *task.Task, ec *task.ExecutionContext) (*Output, error) {
	return f(ctx, t, ec)
}

// Validator overrides the default input validation.
type Validator interface {
	Validate(t *task.Task) error
}

// Lifecycle is implemented by processors holding external resources.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
