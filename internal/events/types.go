package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicAgent    = "agent"
	TopicPipeline = "pipeline"
	TopicQueue    = "queue"
	TopicMetrics  = "metrics"
)

// Event type constants
const (
	EventTypeAgentRegistered   = "agent.registered"
	EventTypeAgentUnregistered = "agent.unregistered"
	EventTypeExecutionStarted  = "pipeline.execution.started"
	EventTypeExecutionFinished = "pipeline.execution.finished"
	EventTypeStageFailed       = "pipeline.stage.failed"
	EventTypeTaskQueued        = "queue.task.queued"
	EventTypeTaskDispatched    = "queue.task.dispatched"
	EventTypeTaskRetrying      = "queue.task.retrying"
	EventTypeTaskCompleted     = "queue.task.completed"
	EventTypeTaskFailed        = "queue.task.failed"
	EventTypeMetric            = "metrics.sample"
)

// AgentRegisteredEvent is published when a capability joins the registry.
type AgentRegisteredEvent struct {
	AgentID   string
	AgentType string
	Timestamp time.Time
}

func (e AgentRegisteredEvent) EventType() string { return EventTypeAgentRegistered }
func (e AgentRegisteredEvent) TaskID() string    { return "" }

// AgentUnregisteredEvent is published when a capability leaves the registry.
type AgentUnregisteredEvent struct {
	AgentID   string
	AgentType string
	Timestamp time.Time
}

func (e AgentUnregisteredEvent) EventType() string { return EventTypeAgentUnregistered }
func (e AgentUnregisteredEvent) TaskID() string    { return "" }

// ExecutionStartedEvent is published when a pipeline execution begins.
type ExecutionStartedEvent struct {
	ExecutionID string
	PipelineID  string
	Task        string
	Timestamp   time.Time
}

func (e ExecutionStartedEvent) EventType() string { return EventTypeExecutionStarted }
func (e ExecutionStartedEvent) TaskID() string    { return e.Task }

// ExecutionFinishedEvent is published when a pipeline execution reaches a terminal status.
type ExecutionFinishedEvent struct {
	ExecutionID string
	PipelineID  string
	Task        string
	Status      string
	Duration    time.Duration
	Err         error
	Timestamp   time.Time
}

func (e ExecutionFinishedEvent) EventType() string { return EventTypeExecutionFinished }
func (e ExecutionFinishedEvent) TaskID() string    { return e.Task }

// StageFailedEvent is published for every recorded stage error.
type StageFailedEvent struct {
	ExecutionID string
	StageID     string
	AgentType   string
	Task        string
	Recoverable bool
	Err         error
	Timestamp   time.Time
}

func (e StageFailedEvent) EventType() string { return EventTypeStageFailed }
func (e StageFailedEvent) TaskID() string    { return e.Task }

// TaskQueuedEvent is published when a task enters the intake queue.
type TaskQueuedEvent struct {
	ID        string
	Score     int
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskDispatchedEvent is published when the scheduler hands a task to a pipeline.
type TaskDispatchedEvent struct {
	ID         string
	PipelineID string
	Attempt    int
	Timestamp  time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed task is scheduled for another attempt.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task's future resolves successfully.
type TaskCompletedEvent struct {
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is the terminal-failure notification for a task.
type TaskFailedEvent struct {
	ID        string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// MetricEvent carries one counter, gauge or histogram sample.
type MetricEvent struct {
	Kind      string // counter, gauge, histogram
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

func (e MetricEvent) EventType() string { return EventTypeMetric }
func (e MetricEvent) TaskID() string    { return e.Labels["task_id"] }
