package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/task"
)

// Status is the lifecycle state of an Execution.
type Status int

const (
	StatusInitialized Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists allowed status changes. Paused may end as failed or
// cancelled only when the surrounding context expires while waiting.
var transitions = map[Status][]Status{
	StatusInitialized: {StatusRunning},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:      {StatusRunning, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExecutionError is returned by Executor.Execute when an execution does not
// complete. Err is the stage error, timeout or cancellation that ended it.
type ExecutionError struct {
	ExecutionID string
	PipelineID  string
	Status      Status
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline %q execution %s %s: %v", e.PipelineID, e.ExecutionID, e.Status, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Execution records one run of a pipeline against one task.
// Fields without accessors are immutable after creation.
type Execution struct {
	ID         string
	PipelineID string
	TaskID     string
	StartedAt  time.Time

	mu              sync.Mutex
	status          Status
	endedAt         time.Time
	completed       []string
	failed          []string
	skipped         []string
	results         map[string]map[string]*agent.Result // stage -> type -> result
	errs            []*task.StageError
	cancelRequested bool
	wake            chan struct{} // closed on resume
}

func newExecution(id, pipelineID, taskID string) *Execution {
	return &Execution{
		ID:         id,
		PipelineID: pipelineID,
		TaskID:     taskID,
		StartedAt:  time.Now(),
		status:     StatusInitialized,
		results:    make(map[string]map[string]*agent.Result),
	}
}

// Status returns the current status.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// EndedAt returns when the execution reached a terminal status.
func (e *Execution) EndedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endedAt
}

// Duration is the run time so far, or the total once terminal.
func (e *Execution) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.endedAt.IsZero() {
		return time.Since(e.StartedAt)
	}
	return e.endedAt.Sub(e.StartedAt)
}

// CompletedStages returns the IDs of stages that finished without error.
func (e *Execution) CompletedStages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.completed...)
}

// FailedStages returns the IDs of stages with at least one failed agent type.
func (e *Execution) FailedStages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.failed...)
}

// SkippedStages returns the IDs of stages whose gate evaluated false.
func (e *Execution) SkippedStages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.skipped...)
}

// Errors returns the recorded stage errors in order.
func (e *Execution) Errors() []*task.StageError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*task.StageError(nil), e.errs...)
}

// Results returns a copy of the per-stage, per-type result map.
func (e *Execution) Results() map[string]map[string]*agent.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]*agent.Result, len(e.results))
	for stage, byType := range e.results {
		cp := make(map[string]*agent.Result, len(byType))
		for typ, r := range byType {
			cp[typ] = r
		}
		out[stage] = cp
	}
	return out
}

func (e *Execution) transition(to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(to)
}

func (e *Execution) transitionLocked(to Status) bool {
	if !canTransition(e.status, to) {
		return false
	}
	e.status = to
	if to.Terminal() {
		e.endedAt = time.Now()
	}
	return true
}

// requestCancel marks the execution for cancellation at the next stage boundary.
func (e *Execution) requestCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning || e.cancelRequested {
		return false
	}
	e.cancelRequested = true
	return true
}

func (e *Execution) pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning || e.cancelRequested {
		return false
	}
	e.status = StatusPaused
	e.wake = make(chan struct{})
	return true
}

func (e *Execution) resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPaused {
		return false
	}
	e.status = StatusRunning
	close(e.wake)
	e.wake = nil
	return true
}

// checkpoint is the stage boundary. It blocks while paused and reports
// cancellation or context expiry as an error, moving the execution to the
// matching terminal status.
func (e *Execution) checkpoint(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.cancelRequested {
			e.transitionLocked(StatusCancelled)
			e.mu.Unlock()
			return fmt.Errorf("%w: execution %s", task.ErrCancelled, e.ID)
		}
		if err := ctx.Err(); err != nil {
			to, wrapped := StatusCancelled, fmt.Errorf("%w: %v", task.ErrCancelled, err)
			if errors.Is(err, context.DeadlineExceeded) {
				to, wrapped = StatusFailed, fmt.Errorf("%w: pipeline %s execution %s", task.ErrTimeout, e.PipelineID, e.ID)
			}
			e.transitionLocked(to)
			e.mu.Unlock()
			return wrapped
		}
		if e.status != StatusPaused {
			e.mu.Unlock()
			return nil
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
		}
	}
}

// finish moves a running execution to a terminal status. It returns false
// if the execution was paused in the meantime.
func (e *Execution) finish(to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return false
	}
	return e.transitionLocked(to)
}

func (e *Execution) markCompleted(stageID string) {
	e.mu.Lock()
	e.completed = append(e.completed, stageID)
	e.mu.Unlock()
}

func (e *Execution) markFailed(stageID string) {
	e.mu.Lock()
	e.failed = append(e.failed, stageID)
	e.mu.Unlock()
}

func (e *Execution) markSkipped(stageID string) {
	e.mu.Lock()
	e.skipped = append(e.skipped, stageID)
	e.mu.Unlock()
}

func (e *Execution) addResult(stageID, agentType string, r *agent.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.results[stageID] == nil {
		e.results[stageID] = make(map[string]*agent.Result)
	}
	e.results[stageID][agentType] = r
}

func (e *Execution) addError(se *task.StageError) {
	e.mu.Lock()
	e.errs = append(e.errs, se)
	e.mu.Unlock()
}
