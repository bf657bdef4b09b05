package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/task"
)

// Metadata keys attached to every task synthesized for a stage.
const (
	MetaParentTask = "parent_task_id"
	MetaPipeline   = "pipeline_id"
	MetaExecution  = "execution_id"
	MetaStage      = "stage_id"
)

// Dispatcher runs one capability invocation for an agent type.
// *agent.Registry satisfies it.
type Dispatcher interface {
	SelectAndExecute(ctx context.Context, agentType string, t *task.Task, ec *task.ExecutionContext) (*agent.Result, error)
}

// ExecutorOptions carries the optional collaborators of an Executor.
type ExecutorOptions struct {
	Logger   logging.Logger
	Bus      *events.Bus
	Breakers *BreakerRegistry
}

// Metrics summarizes an executor's retained history.
type Metrics struct {
	TotalExecutions int
	Completed       int
	Failed          int
	Cancelled       int
	SuccessRate     float64
	AverageDuration time.Duration
	LastExecution   time.Time
}

// Executor runs one pipeline definition. Executions are independent and
// may run concurrently.
type Executor struct {
	cfg      Config
	agents   Dispatcher
	logger   logging.Logger
	bus      *events.Bus
	breakers *BreakerRegistry

	mu      sync.Mutex
	active  map[string]*Execution
	history []*Execution // oldest first, capped at cfg.HistoryLimit
}

// NewExecutor validates cfg and returns an executor dispatching through agents.
func NewExecutor(cfg Config, agents Dispatcher, opts ExecutorOptions) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if agents == nil {
		return nil, fmt.Errorf("%w: pipeline %q needs a dispatcher", task.ErrValidation, cfg.ID)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		agents:   agents,
		logger:   logging.With(opts.Logger, "pipeline", cfg.ID),
		bus:      opts.Bus,
		breakers: opts.Breakers,
		active:   make(map[string]*Execution),
	}, nil
}

// ID returns the pipeline ID.
func (x *Executor) ID() string { return x.cfg.ID }

// Config returns the effective definition with defaults applied.
func (x *Executor) Config() Config { return x.cfg }

// Execute runs every stage in order against rc and aggregates the results.
// A required stage failure under the stop strategy, cancellation, or the
// pipeline timeout rejects the call; the execution is still kept in history.
func (x *Executor) Execute(ctx context.Context, rc *RunContext) (*ProcessingResult, error) {
	if rc == nil || rc.Task == nil {
		return nil, fmt.Errorf("%w: pipeline %q needs a task", task.ErrValidation, x.cfg.ID)
	}

	exec := newExecution(uuid.NewString(), x.cfg.ID, rc.Task.ID)
	exec.transition(StatusRunning)
	x.track(exec)
	defer x.retire(exec)

	x.publish(events.ExecutionStartedEvent{
		ExecutionID: exec.ID,
		PipelineID:  x.cfg.ID,
		Task:        rc.Task.ID,
		Timestamp:   exec.StartedAt,
	})
	x.logger.Info("pipeline execution started", "execution", exec.ID, "task", rc.Task.ID)

	if x.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.Timeout)
		defer cancel()
	}

	err := x.run(ctx, exec, rc)

	x.publish(events.ExecutionFinishedEvent{
		ExecutionID: exec.ID,
		PipelineID:  x.cfg.ID,
		Task:        rc.Task.ID,
		Status:      exec.Status().String(),
		Duration:    exec.Duration(),
		Err:         err,
		Timestamp:   time.Now(),
	})
	if err != nil {
		x.logger.Warn("pipeline execution failed", "execution", exec.ID, "task", rc.Task.ID,
			"status", exec.Status().String(), "error", err)
		return nil, &ExecutionError{ExecutionID: exec.ID, PipelineID: x.cfg.ID, Status: exec.Status(), Err: err}
	}

	x.logger.Info("pipeline execution completed", "execution", exec.ID, "task", rc.Task.ID,
		"duration", exec.Duration(), "skipped", len(exec.SkippedStages()))
	return aggregate(x.cfg, exec), nil
}

func (x *Executor) run(ctx context.Context, exec *Execution, rc *RunContext) error {
	for _, stage := range x.cfg.Stages {
		if err := exec.checkpoint(ctx); err != nil {
			return err
		}

		if stage.When != nil && !stage.When(rc) {
			exec.markSkipped(stage.ID)
			x.logger.Debug("stage skipped", "execution", exec.ID, "stage", stage.ID)
			continue
		}

		var failures []*task.StageError
		if stage.Required && stage.RetryOnFailure && x.cfg.FailureStrategy == StrategyRetry {
			failures = x.runStageWithRetry(ctx, exec, rc, stage)
		} else {
			failures = x.runStage(ctx, exec, rc, stage, stage.AgentTypes)
		}

		for _, se := range failures {
			exec.addError(se)
			x.publish(events.StageFailedEvent{
				ExecutionID: exec.ID,
				StageID:     se.StageID,
				AgentType:   se.AgentType,
				Task:        rc.Task.ID,
				Recoverable: se.Recoverable,
				Err:         se.Err,
				Timestamp:   time.Now(),
			})
		}
		if len(failures) == 0 {
			exec.markCompleted(stage.ID)
			continue
		}

		exec.markFailed(stage.ID)
		if !stage.Required {
			x.logger.Warn("optional stage failed", "execution", exec.ID, "stage", stage.ID, "failures", len(failures))
			continue
		}
		if x.cfg.FailureStrategy == StrategyContinue {
			x.logger.Warn("required stage failed, continuing", "execution", exec.ID, "stage", stage.ID, "failures", len(failures))
			continue
		}

		exec.transition(StatusFailed)
		return failures[0]
	}

	// Pausing after the last stage holds completion until resumed.
	for !exec.finish(StatusCompleted) {
		if err := exec.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runStage invokes types for stage and records successes on exec and rc.
// It returns one StageError per failed type.
func (x *Executor) runStage(ctx context.Context, exec *Execution, rc *RunContext, stage Stage, types []string) []*task.StageError {
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	errs := make([]error, len(types))
	if (stage.Parallel || x.cfg.Parallel) && len(types) > 1 {
		// Siblings never abort each other, so the group only joins.
		var g errgroup.Group
		for i, typ := range types {
			i, typ := i, typ
			g.Go(func() error {
				errs[i] = x.invoke(ctx, exec, rc, stage, typ)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, typ := range types {
			errs[i] = x.invoke(ctx, exec, rc, stage, typ)
		}
	}

	var failures []*task.StageError
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, &task.StageError{
			StageID:     stage.ID,
			AgentType:   types[i],
			Err:         err,
			Recoverable: stage.RetryOnFailure,
		})
	}
	return failures
}

// runStageWithRetry re-invokes only the failed types of stage with
// exponential backoff until they succeed or the retry budget runs out.
func (x *Executor) runStageWithRetry(ctx context.Context, exec *Execution, rc *RunContext, stage Stage) []*task.StageError {
	pending := stage.AgentTypes
	var failures []*task.StageError

	op := func() error {
		failures = x.runStage(ctx, exec, rc, stage, pending)
		if len(failures) == 0 {
			return nil
		}
		pending = make([]string, len(failures))
		for i, se := range failures {
			pending[i] = se.AgentType
		}
		if isPermanent(ctx, failures[0].Err) {
			return backoff.Permanent(failures[0])
		}
		return failures[0]
	}
	notify := func(err error, wait time.Duration) {
		x.logger.Info("retrying stage", "execution", exec.ID, "stage", stage.ID,
			"types", pending, "wait", wait, "error", err)
	}

	_ = backoff.RetryNotify(op, newStageBackOff(ctx, x.cfg.Retry), notify)
	return failures
}

// invoke runs a single agent type for stage on a task synthesized from rc.
func (x *Executor) invoke(ctx context.Context, exec *Execution, rc *RunContext, stage Stage, agentType string) error {
	t := rc.Task.Clone()
	t.ID = fmt.Sprintf("%s/%s/%s", rc.Task.ID, stage.ID, agentType)
	t.Type = agentType
	t.Timeout = stage.Timeout
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, 4)
	}
	t.Metadata[MetaParentTask] = rc.Task.ID
	t.Metadata[MetaPipeline] = x.cfg.ID
	t.Metadata[MetaExecution] = exec.ID
	t.Metadata[MetaStage] = stage.ID

	ec := &task.ExecutionContext{
		TaskID:    rc.Task.ID,
		StartTime: time.Now(),
		Timeout:   stage.Timeout,
		Metadata: map[string]any{
			MetaPipeline:  x.cfg.ID,
			MetaExecution: exec.ID,
			MetaStage:     stage.ID,
		},
	}

	call := func() (*agent.Result, error) {
		res, err := x.agents.SelectAndExecute(ctx, agentType, t, ec)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			if res.Err == nil {
				return res, fmt.Errorf("%w: agent %q reported failure", task.ErrExternal, res.AgentID)
			}
			return res, res.Err
		}
		return res, nil
	}

	var (
		res *agent.Result
		err error
	)
	if x.breakers != nil {
		res, err = x.breakers.Execute(agentType, call)
	} else {
		res, err = call()
	}
	if err != nil {
		return err
	}

	exec.addResult(stage.ID, agentType, res)
	rc.merge(agentType, res)
	return nil
}

// Cancel requests cancellation of a running execution. It takes effect at
// the next stage boundary.
func (x *Executor) Cancel(executionID string) bool {
	exec, ok := x.activeExecution(executionID)
	return ok && exec.requestCancel()
}

// Pause holds a running execution at the next stage boundary.
func (x *Executor) Pause(executionID string) bool {
	exec, ok := x.activeExecution(executionID)
	return ok && exec.pause()
}

// Resume releases a paused execution.
func (x *Executor) Resume(executionID string) bool {
	exec, ok := x.activeExecution(executionID)
	return ok && exec.resume()
}

// Active returns the executions currently in flight.
func (x *Executor) Active() []*Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*Execution, 0, len(x.active))
	for _, e := range x.active {
		out = append(out, e)
	}
	return out
}

// Execution looks up an in-flight or retained execution.
func (x *Executor) Execution(id string) (*Execution, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.active[id]; ok {
		return e, true
	}
	for _, e := range x.history {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// History returns up to limit finished executions, newest first.
// A non-positive limit returns all retained executions.
func (x *Executor) History(limit int) []*Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(x.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Execution, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, x.history[i])
	}
	return out
}

// Metrics derives summary statistics from retained history.
func (x *Executor) Metrics() Metrics {
	x.mu.Lock()
	defer x.mu.Unlock()

	var m Metrics
	var total time.Duration
	for _, e := range x.history {
		m.TotalExecutions++
		switch e.Status() {
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusCancelled:
			m.Cancelled++
		}
		total += e.Duration()
		if end := e.EndedAt(); end.After(m.LastExecution) {
			m.LastExecution = end
		}
	}
	if m.TotalExecutions > 0 {
		m.SuccessRate = float64(m.Completed) / float64(m.TotalExecutions)
		m.AverageDuration = total / time.Duration(m.TotalExecutions)
	}
	return m
}

func (x *Executor) activeExecution(id string) (*Execution, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.active[id]
	return e, ok
}

func (x *Executor) track(exec *Execution) {
	x.mu.Lock()
	x.active[exec.ID] = exec
	x.mu.Unlock()
}

// retire moves exec from the active set into bounded history.
func (x *Executor) retire(exec *Execution) {
	// An unexpected exit path must not leave the execution running.
	if !exec.Status().Terminal() {
		exec.transition(StatusFailed)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.active, exec.ID)
	x.history = append(x.history, exec)
	if over := len(x.history) - x.cfg.HistoryLimit; over > 0 {
		x.history = append([]*Execution(nil), x.history[over:]...)
	}
}

func (x *Executor) publish(ev events.Event) {
	if x.bus != nil {
		x.bus.Publish(events.TopicPipeline, ev)
	}
}
