package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/metrics"
	"github.com/aristath/triage/internal/task"
)

// ExecutionRecord is the durable summary of one pipeline run.
type ExecutionRecord struct {
	ExecutionID string
	PipelineID  string
	TaskID      string
	Success     bool
	Confidence  float64
	Duration    time.Duration
	Error       string
	FinishedAt  time.Time
}

// Recorder persists execution summaries. Failures to record are logged only.
type Recorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Agents   Dispatcher       // Used by CreateFromConfiguration
	Logger   logging.Logger   // Defaults to a no-op logger
	Bus      *events.Bus      // Optional
	Metrics  metrics.Sink     // Defaults to metrics.Nop
	Breakers *BreakerRegistry // Optional, shared by created executors
	Recorder Recorder         // Optional
}

// Registry maps pipeline IDs to executors.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	executors map[string]*Executor
	order     []string // registration order
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Registry{
		cfg:       cfg,
		executors: make(map[string]*Executor),
	}
}

// Register stores x under id. An existing entry is replaced and keeps its
// position in List.
func (r *Registry) Register(id string, x *Executor) error {
	if id == "" || x == nil {
		return fmt.Errorf("%w: pipeline registration needs an id and executor", task.ErrValidation)
	}

	r.mu.Lock()
	_, exists := r.executors[id]
	r.executors[id] = x
	if !exists {
		r.order = append(r.order, id)
	}
	r.mu.Unlock()

	if exists {
		r.cfg.Logger.Warn("pipeline re-registered, previous definition replaced", "pipeline", id)
	} else {
		r.cfg.Logger.Info("pipeline registered", "pipeline", id, "stages", len(x.cfg.Stages))
	}
	return nil
}

// Remove drops id from the registry. In-flight executions are unaffected.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[id]; !ok {
		return false
	}
	delete(r.executors, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the executor registered under id.
func (r *Registry) Get(id string) (*Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.executors[id]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q", task.ErrNotFound, id)
	}
	return x, nil
}

// List returns registered pipeline IDs in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// CreateFromConfiguration builds an executor for cfg and registers it under cfg.ID.
func (r *Registry) CreateFromConfiguration(cfg Config) (*Executor, error) {
	x, err := NewExecutor(cfg, r.cfg.Agents, ExecutorOptions{
		Logger:   r.cfg.Logger,
		Bus:      r.cfg.Bus,
		Breakers: r.cfg.Breakers,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Register(cfg.ID, x); err != nil {
		return nil, err
	}
	return x, nil
}

// ExecutePipeline runs pipeline id against rc, recording duration and
// outcome. Errors are returned unchanged; a failed execution's ID is
// recorded from its *ExecutionError.
func (r *Registry) ExecutePipeline(ctx context.Context, id string, rc *RunContext) (*ProcessingResult, error) {
	x, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := x.Execute(ctx, rc)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	labels := metrics.Labels{"pipeline": id, "outcome": outcome}
	r.cfg.Metrics.Counter("pipeline_executions_total", 1, labels)
	r.cfg.Metrics.Histogram("pipeline_execution_seconds", elapsed.Seconds(), labels)

	if r.cfg.Recorder != nil {
		rec := ExecutionRecord{
			PipelineID: id,
			Success:    err == nil,
			Duration:   elapsed,
			FinishedAt: time.Now(),
		}
		if rc != nil && rc.Task != nil {
			rec.TaskID = rc.Task.ID
		}
		if res != nil {
			rec.ExecutionID = res.ExecutionID
			rec.Confidence = res.Confidence
		}
		if err != nil {
			rec.Error = err.Error()
			var ee *ExecutionError
			if errors.As(err, &ee) {
				rec.ExecutionID = ee.ExecutionID
			}
		}
		if rerr := r.cfg.Recorder.RecordExecution(context.WithoutCancel(ctx), rec); rerr != nil {
			r.cfg.Logger.Warn("failed to record pipeline execution", "pipeline", id, "error", rerr)
		}
	}
	return res, err
}

// Metrics returns per-pipeline metrics keyed by pipeline ID.
func (r *Registry) Metrics() map[string]Metrics {
	r.mu.RLock()
	executors := make(map[string]*Executor, len(r.executors))
	for id, x := range r.executors {
		executors[id] = x
	}
	r.mu.RUnlock()

	out := make(map[string]Metrics, len(executors))
	for id, x := range executors {
		out[id] = x.Metrics()
	}
	return out
}
