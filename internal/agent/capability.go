package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/task"
)

// Capability is the base Agent implementation. It owns status and metrics
// and delegates the actual work to a Processor.
type Capability struct {
	desc      Descriptor
	proc      Processor
	validator Validator
	logger    logging.Logger

	mu       sync.Mutex
	active   int
	disabled bool
	failed   error // lifecycle failure, puts the agent in StatusError
	metrics  Metrics
	avgNanos float64
}

// Option configures a Capability.
type Option func(*Capability)

// WithValidator replaces the default nil-input validation.
func WithValidator(v Validator) Option {
	return func(c *Capability) { c.validator = v }
}

// WithLogger sets the capability logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Capability) { c.logger = l }
}

// New creates a capability running proc under desc.
func New(desc Descriptor, proc Processor, opts ...Option) *Capability {
	c := &Capability{
		desc:    desc,
		proc:    proc,
		logger:  logging.NoOpLogger{},
		metrics: Metrics{SuccessRate: 1},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.desc.Name == "" {
		c.desc.Name = c.desc.ID
	}
	return c
}

// Descriptor returns the static descriptor.
func (c *Capability) Descriptor() Descriptor { return c.desc }

// Status derives the current status from lifecycle state and in-flight calls.
func (c *Capability) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.disabled:
		return StatusDisabled
	case c.failed != nil:
		return StatusError
	case c.active > 0:
		return StatusBusy
	default:
		return StatusIdle
	}
}

// Metrics returns a snapshot of the rolling metrics.
func (c *Capability) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Disable removes the agent from selection until Enable is called.
func (c *Capability) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

// Enable reverses Disable and clears a recorded lifecycle error.
func (c *Capability) Enable() {
	c.mu.Lock()
	c.disabled = false
	c.failed = nil
	c.mu.Unlock()
}

// CanHandle reports whether the task type tag matches the descriptor.
func (c *Capability) CanHandle(t *task.Task) bool {
	return t != nil && c.desc.Accepts(t.Type)
}

// Initialize starts the processor lifecycle if it has one.
// A failure leaves the agent in StatusError.
func (c *Capability) Initialize(ctx context.Context) error {
	lc, ok := c.proc.(Lifecycle)
	if !ok {
		return nil
	}
	if err := lc.Start(ctx); err != nil {
		c.mu.Lock()
		c.failed = err
		c.mu.Unlock()
		return fmt.Errorf("starting agent %q: %w", c.desc.ID, err)
	}
	return nil
}

// Shutdown stops the processor lifecycle if it has one.
func (c *Capability) Shutdown(ctx context.Context) error {
	c.Disable()
	if lc, ok := c.proc.(Lifecycle); ok {
		if err := lc.Stop(ctx); err != nil {
			return fmt.Errorf("stopping agent %q: %w", c.desc.ID, err)
		}
	}
	return nil
}

// Execute runs the shared execution sequence: mark busy, validate, process
// under the effective timeout, update metrics, return to idle. A processor
// that outlives its timeout keeps the agent busy until it returns.
func (c *Capability) Execute(ctx context.Context, t *task.Task, ec *task.ExecutionContext) *Result {
	start := time.Now()

	c.mu.Lock()
	c.active++
	c.metrics.LastActivity = start
	c.mu.Unlock()

	res, abandoned := c.run(ctx, t, ec)
	res.AgentID = c.desc.ID
	res.AgentType = c.desc.Type
	res.Duration = time.Since(start)

	c.record(res, !abandoned)
	if !res.Success {
		c.logger.Warn("agent execution failed", "agent", c.desc.ID, "type", c.desc.Type, "error", res.Err)
	}
	return res
}

// run reports abandoned when it returned before the processor did. The
// processor goroutine then owns the in-flight count and the registry slot.
func (c *Capability) run(ctx context.Context, t *task.Task, ec *task.ExecutionContext) (*Result, bool) {
	if err := c.validate(t); err != nil {
		return failure(fmt.Errorf("%w: %v", task.ErrValidation, err)), false
	}

	if timeout := c.effectiveTimeout(t, ec); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		out *Output
		err error
	}
	var (
		mu        sync.Mutex
		returned  bool
		abandoned bool
	)
	// Buffered so an abandoned processor can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			mu.Lock()
			returned = true
			owned := abandoned
			mu.Unlock()
			if owned {
				c.mu.Lock()
				c.active--
				c.mu.Unlock()
				slotFrom(ctx).release()
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		out, err := c.proc.Process(ctx, t, ec)
		done <- outcome{out: out, err: err}
	}()

	result := func(o outcome) *Result {
		if o.err != nil {
			return failure(o.err)
		}
		return success(o.out)
	}

	select {
	case o := <-done:
		return result(o), false
	case <-ctx.Done():
	}

	mu.Lock()
	if returned {
		mu.Unlock()
		return result(<-done), false
	}
	abandoned = true
	slotFrom(ctx).detach()
	mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(fmt.Errorf("%w: agent %q did not finish in time", task.ErrTimeout, c.desc.ID)), true
	}
	return failure(fmt.Errorf("%w: %v", task.ErrCancelled, ctx.Err())), true
}

func (c *Capability) validate(t *task.Task) error {
	if t == nil {
		return errors.New("task is nil")
	}
	if c.validator != nil {
		return c.validator.Validate(t)
	}
	if t.Payload == nil {
		return fmt.Errorf("task %q has no payload", t.ID)
	}
	return nil
}

// effectiveTimeout is the smallest positive limit among descriptor,
// execution context and task.
func (c *Capability) effectiveTimeout(t *task.Task, ec *task.ExecutionContext) time.Duration {
	limit := c.desc.Timeout
	shrink := func(d time.Duration) {
		if d > 0 && (limit <= 0 || d < limit) {
			limit = d
		}
	}
	if ec != nil {
		shrink(ec.Timeout)
	}
	if t != nil {
		shrink(t.Timeout)
	}
	return limit
}

func (c *Capability) record(res *Result, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if finished {
		c.active--
	}
	c.metrics.TotalProcessed++
	if !res.Success {
		c.metrics.ErrorCount++
	}
	n := float64(c.metrics.TotalProcessed)
	c.metrics.SuccessRate = (n - float64(c.metrics.ErrorCount)) / n
	c.avgNanos += (float64(res.Duration) - c.avgNanos) / n
	c.metrics.AverageProcessingTime = time.Duration(c.avgNanos)
	c.metrics.LastActivity = time.Now()
}

func success(out *Output) *Result {
	if out == nil {
		out = &Output{}
	}
	return &Result{
		Success:    true,
		Confidence: clamp(out.Confidence),
		Data:       out.Data,
		Tags:       out.Tags,
		Actions:    out.Actions,
	}
}

func failure(err error) *Result {
	return &Result{Success: false, Confidence: 0, Err: err}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
