package intake

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/metrics"
	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// Defaults applied by NewScheduler.
const (
	DefaultConcurrency = 5
	DefaultMaxRetries  = 3
	DefaultRetryBase   = time.Second
)

// Pipelines is the subset of the pipeline registry the scheduler needs.
type Pipelines interface {
	List() []string
	ExecutePipeline(ctx context.Context, id string, rc *pipeline.RunContext) (*pipeline.ProcessingResult, error)
}

// FailureRecord describes a terminally rejected task.
type FailureRecord struct {
	TaskID   string
	TaskType string
	Priority string
	Score    int
	Attempts int
	Error    string
	FailedAt time.Time
}

// FailureRecorder persists terminal failures.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, rec FailureRecord) error
}

// Config configures a Scheduler.
type Config struct {
	Concurrency int           // In-flight cap (default 5)
	MaxRetries  int           // Attempts before terminal rejection unless the task sets its own (default 3)
	RetryBase   time.Duration // Retry delay is 2^attempts * RetryBase (default 1s)

	Scorer    *Scorer          // Defaults to NewScorer(nil)
	Builder   ContextBuilder   // Defaults to EmailContextBuilder
	Selector  PipelineSelector // Defaults to FirstRegistered
	Logger    logging.Logger
	Bus       *events.Bus
	Metrics   metrics.Sink
	Recorder  FailureRecorder
	OnFailure func(t *task.Task, err error) // Terminal-failure callback
}

// Status is a snapshot of the scheduler's counters. Queued includes items
// waiting out a retry delay; Waiting counts items blocked on dependencies.
type Status struct {
	Running    bool
	Queued     int
	Delayed    int
	Waiting    int
	Processing int
	Completed  int
	Failed     int
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Scheduler admits tasks and dispatches them to pipelines by priority.
type Scheduler struct {
	cfg       Config
	pipelines Pipelines
	delayed   *delayQueue

	mu         sync.Mutex
	state      state
	ready      readyQueue
	waiting    map[string]*item   // task ID -> item blocked on dependencies
	dependents map[string][]string // task ID -> waiting task IDs
	pending    map[string]*item   // every admitted, unresolved item
	outcomes   map[string]error   // resolved task ID -> nil on success
	seq        uint64
	epoch      int // bumped by Stop so late attempts skip the reset counters
	inflight   sync.WaitGroup
	kick       chan struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	workCtx    context.Context
	workCancel context.CancelFunc

	// counters are maintained on every transition, never recomputed
	queued, delayedN, waitingN, processing, completed, failed int
}

// NewScheduler creates a scheduler dispatching to pipelines.
func NewScheduler(cfg Config, pipelines Pipelines) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.Scorer == nil {
		cfg.Scorer = NewScorer(nil)
	}
	if cfg.Builder == nil {
		cfg.Builder = EmailContextBuilder{}
	}
	if cfg.Selector == nil {
		cfg.Selector = FirstRegistered{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	s := &Scheduler{
		cfg:        cfg,
		pipelines:  pipelines,
		waiting:    make(map[string]*item),
		dependents: make(map[string][]string),
		pending:    make(map[string]*item),
		outcomes:   make(map[string]error),
		kick:       make(chan struct{}, 1),
	}
	s.delayed = newDelayQueue(s.redispatch)
	return s
}

// RetryDelay is the wait before the next attempt after attempts failures.
func (s *Scheduler) RetryDelay(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * s.cfg.RetryBase
}

// Start begins dispatching. Tasks submitted before Start wait in the queue.
// Only the values of ctx reach pipeline runs; dispatch continues until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return nil
	case stateStopping:
		return fmt.Errorf("%w: scheduler is stopping", task.ErrStopped)
	}

	base := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(base)
	s.state = stateRunning
	s.workCtx, s.workCancel = context.WithCancel(base)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.delayed.start()
	go s.loop(loopCtx, s.loopDone)

	s.cfg.Logger.Info("scheduler started", "concurrency", s.cfg.Concurrency, "queued", s.queued)
	return nil
}

// Submit admits one task and returns its future immediately.
func (s *Scheduler) Submit(ctx context.Context, t *task.Task) (*Future, error) {
	futures, err := s.SubmitBatch(ctx, []*task.Task{t})
	if err != nil {
		return nil, err
	}
	return futures[0], nil
}

// SubmitBatch admits tasks whose DependsOn may reference each other or
// previously submitted tasks. Dependencies are checked with a topological
// sort; a cycle or unknown ID rejects the whole batch. Futures are returned
// in input order.
func (s *Scheduler) SubmitBatch(ctx context.Context, tasks []*task.Task) ([]*Future, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	batch := make([]*task.Task, len(tasks))
	byID := make(map[string]*task.Task, len(tasks))
	for i, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("%w: nil task at index %d", task.ErrValidation, i)
		}
		cp := t.Clone()
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		if _, dup := byID[cp.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q in batch", task.ErrValidation, cp.ID)
		}
		batch[i] = cp
		byID[cp.ID] = cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStopping {
		return nil, fmt.Errorf("%w: scheduler is stopping", task.ErrStopped)
	}

	if err := s.checkDependencies(batch, byID); err != nil {
		return nil, err
	}

	// Input order fixes FIFO among equal scores; a dependency admitted later
	// in the batch still blocks its dependents through the waiting set.
	futures := make(map[string]*Future, len(batch))
	var rejected []*item
	for _, t := range batch {
		it := &item{
			task:       t,
			score:      s.cfg.Scorer.Score(t),
			enqueuedAt: time.Now(),
			future:     newFuture(t.ID),
		}
		futures[t.ID] = it.future
		if !s.admitLocked(it) {
			rejected = append(rejected, it)
		}
	}

	out := make([]*Future, len(batch))
	for i, t := range batch {
		out[i] = futures[t.ID]
	}
	s.signal()

	if len(rejected) > 0 {
		// Notifications run without the lock; hand them off.
		go func() {
			for _, it := range rejected {
				s.terminal(it, it.future.err)
			}
		}()
	}
	return out, nil
}

// checkDependencies rejects unknown dependency IDs and cycles within batch.
func (s *Scheduler) checkDependencies(batch []*task.Task, byID map[string]*task.Task) error {
	edges := make([]toposort.Edge, 0, len(batch))
	for _, t := range batch {
		if _, exists := s.pending[t.ID]; exists {
			return fmt.Errorf("%w: task %q is already pending", task.ErrValidation, t.ID)
		}
		edges = append(edges, toposort.Edge{nil, t.ID})
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", task.ErrValidation, t.ID)
			}
			if _, inBatch := byID[dep]; inBatch {
				edges = append(edges, toposort.Edge{dep, t.ID})
				continue
			}
			_, isPending := s.pending[dep]
			_, isResolved := s.outcomes[dep]
			if !isPending && !isResolved {
				return fmt.Errorf("%w: task %q depends on unknown task %q", task.ErrValidation, t.ID, dep)
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: dependency cycle: %v", task.ErrValidation, err)
	}
	return nil
}

// admitLocked places a new item in the ready queue or the waiting set. It
// returns false when a dependency has already failed and the item was rejected.
func (s *Scheduler) admitLocked(it *item) bool {
	id := it.task.ID
	s.pending[id] = it

	for _, dep := range it.task.DependsOn {
		if err, resolved := s.outcomes[dep]; resolved {
			if err != nil {
				s.failed++
				s.rejectLocked(it, fmt.Errorf("%w: dependency %q failed: %v", task.ErrValidation, dep, err))
				return false
			}
			continue
		}
		it.blockedOn++
		s.dependents[dep] = append(s.dependents[dep], id)
	}

	if it.blockedOn > 0 {
		s.waiting[id] = it
		s.waitingN++
		s.cfg.Logger.Debug("task waiting on dependencies", "task", id, "blocked_on", it.blockedOn)
		return true
	}
	s.enqueueLocked(it)
	return true
}

func (s *Scheduler) enqueueLocked(it *item) {
	s.seq++
	it.seq = s.seq
	s.ready.push(it)
	s.queued++
	s.cfg.Metrics.Gauge("intake_queue_depth", float64(s.queued), nil)
	s.publish(events.TaskQueuedEvent{ID: it.task.ID, Score: it.score, Timestamp: time.Now()})
}

// signal wakes the dispatch loop.
func (s *Scheduler) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		for s.state == stateRunning && s.processing < s.cfg.Concurrency && s.ready.Len() > 0 {
			it := s.ready.pop()
			s.queued--
			s.processing++
			it.attempts++
			it.epoch = s.epoch
			it.task.RetryCount = it.attempts - 1
			s.inflight.Add(1)
			go s.process(s.workCtx, it)
		}
		s.mu.Unlock()

		select {
		case <-s.kick:
		case <-ctx.Done():
			return
		}
	}
}

// process runs one attempt of it: build context, select a pipeline, execute.
func (s *Scheduler) process(ctx context.Context, it *item) {
	defer s.inflight.Done()
	defer s.signal()

	t := it.task
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	pipelineID, res, err := s.run(ctx, it)
	elapsed := time.Since(start)

	if err == nil {
		s.complete(it, res, elapsed)
		return
	}
	s.cfg.Logger.Warn("task attempt failed", "task", t.ID, "pipeline", pipelineID, "attempt", it.attempts, "error", err)
	s.fail(it, err)
}

func (s *Scheduler) run(ctx context.Context, it *item) (string, *pipeline.ProcessingResult, error) {
	rc, err := s.cfg.Builder.Build(ctx, it.task)
	if err != nil {
		return "", nil, fmt.Errorf("%w: context builder: %w", task.ErrExternal, err)
	}
	if rc == nil {
		return "", nil, fmt.Errorf("%w: context builder returned no context for %q", task.ErrExternal, it.task.ID)
	}
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]any)
	}
	rc.Metadata[MetaScore] = it.score
	rc.Metadata[MetaAttempt] = it.attempts

	id, err := s.cfg.Selector.Select(rc, s.pipelines.List())
	if err != nil {
		return "", nil, err
	}

	s.publish(events.TaskDispatchedEvent{ID: it.task.ID, PipelineID: id, Attempt: it.attempts, Timestamp: time.Now()})
	s.cfg.Logger.Debug("dispatching task", "task", it.task.ID, "pipeline", id, "attempt", it.attempts, "score", it.score)

	res, err := s.pipelines.ExecutePipeline(ctx, id, rc)
	return id, res, err
}

func (s *Scheduler) complete(it *item, res *pipeline.ProcessingResult, elapsed time.Duration) {
	s.mu.Lock()
	if it.epoch == s.epoch {
		s.processing--
		s.completed++
	}
	s.resolveLocked(it, res, nil)
	s.releaseDependentsLocked(it.task.ID)
	s.mu.Unlock()

	s.cfg.Metrics.Counter("intake_tasks_total", 1, metrics.Labels{"outcome": "completed"})
	s.cfg.Metrics.Histogram("intake_task_seconds", time.Since(it.enqueuedAt).Seconds(), nil)
	s.publish(events.TaskCompletedEvent{ID: it.task.ID, Duration: elapsed, Timestamp: time.Now()})
	s.cfg.Logger.Info("task completed", "task", it.task.ID, "attempts", it.attempts, "duration", elapsed)
}

func (s *Scheduler) fail(it *item, err error) {
	s.mu.Lock()
	current := it.epoch == s.epoch
	if current {
		s.processing--
	}

	if current && s.state == stateRunning && task.IsRetryable(err) && it.attempts < s.maxRetries(it.task) {
		delay := s.RetryDelay(it.attempts)
		s.queued++
		s.delayedN++
		// Scheduled under the lock so Stop either sees it in the delay queue
		// or this path sees the stopping state.
		s.delayed.schedule(it, time.Now().Add(delay))
		s.mu.Unlock()

		s.publish(events.TaskRetryingEvent{ID: it.task.ID, Attempt: it.attempts, Delay: delay, Err: err, Timestamp: time.Now()})
		s.cfg.Logger.Info("task scheduled for retry", "task", it.task.ID, "attempt", it.attempts, "delay", delay)
		return
	}

	if current {
		s.failed++
	}
	s.resolveLocked(it, nil, err)
	cascade := s.rejectDependentsLocked(it.task.ID, err)
	s.mu.Unlock()

	s.terminal(it, err)
	for _, dep := range cascade {
		s.terminal(dep, dep.future.err)
	}
}

// redispatch moves an item whose retry delay elapsed back to the ready queue.
func (s *Scheduler) redispatch(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		// Stop collects it from the delay queue's leftovers or rejects it here.
		s.delayedN--
		s.queued--
		s.rejectLocked(it, fmt.Errorf("%w: scheduler stopped before retry", task.ErrStopped))
		return
	}
	s.delayedN--
	s.seq++
	it.seq = s.seq
	s.ready.push(it)
	s.signal()
}

func (s *Scheduler) maxRetries(t *task.Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return s.cfg.MaxRetries
}

// terminal emits the terminal-failure notifications for it.
func (s *Scheduler) terminal(it *item, err error) {
	s.cfg.Metrics.Counter("intake_tasks_total", 1, metrics.Labels{"outcome": "failed"})
	s.publish(events.TaskFailedEvent{ID: it.task.ID, Attempts: it.attempts, Err: err, Timestamp: time.Now()})
	s.cfg.Logger.Error("task failed permanently", "task", it.task.ID, "attempts", it.attempts, "error", err)

	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(it.task, err)
	}
	if s.cfg.Recorder != nil {
		rec := FailureRecord{
			TaskID:   it.task.ID,
			TaskType: it.task.Type,
			Priority: string(it.task.Priority),
			Score:    it.score,
			Attempts: it.attempts,
			Error:    err.Error(),
			FailedAt: time.Now(),
		}
		if rerr := s.cfg.Recorder.RecordFailure(context.Background(), rec); rerr != nil {
			s.cfg.Logger.Warn("failed to record task failure", "task", it.task.ID, "error", rerr)
		}
	}
}

func (s *Scheduler) resolveLocked(it *item, res *pipeline.ProcessingResult, err error) {
	delete(s.pending, it.task.ID)
	s.outcomes[it.task.ID] = err
	it.future.resolve(res, err)
}

// rejectLocked resolves an item that never reached a pipeline.
func (s *Scheduler) rejectLocked(it *item, err error) {
	delete(s.pending, it.task.ID)
	if !errors.Is(err, task.ErrStopped) {
		s.outcomes[it.task.ID] = err
	}
	it.future.resolve(nil, err)
}

func (s *Scheduler) releaseDependentsLocked(id string) {
	for _, depID := range s.dependents[id] {
		it, ok := s.waiting[depID]
		if !ok {
			continue
		}
		it.blockedOn--
		if it.blockedOn == 0 {
			delete(s.waiting, depID)
			s.waitingN--
			s.enqueueLocked(it)
		}
	}
	delete(s.dependents, id)
	s.signal()
}

// rejectDependentsLocked fails every waiting task that transitively depends
// on id and returns them for notification.
func (s *Scheduler) rejectDependentsLocked(id string, cause error) []*item {
	var out []*item
	for _, depID := range s.dependents[id] {
		it, ok := s.waiting[depID]
		if !ok {
			continue
		}
		delete(s.waiting, depID)
		s.waitingN--
		s.failed++
		err := fmt.Errorf("%w: dependency %q failed: %v", task.ErrValidation, id, cause)
		s.rejectLocked(it, err)
		out = append(out, it)
		out = append(out, s.rejectDependentsLocked(depID, err)...)
	}
	delete(s.dependents, id)
	return out
}

// Stop halts dispatch, waits for in-flight attempts to finish, rejects every
// queued, delayed and waiting task with ErrStopped, and resets all counters.
// If ctx ends first the remaining tasks are still rejected and ctx's error
// is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateStopping {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	s.state = stateStopping
	cancel, loopDone, workCancel := s.loopCancel, s.loopDone, s.workCancel
	s.mu.Unlock()

	if wasRunning {
		cancel()
		<-loopDone
		defer workCancel()
	}
	leftovers := s.delayed.shutdown()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
		// In-flight attempts past the deadline are cancelled, not awaited.
		if workCancel != nil {
			workCancel()
		}
	}

	s.mu.Lock()
	rejected := s.ready.drain()
	rejected = append(rejected, leftovers...)
	for _, it := range s.waiting {
		rejected = append(rejected, it)
	}
	for _, it := range rejected {
		s.rejectLocked(it, fmt.Errorf("%w: task %q was not processed", task.ErrStopped, it.task.ID))
	}

	s.waiting = make(map[string]*item)
	s.dependents = make(map[string][]string)
	s.outcomes = make(map[string]error)
	s.queued, s.delayedN, s.waitingN, s.processing, s.completed, s.failed = 0, 0, 0, 0, 0, 0
	s.epoch++
	s.state = stateIdle
	s.mu.Unlock()

	s.cfg.Metrics.Gauge("intake_queue_depth", 0, nil)
	s.cfg.Logger.Info("scheduler stopped", "rejected", len(rejected))
	return waitErr
}

// Status returns the current counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.state == stateRunning,
		Queued:     s.queued,
		Delayed:    s.delayedN,
		Waiting:    s.waitingN,
		Processing: s.processing,
		Completed:  s.completed,
		Failed:     s.failed,
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.TopicQueue, ev)
	}
}
