// Package engine wires the agent registry, pipeline registry, intake
// scheduler and archive into one runnable unit configured from files.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/archive"
	"github.com/aristath/triage/internal/config"
	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/intake"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/metrics"
	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// Options supplies collaborators. Every field is optional.
type Options struct {
	Logger    logging.Logger          // Defaults to a no-op logger
	Bus       *events.Bus             // Created and owned by the engine when nil
	Metrics   metrics.Sink            // Defaults to publishing on the bus
	Archive   archive.Store           // Opened from ArchivePath when nil
	Builder   intake.ContextBuilder   // Defaults to intake.EmailContextBuilder
	Selector  intake.PipelineSelector // Defaults to routing by classification from config
	OnFailure func(t *task.Task, err error)
}

// Snapshot aggregates metrics across components.
type Snapshot struct {
	Agents    agent.RegistryMetrics
	Pipelines map[string]pipeline.Metrics
	Queue     intake.Status
}

// Engine is the composition root.
type Engine struct {
	logger    logging.Logger
	bus       *events.Bus
	ownsBus   bool
	archive   archive.Store
	ownsStore bool

	agents    *agent.Registry
	breakers  *pipeline.BreakerRegistry
	pipelines *pipeline.Registry
	scheduler *intake.Scheduler
	routes    *routeSelector // nil when Options.Selector is set

	mu        sync.Mutex
	cfg       *config.EngineConfig
	closed    bool
	cfgAgents map[string]config.AgentConfig // agents registered from configuration
	cfgPipes  map[string]bool               // pipelines registered from configuration
}

// New builds an engine from cfg, registering its agents and pipelines.
// A nil cfg uses config.DefaultConfig.
func New(ctx context.Context, cfg *config.EngineConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		logger:    opts.Logger,
		bus:       opts.Bus,
		archive:   opts.Archive,
		cfgAgents: make(map[string]config.AgentConfig),
		cfgPipes:  make(map[string]bool),
	}
	if e.logger == nil {
		e.logger = logging.NoOpLogger{}
	}
	if e.bus == nil {
		e.bus = events.NewBus()
		e.ownsBus = true
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.BusSink{Bus: e.bus}
	}

	if e.archive == nil {
		store, err := openArchive(ctx, cfg.ArchivePath)
		if err != nil {
			e.release()
			return nil, err
		}
		e.archive = store
		e.ownsStore = true
	}

	e.agents = agent.NewRegistry(agent.RegistryConfig{
		Logger: logging.With(e.logger, "component", "agents"),
		Bus:    e.bus,
	})
	e.breakers = pipeline.NewBreakerRegistry(cfg.Breaker.Options(), logging.With(e.logger, "component", "breakers"))
	e.pipelines = pipeline.NewRegistry(pipeline.RegistryConfig{
		Agents:   e.agents,
		Logger:   logging.With(e.logger, "component", "pipelines"),
		Bus:      e.bus,
		Metrics:  sink,
		Breakers: e.breakers,
		Recorder: e.archive,
	})

	selector := opts.Selector
	if selector == nil {
		e.routes = newRouteSelector(cfg.Routes)
		selector = e.routes
	}
	e.scheduler = intake.NewScheduler(intake.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		MaxRetries:  cfg.Scheduler.MaxRetries,
		RetryBase:   cfg.Scheduler.RetryBase.Std(),
		Scorer:      intake.NewScorer(cfg.Scheduler.UrgencyKeywords),
		Builder:     opts.Builder,
		Selector:    selector,
		Logger:      logging.With(e.logger, "component", "intake"),
		Bus:         e.bus,
		Metrics:     sink,
		Recorder:    e.archive,
		OnFailure:   opts.OnFailure,
	}, e.pipelines)

	if err := e.apply(ctx, cfg); err != nil {
		e.agents.ShutdownAll(ctx)
		e.release()
		return nil, err
	}
	e.cfg = cfg
	return e, nil
}

func openArchive(ctx context.Context, path string) (*archive.SQLiteStore, error) {
	var (
		store *archive.SQLiteStore
		err   error
	)
	if path == "" {
		store, err = archive.NewMemoryStore(ctx)
	} else {
		store, err = archive.NewSQLiteStore(ctx, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %w", task.ErrExternal, err)
	}
	return store, nil
}

// apply brings configured agents and pipelines in line with cfg. Agents and
// pipelines registered directly through the engine are left alone. Every
// new or changed agent is started and every pipeline built before anything
// registered is touched, so a rejected cfg leaves the running set intact.
func (e *Engine) apply(ctx context.Context, cfg *config.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged, err := e.stageAgents(ctx, cfg)
	if err != nil {
		return err
	}
	pipes := make([]pipeline.Config, 0, len(cfg.Pipelines))
	for _, id := range cfg.PipelineIDs() {
		pc, err := cfg.Pipelines[id].Build(id)
		if err != nil {
			shutdownStaged(ctx, staged)
			return err
		}
		pipes = append(pipes, pc)
	}

	for id := range e.cfgAgents {
		ac, keep := cfg.Agents[id]
		if keep && reflect.DeepEqual(e.cfgAgents[id], ac) {
			continue
		}
		if err := e.agents.Unregister(ctx, id); err != nil && !errors.Is(err, task.ErrNotFound) {
			e.logger.Warn("configured agent shutdown failed", "agent", id, "error", err)
		}
		delete(e.cfgAgents, id)
		if !keep {
			e.logger.Info("configured agent removed", "agent", id)
		}
	}
	for i, sa := range staged {
		if err := e.agents.Register(ctx, sa.agent); err != nil {
			shutdownStaged(ctx, staged[i:])
			return fmt.Errorf("registering configured agent %q: %w", sa.id, err)
		}
		e.cfgAgents[sa.id] = sa.cfg
	}

	for id := range e.cfgPipes {
		if _, keep := cfg.Pipelines[id]; keep {
			continue
		}
		e.pipelines.Remove(id)
		delete(e.cfgPipes, id)
		e.logger.Info("configured pipeline removed", "pipeline", id)
	}
	for _, pc := range pipes {
		if _, err := e.pipelines.CreateFromConfiguration(pc); err != nil {
			return err
		}
		e.cfgPipes[pc.ID] = true
	}

	if e.routes != nil {
		e.routes.set(cfg.Routes)
	}
	return nil
}

type stagedAgent struct {
	id    string
	cfg   config.AgentConfig
	agent *agent.Capability
}

// stageAgents builds and starts the agents cfg adds or changes without
// registering them.
func (e *Engine) stageAgents(ctx context.Context, cfg *config.EngineConfig) ([]stagedAgent, error) {
	var staged []stagedAgent
	for _, id := range cfg.AgentIDs() {
		ac := cfg.Agents[id]
		prev, configured := e.cfgAgents[id]
		if configured && reflect.DeepEqual(prev, ac) {
			continue
		}
		if _, taken := e.agents.Get(id); taken && !configured {
			shutdownStaged(ctx, staged)
			return nil, fmt.Errorf("%w: configured agent %q collides with a registered agent", task.ErrValidation, id)
		}
		a := agent.NewCommandAgent(ac.Descriptor(id), ac.CommandConfig(), agent.NewProcessManager(),
			agent.WithLogger(logging.With(e.logger, "agent", id)))
		if err := a.Initialize(ctx); err != nil {
			shutdownStaged(ctx, staged)
			return nil, fmt.Errorf("%w: configured agent %q: %v", task.ErrExternal, id, err)
		}
		staged = append(staged, stagedAgent{id: id, cfg: ac, agent: a})
	}
	return staged, nil
}

func shutdownStaged(ctx context.Context, staged []stagedAgent) {
	for _, sa := range staged {
		_ = sa.agent.Shutdown(ctx)
	}
}

// Reload applies a new configuration. Pipelines are re-registered with
// overwrite semantics, changed agents are replaced and removed ones
// unregistered. Scheduler and breaker settings take effect on the next New.
func (e *Engine) Reload(ctx context.Context, cfg *config.EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil configuration", task.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", task.ErrStopped)
	}
	prev := e.cfg
	e.mu.Unlock()

	if prev != nil && (!reflect.DeepEqual(prev.Scheduler, cfg.Scheduler) || prev.Breaker != cfg.Breaker) {
		e.logger.Warn("scheduler and breaker settings are not reloaded")
	}

	if err := e.apply(ctx, cfg); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.logger.Info("configuration reloaded", "agents", len(cfg.Agents), "pipelines", len(cfg.Pipelines))
	return nil
}

// WatchConfig reloads from globalPath and projectPath whenever projectPath
// changes, until ctx ends. It returns once the watch is established.
func (e *Engine) WatchConfig(ctx context.Context, globalPath, projectPath string) error {
	w, err := config.NewWatcher(projectPath, config.DefaultDebounce, func() {
		cfg, err := config.Load(globalPath, projectPath)
		if err != nil {
			e.logger.Error("config reload failed", "path", projectPath, "error", err)
			return
		}
		if err := e.Reload(ctx, cfg); err != nil {
			e.logger.Error("config reload rejected", "path", projectPath, "error", err)
		}
	})
	if err != nil {
		return err
	}

	go func() {
		if err := w.Run(ctx); err != nil {
			e.logger.Error("config watch stopped", "path", projectPath, "error", err)
		}
	}()
	e.logger.Info("watching configuration", "path", projectPath)
	return nil
}

// RegisterAgent adds a capability outside of configuration.
func (e *Engine) RegisterAgent(ctx context.Context, a agent.Agent) error {
	return e.agents.Register(ctx, a)
}

// UnregisterAgent removes and shuts down an agent.
func (e *Engine) UnregisterAgent(ctx context.Context, id string) error {
	return e.agents.Unregister(ctx, id)
}

// RegisterPipeline builds and registers a pipeline outside of configuration,
// replacing any pipeline with the same ID.
func (e *Engine) RegisterPipeline(cfg pipeline.Config) (*pipeline.Executor, error) {
	return e.pipelines.CreateFromConfiguration(cfg)
}

// Submit admits one task.
func (e *Engine) Submit(ctx context.Context, t *task.Task) (*intake.Future, error) {
	return e.scheduler.Submit(ctx, t)
}

// SubmitBatch admits tasks with dependencies among them.
func (e *Engine) SubmitBatch(ctx context.Context, tasks []*task.Task) ([]*intake.Future, error) {
	return e.scheduler.SubmitBatch(ctx, tasks)
}

// Start begins dispatching queued tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: engine closed", task.ErrStopped)
	}
	return e.scheduler.Start(ctx)
}

// Stop halts dispatch and rejects pending tasks. The engine can be started again.
func (e *Engine) Stop(ctx context.Context) error {
	return e.scheduler.Stop(ctx)
}

// Close stops the scheduler, shuts every agent down and releases the
// archive and bus if the engine opened them.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.scheduler.Stop(ctx)
	e.agents.ShutdownAll(ctx)
	if cerr := e.release(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) release() error {
	var err error
	if e.ownsStore && e.archive != nil {
		err = e.archive.Close()
	}
	if e.ownsBus {
		e.bus.Close()
	}
	return err
}

// Status returns the scheduler counters.
func (e *Engine) Status() intake.Status {
	return e.scheduler.Status()
}

// Metrics returns a snapshot across agents, pipelines and the queue.
func (e *Engine) Metrics() Snapshot {
	return Snapshot{
		Agents:    e.agents.Metrics(),
		Pipelines: e.pipelines.Metrics(),
		Queue:     e.scheduler.Status(),
	}
}

// Agents exposes the agent registry.
func (e *Engine) Agents() *agent.Registry { return e.agents }

// Pipelines exposes the pipeline registry, for execution control and history.
func (e *Engine) Pipelines() *pipeline.Registry { return e.pipelines }

// Archive exposes the failure and execution archive.
func (e *Engine) Archive() archive.Store { return e.archive }

// Bus exposes the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Config returns the configuration last applied.
func (e *Engine) Config() *config.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// routeSelector is a ClassificationSelector whose routes can be swapped.
type routeSelector struct {
	current atomic.Pointer[intake.ClassificationSelector]
}

func newRouteSelector(rc config.RoutesConfig) *routeSelector {
	s := &routeSelector{}
	s.set(rc)
	return s
}

func (s *routeSelector) set(rc config.RoutesConfig) {
	routes := make(map[string]string, len(rc.Classes))
	for k, v := range rc.Classes {
		routes[k] = v
	}
	s.current.Store(&intake.ClassificationSelector{Routes: routes, Fallback: rc.Fallback})
}

func (s *routeSelector) Select(rc *pipeline.RunContext, available []string) (string, error) {
	return s.current.Load().Select(rc, available)
}
