package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/task"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger logging.Logger // Defaults to a no-op logger
	Bus    *events.Bus    // Optional; receives registration events
}

// RegistryMetrics aggregates metrics across all registered agents.
type RegistryMetrics struct {
	TotalAgents          int
	ActiveAgents         int
	TotalTasksExecuted   int64
	AverageExecutionTime time.Duration
}

// entry pairs an agent with the semaphore bounding its in-flight calls.
type entry struct {
	agent Agent
	slots *semaphore.Weighted
	seq   uint64 // registration order, last tie-break during selection
}

// Registry holds agents keyed by ID and grouped by declared type.
// All index mutation happens under mu.
type Registry struct {
	cfg RegistryConfig

	mu     sync.RWMutex
	agents map[string]*entry
	byType map[string][]string // type -> agent IDs in registration order
	seq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*entry),
		byType: make(map[string][]string),
	}
}

// Register initializes a and adds it to both indexes.
func (r *Registry) Register(ctx context.Context, a Agent) error {
	if a == nil {
		return fmt.Errorf("%w: nil agent", task.ErrValidation)
	}
	desc := a.Descriptor()
	if desc.ID == "" || desc.Type == "" {
		return fmt.Errorf("%w: agent descriptor needs both id and type", task.ErrValidation)
	}

	r.mu.RLock()
	_, exists := r.agents[desc.ID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: agent %q already registered", task.ErrValidation, desc.ID)
	}

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", task.ErrExternal, err)
	}

	r.mu.Lock()
	if _, exists := r.agents[desc.ID]; exists {
		r.mu.Unlock()
		_ = a.Shutdown(ctx)
		return fmt.Errorf("%w: agent %q already registered", task.ErrValidation, desc.ID)
	}
	r.seq++
	r.agents[desc.ID] = &entry{
		agent: a,
		slots: semaphore.NewWeighted(int64(desc.Limit())),
		seq:   r.seq,
	}
	r.byType[desc.Type] = append(r.byType[desc.Type], desc.ID)
	r.mu.Unlock()

	r.cfg.Logger.Info("agent registered", "agent", desc.ID, "type", desc.Type, "priority", desc.Priority, "max_concurrency", desc.Limit())
	r.publish(events.AgentRegisteredEvent{AgentID: desc.ID, AgentType: desc.Type, Timestamp: time.Now()})
	return nil
}

// Unregister removes the agent from both indexes and shuts it down.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %q", task.ErrNotFound, id)
	}
	delete(r.agents, id)
	typ := e.agent.Descriptor().Type
	r.byType[typ] = removeID(r.byType[typ], id)
	if len(r.byType[typ]) == 0 {
		delete(r.byType, typ)
	}
	r.mu.Unlock()

	r.publish(events.AgentUnregisteredEvent{AgentID: id, AgentType: typ, Timestamp: time.Now()})
	if err := e.agent.Shutdown(ctx); err != nil {
		return fmt.Errorf("%w: %v", task.ErrExternal, err)
	}
	r.cfg.Logger.Info("agent unregistered", "agent", id, "type", typ)
	return nil
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// List returns every agent in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Agent, len(entries))
	for i, e := range entries {
		out[i] = e.agent
	}
	return out
}

// Types returns the registered agent types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SelectAndExecute picks the best available agent of agentType for t and runs it.
// Candidates must accept the task, be available, and have a free concurrency slot.
func (r *Registry) SelectAndExecute(ctx context.Context, agentType string, t *task.Task, ec *task.ExecutionContext) (*Result, error) {
	for _, e := range rank(r.candidates(agentType, t)) {
		if !e.slots.TryAcquire(1) {
			continue
		}
		return r.execute(ctx, e, t, ec), nil
	}
	return nil, fmt.Errorf("%w: type %q", task.ErrNoSuitableAgent, agentType)
}

// ExecuteByID dispatches directly to one agent, bypassing selection.
func (r *Registry) ExecuteByID(ctx context.Context, id string, t *task.Task, ec *task.ExecutionContext) (*Result, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent %q", task.ErrNotFound, id)
	}
	if st := e.agent.Status(); !st.Available() {
		return nil, fmt.Errorf("%w: agent %q is %s", task.ErrUnsupported, id, st)
	}
	if !e.agent.CanHandle(t) {
		return nil, fmt.Errorf("%w: agent %q cannot handle task type %q", task.ErrUnsupported, id, taskType(t))
	}
	if !e.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: agent %q at limit %d", task.ErrCapacityExceeded, id, e.agent.Descriptor().Limit())
	}
	return r.execute(ctx, e, t, ec), nil
}

// execute runs the agent on a slot already acquired from e.slots. The slot
// is released on return unless the agent detached it to a processor still
// running past its timeout.
func (r *Registry) execute(ctx context.Context, e *entry, t *task.Task, ec *task.ExecutionContext) *Result {
	s := &slot{sem: e.slots}
	defer s.settle()

	desc := e.agent.Descriptor()
	if ec == nil {
		ec = &task.ExecutionContext{}
	}
	if ec.TaskID == "" && t != nil {
		ec.TaskID = t.ID
	}
	ec.AgentID = desc.ID
	if ec.StartTime.IsZero() {
		ec.StartTime = time.Now()
	}
	if ec.Timeout <= 0 {
		ec.Timeout = desc.Timeout
	}

	r.cfg.Logger.Debug("dispatching to agent", "agent", desc.ID, "type", desc.Type, "task", ec.TaskID)
	return e.agent.Execute(withSlot(ctx, s), t, ec)
}

// candidates returns the entries of agentType that accept t and are available.
func (r *Registry) candidates(agentType string, t *task.Task) []*entry {
	r.mu.RLock()
	ids := r.byType[agentType]
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, r.agents[id])
	}
	r.mu.RUnlock()

	out := entries[:0]
	for _, e := range entries {
		if e.agent.Status().Available() && e.agent.CanHandle(t) {
			out = append(out, e)
		}
	}
	return out
}

// Metrics aggregates metrics over all registered agents. The average
// execution time is weighted by each agent's processed count.
func (r *Registry) Metrics() RegistryMetrics {
	var m RegistryMetrics
	var weighted float64
	for _, a := range r.List() {
		m.TotalAgents++
		if a.Status() == StatusBusy {
			m.ActiveAgents++
		}
		am := a.Metrics()
		m.TotalTasksExecuted += am.TotalProcessed
		weighted += float64(am.AverageProcessingTime) * float64(am.TotalProcessed)
	}
	if m.TotalTasksExecuted > 0 {
		m.AverageExecutionTime = time.Duration(weighted / float64(m.TotalTasksExecuted))
	}
	return m
}

// ShutdownAll shuts every agent down concurrently, logging individual
// failures, then clears both indexes.
func (r *Registry) ShutdownAll(ctx context.Context) {
	agents := r.List()

	var g errgroup.Group
	for _, a := range agents {
		a := a
		g.Go(func() error {
			if err := a.Shutdown(ctx); err != nil {
				r.cfg.Logger.Error("agent shutdown failed", "agent", a.Descriptor().ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.agents = make(map[string]*entry)
	r.byType = make(map[string][]string)
	r.mu.Unlock()

	r.cfg.Logger.Info("all agents shut down", "count", len(agents))
}

func (r *Registry) publish(ev events.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.TopicAgent, ev)
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func taskType(t *task.Task) string {
	if t == nil {
		return ""
	}
	return t.Type
}

// slot is one acquired unit of an agent's concurrency limit.
type slot struct {
	sem      *semaphore.Weighted
	once     sync.Once
	detached atomic.Bool
}

type slotKey struct{}

func withSlot(ctx context.Context, s *slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

func slotFrom(ctx context.Context) *slot {
	s, _ := ctx.Value(slotKey{}).(*slot)
	return s
}

// detach hands the release to whoever still runs the invocation.
func (s *slot) detach() {
	if s != nil {
		s.detached.Store(true)
	}
}

func (s *slot) release() {
	if s != nil {
		s.once.Do(func() { s.sem.Release(1) })
	}
}

func (s *slot) settle() {
	if !s.detached.Load() {
		s.release()
	}
}
