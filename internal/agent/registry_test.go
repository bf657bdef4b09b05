package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/triage/internal/events"
	"github.com/aristath/triage/internal/task"
)

// stubAgent reports fixed metrics so selection can be tested deterministically.
type stubAgent struct {
	desc     Descriptor
	metrics  Metrics
	status   Status
	accepts  bool
	calls    atomic.Int32
	shutdown error
}

func newStub(id, typ string, priority int, success float64) *stubAgent {
	return &stubAgent{
		desc:    Descriptor{ID: id, Type: typ, Priority: priority},
		metrics: Metrics{SuccessRate: success},
		accepts: true,
	}
}

func (s *stubAgent) Descriptor() Descriptor           { return s.desc }
func (s *stubAgent) Status() Status                   { return s.status }
func (s *stubAgent) Metrics() Metrics                 { return s.metrics }
func (s *stubAgent) CanHandle(*task.Task) bool        { return s.accepts }
func (s *stubAgent) Initialize(context.Context) error { return nil }
func (s *stubAgent) Shutdown(context.Context) error   { return s.shutdown }
func (s *stubAgent) Execute(ctx context.Context, t *task.Task, ec *task.ExecutionContext) *Result {
	s.calls.Add(1)
	return &Result{AgentID: s.desc.ID, AgentType: s.desc.Type, Success: true, Confidence: 1}
}

func TestRegistry_SelectionTieBreak(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	a := newStub("a", "T", 5, 0.90)
	b := newStub("b", "T", 5, 0.95)
	c := newStub("c", "T", 3, 0.99)
	for _, s := range []*stubAgent{a, b, c} {
		require.NoError(t, r.Register(ctx, s))
	}

	res, err := r.SelectAndExecute(ctx, "T", emailTask("t", "T"), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.AgentID)
}

func TestRegistry_SelectionFallsBackToProcessingTime(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	slow := newStub("slow", "T", 1, 1)
	slow.metrics.AverageProcessingTime = 300 * time.Millisecond
	fast := newStub("fast", "T", 1, 1)
	fast.metrics.AverageProcessingTime = 20 * time.Millisecond
	require.NoError(t, r.Register(ctx, slow))
	require.NoError(t, r.Register(ctx, fast))

	res, err := r.SelectAndExecute(ctx, "T", emailTask("t", "T"), nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", res.AgentID)
}

func TestRegistry_SelectionFiltersUnavailable(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	disabled := newStub("disabled", "T", 9, 1)
	disabled.status = StatusDisabled
	broken := newStub("broken", "T", 8, 1)
	broken.status = StatusError
	picky := newStub("picky", "T", 7, 1)
	picky.accepts = false
	ok := newStub("ok", "T", 1, 0.5)

	for _, s := range []*stubAgent{disabled, broken, picky, ok} {
		require.NoError(t, r.Register(ctx, s))
	}

	res, err := r.SelectAndExecute(ctx, "T", emailTask("t", "T"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.AgentID)

	_, err = r.SelectAndExecute(ctx, "unknown", emailTask("t", "unknown"), nil)
	assert.ErrorIs(t, err, task.ErrNoSuitableAgent)
}

func TestRegistry_ConcurrencyLimitNeverExceeded(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	c := New(Descriptor{ID: "limited", Type: "T", MaxConcurrency: 2},
		ProcessorFunc(func(ctx context.Context, tk *task.Task, ec *task.ExecutionContext) (*Output, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return &Output{Confidence: 1}, nil
		}))
	require.NoError(t, r.Register(ctx, c))

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.SelectAndExecute(ctx, "T", emailTask("t", "T"), nil); err != nil {
				assert.ErrorIs(t, err, task.ErrNoSuitableAgent)
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, rejected.Load(), "callers beyond the limit must be turned away")
}

func TestRegistry_TimedOutProcessorKeepsItsSlot(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	c := New(Descriptor{ID: "stubborn", Type: "T", MaxConcurrency: 1, Timeout: 20 * time.Millisecond},
		ProcessorFunc(func(ctx context.Context, tk *task.Task, ec *task.ExecutionContext) (*Output, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(200 * time.Millisecond) // ignores ctx
			inFlight.Add(-1)
			return &Output{Confidence: 1}, nil
		}))
	require.NoError(t, r.Register(ctx, c))

	res, err := r.SelectAndExecute(ctx, "T", emailTask("t1", "T"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, task.ErrTimeout)
	assert.Equal(t, StatusBusy, c.Status(), "processor still running")

	for i := 0; i < 3; i++ {
		_, err := r.SelectAndExecute(ctx, "T", emailTask("tn", "T"), nil)
		assert.ErrorIs(t, err, task.ErrNoSuitableAgent)
	}
	_, err = r.ExecuteByID(ctx, "stubborn", emailTask("tx", "T"), nil)
	assert.ErrorIs(t, err, task.ErrCapacityExceeded)

	require.Eventually(t, func() bool { return c.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	res, err = r.SelectAndExecute(ctx, "T", emailTask("t2", "T"), nil)
	require.NoError(t, err, "slot is released once the processor returns")
	assert.ErrorIs(t, res.Err, task.ErrTimeout)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int64(2), c.Metrics().TotalProcessed)
}

func TestRegistry_ExecuteByIDErrors(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	_, err := r.ExecuteByID(ctx, "missing", emailTask("t", "T"), nil)
	assert.ErrorIs(t, err, task.ErrNotFound)

	picky := newStub("picky", "T", 1, 1)
	picky.accepts = false
	require.NoError(t, r.Register(ctx, picky))
	_, err = r.ExecuteByID(ctx, "picky", emailTask("t", "T"), nil)
	assert.ErrorIs(t, err, task.ErrUnsupported)

	release := make(chan struct{})
	started := make(chan struct{})
	single := New(Descriptor{ID: "single", Type: "T", MaxConcurrency: 1},
		ProcessorFunc(func(ctx context.Context, tk *task.Task, ec *task.ExecutionContext) (*Output, error) {
			close(started)
			<-release
			return &Output{}, nil
		}))
	require.NoError(t, r.Register(ctx, single))

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := r.ExecuteByID(ctx, "single", emailTask("t1", "T"), nil)
		assert.NoError(t, err)
		assert.True(t, res.Success)
	}()
	<-started

	_, err = r.ExecuteByID(ctx, "single", emailTask("t2", "T"), nil)
	assert.ErrorIs(t, err, task.ErrCapacityExceeded)

	close(release)
	<-done
}

func TestRegistry_ExecutionContextIsFilled(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	var seen task.ExecutionContext
	c := New(Descriptor{ID: "x1", Type: "x", Timeout: time.Second},
		ProcessorFunc(func(ctx context.Context, tk *task.Task, ec *task.ExecutionContext) (*Output, error) {
			seen = *ec
			return &Output{}, nil
		}))
	require.NoError(t, r.Register(ctx, c))

	_, err := r.SelectAndExecute(ctx, "x", emailTask("task-9", "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "task-9", seen.TaskID)
	assert.Equal(t, "x1", seen.AgentID)
	assert.Equal(t, time.Second, seen.Timeout)
	assert.False(t, seen.StartTime.IsZero())
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	evs := bus.Subscribe(events.TopicAgent, 10)

	r := NewRegistry(RegistryConfig{Bus: bus})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, newStub("a", "T", 1, 1)))
	err := r.Register(ctx, newStub("a", "T", 1, 1))
	assert.ErrorIs(t, err, task.ErrValidation)
	assert.ErrorIs(t, r.Register(ctx, newStub("", "T", 1, 1)), task.ErrValidation)

	assert.Equal(t, []string{"T"}, r.Types())
	require.NoError(t, r.Unregister(ctx, "a"))
	assert.ErrorIs(t, r.Unregister(ctx, "a"), task.ErrNotFound)
	assert.Empty(t, r.Types())

	_, err = r.SelectAndExecute(ctx, "T", emailTask("t", "T"), nil)
	assert.ErrorIs(t, err, task.ErrNoSuitableAgent)

	got := []string{(<-evs).EventType(), (<-evs).EventType()}
	assert.Equal(t, []string{events.EventTypeAgentRegistered, events.EventTypeAgentUnregistered}, got)
}

func TestRegistry_Metrics(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	a := newStub("a", "T", 1, 1)
	a.metrics.TotalProcessed = 3
	a.metrics.AverageProcessingTime = 10 * time.Millisecond
	b := newStub("b", "U", 1, 1)
	b.metrics.TotalProcessed = 1
	b.metrics.AverageProcessingTime = 50 * time.Millisecond
	b.status = StatusBusy
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Register(ctx, b))

	m := r.Metrics()
	assert.Equal(t, 2, m.TotalAgents)
	assert.Equal(t, 1, m.ActiveAgents)
	assert.EqualValues(t, 4, m.TotalTasksExecuted)
	assert.Equal(t, 20*time.Millisecond, m.AverageExecutionTime)
}

func TestRegistry_ShutdownAllToleratesFailures(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ctx := context.Background()

	bad := newStub("bad", "T", 1, 1)
	bad.shutdown = errors.New("stuck")
	require.NoError(t, r.Register(ctx, bad))
	require.NoError(t, r.Register(ctx, newStub("good", "T", 1, 1)))

	r.ShutdownAll(ctx)

	assert.Empty(t, r.List())
	assert.Empty(t, r.Types())
	_, ok := r.Get("good")
	assert.False(t, ok)
}
