package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/metrics"
	"github.com/aristath/triage/internal/task"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []ExecutionRecord
}

func (m *memRecorder) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	agents := newAgents(t, map[string]agent.Processor{"a": output(0.2), "b": output(0.9)})
	r := NewRegistry(RegistryConfig{Agents: agents})

	_, err := r.CreateFromConfiguration(Config{ID: "p", Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}}})
	require.NoError(t, err)
	_, err = r.CreateFromConfiguration(Config{ID: "other", Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}}})
	require.NoError(t, err)
	_, err = r.CreateFromConfiguration(Config{ID: "p", Stages: []Stage{{ID: "s", AgentTypes: []string{"b"}}}})
	require.NoError(t, err)

	assert.Equal(t, []string{"p", "other"}, r.List())

	res, err := r.ExecutePipeline(context.Background(), "p", NewRunContext(emailTask("t1")))
	require.NoError(t, err)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = r.ExecutePipeline(context.Background(), "missing", NewRunContext(emailTask("t1")))
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRegistry_CreateFromConfigurationValidates(t *testing.T) {
	r := NewRegistry(RegistryConfig{Agents: agent.NewRegistry(agent.RegistryConfig{})})

	cases := map[string]Config{
		"no id":          {Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}}},
		"no stages":      {ID: "p"},
		"no types":       {ID: "p", Stages: []Stage{{ID: "s"}}},
		"duplicate":      {ID: "p", Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}, {ID: "s", AgentTypes: []string{"b"}}}},
		"bad strategy":   {ID: "p", FailureStrategy: "explode", Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}}},
		"empty stage id": {ID: "p", Stages: []Stage{{AgentTypes: []string{"a"}}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.CreateFromConfiguration(cfg)
			assert.ErrorIs(t, err, task.ErrValidation)
		})
	}
	assert.Empty(t, r.List())
}

func TestRegistry_ExecutePipelineRecordsOutcome(t *testing.T) {
	agents := newAgents(t, map[string]agent.Processor{"ok": output(0.5), "broken": failing("boom", nil)})
	sink := metrics.NewRecorder()
	rec := &memRecorder{}
	r := NewRegistry(RegistryConfig{Agents: agents, Metrics: sink, Recorder: rec})

	_, err := r.CreateFromConfiguration(Config{ID: "good", Stages: []Stage{{ID: "s", AgentTypes: []string{"ok"}, Required: true}}})
	require.NoError(t, err)
	_, err = r.CreateFromConfiguration(Config{ID: "bad", Stages: []Stage{{ID: "s", AgentTypes: []string{"broken"}, Required: true}}})
	require.NoError(t, err)

	_, err = r.ExecutePipeline(context.Background(), "good", NewRunContext(emailTask("t1")))
	require.NoError(t, err)
	_, err = r.ExecutePipeline(context.Background(), "bad", NewRunContext(emailTask("t2")))
	var se *task.StageError
	require.ErrorAs(t, err, &se, "stage errors stay reachable")
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)

	assert.Equal(t, 1.0, sink.CounterValue("pipeline_executions_total", metrics.Labels{"pipeline": "good", "outcome": "success"}))
	assert.Equal(t, 1.0, sink.CounterValue("pipeline_executions_total", metrics.Labels{"pipeline": "bad", "outcome": "failure"}))
	assert.Equal(t, 1, sink.HistogramValue("pipeline_execution_seconds", metrics.Labels{"pipeline": "good", "outcome": "success"}).Count)

	require.Len(t, rec.recs, 2)
	assert.True(t, rec.recs[0].Success)
	assert.Equal(t, "t1", rec.recs[0].TaskID)
	assert.NotEmpty(t, rec.recs[0].ExecutionID)
	assert.False(t, rec.recs[1].Success)
	assert.Contains(t, rec.recs[1].Error, "boom")
	assert.Equal(t, ee.ExecutionID, rec.recs[1].ExecutionID, "failed runs stay traceable")
	assert.NotEmpty(t, rec.recs[1].ExecutionID)

	m := r.Metrics()
	assert.Equal(t, 1, m["good"].Completed)
	assert.Equal(t, 1, m["bad"].Failed)
}

func TestRegistry_Remove(t *testing.T) {
	agents := newAgents(t, map[string]agent.Processor{"a": output(1)})
	r := NewRegistry(RegistryConfig{Agents: agents})
	for _, id := range []string{"x", "y", "z"} {
		_, err := r.CreateFromConfiguration(Config{ID: id, Stages: []Stage{{ID: "s", AgentTypes: []string{"a"}}}})
		require.NoError(t, err)
	}

	assert.True(t, r.Remove("y"))
	assert.False(t, r.Remove("y"))
	assert.Equal(t, []string{"x", "z"}, r.List())
}

func TestParseCondition(t *testing.T) {
	rc := NewRunContext(emailTask("t1"))
	rc.Classification = "billing"
	rc.Metadata["lang"] = "en"
	rc.Metadata["attempt"] = 2
	rc.merge("spam", &agent.Result{Success: true})

	cases := []struct {
		expr string
		want bool
	}{
		{"result:spam", true},
		{"result:classify", false},
		{"!result:classify", true},
		{"meta:lang=en", true},
		{"meta:lang=de", false},
		{"meta:attempt=2", true},
		{"meta:missing=x", false},
		{"class:billing", true},
		{"!class:billing", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			cond, err := ParseCondition(tc.expr)
			require.NoError(t, err)
			require.NotNil(t, cond)
			assert.Equal(t, tc.want, cond(rc))
		})
	}

	cond, err := ParseCondition("  ")
	require.NoError(t, err)
	assert.Nil(t, cond)

	for _, bad := range []string{"result", "meta:novalue", "weather:sunny", "!", "result:"} {
		_, err := ParseCondition(bad)
		assert.ErrorIs(t, err, task.ErrValidation, bad)
	}
}
