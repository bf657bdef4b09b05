package metrics

import (
	"testing"
	"time"

	"github.com/aristath/triage/internal/events"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.Counter("tasks", 1, Labels{"status": "ok"})
	r.Counter("tasks", 2, Labels{"status": "ok"})
	r.Counter("tasks", 1, Labels{"status": "failed"})
	r.Gauge("queued", 4, nil)
	r.Gauge("queued", 2, nil)
	r.Histogram("latency", 10, nil)
	r.Histogram("latency", 30, nil)

	if got := r.CounterValue("tasks", Labels{"status": "ok"}); got != 3 {
		t.Errorf("ok counter = %v, want 3", got)
	}
	if got := r.CounterValue("tasks", Labels{"status": "failed"}); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
	if got := r.GaugeValue("queued", nil); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}

	h := r.HistogramValue("latency", nil)
	if h.Count != 2 || h.Min != 10 || h.Max != 30 || h.Mean() != 20 {
		t.Errorf("unexpected histogram summary: %+v", h)
	}
}

func TestKeySortsLabels(t *testing.T) {
	got := Key("m", Labels{"b": "2", "a": "1"})
	if got != "m{a=1,b=2}" {
		t.Errorf("Key() = %q", got)
	}
	if Key("m", nil) != "m" {
		t.Error("expected bare name without labels")
	}
}

func TestBusSinkPublishes(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicMetrics, 4)

	Multi{Nop{}, BusSink{Bus: bus}}.Histogram("pipeline.duration_ms", 12, Labels{"pipeline": "default"})

	select {
	case ev := <-ch:
		m, ok := ev.(events.MetricEvent)
		if !ok {
			t.Fatalf("expected MetricEvent, got %T", ev)
		}
		if m.Kind != "histogram" || m.Name != "pipeline.duration_ms" || m.Value != 12 {
			t.Errorf("unexpected sample: %+v", m)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for metric event")
	}
}
