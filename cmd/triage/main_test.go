package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/triage/internal/config"
)

func shellConfig(t *testing.T) *config.EngineConfig {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := config.DefaultConfig()
	cfg.Scheduler.RetryBase = config.Duration(time.Millisecond)
	cfg.Agents["classifier"] = config.AgentConfig{
		Type:    "classification",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo '{"confidence":0.8,"tags":["invoice"]}'`},
	}
	cfg.Pipelines["standard"] = config.PipelineConfig{
		Stages: []config.StageConfig{{ID: "classify", AgentTypes: []string{"classification"}}},
	}
	cfg.Routes.Fallback = "standard"
	return cfg
}

func decodeOutcomes(t *testing.T, out *bytes.Buffer) map[string]outcome {
	t.Helper()
	got := make(map[string]outcome)
	dec := json.NewDecoder(out)
	for dec.More() {
		var o outcome
		if err := dec.Decode(&o); err != nil {
			t.Fatalf("decoding output: %v", err)
		}
		got[o.TaskID] = o
	}
	return got
}

func TestRunProcessesTaskLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"m1","type":"support","priority":"urgent","from":"a@x.org","to":["help@example.com"],"subject":"Invoice","body":"hi"}`,
		``,
		`{"id":"m2","type":"support","priority":"low","from":"b@x.org","subject":"Later","body":"no rush","depends_on":[]}`,
	}, "\n")

	var out bytes.Buffer
	if err := run(context.Background(), shellConfig(t), runOptions{}, strings.NewReader(input), &out); err != nil {
		t.Fatalf("run() failed: %v", err)
	}

	got := decodeOutcomes(t, &out)
	if len(got) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d: %v", len(got), got)
	}
	for _, id := range []string{"m1", "m2"} {
		o := got[id]
		if o.Error != "" {
			t.Errorf("%s: unexpected error %q", id, o.Error)
		}
		if o.PipelineID != "standard" {
			t.Errorf("%s: expected pipeline standard, got %q", id, o.PipelineID)
		}
		if o.Confidence != 0.8 {
			t.Errorf("%s: expected confidence 0.8, got %v", id, o.Confidence)
		}
		if len(o.Tags) != 1 || o.Tags[0] != "invoice" {
			t.Errorf("%s: unexpected tags %v", id, o.Tags)
		}
	}
}

func TestRunReportsBadLines(t *testing.T) {
	input := "not json\n" + `{"id":"dup","type":"support","timeout":"soon"}` + "\n"

	var out bytes.Buffer
	if err := run(context.Background(), shellConfig(t), runOptions{}, strings.NewReader(input), &out); err != nil {
		t.Fatalf("run() failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 output lines, got %d: %q", len(lines), out.String())
	}
	for _, l := range lines {
		var o outcome
		if err := json.Unmarshal([]byte(l), &o); err != nil {
			t.Fatalf("invalid output line %q: %v", l, err)
		}
		if !strings.HasPrefix(o.Error, "line ") {
			t.Errorf("Expected a line-numbered error, got %q", o.Error)
		}
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routes.Fallback = "missing"

	var out bytes.Buffer
	if err := run(context.Background(), cfg, runOptions{}, strings.NewReader(""), &out); err == nil {
		t.Fatal("Expected an error for a fallback naming no pipeline")
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestRunReturnsOnCancel verifies run does not wait for input that never ends.
func TestRunReturnsOnCancel(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() failed: %v", err)
	}
	defer pr.Close()
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := shellConfig(t)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, runOptions{}, pr, &bytes.Buffer{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() after cancel: %v", err)
		}
	case <-time.After(shutdownTimeout):
		t.Fatal("run() did not return after its context was cancelled")
	}
}
