package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/triage/internal/config"
	"github.com/aristath/triage/internal/engine"
	"github.com/aristath/triage/internal/intake"
	"github.com/aristath/triage/internal/logging"
	"github.com/aristath/triage/internal/task"
)

const shutdownTimeout = 10 * time.Second

// maxLine bounds a single JSON task line.
const maxLine = 4 << 20

func main() {
	homeDir, _ := os.UserHomeDir()

	globalPath := flag.String("global", filepath.Join(homeDir, ".triage", "config.yaml"), "global config file")
	projectPath := flag.String("config", filepath.Join(".triage", "config.yaml"), "project config file")
	inputPath := flag.String("input", "-", "JSON lines task file, - for stdin")
	watch := flag.Bool("watch", true, "reload the project config when it changes")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*globalPath, *projectPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger := logging.New(&cfg.Log)

	in := io.Reader(os.Stdin)
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	opts := runOptions{Logger: logger}
	if *watch {
		opts.WatchGlobal, opts.WatchProject = *globalPath, *projectPath
	}
	if err := run(ctx, cfg, opts, in, os.Stdout); err != nil {
		logger.Error("triage failed", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	Logger       logging.Logger
	WatchGlobal  string
	WatchProject string // Empty disables config watching
}

// inboundTask is one JSON line of input.
type inboundTask struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Priority   task.Priority   `json:"priority"`
	From       string          `json:"from"`
	To         []string        `json:"to"`
	Cc         []string        `json:"cc,omitempty"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Timeout    config.Duration `json:"timeout,omitempty"`
}

func (in *inboundTask) toTask() *task.Task {
	return &task.Task{
		ID:         in.ID,
		Type:       in.Type,
		Priority:   in.Priority,
		DependsOn:  in.DependsOn,
		Metadata:   in.Metadata,
		MaxRetries: in.MaxRetries,
		Timeout:    in.Timeout.Std(),
		Payload: &task.Email{
			From:    in.From,
			To:      in.To,
			Cc:      in.Cc,
			Subject: in.Subject,
			Body:    in.Body,
		},
	}
}

// outcome is one JSON line of output.
type outcome struct {
	TaskID     string   `json:"task_id"`
	PipelineID string   `json:"pipeline_id,omitempty"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Skipped    []string `json:"skipped_stages,omitempty"`
	Duration   string   `json:"duration,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// run builds an engine from cfg, submits every task read from in and writes
// one outcome per task to out in completion order. It returns once every
// submitted task resolved or ctx is cancelled.
func run(ctx context.Context, cfg *config.EngineConfig, opts runOptions, in io.Reader, out io.Writer) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	eng, err := engine.New(ctx, cfg, engine.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		logger.Info("shutdown complete")
	}()

	if opts.WatchProject != "" {
		if err := eng.WatchConfig(ctx, opts.WatchGlobal, opts.WatchProject); err != nil {
			logger.Warn("config watch disabled", "path", opts.WatchProject, "error", err)
		}
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	w := &outcomeWriter{enc: json.NewEncoder(out)}
	done := make(chan error, 1)
	go func() { done <- submitAll(ctx, eng, in, w) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Input may block indefinitely; queued tasks are rejected on Close.
		logger.Info("shutdown signal received, cleaning up")
		return nil
	}
}

// submitAll submits each task line and waits for every accepted task.
func submitAll(ctx context.Context, eng *engine.Engine, in io.Reader, w *outcomeWriter) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var it inboundTask
		if err := json.Unmarshal(raw, &it); err != nil {
			w.write(outcome{TaskID: it.ID, Error: fmt.Sprintf("line %d: %v", line, err)})
			continue
		}
		f, err := eng.Submit(ctx, it.toTask())
		if err != nil {
			w.write(outcome{TaskID: it.ID, Error: err.Error()})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.write(resolve(ctx, f))
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading tasks: %w", err)
	}
	return nil
}

func resolve(ctx context.Context, f *intake.Future) outcome {
	res, err := f.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = task.ErrStopped
		}
		return outcome{TaskID: f.TaskID, Error: err.Error()}
	}
	return outcome{
		TaskID:     res.TaskID,
		PipelineID: res.PipelineID,
		Confidence: res.Confidence,
		Tags:       res.Tags,
		Actions:    res.Actions,
		Skipped:    res.SkippedStages,
		Duration:   res.Duration.String(),
	}
}

type outcomeWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *outcomeWriter) write(o outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(o)
}
