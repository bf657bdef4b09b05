package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/aristath/triage/internal/task"
)

// CommandConfig describes an external program implementing a capability.
// The program receives a JSON request on stdin and must print a JSON
// Output on stdout.
type CommandConfig struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string
}

// commandRequest is the JSON document written to the program's stdin.
type commandRequest struct {
	Task     *task.Task     `json:"task"`
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CommandProcessor runs one subprocess per invocation.
type CommandProcessor struct {
	cfg   CommandConfig
	procs *ProcessManager
}

// NewCommandProcessor creates a processor for cfg. pm may be nil, in which
// case subprocesses are not tracked for shutdown.
func NewCommandProcessor(cfg CommandConfig, pm *ProcessManager) *CommandProcessor {
	return &CommandProcessor{cfg: cfg, procs: pm}
}

// NewCommandAgent builds a Capability backed by an external program.
func NewCommandAgent(desc Descriptor, cfg CommandConfig, pm *ProcessManager, opts ...Option) *Capability {
	return New(desc, NewCommandProcessor(cfg, pm), opts...)
}

// Start verifies the program can be found.
func (p *CommandProcessor) Start(ctx context.Context) error {
	if _, err := exec.LookPath(p.cfg.Command); err != nil {
		return fmt.Errorf("command %q not found: %w", p.cfg.Command, err)
	}
	return nil
}

// Stop kills every subprocess still running.
func (p *CommandProcessor) Stop(ctx context.Context) error {
	if p.procs == nil {
		return nil
	}
	return p.procs.KillAll()
}

// Process runs the program for one task.
func (p *CommandProcessor) Process(ctx context.Context, t *task.Task, ec *task.ExecutionContext) (*Output, error) {
	req := commandRequest{Task: t}
	if ec != nil {
		req.AgentID = ec.AgentID
		req.Metadata = ec.Metadata
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	cmd := newCommand(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Dir = p.cfg.WorkDir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}

	stdout, stderr, err := executeCommand(cmd, p.procs)
	if err != nil {
		return nil, err
	}

	var out Output
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
		return nil, fmt.Errorf("parsing output of %q: %w (stderr: %s)", p.cfg.Command, err, string(stderr))
	}
	return &out, nil
}

// newCommand creates an exec.Cmd in its own process group. Context
// cancellation kills the whole group, not just the direct child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	return cmd
}

// executeCommand starts cmd, drains stdout and stderr concurrently, then waits.
// Both pipes must be fully read before cmd.Wait or large outputs deadlock.
func executeCommand(cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so shutdown can kill them all.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
