// Package engine executes a single external audit-engine invocation at a
// time: it spawns the process, streams its combined output, enforces the
// per-invocation wall-clock budget, and terminates stragglers with an
// escalating signal sequence.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the hard wall-clock budget for one invocation.
const DefaultTimeout = 8 * time.Minute

// Grace periods between termination escalation steps.
const (
	termGrace      = 2 * time.Second
	interruptGrace = 2 * time.Second
)

// Status reports how an invocation ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusTimedOut  Status = "timed_out"
)

// Invocation describes one engine run. Args[0] is the program.
type Invocation struct {
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

// Result captures the invocation outcome. ExitCode is -1 when the process
// was killed or never reported a code.
type Result struct {
	ExitCode int
	Output   string
	Status   Status
	Elapsed  time.Duration
}

// Sink receives output chunks as they arrive, in stream order.
type Sink func(chunk []byte)

// Runner spawns at most one process per Run call; callers serialize runs.
type Runner struct {
	Timeout time.Duration
	Logger  *zap.Logger

	// Overridable for tests that exercise escalation quickly.
	TermGrace      time.Duration
	InterruptGrace time.Duration
}

// NewRunner builds a runner with the production timeout.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Timeout:        DefaultTimeout,
		Logger:         logger,
		TermGrace:      termGrace,
		InterruptGrace: interruptGrace,
	}
}

// Run executes the invocation end to end. The cancel channel is the
// cooperative cancellation flag: closing it while the process is active
// triggers the escalating termination sequence. The returned error is
// non-nil only when the process could not be started.
func (r *Runner) Run(inv Invocation, cancel <-chan struct{}, sink Sink) (Result, error) {
	if len(inv.Args) == 0 {
		return Result{}, fmt.Errorf("engine: empty invocation command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	collector, err := newOutputCollector(inv.LogPath, sink)
	if err != nil {
		return Result{}, err
	}
	defer collector.Close()

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.Stdout = collector
	cmd.Stderr = collector
	// Orphaned children of a killed engine can hold the output pipes open;
	// don't let them stall Wait past the escalation budget.
	cmd.WaitDelay = r.TermGrace + r.InterruptGrace + time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("engine: start %s: %w", inv.Args[0], err)
	}
	r.Logger.Info("engine invocation started",
		zap.String("program", inv.Args[0]),
		zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	status := StatusCompleted
	var waitErr error
	select {
	case waitErr = <-done:
	case <-cancel:
		status = StatusCanceled
		waitErr = r.terminate(cmd, done)
	case <-time.After(timeout):
		status = StatusTimedOut
		waitErr = r.terminate(cmd, done)
	}

	result := Result{
		ExitCode: exitCode(cmd, waitErr),
		Output:   collector.Text(),
		Status:   status,
		Elapsed:  time.Since(start),
	}
	r.Logger.Info("engine invocation finished",
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// terminate escalates synchronously: polite terminate, grace, interrupt,
// grace, unconditional kill. It owns the single Wait result from this
// point on and returns it, so the invocation cannot outlive the sum of
// the grace periods by more than kill delivery plus WaitDelay.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) error {
	proc := cmd.Process
	if proc == nil {
		return <-done
	}
	r.Logger.Warn("terminating engine invocation", zap.Int("pid", proc.Pid))
	_ = proc.Signal(syscall.SIGTERM)
	if waitErr, exited := waitOrTimeout(done, r.TermGrace); exited {
		return waitErr
	}
	_ = proc.Signal(os.Interrupt)
	if waitErr, exited := waitOrTimeout(done, r.InterruptGrace); exited {
		return waitErr
	}
	r.Logger.Warn("escalating to kill", zap.Int("pid", proc.Pid))
	_ = proc.Kill()
	return <-done
}

// waitOrTimeout waits up to the grace period for the process to exit.
// The done channel delivers exactly one value; when it arrives here it
// must be handed back to the caller, never dropped.
func waitOrTimeout(done <-chan error, grace time.Duration) (error, bool) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case waitErr := <-done:
		return waitErr, true
	case <-timer.C:
		return nil, false
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// outputCollector merges stdout and stderr into one ordered byte stream,
// buffering the full text, duplicating it to the per-invocation log file,
// and forwarding chunks to the live sink.
type outputCollector struct {
	mu   sync.Mutex
	buf  []byte
	file *os.File
	sink Sink
}

func newOutputCollector(logPath string, sink Sink) (*outputCollector, error) {
	collector := &outputCollector{sink: sink}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("engine: ensure log dir: %w", err)
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("engine: open invocation log: %w", err)
		}
		collector.file = file
	}
	return collector, nil
}

func (c *outputCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.buf = append(c.buf, p...)
	if c.file != nil {
		_, _ = c.file.Write(p)
	}
	sink := c.sink
	chunk := append([]byte(nil), p...)
	c.mu.Unlock()
	if sink != nil {
		sink(chunk)
	}
	return len(p), nil
}

func (c *outputCollector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *outputCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

var _ io.Writer = (*outputCollector)(nil)
