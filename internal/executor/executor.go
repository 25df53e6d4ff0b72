// Package executor runs the external diagnostic tools (perf, blktrace,
// vmtouch, lsof, du, the snapshot collector) inside their own process
// group so a deadline always takes the whole tool tree down.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// RawOutput captures the result of one tool invocation.
type RawOutput struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool // true if captured stdout was capped
	PID       int  // OS process ID of the spawned tool

	// Stopped is set when the tool was ended by its collection window.
	// This is the normal way to end tools that trace until told to stop.
	Stopped bool
	// Interrupted is set when the caller's context ended first. Output of
	// an interrupted tool must not be committed.
	Interrupted bool
}

// Clean reports whether the tool finished normally: it exited zero or
// was stopped at the end of its window, and was not interrupted.
func (r *RawOutput) Clean() bool {
	if r == nil || r.Interrupted {
		return false
	}
	return r.Stopped || r.ExitCode == 0
}

// Command describes one tool invocation.
type Command struct {
	Tool string
	Args []string
	// Stdout receives the tool's standard output. When nil, output is
	// captured into RawOutput.Stdout up to the executor's cap.
	Stdout io.Writer
	// Window, when positive, stops the tool with SIGINT after it elapses.
	Window time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Tool + " " + strings.Join(c.Args, " "))
}

// Runner runs external tools and captures their output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*RawOutput, error)
	Available(tool string) bool
}

// Options configures a ToolExecutor.
type Options struct {
	// ExtraPaths are searched before the system directories, e.g. the
	// bin/ directory shipped next to the insight binary.
	ExtraPaths     []string
	MaxOutputBytes int64
	// Grace is how long a tool gets to flush after SIGINT before SIGKILL.
	Grace  time.Duration
	Logger *slog.Logger
}

// DefaultGrace is used when Options.Grace is zero.
const DefaultGrace = 3 * time.Second

const defaultMaxOutput = 50 * 1024 * 1024 // 50MB

// ToolExecutor runs allow-listed binaries with a sanitized environment.
type ToolExecutor struct {
	security       *SecurityChecker
	maxOutputBytes int64
	grace          time.Duration
	logger         *slog.Logger
}

// NewToolExecutor creates an executor with security controls.
func NewToolExecutor(opts Options) *ToolExecutor {
	e := &ToolExecutor{
		security:       NewSecurityChecker(opts.ExtraPaths...),
		maxOutputBytes: opts.MaxOutputBytes,
		grace:          opts.Grace,
		logger:         opts.Logger,
	}
	if e.maxOutputBytes <= 0 {
		e.maxOutputBytes = defaultMaxOutput
	}
	if e.grace <= 0 {
		e.grace = DefaultGrace
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run executes a tool with security verification and output capping.
//
// exec.Command is used instead of CommandContext so the signal sequence
// stays under our control: when the window elapses or ctx ends, SIGINT is
// sent to the tool's process group so perf and blktrace can flush, then
// SIGKILL follows after the grace period.
//
// A non-zero exit is reported through RawOutput.ExitCode, not as an error.
// The error return is reserved for tools that could not be started.
func (e *ToolExecutor) Run(ctx context.Context, c Command) (*RawOutput, error) {
	start := time.Now()

	binPath, err := e.security.ResolveBinary(c.Tool)
	if err != nil {
		return nil, fmt.Errorf("security check for %q: %w", c.Tool, err)
	}
	if err := e.security.VerifyBinary(binPath); err != nil {
		return nil, fmt.Errorf("binary verification for %q: %w", binPath, err)
	}

	cmd := exec.Command(binPath, c.Args...)
	cmd.Env = e.security.SanitizeEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	var limited *LimitedWriter
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		limited = &LimitedWriter{W: &stdout, N: e.maxOutputBytes}
		cmd.Stdout = limited
	}
	cmd.Stderr = &LimitedWriter{W: &stderr, N: e.maxOutputBytes}

	e.logger.Debug("exec", "tool", binPath, "args", strings.Join(c.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Tool, err)
	}
	raw := &RawOutput{PID: cmd.Process.Pid}

	// exited is closed once Wait returns so the signal goroutine can
	// observe exit without consuming the wait error.
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		done <- err
		close(exited)
	}()

	var window <-chan time.Time
	if c.Window > 0 {
		timer := time.NewTimer(c.Window)
		defer timer.Stop()
		window = timer.C
	}

	var stopped, interrupted atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
		case <-window:
			stopped.Store(true)
		case <-exited:
			return
		}
		e.terminate(cmd.Process, exited)
	}()

	waitErr := <-done

	raw.Stdout = stdout.String()
	raw.Stderr = stderr.String()
	raw.Duration = time.Since(start)
	raw.Stopped = stopped.Load()
	raw.Interrupted = interrupted.Load()
	if cmd.ProcessState != nil {
		raw.ExitCode = cmd.ProcessState.ExitCode()
	}
	if limited != nil && limited.Truncated {
		raw.Truncated = true
	}

	if raw.Interrupted {
		e.logger.Warn("tool interrupted before it finished", "tool", c.Tool, "pid", raw.PID,
			"elapsed", raw.Duration.Round(time.Millisecond))
		return raw, nil
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			return raw, nil
		}
		return nil, fmt.Errorf("execute %s: %w", c.Tool, waitErr)
	}
	return raw, nil
}

// terminate sends SIGINT to the process group and escalates to SIGKILL
// if the tool has not exited after the grace period.
func (e *ToolExecutor) terminate(p *os.Process, exited <-chan struct{}) {
	pgid := p.Pid
	if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil {
		_ = p.Signal(syscall.SIGINT)
	}
	select {
	case <-exited:
	case <-time.After(e.grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		_ = p.Signal(os.Kill)
	}
}

// Available checks if a tool binary exists in allowed paths.
func (e *ToolExecutor) Available(tool string) bool {
	_, err := e.security.ResolveBinary(tool)
	return err == nil
}

// LimitedWriter wraps a writer with a byte limit.
type LimitedWriter struct {
	W         *bytes.Buffer
	N         int64
	written   int64
	Truncated bool
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.N {
		lw.Truncated = true
		// exec.Cmd treats a short write as a broken pipe.
		return len(p), nil
	}
	remaining := lw.N - lw.written
	if int64(len(p)) > remaining {
		n, err := lw.W.Write(p[:remaining])
		lw.written += int64(n)
		lw.Truncated = true
		return len(p), err
	}
	n, err := lw.W.Write(p)
	lw.written += int64(n)
	return n, err
}
