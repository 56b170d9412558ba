// Package analyzer runs the external image analyzer as a child process and
// bounds how many analyzers run at once.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultWaitDelay bounds how long Wait keeps reading output pipes after the
// child has exited or been killed.
const DefaultWaitDelay = 5 * time.Second

// ErrLaunch matches every *LaunchError via errors.Is.
var ErrLaunch = errors.New("analyzer could not be launched")

// LaunchError reports that the analyzer process never started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching analyzer %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// Command describes the analyzer executable. Args is a fixed prefix; the
// input path and output directory are appended on every invocation.
type Command struct {
	Path      string
	Args      []string
	Env       []string
	Timeout   time.Duration
	WaitDelay time.Duration
}

// Outcome is the result of one analyzer run. A non-zero exit is a normal
// outcome. ExitCode is -1 when the process was killed.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Started  time.Time
	Stopped  time.Time
}

// Duration is the wall time the process ran.
func (o Outcome) Duration() time.Duration {
	return o.Stopped.Sub(o.Started)
}

// Invoker launches the analyzer for one input at a time. It is safe for
// concurrent use; each Invoke spawns its own process.
type Invoker struct {
	cmd Command
}

// NewInvoker returns an Invoker for cmd.
func NewInvoker(cmd Command) *Invoker {
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	cmd.Args = append([]string(nil), cmd.Args...)
	cmd.Env = append([]string(nil), cmd.Env...)
	return &Invoker{cmd: cmd}
}

// Command returns a copy of the configured command.
func (i *Invoker) Command() Command {
	c := i.cmd
	c.Args = append([]string(nil), c.Args...)
	c.Env = append([]string(nil), c.Env...)
	return c
}

// Check resolves the analyzer executable without running it.
func (i *Invoker) Check() error {
	if _, err := exec.LookPath(i.cmd.Path); err != nil {
		return &LaunchError{Path: i.cmd.Path, Err: err}
	}
	return nil
}

// Invoke runs the analyzer on input, writing artifacts into outDir, and
// blocks until it exits or the timeout kills it. Stdout and stderr are
// captured in full. The only error returned is a *LaunchError.
func (i *Invoker) Invoke(ctx context.Context, input, outDir string) (Outcome, error) {
	runCtx := ctx
	if i.cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.cmd.Timeout)
		defer cancel()
	} else {
		slog.WarnContext(ctx, "analyzer has no timeout", "path", i.cmd.Path)
	}

	args := make([]string, 0, len(i.cmd.Args)+2)
	args = append(args, i.cmd.Args...)
	args = append(args, input, outDir)

	cmd := exec.CommandContext(runCtx, i.cmd.Path, args...)
	if len(i.cmd.Env) > 0 {
		cmd.Env = append(os.Environ(), i.cmd.Env...)
	}
	var killSent atomic.Bool
	cmd.Cancel = func() error {
		err := cmd.Process.Kill()
		if err == nil {
			killSent.Store(true)
		}
		return err
	}
	cmd.WaitDelay = i.cmd.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := Outcome{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return Outcome{}, &LaunchError{Path: i.cmd.Path, Err: err}
	}

	waitErr := cmd.Wait()
	out.Stopped = time.Now().UTC()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	out.ExitCode, out.TimedOut = classifyExit(cmd.ProcessState, killSent.Load(), runCtx.Err(), ctx.Err())

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			slog.WarnContext(ctx, "analyzer wait", "path", i.cmd.Path, "error", waitErr)
		}
	}

	return out, nil
}

// classifyExit derives the exit code and timeout flag from how the process
// actually ended. A run counts as timed out only when our kill reached the
// process and the deadline, not the parent context, triggered it; a child
// that exited on its own keeps its exit code even if the deadline passed
// while Wait was returning.
func classifyExit(ps *os.ProcessState, killSent bool, runErr, parentErr error) (int, bool) {
	if ps == nil {
		return -1, false
	}
	if !killSent || !killedBySignal(ps) {
		return ps.ExitCode(), false
	}
	return -1, errors.Is(runErr, context.DeadlineExceeded) && parentErr == nil
}

func killedBySignal(ps *os.ProcessState) bool {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
