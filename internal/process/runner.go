// Package process runs external executables with captured output under a
// deadline. The dispatcher and the semantic CLI backend both go through the
// Runner interface so tests can substitute a fake.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod is how long a process gets between the interrupt signal
// and a hard kill once its context is done.
const DefaultGracePeriod = 3 * time.Second

// ErrTimeout is returned when the context deadline expired before the
// process exited. The process has been terminated.
var ErrTimeout = errors.New("process timed out")

// SpawnError wraps a failure to start the executable (missing binary,
// permission denied, bad working directory).
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Command describes one invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment
}

// Result is the captured outcome of a process that ran to exit.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes a command and waits for it. A non-zero exit is not an
// error: it is reported through Result.ExitCode. Errors are reserved for
// spawn failures (*SpawnError), timeouts (ErrTimeout) and cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	GracePeriod time.Duration
}

// NewExecRunner creates a runner with the default grace period.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{GracePeriod: DefaultGracePeriod}
}

// Run starts the command and blocks until it exits or ctx is done. On
// deadline the process receives an interrupt, then a kill after the grace
// period.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: c.Name, Err: err}
	}

	log.Debug().
		Str("name", c.Name).
		Int("pid", cmd.Process.Pid).
		Str("dir", c.Dir).
		Msg("Process started")

	waitErr := cmd.Wait()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			log.Warn().
				Str("name", c.Name).
				Dur("elapsed", res.Duration).
				Msg("Process exceeded deadline, terminated")
			return nil, ErrTimeout
		}
		return nil, ctxErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("wait %s: %w", c.Name, waitErr)
	}
	return res, nil
}

// LookPath reports whether the named executable resolves on PATH.
func LookPath(name string) (string, bool) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return p, true
}
