// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"sync"

	"github.com/agentoven/dispatcher/internal/process"
)

// Response is what FakeRunner returns for one call.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// FakeRunner records every command and answers from a handler or a fixed
// response list. Safe for concurrent use.
type FakeRunner struct {
	mu        sync.Mutex
	responses []Response
	calls     []process.Command

	// Handler, when set, answers every call and overrides the queue.
	Handler func(ctx context.Context, cmd process.Command) Response
}

// NewFakeRunner queues responses returned in order. The last one repeats.
func NewFakeRunner(responses ...Response) *FakeRunner {
	return &FakeRunner{responses: responses}
}

// Run implements process.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var resp Response
	switch {
	case f.Handler != nil:
	case len(f.responses) > 1:
		resp = f.responses[0]
		f.responses = f.responses[1:]
	case len(f.responses) == 1:
		resp = f.responses[0]
	}
	handler := f.Handler
	f.mu.Unlock()

	if handler != nil {
		resp = handler(ctx, cmd)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &process.Result{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}, nil
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]process.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// LastCall returns the most recent command, or the zero value.
func (f *FakeRunner) LastCall() process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return process.Command{}
	}
	return f.calls[len(f.calls)-1]
}
