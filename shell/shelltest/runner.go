// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/tynkerbase/tynkerbase-agent/shell"
)

// HandlerFunc answers one command.
type HandlerFunc func(cmd shell.Cmd) ([]byte, error)

// Runner records every command and answers it with Handler. A nil Handler
// succeeds with empty output.
type Runner struct {
	Handler HandlerFunc

	mu      sync.Mutex
	calls   []shell.Cmd
	started []*Process
}

func (r *Runner) Output(ctx context.Context, cmd shell.Cmd) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	handler := r.Handler
	r.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	return handler(cmd)
}

func (r *Runner) Start(cmd shell.Cmd) (shell.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	handler := r.Handler
	r.mu.Unlock()

	if handler != nil {
		if _, err := handler(cmd); err != nil {
			return nil, err
		}
	}

	p := &Process{Cmd: cmd}
	r.mu.Lock()
	r.started = append(r.started, p)
	r.mu.Unlock()
	return p, nil
}

// Calls returns every command seen so far, rendered as a single string.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns every command seen so far.
func (r *Runner) Commands() []shell.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shell.Cmd(nil), r.calls...)
}

// Started returns the processes handed out by Start.
func (r *Runner) Started() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.started...)
}

// Process is a fake long-running child.
type Process struct {
	Cmd     shell.Cmd
	stopped bool
	mu      sync.Mutex
}

func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Fail builds the error a command returns when it exits with code 1.
func Fail(cmd shell.Cmd, stderr string) error {
	return &shell.ExitError{Cmd: cmd, ExitCode: 1, Stderr: stderr}
}

// Is reports whether cmd renders to the given command line.
func Is(cmd shell.Cmd, line string) bool {
	return cmd.String() == line
}

// HasPrefix reports whether cmd's command line starts with prefix.
func HasPrefix(cmd shell.Cmd, prefix string) bool {
	return strings.HasPrefix(cmd.String(), prefix)
}
