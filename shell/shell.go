// Package shell launches host CLI tools on behalf of the agent.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Cmd describes one invocation of a host tool.
type Cmd struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the agent's working directory.
	Dir string

	// Interactive attaches the agent's terminal to the child. Used for package
	// manager installs, which may ask for a sudo password.
	Interactive bool

	// DiscardStdout drops the child's stdout. Only honored by Start.
	DiscardStdout bool
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes host commands. Output waits for completion; Start leaves the
// child running.
type Runner interface {
	Output(ctx context.Context, cmd Cmd) ([]byte, error)
	Start(cmd Cmd) (Process, error)
}

// Process is a child left running by Runner.Start.
type Process interface {
	Stop() error
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Cmd      Cmd
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("`%s` exited with status %d", e.Cmd.String(), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// AsExitError unwraps err into an *ExitError.
func AsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

// Exec is the production Runner backed by os/exec.
type Exec struct{}

func (Exec) Output(ctx context.Context, cmd Cmd) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	if cmd.Interactive {
		c.Stdin = os.Stdin
		c.Stdout = io.MultiWriter(os.Stdout, &stdout)
		c.Stderr = io.MultiWriter(os.Stderr, &stderr)
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Cmd: cmd, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, errors.Wrapf(err, "could not launch %s", cmd.Name)
	}
	return stdout.Bytes(), nil
}

func (Exec) Start(cmd Cmd) (Process, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if !cmd.DiscardStdout {
		c.Stdout = os.Stdout
	}
	c.Stderr = os.Stderr

	if err := c.Start(); err != nil {
		return nil, errors.Wrapf(err, "could not start %s", cmd.Name)
	}

	// Reap the child so it does not linger as a zombie once it exits.
	go func() { _ = c.Wait() }()

	return execProcess{c.Process}, nil
}

type execProcess struct {
	p *os.Process
}

func (p execProcess) Stop() error {
	return p.p.Kill()
}
