// Package bootstrap defines how a failed bootstrap step ends the process.
package bootstrap

import (
	"fmt"

	"github.com/pkg/errors"
)

// ExitError ends bootstrap. Code 0 means the operator chose to stop or the host
// is unsupported; any other code is a hard failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Stop ends bootstrap with exit code 0.
func Stop(message string) *ExitError {
	return &ExitError{Code: 0, Message: message}
}

// Fatal ends bootstrap with exit code 1.
func Fatal(err error, message string) *ExitError {
	return &ExitError{Code: 1, Message: message, Err: err}
}

// AsExitError unwraps err into an *ExitError.
func AsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

// ExitCode maps a bootstrap error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := AsExitError(err); ok {
		return exitErr.Code
	}
	return 1
}
