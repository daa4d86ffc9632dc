package worker

import (
	"errors"
	"fmt"
)

// ErrWorkerExited fails every call pending when the worker process goes away.
var ErrWorkerExited = errors.New("worker: process exited")

// ErrProtocolVersion is returned when the worker's hello announces another version.
var ErrProtocolVersion = errors.New("worker: protocol version mismatch")

// RemoteError is a failure reported by the worker in a response.
type RemoteError struct {
	Op      MessageType
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("worker %s: %s", e.Op, e.Message) }

// dependencyUnavailableError signals the runtime was not built into this binary
// so callers can report 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err, or a RemoteError relaying it,
// indicates a missing runtime.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	if errors.As(err, &d) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Message == errLlamaNotBuilt
}

const errLlamaNotBuilt = "llama support not built (missing 'llama' build tag)"

// exitError wraps ErrWorkerExited with the process status and stderr tail.
func exitError(cause error, tail string) error {
	switch {
	case cause != nil && tail != "":
		return fmt.Errorf("%w: %v; stderr tail: %s", ErrWorkerExited, cause, tail)
	case cause != nil:
		return fmt.Errorf("%w: %v", ErrWorkerExited, cause)
	case tail != "":
		return fmt.Errorf("%w; stderr tail: %s", ErrWorkerExited, tail)
	}
	return ErrWorkerExited
}
