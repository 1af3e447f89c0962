package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	// ErrInvalidArgument marks requests rejected before anything ran.
	ErrInvalidArgument = errors.New("invalid execution request")
	// ErrUnsupportedLanguage is an ErrInvalidArgument for unknown runtimes.
	ErrUnsupportedLanguage = fmt.Errorf("%w: unsupported language", ErrInvalidArgument)
	// ErrSandboxFault marks host-side failures (temp dir, interpreter
	// launch, container runtime). Callers may retry.
	ErrSandboxFault = errors.New("sandbox fault")
	// ErrClosed is returned once the backend has been shut down.
	ErrClosed = fmt.Errorf("%w: backend closed", ErrSandboxFault)
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// fault wraps a host failure so that errors.Is(err, ErrSandboxFault) holds.
func fault(execID, op string, err error) error {
	if errors.Is(err, ErrSandboxFault) {
		return &ExecutionError{ExecID: execID, Op: op, Err: err}
	}
	return &ExecutionError{ExecID: execID, Op: op, Err: fmt.Errorf("%w: %w", ErrSandboxFault, err)}
}

// IsFault reports whether err is a retryable host-side failure.
func IsFault(err error) bool {
	return errors.Is(err, ErrSandboxFault)
}

// IsInvalid reports whether err rejects the request itself.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
