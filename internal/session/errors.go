package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSessionInactive  = errors.New("session inactive")
	ErrNotFound         = errors.New("not found")
)

// OpError records the operation and session an error came from.
type OpError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, id string, err error) error {
	return &OpError{Op: op, SessionID: id, Err: err}
}
