package service

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the stack services matches exactly one of
// ErrValidation, ErrNotFound, ErrDocker or ErrFileSystem under errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("stack not found")
	ErrDocker     = errors.New("container runtime error")
	ErrFileSystem = errors.New("filesystem error")

	// ErrCapacity and ErrInvalidStatus refine ErrValidation.
	ErrCapacity      = fmt.Errorf("%w: capacity reached", ErrValidation)
	ErrInvalidStatus = fmt.Errorf("%w: invalid status", ErrValidation)
)

// StackError carries the context of a failed stack operation.
type StackError struct {
	Op       string // "create", "start", "stop", "delete", "list", "get", "template"
	StackID  int    // 0 when no stack is involved
	Kind     error  // one of the kinds above
	Message  string // safe to show to API clients
	Stderr   string // captured runtime stderr, may be empty
	ExitCode int    // runtime exit code, 0 when not applicable
	Err      error  // underlying cause, may be nil
}

func (e *StackError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	msg = e.Op + ": " + msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StackError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationErr(op string, id int, msg string) *StackError {
	return &StackError{Op: op, StackID: id, Kind: ErrValidation, Message: msg}
}

func notFoundErr(op string, id int) *StackError {
	return &StackError{Op: op, StackID: id, Kind: ErrNotFound, Message: fmt.Sprintf("stack %d does not exist", id)}
}

func fsErr(op string, id int, msg string, err error) *StackError {
	return &StackError{Op: op, StackID: id, Kind: ErrFileSystem, Message: msg, Err: err}
}
