package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrUnknownCall     = errors.New("unknown call handle")
	ErrUnknownAccount  = errors.New("unknown account handle")
	ErrInvalidState    = errors.New("invalid call state for operation")
	ErrMediaKind       = errors.New("media stream is not audio")
	ErrMediaOutOfRange = errors.New("media index out of range")
)

// Error is a failure reported by the signaling stack for one operation.
type Error struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: %d %s", msg, e.StatusCode, e.Reason)
	} else if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a failure of op.
func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// NewStatusError reports a protocol status for op.
func NewStatusError(op string, code int, reason string) *Error {
	return &Error{Op: op, StatusCode: code, Reason: reason}
}
