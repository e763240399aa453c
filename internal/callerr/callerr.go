// Package callerr classifies failures of call-control operations into the
// categories hosts are told about.
package callerr

import (
	"errors"
	"fmt"

	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/event"
)

// Kind is the category of a failure.
type Kind int

const (
	KindUnexpected Kind = iota
	KindResolution
	KindInvalid
	KindEngine
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindInvalid:
		return "invalid"
	case KindEngine:
		return "engine"
	default:
		return "unexpected"
	}
}

// GenericMessage is what hosts see for failures that are not classified.
const GenericMessage = "An unexpected error occurred."

var (
	ErrCallNotFound     = errors.New("call not found")
	ErrDuplicateCall    = errors.New("duplicate identifier")
	ErrNoDefaultAccount = errors.New("no default account")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrMissingAccount   = errors.New("missing account")
)

// Error is a classified failure. Msg is the text shown to the host.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CallNotFound reports that no call is registered under callID.
func CallNotFound(callID string) error {
	return &Error{
		Kind: KindResolution,
		Msg:  fmt.Sprintf("Call with ID %s not found.", callID),
		Err:  ErrCallNotFound,
	}
}

// DuplicateCall reports a second registration under callID.
func DuplicateCall(callID string) error {
	return &Error{
		Kind: KindResolution,
		Msg:  fmt.Sprintf("Call with ID %s already exists.", callID),
		Err:  ErrDuplicateCall,
	}
}

// NoDefaultAccount reports that an operation needed the default account
// before one was set.
func NoDefaultAccount() error {
	return &Error{
		Kind: KindResolution,
		Msg:  "Set a default account first or supply account credentials.",
		Err:  ErrNoDefaultAccount,
	}
}

// NoIncomingCall reports an answer request with nothing to answer.
func NoIncomingCall(callID string) error {
	return &Error{
		Kind: KindResolution,
		Msg:  "No incoming call to answer.",
		Err:  fmt.Errorf("%w: %s", ErrNoIncomingCall, callID),
	}
}

// MissingAccount reports that an engine callback named an account the
// manager does not know.
func MissingAccount(acc engine.AccountHandle) error {
	return &Error{
		Kind: KindResolution,
		Msg:  fmt.Sprintf("Account %s not found.", acc),
		Err:  ErrMissingAccount,
	}
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return KindEngine
	}
	if errors.Is(err, event.ErrInvalidPayload) {
		return KindInvalid
	}
	return KindUnexpected
}

// Message returns the host-facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindUnexpected:
		return GenericMessage
	case KindResolution:
		var ce *Error
		if errors.As(err, &ce) {
			return ce.Msg
		}
	}
	return err.Error()
}
