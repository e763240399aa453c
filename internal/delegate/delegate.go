// Package delegate carries call-manager outcomes to the host.
package delegate

import "github.com/dense-identity/callctl/internal/event"

// Feature names reported by OnCallFeatureToggled.
const (
	FeatureHold = "TOGGLE_HOLD"
	FeatureMute = "TOGGLE_MUTE"
)

// Delegate is implemented by hosts to receive notifications. Calls arrive on
// the call manager's worker goroutine; implementations must not block for
// long and must not call back into the manager synchronously.
type Delegate interface {
	OnCallStateChanged(callID string, state int, stateName string)
	OnTransferStatusChanged(callID string, success bool)
	OnCallFeatureToggled(callID string, feature string, status bool)
	OnExceptionRaised(callID string, action event.Action, message string)
}

// Funcs adapts plain functions to Delegate. Nil fields are ignored.
type Funcs struct {
	CallStateChanged      func(callID string, state int, stateName string)
	TransferStatusChanged func(callID string, success bool)
	CallFeatureToggled    func(callID string, feature string, status bool)
	ExceptionRaised       func(callID string, action event.Action, message string)
}

func (f Funcs) OnCallStateChanged(callID string, state int, stateName string) {
	if f.CallStateChanged != nil {
		f.CallStateChanged(callID, state, stateName)
	}
}

func (f Funcs) OnTransferStatusChanged(callID string, success bool) {
	if f.TransferStatusChanged != nil {
		f.TransferStatusChanged(callID, success)
	}
}

func (f Funcs) OnCallFeatureToggled(callID string, feature string, status bool) {
	if f.CallFeatureToggled != nil {
		f.CallFeatureToggled(callID, feature, status)
	}
}

func (f Funcs) OnExceptionRaised(callID string, action event.Action, message string) {
	if f.ExceptionRaised != nil {
		f.ExceptionRaised(callID, action, message)
	}
}

// Fanout delivers every notification to each delegate in order.
type Fanout []Delegate

func (f Fanout) OnCallStateChanged(callID string, state int, stateName string) {
	for _, d := range f {
		d.OnCallStateChanged(callID, state, stateName)
	}
}

func (f Fanout) OnTransferStatusChanged(callID string, success bool) {
	for _, d := range f {
		d.OnTransferStatusChanged(callID, success)
	}
}

func (f Fanout) OnCallFeatureToggled(callID string, feature string, status bool) {
	for _, d := range f {
		d.OnCallFeatureToggled(callID, feature, status)
	}
}

func (f Fanout) OnExceptionRaised(callID string, action event.Action, message string) {
	for _, d := range f {
		d.OnExceptionRaised(callID, action, message)
	}
}
