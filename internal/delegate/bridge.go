package delegate

import (
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/callerr"
	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/event"
)

// Bridge is the single path from the call manager to the host delegate. It
// converts internal outcomes to notifications and keeps a misbehaving
// delegate from taking the worker down with it.
type Bridge struct {
	host Delegate
	log  *logrus.Entry
}

// NewBridge wraps host. A nil host discards notifications.
func NewBridge(host Delegate, log *logrus.Entry) *Bridge {
	if host == nil {
		host = Funcs{}
	}
	return &Bridge{host: host, log: log}
}

// CallState reports a lifecycle change of callID.
func (b *Bridge) CallState(callID string, state engine.InvState, stateName string) {
	b.log.WithField("call_id", callID).Infof("state %s (%d)", stateName, int(state))
	b.deliver("OnCallStateChanged", func() {
		b.host.OnCallStateChanged(callID, int(state), stateName)
	})
}

// TransferStatus reports transfer progress; only a 200 counts as success.
func (b *Bridge) TransferStatus(callID string, statusCode int) {
	success := statusCode == engine.StatusOK
	b.log.WithField("call_id", callID).Infof("transfer status %d (success=%v)", statusCode, success)
	b.deliver("OnTransferStatusChanged", func() {
		b.host.OnTransferStatusChanged(callID, success)
	})
}

// FeatureToggled reports a hold or mute change.
func (b *Bridge) FeatureToggled(callID, feature string, status bool) {
	b.log.WithField("call_id", callID).Infof("%s -> %v", feature, status)
	b.deliver("OnCallFeatureToggled", func() {
		b.host.OnCallFeatureToggled(callID, feature, status)
	})
}

// Raise reports err as an exception for the action that caused it.
func (b *Bridge) Raise(callID string, action event.Action, err error) {
	kind := callerr.Classify(err)
	msg := callerr.Message(err)
	entry := b.log.WithFields(logrus.Fields{
		"call_id": callID,
		"action":  action.String(),
		"kind":    kind.String(),
	})
	if kind == callerr.KindUnexpected {
		entry.Errorf("operation failed: %v", err)
	} else {
		entry.Warnf("operation failed: %v", err)
	}
	b.deliver("OnExceptionRaised", func() {
		b.host.OnExceptionRaised(callID, action, msg)
	})
}

func (b *Bridge) deliver(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("delegate %s panicked: %v", name, r)
		}
	}()
	fn()
}
