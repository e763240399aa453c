package calls

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/account"
	"github.com/dense-identity/callctl/internal/callerr"
	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/event"
)

// StateMachine applies engine callbacks to the registry. Every method runs
// on the worker.
type StateMachine struct {
	reg      *Registry
	eng      engine.Engine
	bridge   *delegate.Bridge
	accounts *account.Manager
	log      *logrus.Entry
}

// NewStateMachine wires a state machine over its collaborators.
func NewStateMachine(reg *Registry, eng engine.Engine, bridge *delegate.Bridge, accounts *account.Manager, log *logrus.Entry) *StateMachine {
	return &StateMachine{
		reg:      reg,
		eng:      eng,
		bridge:   bridge,
		accounts: accounts,
		log:      log,
	}
}

// HandleCallState records a lifecycle change and notifies the host. On
// DISCONNECTED the call is removed after the notification went out, and its
// ad-hoc account is released.
func (sm *StateMachine) HandleCallState(h engine.CallHandle, info engine.CallInfo) {
	c, ok := sm.reg.LookupHandle(h)
	if !ok {
		sm.lateCallback(h, info)
		return
	}

	if rank(info.State) < rank(c.State) {
		sm.log.WithField("call_id", c.ID).Warnf("state went backwards: %s -> %s", c.State, info.State)
	}
	c.State = info.State
	c.StateName = info.StateName()
	if info.RemoteURI != "" {
		c.RemoteURI = info.RemoteURI
	}

	sm.bridge.CallState(c.ID, c.State, c.StateName)

	if c.State != engine.StateDisconnected {
		return
	}
	if sm.reg.removeOnTerminal(c) {
		sm.accounts.ReleaseFor(c.ID)
		sm.log.WithFields(logrus.Fields{
			"call_id": c.ID,
			"code":    info.LastStatusCode,
		}).Info("call removed")
	}
}

func (sm *StateMachine) lateCallback(h engine.CallHandle, info engine.CallInfo) {
	id, ok := sm.reg.Removed(h)
	if !ok {
		sm.log.Warnf("state %s for unknown call handle %s", info.State, h)
		return
	}
	if info.State == engine.StateDisconnected {
		sm.bridge.Raise(id, event.HangupCall, callerr.CallNotFound(id))
		return
	}
	sm.log.WithField("call_id", id).Debugf("dropping state %s for removed call", info.State)
}

// HandleMediaState wires audio for the call's active streams. It produces no
// notification.
func (sm *StateMachine) HandleMediaState(h engine.CallHandle, info engine.CallInfo) {
	c, ok := sm.reg.LookupHandle(h)
	if !ok {
		sm.log.Debugf("media update for unknown call handle %s", h)
		return
	}
	c.Media = append(c.Media[:0], info.Media...)
	entry := sm.log.WithField("call_id", c.ID)

	for _, m := range info.Media {
		if m.Kind != engine.MediaAudio {
			continue
		}
		if m.Status != engine.MediaActive && m.Status != engine.MediaRemoteHold {
			continue
		}
		if err := sm.eng.ConnectPlayback(h, m.Index); err != nil {
			entry.Warnf("connecting playback to stream %d: %v", m.Index, err)
			continue
		}
		if c.Muted {
			entry.Debugf("stream %d muted, capture left disconnected", m.Index)
			continue
		}
		if err := sm.eng.StartTransmit(h, m.Index); err != nil {
			entry.Warnf("connecting capture to stream %d: %v", m.Index, err)
		}
	}
}

// HandleTransferStatus forwards transfer progress to the host.
func (sm *StateMachine) HandleTransferStatus(h engine.CallHandle, status engine.TransferStatus) {
	c, ok := sm.reg.LookupHandle(h)
	if !ok {
		sm.log.Warnf("transfer status %d for unknown call handle %s", status.StatusCode, h)
		return
	}
	sm.bridge.TransferStatus(c.ID, status.StatusCode)
}

// HandleIncoming registers an offered call under its SIP Call-ID and
// notifies INCOMING. Offers on accounts the manager does not own are
// declined.
func (sm *StateMachine) HandleIncoming(acc engine.AccountHandle, h engine.CallHandle, info engine.CallInfo) {
	id := info.SIPCallID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := sm.accounts.ByHandle(acc); !ok {
		sm.log.WithField("call_id", id).Warnf("declining incoming call on unmanaged account %s", acc)
		if err := sm.eng.Hangup(h, engine.CallOptions{StatusCode: engine.StatusDecline}); err != nil {
			sm.log.WithField("call_id", id).Debugf("decline failed: %v", err)
		}
		sm.bridge.Raise(id, event.AnswerCall, callerr.MissingAccount(acc))
		return
	}

	c := NewCall(id, acc, h, Incoming, info.RemoteURI)
	c.State = engine.StateIncoming
	c.StateName = engine.StateIncoming.String()
	c.Media = append([]engine.Media(nil), info.Media...)
	if err := sm.reg.Register(c); err != nil {
		sm.bridge.Raise(id, event.AnswerCall, err)
		return
	}
	sm.log.WithFields(logrus.Fields{"call_id": id, "remote": info.RemoteURI}).Info("incoming call")
	sm.bridge.CallState(c.ID, c.State, c.StateName)
}

// HandleRegState logs registration outcomes.
func (sm *StateMachine) HandleRegState(acc engine.AccountHandle, status engine.RegStatus) {
	entry := sm.log.WithField("account", string(acc))
	if a, ok := sm.accounts.ByHandle(acc); ok {
		entry = sm.log.WithField("account", a.IDURI)
	}
	if status.StatusCode >= 300 {
		entry.Warnf("registration failed: %d %s", status.StatusCode, status.Reason)
		return
	}
	entry.Infof("registration %d %s (active=%v)", status.StatusCode, status.Reason, status.Active)
}

// SetMuted toggles capture on every active audio stream of c. Streams that
// turn out not to be audio are skipped.
func (sm *StateMachine) SetMuted(c *Call, muted bool) error {
	entry := sm.log.WithField("call_id", c.ID)
	for _, m := range c.Media {
		if m.Kind != engine.MediaAudio || m.Status != engine.MediaActive {
			continue
		}
		var err error
		if muted {
			err = sm.eng.StopTransmit(c.Handle, m.Index)
		} else {
			err = sm.eng.StartTransmit(c.Handle, m.Index)
		}
		if errors.Is(err, engine.ErrMediaKind) {
			entry.Infof("stream %d is not audio, skipped", m.Index)
			continue
		}
		if err != nil {
			return err
		}
	}
	c.Muted = muted
	return nil
}
