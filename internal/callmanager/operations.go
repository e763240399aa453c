package callmanager

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/account"
	"github.com/dense-identity/callctl/internal/callerr"
	"github.com/dense-identity/callctl/internal/calls"
	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/event"
)

// Signaling headers attached when answering.
const (
	HeaderChannelID = "X-Channel-Id"
	HeaderMediaAddr = "X-Media-Ipv4-Addr"
)

// dispatch runs one payload on the worker. Every failure, panics included,
// ends up as an exception notification for the payload's call id.
func (m *Manager) dispatch(p event.Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.bridge.Raise(p.CallID, p.Action, fmt.Errorf("panic in %s: %v", p.Action, r))
		}
	}()

	if !p.Action.Known() {
		m.log.Debugf("ignoring payload with unknown action %d", int(p.Action))
		return
	}
	if err := p.Validate(); err != nil {
		m.bridge.Raise(p.CallID, p.Action, err)
		return
	}

	m.log.WithFields(logrus.Fields{"action": p.Action.String(), "call_id": p.CallID}).Debug("dispatching")

	var err error
	switch p.Action {
	case event.MakeCall:
		err = m.makeCall(p)
	case event.AnswerCall:
		err = m.answerCall(p)
	case event.HoldUnholdCall:
		err = m.toggleHold(p)
	case event.HangupCall:
		err = m.hangup(p)
	case event.MuteUnmuteCall:
		err = m.toggleMute(p)
	case event.SendDTMFTone:
		err = m.sendDTMF(p)
	case event.BlindTransferCall:
		err = m.transfer(p)
	case event.SetDefaultAccount:
		_, err = m.accounts.SetDefaultAccount(p.Username, p.Password)
	case event.SetProxy:
		m.accounts.SetProxy(p.DestURI)
	case event.Initialize:
		err = m.initialize()
	}
	if err != nil {
		m.bridge.Raise(p.CallID, p.Action, err)
	}
}

func (m *Manager) initialize() error {
	if m.initialized {
		m.log.Debug("engine already initialized")
		return nil
	}
	if err := m.eng.Init(); err != nil {
		return err
	}
	m.initialized = true
	m.log.Info("engine initialized")
	return nil
}

// outgoingAccount picks the account for an outgoing INVITE. An explicit
// default request wins; otherwise payload credentials make an ad-hoc
// account, and without them the default is used when preferDefault is set.
func (m *Manager) outgoingAccount(p event.Payload, preferDefault bool) (*account.Account, error) {
	if p.UseDefaultAccount || (preferDefault && !p.HasCredentials()) {
		if def := m.accounts.Default(); def != nil {
			return def, nil
		}
		return nil, callerr.NoDefaultAccount()
	}
	if !p.HasCredentials() {
		return nil, callerr.NoDefaultAccount()
	}
	return m.accounts.CreateAdHocAccount(p.CallID, p.Username, p.Password, p.Domain, "")
}

// placeCall sends the INVITE and registers the call. A freshly created ad-hoc
// account is released again when the engine refuses the call.
func (m *Manager) placeCall(p event.Payload, acc *account.Account, opts engine.CallOptions) error {
	h, err := m.eng.MakeCall(acc.Handle, p.DestURI, opts)
	if err != nil {
		m.accounts.ReleaseFor(p.CallID)
		return err
	}
	c := calls.NewCall(p.CallID, acc.Handle, h, calls.Outgoing, p.DestURI)
	if err := m.reg.Register(c); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"call_id": p.CallID, "dest": p.DestURI, "account": acc.IDURI}).Info("call placed")
	return nil
}

func (m *Manager) makeCall(p event.Payload) error {
	if _, err := m.reg.Lookup(p.CallID); err == nil {
		return callerr.DuplicateCall(p.CallID)
	}
	acc, err := m.outgoingAccount(p, false)
	if err != nil {
		return err
	}
	return m.placeCall(p, acc, engine.CallOptions{AudioCount: 1, VideoCount: 0})
}

func answerHeaders(p event.Payload) []engine.Header {
	var hdrs []engine.Header
	if p.ChannelID != "" {
		hdrs = append(hdrs, engine.Header{Name: HeaderChannelID, Value: p.ChannelID})
	}
	if p.MediaAddr != "" {
		hdrs = append(hdrs, engine.Header{Name: HeaderMediaAddr, Value: p.MediaAddr})
	}
	return hdrs
}

// answerCall accepts a ringing incoming call. Without one, a destination in
// the payload turns the answer into a callback INVITE carrying the same
// headers.
func (m *Manager) answerCall(p event.Payload) error {
	hdrs := answerHeaders(p)

	if c, err := m.reg.Lookup(p.CallID); err == nil {
		if !c.Ringing() {
			return fmt.Errorf("call %s is %s: %w", c.ID, c.StateName, callerr.NoIncomingCall(c.ID))
		}
		if err := m.eng.Answer(c.Handle, engine.CallOptions{StatusCode: engine.StatusOK, Headers: hdrs}); err != nil {
			return err
		}
		m.log.WithField("call_id", c.ID).Info("call answered")
		return nil
	}

	if p.DestURI == "" {
		return callerr.NoIncomingCall(p.CallID)
	}
	acc, err := m.outgoingAccount(p, true)
	if err != nil {
		return err
	}
	return m.placeCall(p, acc, engine.CallOptions{AudioCount: 1, Headers: hdrs})
}

func (m *Manager) toggleHold(p event.Payload) error {
	c, err := m.reg.Lookup(p.CallID)
	if err != nil {
		return err
	}
	if p.Toggle {
		err = m.eng.Hold(c.Handle)
	} else {
		err = m.eng.Unhold(c.Handle)
	}
	if err != nil {
		return err
	}
	c.Held = p.Toggle
	m.bridge.FeatureToggled(c.ID, delegate.FeatureHold, p.Toggle)
	return nil
}

func (m *Manager) toggleMute(p event.Payload) error {
	c, err := m.reg.Lookup(p.CallID)
	if err != nil {
		return err
	}
	if err := m.sm.SetMuted(c, p.Toggle); err != nil {
		return err
	}
	m.bridge.FeatureToggled(c.ID, delegate.FeatureMute, p.Toggle)
	return nil
}

func (m *Manager) hangup(p event.Payload) error {
	c, err := m.reg.Lookup(p.CallID)
	if err != nil {
		return err
	}
	return m.eng.Hangup(c.Handle, engine.CallOptions{StatusCode: engine.StatusDecline})
}

func (m *Manager) sendDTMF(p event.Payload) error {
	c, err := m.reg.Lookup(p.CallID)
	if err != nil {
		return err
	}
	return m.eng.DialDTMF(c.Handle, p.DTMFDigits)
}

func (m *Manager) transfer(p event.Payload) error {
	c, err := m.reg.Lookup(p.CallID)
	if err != nil {
		return err
	}
	return m.eng.Transfer(c.Handle, p.TransferDest, engine.CallOptions{})
}
