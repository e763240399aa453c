package baresip

import (
	"github.com/google/uuid"

	"github.com/dense-identity/callctl/internal/engine"
)

func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for ev := range e.client.Events() {
		e.handleEvent(ev)
	}
	select {
	case err, ok := <-e.client.Errors():
		if ok && err != nil {
			e.log.Errorf("event stream ended: %v", err)
			return
		}
	default:
	}
	e.log.Info("event stream closed")
}

func (e *Engine) handleEvent(ev Event) {
	e.log.WithField("type", string(ev.Type)).Debugf("event for %s (id %s)", ev.PeerURI, ev.ID)
	switch ev.Type {
	case EventRegisterOK, EventRegisterFail, EventUnregistering:
		e.handleRegEvent(ev)
	case EventCallIncoming:
		e.handleIncoming(ev)
	default:
		e.handleCallEvent(ev)
	}
}

func (e *Engine) handleRegEvent(ev Event) {
	e.mu.Lock()
	acc, ok := e.byAOR[ev.AccountAOR]
	hd := e.handler
	e.mu.Unlock()
	if !ok {
		e.log.Debugf("registration event for unknown account %s", ev.AccountAOR)
		return
	}
	code, reason := parseStatus(ev.Param)
	status := engine.RegStatus{StatusCode: code, Reason: reason}
	switch ev.Type {
	case EventRegisterOK:
		if status.StatusCode == 0 {
			status.StatusCode = engine.StatusOK
		}
		status.Active = true
	case EventRegisterFail:
		if status.StatusCode == 0 {
			status.StatusCode = 408
		}
	}
	if hd != nil {
		hd.OnRegState(acc, status)
	}
}

func (e *Engine) handleIncoming(ev Event) {
	h := engine.CallHandle(uuid.NewString())
	info := engine.CallInfo{
		SIPCallID: ev.ID,
		RemoteURI: ev.PeerURI,
		State:     engine.StateIncoming,
		StateText: engine.StateIncoming.String(),
		Media:     []engine.Media{{Index: 0, Kind: engine.MediaAudio}},
	}

	e.mu.Lock()
	acc := e.byAOR[ev.AccountAOR]
	e.calls[h] = &callState{id: ev.ID, acc: acc, info: info}
	e.byID[ev.ID] = h
	hd := e.handler
	e.mu.Unlock()

	if hd != nil {
		hd.OnIncomingCall(acc, h, copyInfo(info))
	}
}

// bindLocked finds the call an event belongs to, binding the oldest pending
// outgoing call for the peer when the id is new.
func (e *Engine) bindLocked(ev Event) (engine.CallHandle, *callState, bool) {
	if h, ok := e.byID[ev.ID]; ok {
		return h, e.calls[h], true
	}
	if ev.Direction == "incoming" {
		return "", nil, false
	}
	peer, err := normalizePeer(ev.PeerURI)
	if err != nil {
		return "", nil, false
	}
	queue := e.pendingByPeer[peer]
	if len(queue) == 0 {
		return "", nil, false
	}
	h := queue[0]
	if len(queue) == 1 {
		delete(e.pendingByPeer, peer)
	} else {
		e.pendingByPeer[peer] = queue[1:]
	}
	st, ok := e.calls[h]
	if !ok {
		return "", nil, false
	}
	st.id = ev.ID
	st.info.SIPCallID = ev.ID
	e.byID[ev.ID] = h
	return h, st, true
}

func (e *Engine) handleCallEvent(ev Event) {
	e.mu.Lock()
	h, st, ok := e.bindLocked(ev)
	if !ok {
		e.mu.Unlock()
		e.log.Debugf("%s for untracked call %s", ev.Type, ev.ID)
		return
	}

	var (
		stateChanged bool
		mediaChanged bool
		transfer     *engine.TransferStatus
	)
	setState := func(s engine.InvState, code int, reason string) {
		st.info.State = s
		st.info.StateText = s.String()
		if code > 0 {
			st.info.LastStatusCode = code
			st.info.LastReason = reason
		}
		stateChanged = true
	}
	setMedia := func(status engine.MediaStatus) {
		for i := range st.info.Media {
			st.info.Media[i].Status = status
		}
		mediaChanged = true
	}

	switch ev.Type {
	case EventCallOutgoing:
		setState(engine.StateCalling, 0, "")
	case EventCallRinging:
		setState(engine.StateEarly, 180, "Ringing")
	case EventCallProgress:
		setState(engine.StateEarly, 183, "Session Progress")
	case EventCallAnswered:
		setState(engine.StateConnecting, engine.StatusOK, "OK")
	case EventCallEstablished:
		setState(engine.StateConfirmed, engine.StatusOK, "OK")
		setMedia(engine.MediaActive)
	case EventCallHold:
		setMedia(engine.MediaRemoteHold)
	case EventCallResume:
		setMedia(engine.MediaActive)
	case EventCallTransferFailed:
		if st.transfer {
			code, reason := parseStatus(ev.Param)
			if code == 0 {
				code = 500
			}
			st.transfer = false
			transfer = &engine.TransferStatus{StatusCode: code, Reason: reason, Final: true}
		}
	case EventCallClosed:
		if st.transfer {
			st.transfer = false
			transfer = &engine.TransferStatus{StatusCode: engine.StatusOK, Reason: "OK", Final: true}
		}
		code, reason := parseStatus(ev.Param)
		setMedia(engine.MediaNone)
		mediaChanged = false
		setState(engine.StateDisconnected, code, reason)
		delete(e.calls, h)
		delete(e.byID, ev.ID)
	default:
		e.mu.Unlock()
		e.log.Debugf("ignoring %s", ev.Type)
		return
	}

	info := copyInfo(st.info)
	hd := e.handler
	e.mu.Unlock()
	if hd == nil {
		return
	}
	if transfer != nil {
		hd.OnCallTransferStatus(h, *transfer)
	}
	if stateChanged {
		hd.OnCallState(h, info)
	}
	if mediaChanged {
		hd.OnCallMediaState(h, info)
	}
}
