package loopback

import (
	"sort"

	"github.com/google/uuid"

	"github.com/dense-identity/callctl/internal/engine"
)

// CallView is what the loopback engine recorded about one call.
type CallView struct {
	Account      engine.AccountHandle
	Dest         string
	Incoming     bool
	Info         engine.CallInfo
	Held         bool
	Transmitting []int
	Playback     []int
	DTMF         []string
	Headers      []engine.Header
	Transfers    []string
	HangupCode   int
}

// InjectIncoming simulates an INVITE arriving for acc. sipCallID becomes the
// protocol Call-ID of the new call; an empty one is generated.
func (e *Engine) InjectIncoming(acc engine.AccountHandle, sipCallID, remoteURI string) (engine.CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return "", engine.NewError("incoming call", engine.ErrNotInitialized)
	}
	if _, ok := e.accounts[acc]; !ok {
		return "", engine.NewError("incoming call", engine.ErrUnknownAccount)
	}
	if sipCallID == "" {
		sipCallID = uuid.NewString()
	}
	h := engine.CallHandle(uuid.NewString())
	c := &call{
		acc:      acc,
		dest:     remoteURI,
		incoming: true,
		transmit: make(map[int]bool),
		playback: make(map[int]bool),
		info: engine.CallInfo{
			SIPCallID: sipCallID,
			RemoteURI: remoteURI,
			State:     engine.StateIncoming,
			StateText: engine.StateIncoming.String(),
			Media:     e.mediaLayout(engine.CallOptions{}),
		},
	}
	e.calls[h] = c
	info := copyInfo(c.info)
	e.emitLocked(func(hd engine.Handler) { hd.OnIncomingCall(acc, h, info) })
	return h, nil
}

// Progress moves a call to state as if the remote side had done so. Moving
// to CONFIRMED also activates the media.
func (e *Engine) Progress(h engine.CallHandle, state engine.InvState, code int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("progress", engine.ErrUnknownCall)
	}
	if state == engine.StateConfirmed {
		e.confirmLocked(h, c)
		return nil
	}
	e.setStateLocked(h, c, state, code, reason)
	return nil
}

// RemoteHold flips the media of a confirmed call to remote hold, or back to
// active.
func (e *Engine) RemoteHold(h engine.CallHandle, held bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("remote hold", engine.ErrUnknownCall)
	}
	status := engine.MediaActive
	if held {
		status = engine.MediaRemoteHold
	}
	for i := range c.info.Media {
		c.info.Media[i].Status = status
	}
	info := copyInfo(c.info)
	e.emitLocked(func(hd engine.Handler) { hd.OnCallMediaState(h, info) })
	return nil
}

// RemoteHangup ends a call from the far side.
func (e *Engine) RemoteHangup(h engine.CallHandle, code int, reason string) error {
	return e.Progress(h, engine.StateDisconnected, code, reason)
}

// Call returns what the engine recorded about h.
func (e *Engine) Call(h engine.CallHandle) (CallView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[h]
	if !ok {
		return CallView{}, false
	}
	return CallView{
		Account:      c.acc,
		Dest:         c.dest,
		Incoming:     c.incoming,
		Info:         copyInfo(c.info),
		Held:         c.held,
		Transmitting: activeStreams(c.transmit),
		Playback:     activeStreams(c.playback),
		DTMF:         append([]string(nil), c.dtmf...),
		Headers:      append([]engine.Header(nil), c.headers...),
		Transfers:    append([]string(nil), c.transfers...),
		HangupCode:   c.hangup,
	}, true
}

// CallBySIPID finds a call by its protocol Call-ID.
func (e *Engine) CallBySIPID(sipCallID string) (engine.CallHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h, c := range e.calls {
		if c.info.SIPCallID == sipCallID {
			return h, true
		}
	}
	return "", false
}

// Calls returns the handles of every call the engine has seen.
func (e *Engine) Calls() []engine.CallHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.CallHandle, 0, len(e.calls))
	for h := range e.calls {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Account returns the configuration of acc and whether it is the default.
func (e *Engine) Account(acc engine.AccountHandle) (cfg engine.AccountConfig, isDefault, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[acc]
	if !ok {
		return engine.AccountConfig{}, false, false
	}
	return a.cfg, a.isDefault, true
}

// Registered reports whether a REGISTER was sent for acc.
func (e *Engine) Registered(acc engine.AccountHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[acc]
	return ok && a.registered
}

// AccountCount returns the number of live accounts.
func (e *Engine) AccountCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.accounts)
}

func activeStreams(m map[int]bool) []int {
	var out []int
	for idx, on := range m {
		if on {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}
