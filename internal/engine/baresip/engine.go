// Package baresip drives a baresip instance over its ctrl_tcp module and
// presents it as an engine.Engine.
package baresip

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/engine"
)

// Options configures the connection to baresip.
type Options struct {
	Addr    string
	Timeout time.Duration
}

type uaState struct {
	cfg engine.AccountConfig
	aor string
}

type callState struct {
	id       string // baresip call id, empty until bound
	acc      engine.AccountHandle
	peer     string
	info     engine.CallInfo
	muted    bool
	transfer bool
}

// Engine is an engine.Engine backed by baresip. baresip auto-connects call
// audio to the sound devices, so playback wiring is implicit and transmit
// control maps to its per-call mute toggle.
type Engine struct {
	opts Options
	log  *logrus.Entry

	client *Client
	wg     sync.WaitGroup

	mu         sync.Mutex
	handler    engine.Handler
	started    bool
	accounts   map[engine.AccountHandle]*uaState
	byAOR      map[string]engine.AccountHandle
	defaultAcc engine.AccountHandle
	calls      map[engine.CallHandle]*callState
	byID       map[string]engine.CallHandle

	// Outgoing calls exist before baresip tells us their call id. The next
	// call event for a peer binds to the oldest pending call for that peer.
	pendingByPeer map[string][]engine.CallHandle
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine that dials baresip on Init.
func New(opts Options, log *logrus.Entry) *Engine {
	return &Engine{
		opts:          opts,
		log:           log,
		accounts:      make(map[engine.AccountHandle]*uaState),
		byAOR:         make(map[string]engine.AccountHandle),
		calls:         make(map[engine.CallHandle]*callState),
		byID:          make(map[string]engine.CallHandle),
		pendingByPeer: make(map[string][]engine.CallHandle),
	}
}

// NewWithClient creates an engine over an already connected client.
func NewWithClient(c *Client, log *logrus.Entry) *Engine {
	e := New(Options{}, log)
	e.client = c
	return e
}

func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.client == nil {
		c, err := Dial(e.opts.Addr, e.opts.Timeout, e.log)
		if err != nil {
			return engine.NewError("init", err)
		}
		e.client = c
	}
	e.started = true
	e.wg.Add(1)
	go e.eventLoop()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	c := e.client
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	err := c.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Engine) currentHandler() engine.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// command sends cmd and turns transport failures and refusals into
// *engine.Error.
func (e *Engine) command(op, cmd, params string) (*Response, error) {
	e.mu.Lock()
	c, started := e.client, e.started
	e.mu.Unlock()
	if !started {
		return nil, engine.NewError(op, engine.ErrNotInitialized)
	}
	resp, err := c.Command(cmd, params)
	if err != nil {
		return nil, engine.NewError(op, err)
	}
	if !resp.OK {
		code, reason := parseStatus(resp.Data)
		if reason == "" {
			reason = cmd + " refused"
		}
		return nil, &engine.Error{Op: op, StatusCode: code, Reason: reason}
	}
	return resp, nil
}

// BuildAOR renders cfg as a baresip account line.
func BuildAOR(cfg engine.AccountConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s>", cfg.IDURI)
	if len(cfg.Credentials) > 0 {
		cred := cfg.Credentials[0]
		if cred.Username != "" {
			fmt.Fprintf(&sb, ";auth_user=%s", cred.Username)
		}
		if cred.Password != "" {
			fmt.Fprintf(&sb, ";auth_pass=%s", cred.Password)
		}
	}
	for i, p := range cfg.Proxies {
		if i >= 2 {
			break
		}
		name := "outbound"
		if i == 1 {
			name = "outbound2"
		}
		fmt.Fprintf(&sb, ";%s=\"%s\"", name, p)
	}
	regint := 0
	if cfg.Registration.RegisterOnAdd && cfg.Registration.TimeoutSec > 0 {
		regint = cfg.Registration.TimeoutSec
	}
	fmt.Fprintf(&sb, ";regint=%d", regint)
	return sb.String()
}

func (e *Engine) CreateAccount(cfg engine.AccountConfig, makeDefault bool) (engine.AccountHandle, error) {
	if _, err := e.command("create account", "uanew", BuildAOR(cfg)); err != nil {
		return "", err
	}
	h := engine.AccountHandle("ua-" + uuid.NewString())
	e.mu.Lock()
	e.accounts[h] = &uaState{cfg: cfg, aor: cfg.IDURI}
	e.byAOR[cfg.IDURI] = h
	e.mu.Unlock()
	if makeDefault {
		if _, err := e.command("create account", "uafind", cfg.IDURI); err != nil {
			return h, err
		}
		e.mu.Lock()
		e.defaultAcc = h
		e.mu.Unlock()
	}
	return h, nil
}

// ModifyAccount replaces the user agent; baresip has no in-place update.
func (e *Engine) ModifyAccount(acc engine.AccountHandle, cfg engine.AccountConfig) error {
	e.mu.Lock()
	ua, ok := e.accounts[acc]
	isDefault := e.defaultAcc == acc
	e.mu.Unlock()
	if !ok {
		return engine.NewError("modify account", engine.ErrUnknownAccount)
	}
	if _, err := e.command("modify account", "uadel", ua.aor); err != nil {
		return err
	}
	line := BuildAOR(cfg)
	if cfg.Registration.RegisterOnModify && cfg.Registration.TimeoutSec > 0 && !cfg.Registration.RegisterOnAdd {
		line = strings.Replace(line, ";regint=0", ";regint="+strconv.Itoa(cfg.Registration.TimeoutSec), 1)
	}
	if _, err := e.command("modify account", "uanew", line); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.byAOR, ua.aor)
	ua.cfg, ua.aor = cfg, cfg.IDURI
	e.byAOR[ua.aor] = acc
	e.mu.Unlock()
	if isDefault {
		_, err := e.command("modify account", "uafind", cfg.IDURI)
		return err
	}
	return nil
}

func (e *Engine) DeleteAccount(acc engine.AccountHandle) error {
	e.mu.Lock()
	ua, ok := e.accounts[acc]
	e.mu.Unlock()
	if !ok {
		return engine.NewError("delete account", engine.ErrUnknownAccount)
	}
	if _, err := e.command("delete account", "uadel", ua.aor); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.accounts, acc)
	delete(e.byAOR, ua.aor)
	if e.defaultAcc == acc {
		e.defaultAcc = ""
	}
	e.mu.Unlock()
	return nil
}

// withHeaders runs fn with hdrs added to the user agent's outgoing requests.
func (e *Engine) withHeaders(op string, hdrs []engine.Header, fn func() error) error {
	added := make([]string, 0, len(hdrs))
	defer func() {
		for _, name := range added {
			if _, err := e.command(op, "uarmheader", name); err != nil {
				e.log.Warnf("removing header %s: %v", name, err)
			}
		}
	}()
	for _, hdr := range hdrs {
		if _, err := e.command(op, "uaaddheader", hdr.Name+"="+hdr.Value); err != nil {
			return err
		}
		added = append(added, hdr.Name)
	}
	return fn()
}

func (e *Engine) MakeCall(acc engine.AccountHandle, destURI string, opts engine.CallOptions) (engine.CallHandle, error) {
	e.mu.Lock()
	ua, ok := e.accounts[acc]
	e.mu.Unlock()
	if !ok {
		return "", engine.NewError("make call", engine.ErrUnknownAccount)
	}
	peer, err := normalizePeer(destURI)
	if err != nil {
		return "", &engine.Error{Op: "make call", Reason: "invalid URI", Err: err}
	}
	if _, err := e.command("make call", "uafind", ua.aor); err != nil {
		return "", err
	}

	h := engine.CallHandle(uuid.NewString())
	err = e.withHeaders("make call", opts.Headers, func() error {
		_, err := e.command("make call", "dial", destURI)
		return err
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.calls[h] = &callState{
		acc:  acc,
		peer: peer,
		info: engine.CallInfo{
			RemoteURI: destURI,
			State:     engine.StateNull,
			Media:     []engine.Media{{Index: 0, Kind: engine.MediaAudio}},
		},
	}
	e.pendingByPeer[peer] = append(e.pendingByPeer[peer], h)
	e.mu.Unlock()
	return h, nil
}

// callID returns the baresip id of h.
func (e *Engine) callID(op string, h engine.CallHandle) (string, *callState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.calls[h]
	if !ok {
		return "", nil, engine.NewError(op, engine.ErrUnknownCall)
	}
	if st.id == "" {
		return "", st, engine.NewError(op, engine.ErrInvalidState)
	}
	return st.id, st, nil
}

// onCall selects h as baresip's current call and runs cmd on it.
func (e *Engine) onCall(op string, h engine.CallHandle, cmd, params string) error {
	id, _, err := e.callID(op, h)
	if err != nil {
		return err
	}
	if _, err := e.command(op, "callfind", id); err != nil {
		return err
	}
	_, err = e.command(op, cmd, params)
	return err
}

func (e *Engine) Answer(h engine.CallHandle, opts engine.CallOptions) error {
	id, _, err := e.callID("answer", h)
	if err != nil {
		return err
	}
	if opts.StatusCode >= 300 {
		_, err := e.command("answer", "hangup", fmt.Sprintf("%s scode=%d", id, opts.StatusCode))
		return err
	}
	return e.withHeaders("answer", opts.Headers, func() error {
		_, err := e.command("answer", "accept", id)
		return err
	})
}

func (e *Engine) Hangup(h engine.CallHandle, opts engine.CallOptions) error {
	id, _, err := e.callID("hangup", h)
	if err != nil {
		return err
	}
	params := id
	if opts.StatusCode > 0 {
		params += fmt.Sprintf(" scode=%d", opts.StatusCode)
	}
	_, err = e.command("hangup", "hangup", params)
	return err
}

func (e *Engine) Hold(h engine.CallHandle) error {
	if err := e.onCall("hold", h, "hold", ""); err != nil {
		return err
	}
	e.setMediaStatus(h, engine.MediaLocalHold)
	return nil
}

func (e *Engine) Unhold(h engine.CallHandle) error {
	if err := e.onCall("unhold", h, "resume", ""); err != nil {
		return err
	}
	e.setMediaStatus(h, engine.MediaActive)
	return nil
}

func (e *Engine) setMediaStatus(h engine.CallHandle, status engine.MediaStatus) {
	e.mu.Lock()
	st, ok := e.calls[h]
	if !ok {
		e.mu.Unlock()
		return
	}
	for i := range st.info.Media {
		st.info.Media[i].Status = status
	}
	info := copyInfo(st.info)
	hd := e.handler
	e.mu.Unlock()
	if hd != nil {
		hd.OnCallMediaState(h, info)
	}
}

func (e *Engine) DialDTMF(h engine.CallHandle, digits string) error {
	return e.onCall("dial dtmf", h, "sndcode", digits)
}

// Transfer sends REFER. Progress is reported as 100 now and a final status
// once baresip closes or fails the transferred call.
func (e *Engine) Transfer(h engine.CallHandle, destURI string, _ engine.CallOptions) error {
	if _, err := normalizePeer(destURI); err != nil {
		return &engine.Error{Op: "transfer", Reason: "invalid URI", Err: err}
	}
	if err := e.onCall("transfer", h, "transfer", destURI); err != nil {
		return err
	}
	e.mu.Lock()
	if st, ok := e.calls[h]; ok {
		st.transfer = true
	}
	hd := e.handler
	e.mu.Unlock()
	if hd != nil {
		hd.OnCallTransferStatus(h, engine.TransferStatus{StatusCode: 100, Reason: "Trying"})
	}
	return nil
}

func (e *Engine) CallInfo(h engine.CallHandle) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.calls[h]
	if !ok {
		return engine.CallInfo{}, engine.NewError("call info", engine.ErrUnknownCall)
	}
	return copyInfo(st.info), nil
}

func (e *Engine) checkStream(op string, h engine.CallHandle, media int) (*callState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.calls[h]
	if !ok {
		return nil, engine.NewError(op, engine.ErrUnknownCall)
	}
	if media < 0 || media >= len(st.info.Media) {
		return nil, engine.NewError(op, engine.ErrMediaOutOfRange)
	}
	if st.info.Media[media].Kind != engine.MediaAudio {
		return nil, engine.NewError(op, engine.ErrMediaKind)
	}
	return st, nil
}

func (e *Engine) StartTransmit(h engine.CallHandle, media int) error {
	return e.setMuted("start transmit", h, media, false)
}

func (e *Engine) StopTransmit(h engine.CallHandle, media int) error {
	return e.setMuted("stop transmit", h, media, true)
}

// setMuted flips baresip's mute toggle when the call is not already in the
// wanted state.
func (e *Engine) setMuted(op string, h engine.CallHandle, media int, muted bool) error {
	st, err := e.checkStream(op, h, media)
	if err != nil {
		return err
	}
	e.mu.Lock()
	same := st.muted == muted
	e.mu.Unlock()
	if same {
		return nil
	}
	if err := e.onCall(op, h, "mute", ""); err != nil {
		return err
	}
	e.mu.Lock()
	st.muted = muted
	e.mu.Unlock()
	return nil
}

func (e *Engine) ConnectPlayback(h engine.CallHandle, media int) error {
	_, err := e.checkStream("playback", h, media)
	return err
}

func copyInfo(ci engine.CallInfo) engine.CallInfo {
	ci.Media = append([]engine.Media(nil), ci.Media...)
	return ci
}

// parseStatus splits "603 Decline" into its code and reason.
func parseStatus(s string) (int, string) {
	s = strings.TrimSpace(s)
	if len(s) >= 3 {
		if code, err := strconv.Atoi(s[:3]); err == nil && code >= 100 && code < 700 {
			if len(s) == 3 || s[3] == ' ' {
				return code, strings.TrimSpace(s[3:])
			}
		}
	}
	return 0, s
}

// normalizePeer reduces a URI to user@host for matching call events to
// pending outgoing calls.
func normalizePeer(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimSuffix(strings.TrimPrefix(uri, "<"), ">")
	parsed, err := parser.ParseUri(uri)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host())
	if u := parsed.User(); u != nil && u.String() != "" {
		return u.String() + "@" + host, nil
	}
	return host, nil
}
