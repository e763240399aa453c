// Package loopback is an in-process engine.Engine. It keeps calls and
// accounts in memory and walks calls through the invite-session lifecycle
// itself, delivering callbacks from its own goroutine the way a real stack
// does. The daemon uses it for dry runs and the tests use it to drive
// scenarios.
package loopback

import (
	"sync"
	"time"

	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/engine"
)

// Options tunes how the loopback engine behaves.
type Options struct {
	// AutoAnswer walks outgoing calls to CONFIRMED without remote action.
	AutoAnswer bool
	// Media is the stream layout of new calls. Defaults to one audio stream
	// plus one video stream per requested video count.
	Media []engine.MediaKind
	// StepDelay is slept between consecutive callbacks.
	StepDelay time.Duration
	// TransferCodes are the statuses reported for a transfer, last one final.
	TransferCodes []int
}

type accountState struct {
	cfg        engine.AccountConfig
	isDefault  bool
	registered bool
}

type call struct {
	acc       engine.AccountHandle
	dest      string
	incoming  bool
	info      engine.CallInfo
	held      bool
	transmit  map[int]bool
	playback  map[int]bool
	dtmf      []string
	headers   []engine.Header
	transfers []string
	hangup    int
}

// Engine is the loopback engine.
type Engine struct {
	opts Options
	log  *logrus.Entry

	mu          sync.Mutex
	handler     engine.Handler
	initialized bool
	accounts    map[engine.AccountHandle]*accountState
	calls       map[engine.CallHandle]*call
	failures    map[string]error

	pending []func(engine.Handler)
	wake    chan struct{}
	quit    chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ engine.Engine = (*Engine)(nil)

// New creates a loopback engine and starts its callback goroutine.
func New(opts Options, log *logrus.Entry) *Engine {
	if len(opts.TransferCodes) == 0 {
		opts.TransferCodes = []int{100, engine.StatusOK}
	}
	e := &Engine{
		opts:     opts,
		log:      log,
		accounts: make(map[engine.AccountHandle]*accountState),
		calls:    make(map[engine.CallHandle]*call),
		failures: make(map[string]error),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.deliverLoop()
	return e
}

func (e *Engine) deliverLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.pending) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			h := e.handler
			e.mu.Unlock()

			if h != nil {
				fn(h)
			}
			if e.opts.StepDelay > 0 {
				time.Sleep(e.opts.StepDelay)
			}
			select {
			case <-e.quit:
				return
			default:
			}
		}
	}
}

func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if err := e.takeFailure("init"); err != nil {
		return err
	}
	e.initialized = true
	e.log.Info("loopback engine initialized")
	return nil
}

func (e *Engine) Close() error {
	e.once.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
	return nil
}

func (e *Engine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// FailNext makes the next call of op fail with err. op is the operation name
// used in engine errors ("make call", "hangup", ...).
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	e.failures[op] = err
	e.mu.Unlock()
}

func (e *Engine) takeFailure(op string) error {
	err, ok := e.failures[op]
	if !ok {
		return nil
	}
	delete(e.failures, op)
	return engine.NewError(op, err)
}

func (e *Engine) CreateAccount(cfg engine.AccountConfig, makeDefault bool) (engine.AccountHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("create account"); err != nil {
		return "", err
	}
	if _, err := parser.ParseUri(cfg.IDURI); err != nil {
		return "", &engine.Error{Op: "create account", Reason: "invalid URI", Err: err}
	}
	h := engine.AccountHandle("acc-" + uuid.NewString())
	if makeDefault {
		for _, a := range e.accounts {
			a.isDefault = false
		}
	}
	e.accounts[h] = &accountState{cfg: cfg, isDefault: makeDefault}
	if cfg.Registration.RegisterOnAdd {
		e.accounts[h].registered = true
		e.emitLocked(func(hd engine.Handler) {
			hd.OnRegState(h, engine.RegStatus{StatusCode: engine.StatusOK, Reason: "OK", Active: true})
		})
	}
	return h, nil
}

func (e *Engine) ModifyAccount(acc engine.AccountHandle, cfg engine.AccountConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("modify account"); err != nil {
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.NewError("modify account", engine.ErrUnknownAccount)
	}
	if _, err := parser.ParseUri(cfg.IDURI); err != nil {
		return &engine.Error{Op: "modify account", Reason: "invalid URI", Err: err}
	}
	a.cfg = cfg
	if cfg.Registration.RegisterOnModify {
		a.registered = true
		e.emitLocked(func(hd engine.Handler) {
			hd.OnRegState(acc, engine.RegStatus{StatusCode: engine.StatusOK, Reason: "OK", Active: true})
		})
	}
	return nil
}

func (e *Engine) DeleteAccount(acc engine.AccountHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[acc]; !ok {
		return engine.NewError("delete account", engine.ErrUnknownAccount)
	}
	delete(e.accounts, acc)
	return nil
}

func (e *Engine) MakeCall(acc engine.AccountHandle, destURI string, opts engine.CallOptions) (engine.CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return "", engine.NewError("make call", engine.ErrNotInitialized)
	}
	if err := e.takeFailure("make call"); err != nil {
		return "", err
	}
	if _, ok := e.accounts[acc]; !ok {
		return "", engine.NewError("make call", engine.ErrUnknownAccount)
	}
	if _, err := parser.ParseUri(destURI); err != nil {
		return "", &engine.Error{Op: "make call", Reason: "invalid URI", Err: err}
	}

	h := engine.CallHandle(uuid.NewString())
	c := &call{
		acc:      acc,
		dest:     destURI,
		transmit: make(map[int]bool),
		playback: make(map[int]bool),
		headers:  append([]engine.Header(nil), opts.Headers...),
		info: engine.CallInfo{
			SIPCallID: uuid.NewString(),
			RemoteURI: destURI,
			Media:     e.mediaLayout(opts),
		},
	}
	e.calls[h] = c

	e.setStateLocked(h, c, engine.StateCalling, 0, "")
	if e.opts.AutoAnswer {
		e.setStateLocked(h, c, engine.StateEarly, 180, "Ringing")
		e.setStateLocked(h, c, engine.StateConnecting, engine.StatusOK, "OK")
		e.confirmLocked(h, c)
	}
	return h, nil
}

func (e *Engine) Answer(h engine.CallHandle, opts engine.CallOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("answer"); err != nil {
		return err
	}
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("answer", engine.ErrUnknownCall)
	}
	if !c.incoming || (c.info.State != engine.StateIncoming && c.info.State != engine.StateEarly) {
		return engine.NewError("answer", engine.ErrInvalidState)
	}
	code := opts.StatusCode
	if code == 0 {
		code = engine.StatusOK
	}
	c.headers = append(c.headers, opts.Headers...)
	if code >= 300 {
		e.setStateLocked(h, c, engine.StateDisconnected, code, "")
		return nil
	}
	if code < 200 {
		e.setStateLocked(h, c, engine.StateEarly, code, "")
		return nil
	}
	e.setStateLocked(h, c, engine.StateConnecting, code, "OK")
	e.confirmLocked(h, c)
	return nil
}

func (e *Engine) Hangup(h engine.CallHandle, opts engine.CallOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("hangup"); err != nil {
		return err
	}
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("hangup", engine.ErrUnknownCall)
	}
	if c.info.State == engine.StateDisconnected {
		return engine.NewError("hangup", engine.ErrInvalidState)
	}
	c.hangup = opts.StatusCode
	e.setStateLocked(h, c, engine.StateDisconnected, opts.StatusCode, "")
	return nil
}

func (e *Engine) Hold(h engine.CallHandle) error {
	return e.setHold(h, true)
}

func (e *Engine) Unhold(h engine.CallHandle) error {
	return e.setHold(h, false)
}

func (e *Engine) setHold(h engine.CallHandle, hold bool) error {
	op := "unhold"
	if hold {
		op = "hold"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure(op); err != nil {
		return err
	}
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError(op, engine.ErrUnknownCall)
	}
	if c.info.State != engine.StateConfirmed {
		return engine.NewError(op, engine.ErrInvalidState)
	}
	c.held = hold
	status := engine.MediaActive
	if hold {
		status = engine.MediaLocalHold
	}
	for i := range c.info.Media {
		if c.info.Media[i].Status != engine.MediaNone {
			c.info.Media[i].Status = status
		}
	}
	info := copyInfo(c.info)
	e.emitLocked(func(hd engine.Handler) { hd.OnCallMediaState(h, info) })
	return nil
}

func (e *Engine) DialDTMF(h engine.CallHandle, digits string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("dial dtmf"); err != nil {
		return err
	}
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("dial dtmf", engine.ErrUnknownCall)
	}
	if c.info.State == engine.StateDisconnected {
		return engine.NewError("dial dtmf", engine.ErrInvalidState)
	}
	c.dtmf = append(c.dtmf, digits)
	return nil
}

func (e *Engine) Transfer(h engine.CallHandle, destURI string, opts engine.CallOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailure("transfer"); err != nil {
		return err
	}
	c, ok := e.calls[h]
	if !ok {
		return engine.NewError("transfer", engine.ErrUnknownCall)
	}
	if c.info.State != engine.StateConfirmed {
		return engine.NewError("transfer", engine.ErrInvalidState)
	}
	if _, err := parser.ParseUri(destURI); err != nil {
		return &engine.Error{Op: "transfer", Reason: "invalid URI", Err: err}
	}
	c.transfers = append(c.transfers, destURI)
	codes := append([]int(nil), e.opts.TransferCodes...)
	for i, code := range codes {
		status := engine.TransferStatus{StatusCode: code, Final: i == len(codes)-1}
		e.emitLocked(func(hd engine.Handler) { hd.OnCallTransferStatus(h, status) })
	}
	return nil
}

func (e *Engine) CallInfo(h engine.CallHandle) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[h]
	if !ok {
		return engine.CallInfo{}, engine.NewError("call info", engine.ErrUnknownCall)
	}
	return copyInfo(c.info), nil
}

func (e *Engine) StartTransmit(h engine.CallHandle, media int) error {
	return e.setTransmit(h, media, true)
}

func (e *Engine) StopTransmit(h engine.CallHandle, media int) error {
	return e.setTransmit(h, media, false)
}

func (e *Engine) setTransmit(h engine.CallHandle, media int, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.audioStreamLocked("transmit", h, media)
	if err != nil {
		return err
	}
	c.transmit[media] = on
	return nil
}

func (e *Engine) ConnectPlayback(h engine.CallHandle, media int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.audioStreamLocked("playback", h, media)
	if err != nil {
		return err
	}
	c.playback[media] = true
	return nil
}

func (e *Engine) audioStreamLocked(op string, h engine.CallHandle, media int) (*call, error) {
	c, ok := e.calls[h]
	if !ok {
		return nil, engine.NewError(op, engine.ErrUnknownCall)
	}
	if media < 0 || media >= len(c.info.Media) {
		return nil, engine.NewError(op, engine.ErrMediaOutOfRange)
	}
	if c.info.Media[media].Kind != engine.MediaAudio {
		return nil, engine.NewError(op, engine.ErrMediaKind)
	}
	return c, nil
}

func (e *Engine) mediaLayout(opts engine.CallOptions) []engine.Media {
	kinds := e.opts.Media
	if len(kinds) == 0 {
		audio := opts.AudioCount
		if audio <= 0 {
			audio = 1
		}
		for i := 0; i < audio; i++ {
			kinds = append(kinds, engine.MediaAudio)
		}
		for i := 0; i < opts.VideoCount; i++ {
			kinds = append(kinds, engine.MediaVideo)
		}
	}
	media := make([]engine.Media, len(kinds))
	for i, k := range kinds {
		media[i] = engine.Media{Index: i, Kind: k, Status: engine.MediaNone}
	}
	return media
}

func (e *Engine) confirmLocked(h engine.CallHandle, c *call) {
	for i := range c.info.Media {
		c.info.Media[i].Status = engine.MediaActive
	}
	e.setStateLocked(h, c, engine.StateConfirmed, engine.StatusOK, "OK")
	info := copyInfo(c.info)
	e.emitLocked(func(hd engine.Handler) { hd.OnCallMediaState(h, info) })
}

func (e *Engine) setStateLocked(h engine.CallHandle, c *call, state engine.InvState, code int, reason string) {
	c.info.State = state
	c.info.StateText = state.String()
	if code > 0 {
		c.info.LastStatusCode = code
		c.info.LastReason = reason
	}
	if state == engine.StateDisconnected {
		for i := range c.info.Media {
			c.info.Media[i].Status = engine.MediaNone
		}
	}
	info := copyInfo(c.info)
	e.emitLocked(func(hd engine.Handler) { hd.OnCallState(h, info) })
}

// emitLocked appends a callback to the delivery queue while e.mu is held.
// Callbacks are delivered in the order they were emitted.
func (e *Engine) emitLocked(fn func(engine.Handler)) {
	e.pending = append(e.pending, fn)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func copyInfo(ci engine.CallInfo) engine.CallInfo {
	ci.Media = append([]engine.Media(nil), ci.Media...)
	return ci
}
