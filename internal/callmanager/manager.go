// Package callmanager is the call-control core: it owns the worker, the
// registries and the engine, and turns host commands into engine calls and
// engine callbacks into host notifications.
package callmanager

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/account"
	"github.com/dense-identity/callctl/internal/calls"
	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/dispatch"
	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/event"
)

// Options tunes a Manager.
type Options struct {
	// SubmitDelay is applied to every submitted payload.
	SubmitDelay time.Duration

	Tombstones   int
	TombstoneTTL time.Duration
}

// Manager is the call-control context. Everything below Submit runs on the
// dispatcher's worker, so the registries carry no locks.
type Manager struct {
	opts Options

	eng      engine.Engine
	disp     *dispatch.Dispatcher
	reg      *calls.Registry
	accounts *account.Manager
	sm       *calls.StateMachine
	bridge   *delegate.Bridge

	initialized bool

	log *logrus.Entry
}

// New creates a call manager driving eng and reporting to host.
func New(eng engine.Engine, host delegate.Delegate, opts Options, log *logrus.Entry) *Manager {
	m := &Manager{
		opts:   opts,
		eng:    eng,
		reg:    calls.NewRegistry(opts.Tombstones, opts.TombstoneTTL),
		bridge: delegate.NewBridge(host, log.WithField("component", "bridge")),
		log:    log,
	}
	m.accounts = account.NewManager(eng, log.WithField("component", "account"))
	m.sm = calls.NewStateMachine(m.reg, eng, m.bridge, m.accounts, log.WithField("component", "state"))
	m.disp = dispatch.New(log.WithField("component", "dispatch"), nil)
	return m
}

// Start installs the engine handler and launches the worker. The worker
// stops when ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.eng.SetHandler(&handler{m: m})
	m.disp.Start(ctx)
	m.log.Info("call manager started")
}

// Stop ends the worker and waits for it to exit. Queued payloads are dropped.
func (m *Manager) Stop() {
	m.disp.Stop()
	<-m.disp.Done()
	m.log.Info("call manager stopped")
}

// Done is closed once the worker has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.disp.Done()
}

// Submit queues p. It never blocks and may be called from any goroutine.
func (m *Manager) Submit(p event.Payload) {
	m.disp.PostAfter(m.opts.SubmitDelay, p.Action.String(), func() {
		m.dispatch(p)
	})
}

// Sync waits until everything queued before it has run.
func (m *Manager) Sync(ctx context.Context) error {
	return m.disp.Do(ctx, "sync", func() {})
}

// Snapshot copies the live calls.
func (m *Manager) Snapshot(ctx context.Context) ([]calls.Summary, error) {
	var out []calls.Summary
	err := m.disp.Do(ctx, "snapshot", func() {
		out = m.reg.Snapshot()
	})
	return out, err
}

// Stats reports worker throughput.
func (m *Manager) Stats() (queued int, executed, panicked uint64) {
	executed, panicked = m.disp.Stats()
	return m.disp.Len(), executed, panicked
}

func (m *Manager) SetProxyServerAddress(addr string) {
	m.Submit(event.NewSetProxy(addr))
}

func (m *Manager) InitializeAndPrepare() {
	m.Submit(event.NewInitialize())
}

func (m *Manager) SetDefaultAccount(identity, password string) {
	m.Submit(event.NewSetDefaultAccount(identity, password))
}

// InitiateCall places a call. With useDefaultAccount the default account is
// used and the credentials are ignored.
func (m *Manager) InitiateCall(destURI, username, password, domain, callID string, useDefaultAccount bool) {
	m.Submit(event.NewMakeCall(destURI, username, password, domain, callID, useDefaultAccount))
}

func (m *Manager) AnswerCall(destURI, channelID, mediaAddr, callID string) {
	m.Submit(event.NewAnswerCall(destURI, channelID, mediaAddr, callID))
}

func (m *Manager) ToggleHold(callID string, hold bool) {
	m.Submit(event.NewToggleHold(callID, hold))
}

func (m *Manager) ToggleMute(callID string, mute bool) {
	m.Submit(event.NewToggleMute(callID, mute))
}

func (m *Manager) SendDTMFTone(callID, digits string) {
	m.Submit(event.NewSendDTMF(callID, digits))
}

func (m *Manager) BlindTransferCall(callID, destURI string) {
	m.Submit(event.NewBlindTransfer(callID, destURI))
}

func (m *Manager) EndCall(callID string) {
	m.Submit(event.NewHangup(callID))
}

// handler posts engine callbacks onto the worker.
type handler struct {
	m *Manager
}

func (h *handler) OnCallState(call engine.CallHandle, info engine.CallInfo) {
	h.m.disp.Post("call state", func() { h.m.sm.HandleCallState(call, info) })
}

func (h *handler) OnCallMediaState(call engine.CallHandle, info engine.CallInfo) {
	h.m.disp.Post("media state", func() { h.m.sm.HandleMediaState(call, info) })
}

func (h *handler) OnCallTransferStatus(call engine.CallHandle, status engine.TransferStatus) {
	h.m.disp.Post("transfer status", func() { h.m.sm.HandleTransferStatus(call, status) })
}

func (h *handler) OnIncomingCall(acc engine.AccountHandle, call engine.CallHandle, info engine.CallInfo) {
	h.m.disp.Post("incoming call", func() { h.m.sm.HandleIncoming(acc, call, info) })
}

func (h *handler) OnRegState(acc engine.AccountHandle, status engine.RegStatus) {
	h.m.disp.Post("reg state", func() { h.m.sm.HandleRegState(acc, status) })
}
