package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/logging"
)

type event struct {
	kind  string
	call  engine.CallHandle
	state engine.InvState
	info  engine.CallInfo
	xfer  engine.TransferStatus
}

type recorder struct {
	ch chan event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 64)}
}

func (r *recorder) OnCallState(h engine.CallHandle, info engine.CallInfo) {
	r.ch <- event{kind: "state", call: h, state: info.State, info: info}
}

func (r *recorder) OnCallMediaState(h engine.CallHandle, info engine.CallInfo) {
	r.ch <- event{kind: "media", call: h, info: info}
}

func (r *recorder) OnCallTransferStatus(h engine.CallHandle, status engine.TransferStatus) {
	r.ch <- event{kind: "transfer", call: h, xfer: status}
}

func (r *recorder) OnIncomingCall(_ engine.AccountHandle, h engine.CallHandle, info engine.CallInfo) {
	r.ch <- event{kind: "incoming", call: h, state: info.State, info: info}
}

func (r *recorder) OnRegState(engine.AccountHandle, engine.RegStatus) {}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return event{}
	}
}

func setup(t *testing.T, opts Options) (*Engine, *recorder, engine.AccountHandle) {
	t.Helper()
	e := New(opts, logging.Discard())
	t.Cleanup(func() { _ = e.Close() })
	rec := newRecorder()
	e.SetHandler(rec)
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	acc, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, true)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return e, rec, acc
}

// TestAutoAnswerLifecycle tests the outgoing call walk through to CONFIRMED
func TestAutoAnswerLifecycle(t *testing.T) {
	e, rec, acc := setup(t, Options{AutoAnswer: true})

	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{AudioCount: 1})
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}
	want := []engine.InvState{engine.StateCalling, engine.StateEarly, engine.StateConnecting, engine.StateConfirmed}
	for _, s := range want {
		ev := rec.next(t)
		if ev.kind != "state" || ev.call != h || ev.state != s {
			t.Fatalf("got %s %v, want state %v", ev.kind, ev.state, s)
		}
	}
	ev := rec.next(t)
	if ev.kind != "media" || len(ev.info.Media) != 1 || ev.info.Media[0].Status != engine.MediaActive {
		t.Fatalf("unexpected media event: %+v", ev)
	}

	if err := e.Hangup(h, engine.CallOptions{StatusCode: engine.StatusDecline}); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	ev = rec.next(t)
	if ev.state != engine.StateDisconnected || ev.info.LastStatusCode != engine.StatusDecline {
		t.Fatalf("unexpected hangup event: %+v", ev)
	}
	if err := e.Hangup(h, engine.CallOptions{}); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("second hangup: got %v, want ErrInvalidState", err)
	}
}

// TestMakeCallValidation tests the failures MakeCall reports
func TestMakeCallValidation(t *testing.T) {
	e := New(Options{}, logging.Discard())
	defer e.Close()
	if _, err := e.MakeCall("acc", "sip:bob@x", engine.CallOptions{}); !errors.Is(err, engine.ErrNotInitialized) {
		t.Errorf("before Init: got %v", err)
	}
	if err := e.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MakeCall("acc", "sip:bob@x", engine.CallOptions{}); !errors.Is(err, engine.ErrUnknownAccount) {
		t.Errorf("unknown account: got %v", err)
	}
	acc, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@x"}, false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.MakeCall(acc, "not a uri", engine.CallOptions{})
	var ee *engine.Error
	if !errors.As(err, &ee) || ee.Reason != "invalid URI" {
		t.Errorf("bad uri: got %v", err)
	}
}

// TestIncomingAnswer tests answering an injected call with headers
func TestIncomingAnswer(t *testing.T) {
	e, rec, acc := setup(t, Options{})

	h, err := e.InjectIncoming(acc, "c2", "sip:carol@example.com")
	if err != nil {
		t.Fatalf("InjectIncoming: %v", err)
	}
	ev := rec.next(t)
	if ev.kind != "incoming" || ev.info.SIPCallID != "c2" || ev.state != engine.StateIncoming {
		t.Fatalf("unexpected incoming event: %+v", ev)
	}

	hdrs := []engine.Header{{Name: "X-Channel-Id", Value: "ch-1"}}
	if err := e.Answer(h, engine.CallOptions{StatusCode: engine.StatusOK, Headers: hdrs}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	for _, s := range []engine.InvState{engine.StateConnecting, engine.StateConfirmed} {
		if ev := rec.next(t); ev.state != s {
			t.Fatalf("got %v, want %v", ev.state, s)
		}
	}
	view, ok := e.Call(h)
	if !ok || len(view.Headers) != 1 || view.Headers[0].Value != "ch-1" {
		t.Errorf("headers not recorded: %+v", view.Headers)
	}
	if err := e.Answer(h, engine.CallOptions{}); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("second answer: got %v", err)
	}
}

// TestHoldAndMedia tests hold events and audio-only transmit control
func TestHoldAndMedia(t *testing.T) {
	e, rec, acc := setup(t, Options{AutoAnswer: true})
	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{AudioCount: 1, VideoCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		rec.next(t)
	}

	if err := e.Hold(h); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	ev := rec.next(t)
	if ev.kind != "media" || ev.info.Media[0].Status != engine.MediaLocalHold {
		t.Errorf("unexpected hold event: %+v", ev)
	}
	if err := e.Unhold(h); err != nil {
		t.Fatalf("Unhold: %v", err)
	}
	rec.next(t)

	if err := e.StartTransmit(h, 0); err != nil {
		t.Errorf("StartTransmit audio: %v", err)
	}
	if err := e.StartTransmit(h, 1); !errors.Is(err, engine.ErrMediaKind) {
		t.Errorf("StartTransmit video: got %v", err)
	}
	if err := e.StopTransmit(h, 5); !errors.Is(err, engine.ErrMediaOutOfRange) {
		t.Errorf("StopTransmit out of range: got %v", err)
	}
	view, _ := e.Call(h)
	if len(view.Transmitting) != 1 || view.Transmitting[0] != 0 {
		t.Errorf("transmitting: got %v", view.Transmitting)
	}
}

// TestTransfer tests provisional then final transfer statuses
func TestTransfer(t *testing.T) {
	e, rec, acc := setup(t, Options{AutoAnswer: true})
	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		rec.next(t)
	}
	if err := e.Transfer(h, "sip:dave@example.com", engine.CallOptions{}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	first, second := rec.next(t), rec.next(t)
	if first.xfer.StatusCode != 100 || first.xfer.Final {
		t.Errorf("first status: %+v", first.xfer)
	}
	if second.xfer.StatusCode != engine.StatusOK || !second.xfer.Final {
		t.Errorf("second status: %+v", second.xfer)
	}
}

// TestFailNext tests one-shot failure injection
func TestFailNext(t *testing.T) {
	e, rec, acc := setup(t, Options{AutoAnswer: true})
	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		rec.next(t)
	}
	boom := errors.New("boom")
	e.FailNext("hold", boom)
	if err := e.Hold(h); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if err := e.Hold(h); err != nil {
		t.Errorf("second hold: %v", err)
	}
}

// TestCallbackOrderUnderBacklog tests that a long backlog is delivered in order
func TestCallbackOrderUnderBacklog(t *testing.T) {
	e := New(Options{}, logging.Discard())
	defer e.Close()
	e.SetHandler(newRecorder())

	const n = 3000
	got := make(chan int, n)
	e.mu.Lock()
	for i := 0; i < n; i++ {
		i := i
		e.emitLocked(func(engine.Handler) { got <- i })
	}
	e.mu.Unlock()

	for want := 0; want < n; want++ {
		select {
		case i := <-got:
			if i != want {
				t.Fatalf("callback %d delivered at position %d", i, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d callbacks", want)
		}
	}
}
