package baresip

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/logging"
)

// TestNetstringRoundTrip tests encoding and decoding several frames from one stream
func TestNetstringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewNetstringEncoder(&buf)
	for _, msg := range []string{`{"a":1}`, "", "hello"} {
		if err := enc.Encode([]byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	if !strings.HasPrefix(buf.String(), `7:{"a":1},0:,5:hello,`) {
		t.Fatalf("unexpected wire format: %q", buf.String())
	}

	dec := NewNetstringDecoder(&buf)
	for _, want := range []string{`{"a":1}`, "", "hello"} {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want EOF", err)
	}
}

// TestNetstringMalformed tests that bad frames are rejected
func TestNetstringMalformed(t *testing.T) {
	tests := []string{"x:abc,", "3:abcd", ":abc,", "3:ab"}
	for _, in := range tests {
		_, err := NewNetstringDecoder(strings.NewReader(in)).Decode()
		if err == nil {
			t.Errorf("Decode(%q): expected error", in)
		}
	}
}

// TestParseStatus tests splitting status lines
func TestParseStatus(t *testing.T) {
	tests := []struct {
		in     string
		code   int
		reason string
	}{
		{"603 Decline", 603, "Decline"},
		{"200", 200, ""},
		{"Connection reset by user", 0, "Connection reset by user"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		code, reason := parseStatus(tt.in)
		if code != tt.code || reason != tt.reason {
			t.Errorf("parseStatus(%q) = %d, %q; want %d, %q", tt.in, code, reason, tt.code, tt.reason)
		}
	}
}

// TestBuildAOR tests the account line handed to uanew
func TestBuildAOR(t *testing.T) {
	cfg := engine.AccountConfig{
		IDURI:       "sip:alice@example.com",
		Proxies:     []string{"sip:proxy.example.com;lr"},
		Credentials: []engine.Credential{{Username: "alice", Password: "pw"}},
		Registration: engine.RegistrationPolicy{
			TimeoutSec: 3600,
		},
	}
	want := `<sip:alice@example.com>;auth_user=alice;auth_pass=pw;outbound="sip:proxy.example.com;lr";regint=0`
	if got := BuildAOR(cfg); got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
	cfg.Registration.RegisterOnAdd = true
	if got := BuildAOR(cfg); !strings.HasSuffix(got, ";regint=3600") {
		t.Errorf("register on add: got %s", got)
	}
}

// fakeBaresip answers every command with ok and records it.
type fakeBaresip struct {
	conn net.Conn
	enc  *NetstringEncoder
	mu   sync.Mutex
	wmu  sync.Mutex
	cmds []command
	fail map[string]string
}

func newFake(t *testing.T) (*fakeBaresip, *Client) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeBaresip{conn: server, enc: NewNetstringEncoder(server), fail: map[string]string{}}
	go f.serve()
	c := NewClient(client, time.Second, logging.Discard())
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return f, c
}

func (f *fakeBaresip) serve() {
	dec := NewNetstringDecoder(f.conn)
	for {
		data, err := dec.Decode()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		failData, fail := f.fail[cmd.Command]
		f.mu.Unlock()
		f.send(Response{Response: true, OK: !fail, Data: failData, Token: cmd.Token})
	}
}

func (f *fakeBaresip) send(v interface{}) {
	data, _ := json.Marshal(v)
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_ = f.enc.Encode(data)
}

func (f *fakeBaresip) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	for i, c := range f.cmds {
		out[i] = strings.TrimSpace(c.Command + " " + c.Params)
	}
	return out
}

type handlerLog struct {
	ch chan string
}

func (h *handlerLog) OnCallState(call engine.CallHandle, info engine.CallInfo) {
	h.ch <- "state " + info.State.String()
}

func (h *handlerLog) OnCallMediaState(call engine.CallHandle, info engine.CallInfo) {
	h.ch <- "media " + info.Media[0].Status.String()
}

func (h *handlerLog) OnCallTransferStatus(call engine.CallHandle, s engine.TransferStatus) {
	if s.Final {
		h.ch <- "transfer final"
		return
	}
	h.ch <- "transfer"
}

func (h *handlerLog) OnIncomingCall(acc engine.AccountHandle, call engine.CallHandle, info engine.CallInfo) {
	h.ch <- "incoming " + info.SIPCallID
}

func (h *handlerLog) OnRegState(acc engine.AccountHandle, s engine.RegStatus) {
	h.ch <- "reg"
}

func (h *handlerLog) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-h.ch:
			if got != w {
				t.Fatalf("got %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func newEngine(t *testing.T) (*Engine, *fakeBaresip, *handlerLog) {
	t.Helper()
	f, c := newFake(t)
	e := NewWithClient(c, logging.Discard())
	hl := &handlerLog{ch: make(chan string, 32)}
	e.SetHandler(hl)
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, f, hl
}

// TestClientCommand tests token-matched command responses
func TestClientCommand(t *testing.T) {
	f, c := newFake(t)
	resp, err := c.Command("reginfo", "")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !resp.OK || resp.Token != "tok1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got := f.commands(); len(got) != 1 || got[0] != "reginfo" {
		t.Errorf("commands: %v", got)
	}
}

// TestOutgoingCall tests dial, pending-peer binding and the mapped lifecycle
func TestOutgoingCall(t *testing.T) {
	e, f, hl := newEngine(t)

	acc, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, true)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{
		Headers: []engine.Header{{Name: "X-Channel-Id", Value: "ch1"}},
	})
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}

	want := []string{
		"uanew <sip:alice@example.com>;regint=0",
		"uafind sip:alice@example.com",
		"uafind sip:alice@example.com",
		"uaaddheader X-Channel-Id=ch1",
		"dial sip:bob@example.com",
		"uarmheader X-Channel-Id",
	}
	got := f.commands()
	if len(got) != len(want) {
		t.Fatalf("commands: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %q, want %q", i, got[i], want[i])
		}
	}

	for _, typ := range []EventType{EventCallOutgoing, EventCallRinging, EventCallEstablished} {
		f.send(Event{Event: true, Class: "call", Type: typ, ID: "b1", PeerURI: "sip:bob@Example.com", Direction: "outgoing"})
	}
	hl.expect(t, "state CALLING", "state EARLY", "state CONFIRMED", "media active")

	info, err := e.CallInfo(h)
	if err != nil || info.SIPCallID != "b1" {
		t.Fatalf("CallInfo: %+v, %v", info, err)
	}

	if err := e.Hangup(h, engine.CallOptions{StatusCode: engine.StatusDecline}); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	cmds := f.commands()
	if last := cmds[len(cmds)-1]; last != "hangup b1 scode=603" {
		t.Errorf("hangup command: got %q", last)
	}

	f.send(Event{Event: true, Class: "call", Type: EventCallClosed, ID: "b1", Param: "603 Decline"})
	hl.expect(t, "state DISCONNECTED")
	if _, err := e.CallInfo(h); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("closed call should be forgotten, got %v", err)
	}
}

// TestIncomingCall tests incoming offer, answer with headers and mute toggling
func TestIncomingCall(t *testing.T) {
	e, f, hl := newEngine(t)
	if _, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, false); err != nil {
		t.Fatal(err)
	}

	f.send(Event{Event: true, Class: "call", Type: EventCallIncoming, ID: "in1", PeerURI: "sip:carol@example.com", AccountAOR: "sip:alice@example.com", Direction: "incoming"})
	hl.expect(t, "incoming in1")

	var h engine.CallHandle
	e.mu.Lock()
	h = e.byID["in1"]
	e.mu.Unlock()

	if err := e.Answer(h, engine.CallOptions{StatusCode: 200, Headers: []engine.Header{{Name: "X-Media-Ipv4-Addr", Value: "10.0.0.1"}}}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	f.send(Event{Event: true, Class: "call", Type: EventCallEstablished, ID: "in1"})
	hl.expect(t, "state CONFIRMED", "media active")

	if err := e.StopTransmit(h, 0); err != nil {
		t.Fatalf("StopTransmit: %v", err)
	}
	if err := e.StopTransmit(h, 0); err != nil {
		t.Fatalf("StopTransmit again: %v", err)
	}
	if err := e.StartTransmit(h, 1); !errors.Is(err, engine.ErrMediaOutOfRange) {
		t.Errorf("got %v, want ErrMediaOutOfRange", err)
	}

	mutes := 0
	for _, c := range f.commands() {
		if c == "mute" {
			mutes++
		}
	}
	if mutes != 1 {
		t.Errorf("mute toggles: got %d, want 1", mutes)
	}
}

// TestTransferReportsOutcome tests provisional then final transfer status
func TestTransferReportsOutcome(t *testing.T) {
	e, f, hl := newEngine(t)
	acc, _ := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, false)
	h, err := e.MakeCall(acc, "sip:bob@example.com", engine.CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f.send(Event{Event: true, Class: "call", Type: EventCallEstablished, ID: "b1", PeerURI: "sip:bob@example.com"})
	hl.expect(t, "state CONFIRMED", "media active")

	if err := e.Transfer(h, "sip:dave@example.com", engine.CallOptions{}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	hl.expect(t, "transfer")
	f.send(Event{Event: true, Class: "call", Type: EventCallClosed, ID: "b1"})
	hl.expect(t, "transfer final", "state DISCONNECTED")
}

// TestCommandRefused tests that a refused command becomes an engine error
func TestCommandRefused(t *testing.T) {
	e, f, _ := newEngine(t)
	f.mu.Lock()
	f.fail["uanew"] = "488 Not Acceptable"
	f.mu.Unlock()

	_, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, false)
	var ee *engine.Error
	if !errors.As(err, &ee) {
		t.Fatalf("got %v, want *engine.Error", err)
	}
	if ee.StatusCode != 488 || ee.Op != "create account" {
		t.Errorf("unexpected error: %+v", ee)
	}
}

// TestNotInitialized tests that commands before Init fail cleanly
func TestNotInitialized(t *testing.T) {
	e := New(Options{Addr: "127.0.0.1:1"}, logging.Discard())
	_, err := e.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@example.com"}, false)
	if !errors.Is(err, engine.ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}
