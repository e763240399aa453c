package baresip

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType is a baresip ua event type.
type EventType string

const (
	EventCallIncoming       EventType = "CALL_INCOMING"
	EventCallOutgoing       EventType = "CALL_OUTGOING"
	EventCallRinging        EventType = "CALL_RINGING"
	EventCallProgress       EventType = "CALL_PROGRESS"
	EventCallAnswered       EventType = "CALL_ANSWERED"
	EventCallEstablished    EventType = "CALL_ESTABLISHED"
	EventCallClosed         EventType = "CALL_CLOSED"
	EventCallHold           EventType = "CALL_HOLD"
	EventCallResume         EventType = "CALL_RESUME"
	EventCallTransfer       EventType = "CALL_TRANSFER"
	EventCallTransferFailed EventType = "CALL_TRANSFER_FAILED"
	EventRegisterOK         EventType = "REGISTER_OK"
	EventRegisterFail       EventType = "REGISTER_FAIL"
	EventUnregistering      EventType = "UNREGISTERING"
)

// Event is an asynchronous message from baresip.
type Event struct {
	Event      bool      `json:"event"`
	Class      string    `json:"class"`
	Type       EventType `json:"type"`
	AccountAOR string    `json:"accountaor"`
	Direction  string    `json:"direction"`
	PeerURI    string    `json:"peeruri"`
	PeerName   string    `json:"peername"`
	ID         string    `json:"id"`
	Param      string    `json:"param"`
}

// Response answers one command.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

var ErrClosed = errors.New("baresip connection closed")

// Client speaks JSON over netstrings to baresip's ctrl_tcp module. Commands
// may be sent from any goroutine; responses are matched by token.
type Client struct {
	conn    net.Conn
	encoder *NetstringEncoder
	decoder *NetstringDecoder
	writeMu sync.Mutex

	events chan Event
	errs   chan error

	tokenCounter atomic.Uint64
	pendingMu    sync.Mutex
	pending      map[string]chan Response
	timeout      time.Duration

	closed   atomic.Bool
	closedCh chan struct{}

	log *logrus.Entry
}

// Dial connects to baresip at addr.
func Dial(addr string, timeout time.Duration, log *logrus.Entry) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to baresip at %s: %w", addr, err)
	}
	c := NewClient(conn, timeout, log)
	log.Infof("connected to %s", addr)
	return c, nil
}

// NewClient runs the protocol over an established connection.
func NewClient(conn net.Conn, timeout time.Duration, log *logrus.Entry) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &Client{
		conn:     conn,
		encoder:  NewNetstringEncoder(conn),
		decoder:  NewNetstringDecoder(conn),
		events:   make(chan Event, 100),
		errs:     make(chan error, 1),
		pending:  make(map[string]chan Response),
		timeout:  timeout,
		closedCh: make(chan struct{}),
		log:      log,
	}
	go c.readLoop()
	return c
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closedCh)
	return c.conn.Close()
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Errors reports the read error that ended the connection.
func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.errs)

	for {
		data, err := c.decoder.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errs <- fmt.Errorf("reading from baresip: %w", err)
			}
			return
		}
		c.log.Tracef("received: %s", data)

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			c.log.Warnf("invalid JSON: %v", err)
			continue
		}

		if _, ok := probe["event"]; ok {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.log.Warnf("failed to parse event: %v", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closedCh:
				return
			}
			continue
		}

		if _, ok := probe["response"]; ok {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				c.log.Warnf("failed to parse response: %v", err)
				continue
			}
			c.pendingMu.Lock()
			ch, found := c.pending[resp.Token]
			delete(c.pending, resp.Token)
			c.pendingMu.Unlock()
			if found {
				ch <- resp
			} else {
				c.log.Debugf("response without a waiter (token %q)", resp.Token)
			}
		}
	}
}

// Command sends cmd and waits for its response.
func (c *Client) Command(cmd, params string) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	token := fmt.Sprintf("tok%d", c.tokenCounter.Add(1))
	data, err := json.Marshal(command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	respCh := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[token] = respCh
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}

	c.log.Tracef("sending: %s", data)
	c.writeMu.Lock()
	err = c.encoder.Encode(data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("sending command: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return &resp, nil
	case <-c.closedCh:
		forget()
		return nil, ErrClosed
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("command timeout: %s", cmd)
	}
}
