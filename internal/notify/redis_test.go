package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/event"
	"github.com/dense-identity/callctl/internal/logging"
)

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	err      error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) published() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels...), append([][]byte(nil), f.messages...)
}

// TestPublisherPublishesInOrder tests JSON encoding and ordering
func TestPublisherPublishesInOrder(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(fake, "callctl:test", 16, logging.Discard())

	p.OnCallStateChanged("c1", 1, "CALLING")
	p.OnCallFeatureToggled("c1", delegate.FeatureHold, true)
	p.OnExceptionRaised("c2", event.HangupCall, "Call with ID c2 not found.")
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	channels, messages := fake.published()
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for _, ch := range channels {
		if ch != "callctl:test" {
			t.Errorf("channel: got %q", ch)
		}
	}

	var n delegate.Notification
	if err := json.Unmarshal(messages[0], &n); err != nil {
		t.Fatal(err)
	}
	if n.Kind != delegate.KindCallState || n.CallID != "c1" || n.StateName != "CALLING" {
		t.Errorf("first message: %+v", n)
	}
	if err := json.Unmarshal(messages[2], &n); err != nil {
		t.Fatal(err)
	}
	if n.Kind != delegate.KindException || n.Action != "HANGUP_CALL" {
		t.Errorf("last message: %+v", n)
	}
}

// TestPublisherErrorsAreLogged tests that publish failures do not block
func TestPublisherErrorsAreLogged(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := newPublisher(fake, "callctl:test", 4, logging.Discard())
	for i := 0; i < 10; i++ {
		p.OnTransferStatusChanged("c1", true)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, messages := fake.published(); len(messages) != 0 {
		t.Errorf("got %d messages, want 0", len(messages))
	}
}

// TestPublisherAfterClose tests that notifications after Close are ignored
func TestPublisherAfterClose(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(fake, "callctl:test", 4, logging.Discard())
	p.Close()
	p.OnCallStateChanged("c1", 6, "DISCONNECTED")
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, messages := fake.published(); len(messages) != 0 {
		t.Errorf("got %d messages, want 0", len(messages))
	}
}

// TestPublisherKeepsReleasedHold tests that an unhold toggle carries status false
func TestPublisherKeepsReleasedHold(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(fake, "callctl:test", 4, logging.Discard())
	p.OnCallFeatureToggled("c1", delegate.FeatureHold, false)
	p.OnTransferStatusChanged("c1", false)
	p.Close()

	_, messages := fake.published()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(messages[0], &doc); err != nil {
		t.Fatal(err)
	}
	if status, ok := doc["status"]; !ok || status != false {
		t.Errorf("toggle: got %s, want status false", messages[0])
	}
	doc = nil
	if err := json.Unmarshal(messages[1], &doc); err != nil {
		t.Fatal(err)
	}
	if success, ok := doc["success"]; !ok || success != false {
		t.Errorf("transfer: got %s, want success false", messages[1])
	}
}
