package delegate

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Broadcaster is a Delegate that copies every notification to all current
// subscribers. A subscriber that falls behind loses notifications instead of
// stalling the worker.
type Broadcaster struct {
	Sink

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	log    *logrus.Entry
}

// Subscription is one consumer of a Broadcaster.
type Subscription struct {
	C <-chan Notification

	ch        chan Notification
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Dropped returns how many notifications this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer notifications.
func NewBroadcaster(buffer int, log *logrus.Entry) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
	b.Sink = Sink{Emit: b.publish}
	return b
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Notification, b.buffer)
	sub := &Subscription{C: ch, ch: ch}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe is idempotent: it detaches sub and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Subscribers returns the number of attached consumers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			b.log.Warnf("subscriber full, dropping %s notification for %s", n.Kind, n.CallID)
		}
	}
}
