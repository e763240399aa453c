// Package notify republishes notifications on a Redis pub/sub channel so
// hosts in other processes can follow call progress.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/delegate"
)

const publishTimeout = 2 * time.Second

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher is a Delegate that JSON-encodes each notification and publishes
// it from its own goroutine. When the queue is full notifications are
// dropped.
type Publisher struct {
	delegate.Sink

	rdb     publisher
	closer  func() error
	channel string
	queue   chan delegate.Notification
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     *logrus.Entry
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Queue    int
}

// New connects to Redis and starts the publish loop.
func New(opts Options, log *logrus.Entry) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Infof("connected to Redis at %s", opts.Addr)

	p := newPublisher(rdb, opts.Channel, opts.Queue, log)
	p.closer = rdb.Close
	return p, nil
}

func newPublisher(rdb publisher, channel string, queue int, log *logrus.Entry) *Publisher {
	if queue <= 0 {
		queue = 256
	}
	p := &Publisher{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan delegate.Notification, queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	p.Sink = delegate.Sink{Emit: p.enqueue}
	go p.loop()
	return p
}

func (p *Publisher) enqueue(n delegate.Notification) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- n:
	default:
		p.log.Warnf("publish queue full, dropping %s notification for %s", n.Kind, n.CallID)
	}
}

func (p *Publisher) loop() {
	defer close(p.stopped)
	for {
		select {
		case n := <-p.queue:
			p.publish(n)
		case <-p.done:
			for {
				select {
				case n := <-p.queue:
					p.publish(n)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(n delegate.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		p.log.Errorf("failed to marshal notification: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warnf("failed to publish to %s: %v", p.channel, err)
	}
}

// Close stops accepting notifications, flushes what is queued and closes
// the Redis client.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		<-p.stopped
		if p.closer != nil {
			err = p.closer()
		}
	})
	return err
}
