// Package dispatch runs work items one at a time, in submission order, on a
// single worker goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Do once the dispatcher has been stopped.
var ErrStopped = errors.New("dispatcher stopped")

// PanicHandler is told about a work item that panicked. It runs on the
// worker goroutine.
type PanicHandler func(name string, recovered interface{})

type item struct {
	name string
	due  time.Time
	fn   func()
}

// Dispatcher is an unbounded FIFO of work items drained by one goroutine.
// Post never blocks. Items never overlap and run in the order they were
// posted, including delayed ones: an item is never due before an item
// posted ahead of it.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []item
	lastDue time.Time
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once

	onPanic PanicHandler
	log     *logrus.Entry

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New creates a dispatcher. Call Start to launch the worker.
func New(log *logrus.Entry, onPanic PanicHandler) *Dispatcher {
	return &Dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onPanic: onPanic,
		log:     log,
	}
}

// Start launches the worker goroutine. The worker exits when ctx is
// canceled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.done:
		}
	}()
	go d.loop()
}

// Stop ends the worker. Items still queued are dropped.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		dropped := len(d.queue)
		d.queue = nil
		d.mu.Unlock()
		if dropped > 0 {
			d.log.Warnf("stopping with %d queued items dropped", dropped)
		}
		d.signal()
	})
}

// Done is closed once the worker has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Post queues fn to run as soon as the items ahead of it have run.
func (d *Dispatcher) Post(name string, fn func()) {
	d.PostAfter(0, name, fn)
}

// PostAfter queues fn to run no sooner than delay from now.
func (d *Dispatcher) PostAfter(delay time.Duration, name string, fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.log.Debugf("dropping %s: dispatcher stopped", name)
		return
	}
	due := time.Now().Add(delay)
	if due.Before(d.lastDue) {
		due = d.lastDue
	}
	d.lastDue = due
	d.queue = append(d.queue, item{name: name, due: due, fn: fn})
	d.mu.Unlock()
	d.signal()
}

// Do runs fn on the worker and waits for it to finish.
func (d *Dispatcher) Do(ctx context.Context, name string, fn func()) error {
	finished := make(chan struct{})
	d.Post(name, func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-d.done:
		// The item may have run right before the worker exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued items.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats returns how many items ran and how many of them panicked.
func (d *Dispatcher) Stats() (executed, panicked uint64) {
	return d.executed.Load(), d.panics.Load()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.wake
			continue
		}
		head := d.queue[0]
		if wait := time.Until(head.due); wait > 0 {
			d.mu.Unlock()
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			select {
			case <-timer.C:
			case <-d.wake:
				timer.Stop()
			}
			continue
		}
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(head)
	}
}

func (d *Dispatcher) run(it item) {
	defer d.executed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.log.WithField("item", it.name).Errorf("recovered panic: %v\n%s", r, debug.Stack())
			if d.onPanic != nil {
				d.safePanicHandler(it.name, r)
			}
		}
	}()
	it.fn()
}

func (d *Dispatcher) safePanicHandler(name string, r interface{}) {
	defer func() {
		if r2 := recover(); r2 != nil {
			d.log.Errorf("panic handler for %s panicked: %v", name, fmt.Sprint(r2))
		}
	}()
	d.onPanic(name, r)
}
