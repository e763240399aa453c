package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dense-identity/callctl/internal/logging"
)

func newStarted(t *testing.T, onPanic PanicHandler) *Dispatcher {
	t.Helper()
	d := New(logging.Discard(), onPanic)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

// TestSubmissionOrder tests that items run in the order they were posted
func TestSubmissionOrder(t *testing.T) {
	d := newStarted(t, nil)

	var (
		mu  sync.Mutex
		got []int
	)
	const n = 200
	for i := 0; i < n; i++ {
		i := i
		d.Post("item", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	if err := d.Do(context.Background(), "barrier", func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("ran %d items, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran item %d", i, v)
		}
	}
}

// TestNoOverlap tests that concurrent posters never cause overlapping items
func TestNoOverlap(t *testing.T) {
	d := newStarted(t, nil)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.Post("item", func() {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					time.Sleep(10 * time.Microsecond)
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	if err := d.Do(context.Background(), "barrier", func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Errorf("max concurrently running items: got %d, want 1", maxActive.Load())
	}
}

// TestPanicDoesNotStopWorker tests recovery from a panicking item
func TestPanicDoesNotStopWorker(t *testing.T) {
	var panicked atomic.Value
	d := newStarted(t, func(name string, r interface{}) {
		panicked.Store(name)
	})

	d.Post("boom", func() { panic("kaboom") })

	ran := false
	if err := d.Do(context.Background(), "after", func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("item after the panic did not run")
	}
	if name, _ := panicked.Load().(string); name != "boom" {
		t.Errorf("panic handler got %q, want boom", name)
	}
	executed, panics := d.Stats()
	if executed != 2 || panics != 1 {
		t.Errorf("stats: executed=%d panics=%d, want 2 and 1", executed, panics)
	}
}

// TestDelayedItemsKeepOrder tests that a zero-delay item posted after a
// delayed one still runs after it
func TestDelayedItemsKeepOrder(t *testing.T) {
	d := newStarted(t, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	start := time.Now()
	d.PostAfter(30*time.Millisecond, "delayed", record("delayed"))
	d.Post("immediate", record("immediate"))
	if err := d.Do(context.Background(), "barrier", func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("delayed item ran after %v, want at least 30ms", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "delayed" || order[1] != "immediate" {
		t.Errorf("order: got %v, want [delayed immediate]", order)
	}
}

// TestStop tests that Do fails and Post is dropped after Stop
func TestStop(t *testing.T) {
	d := New(logging.Discard(), nil)
	d.Start(context.Background())
	d.Stop()
	<-d.Done()

	d.Post("late", func() { t.Error("item ran after Stop") })
	if d.Len() != 0 {
		t.Errorf("queue length after Stop: got %d, want 0", d.Len())
	}

	err := d.Do(context.Background(), "late", func() {})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Do after Stop: got %v, want ErrStopped", err)
	}
}

// TestDoContextCanceled tests that Do honors its context
func TestDoContextCanceled(t *testing.T) {
	d := newStarted(t, nil)

	release := make(chan struct{})
	d.Post("blocker", func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Do(ctx, "waiting", func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do: got %v, want DeadlineExceeded", err)
	}
}
