package store

import (
	"context"
	"sync"
)

// Feed is a Subscription backed by an unbounded queue. Producers Push
// without blocking; one goroutine hands snapshots to the reader in order.
type Feed struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Snapshot
	closed  bool

	out     chan Snapshot
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewFeed starts a feed. onClose, if set, runs once when the feed closes.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		out:     make(chan Snapshot),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	f.cond = sync.NewCond(&f.mu)
	go f.deliver()
	return f
}

// Push queues snap. It is dropped if the feed is closed.
func (f *Feed) Push(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = append(f.pending, snap)
	f.cond.Signal()
}

// CloseOn closes the feed when ctx is done.
func (f *Feed) CloseOn(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.done:
		}
	}()
}

// Done is closed once the feed is closed
func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) deliver() {
	defer close(f.out)
	for {
		f.mu.Lock()
		for len(f.pending) == 0 && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		snap := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		select {
		case f.out <- snap:
		case <-f.done:
			return
		}
	}
}

// Snapshots implements Subscription.
func (f *Feed) Snapshots() <-chan Snapshot { return f.out }

// Close implements Subscription.
func (f *Feed) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.pending = nil
		f.cond.Broadcast()
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
