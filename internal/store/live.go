package store

import (
	"context"
	"sync"
)

// Live keeps the most recent result set of a subscription. When the
// subscription reports an error the last good result set is retained.
type Live struct {
	sub Subscription

	mu      sync.RWMutex
	docs    []Document
	err     error
	version int

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Watch subscribes to q and tracks its latest snapshot. onSnapshot, when
// non-nil, is called from the delivery goroutine after each update.
func Watch(ctx context.Context, s Store, q Query, onSnapshot func(Snapshot)) (*Live, error) {
	sub, err := s.Subscribe(ctx, q)
	if err != nil {
		return nil, err
	}
	l := &Live{
		sub:   sub,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run(onSnapshot)
	return l, nil
}

func (l *Live) run(onSnapshot func(Snapshot)) {
	defer close(l.done)
	for snap := range l.sub.Snapshots() {
		l.mu.Lock()
		if snap.Err != nil {
			l.err = snap.Err
		} else {
			l.docs = snap.Docs
			l.err = nil
		}
		l.version++
		l.mu.Unlock()
		l.once.Do(func() { close(l.ready) })

		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}
	l.once.Do(func() { close(l.ready) })
}

// Ready is closed once the first snapshot has been applied.
func (l *Live) Ready() <-chan struct{} { return l.ready }

// Wait blocks until the first snapshot has arrived.
func (l *Live) Wait(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the last good result set and the most recent error, if
// the latest delivery failed.
func (l *Live) Latest() ([]Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	docs := make([]Document, len(l.docs))
	copy(docs, l.docs)
	return docs, l.err
}

// Version counts the snapshots applied so far
func (l *Live) Version() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Close releases the subscription and waits for delivery to stop.
func (l *Live) Close() error {
	err := l.sub.Close()
	<-l.done
	return err
}
