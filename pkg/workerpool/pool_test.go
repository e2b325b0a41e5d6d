package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{Workers: 4, QueueSize: 16, MaxRetries: 2, RetryDelay: time.Millisecond, GracefulShutdownTimeout: time.Second}
}

func TestSameKeyRunsInOrder(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	var mu sync.Mutex
	seen := map[string][]int{}
	var results []<-chan error
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("order-%d", i%3)
		i := i
		res, err := p.Submit(context.Background(), key, func(ctx context.Context) error {
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		results = append(results, res)
	}
	for _, r := range results {
		if err := <-r; err != nil {
			t.Fatalf("task: %v", err)
		}
	}

	for key, order := range seen {
		for j := 1; j < len(order); j++ {
			if order[j] < order[j-1] {
				t.Fatalf("%s ran out of order: %v", key, order)
			}
		}
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	var calls atomic.Int32
	err := p.Do(context.Background(), "k", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	if err != nil || calls.Load() != 3 {
		t.Fatalf("Do() = %v after %d calls", err, calls.Load())
	}

	boom := errors.New("boom")
	calls.Store(0)
	err = p.Do(context.Background(), "k", func(ctx context.Context) error {
		calls.Add(1)
		return boom
	})
	if !errors.Is(err, boom) || calls.Load() != 3 {
		t.Fatalf("expected boom after 3 attempts, got %v after %d", err, calls.Load())
	}
	if p.Stats().TasksRetried != 4 {
		t.Errorf("expected 4 retries, got %d", p.Stats().TasksRetried)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()
	defer p.Stop()

	invalid := errors.New("invalid transition")
	var calls atomic.Int32
	err := p.Do(context.Background(), "k", func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(invalid)
	})
	if !errors.Is(err, invalid) || !IsPermanent(err) || calls.Load() != 1 {
		t.Fatalf("got %v after %d calls", err, calls.Load())
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(testConfig(), nil)
	p.Start()

	var ran atomic.Bool
	res, _ := p.Submit(context.Background(), "k", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-res; err != nil || !ran.Load() {
		t.Fatal("queued task not drained on stop")
	}
	if _, err := p.Submit(context.Background(), "k", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if p.Stop() != nil {
		t.Error("second Stop should be a no-op")
	}
}
