// Package workerpool provides a bounded, key-sharded worker pool. Tasks that
// share a key run one at a time in submission order; different keys run
// concurrently.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("worker pool stopped")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers, one queue each
	Workers int
	// QueueSize is the capacity of each worker's queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	key    string
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config Config
	logger *zap.Logger

	queues []chan *task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: cfg,
		logger: logger,
		queues: make([]chan *task, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *task, cfg.QueueSize)
	}
	return p
}

// Start launches all workers
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues fn on the worker owning key, blocking while that queue is
// full. The returned channel yields fn's final error once.
func (p *Pool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (<-chan error, error) {
	if fn == nil {
		return nil, errors.New("task function is required")
	}
	t := &task{key: key, ctx: ctx, fn: fn, result: make(chan error, 1)}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	select {
	case p.queues[p.shard(key)] <- t:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrStopped
	}
}

// Do submits fn and waits for it
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	res, err := p.Submit(ctx, key, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains queued tasks and waits for workers, up to the shutdown timeout
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.queues[id] {
		atomic.AddInt64(&p.queueDepth, -1)
		err := p.run(t)
		if err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task failed",
				zap.String("key", t.key),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		t.result <- err
	}
}

// run executes t, retrying failures that are not permanent
func (p *Pool) run(t *task) error {
	ctx := t.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = t.fn(ctx); err == nil || IsPermanent(err) {
			return err
		}
		if attempt >= p.config.MaxRetries {
			return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("key", t.key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether queues are below 90% of capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
