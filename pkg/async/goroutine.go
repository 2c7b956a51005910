package async

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolShutDown is returned when submitting to a pool that is shut down
var ErrPoolShutDown = fmt.Errorf("worker pool shut down")

// ErrPoolFull is returned by TrySubmit when the task queue is full
var ErrPoolFull = fmt.Errorf("worker pool queue full")

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for panics and task errors
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		log = l
	}
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement (timeout <= 0 disables it)
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "feed requery", func(ctx context.Context) error {
//	    return s.refresh(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		} else {
			ctx, cancel = context.WithCancel(parentCtx)
		}
		defer cancel()

		// Recover from panics
		defer func() {
			if r := recover(); r != nil {
				log.WithField("task", taskName).Errorf("PANIC: %v\nStack trace:\n%s", r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithField("task", taskName).WithError(err).Warn("Background task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides graceful shutdown and error collection.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool with a task buffer of twice the
// worker count.
//
// Example:
//
//	pool := NewWorkerPool(ctx, 10, "notification routing", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	return NewWorkerPoolWithQueue(ctx, workers, workers*2, taskName, timeout)
}

// NewWorkerPoolWithQueue creates a worker pool with an explicit task buffer size
func NewWorkerPoolWithQueue(ctx context.Context, workers, queueSize int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, queueSize),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Start workers and wait for them to finish in background
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool, waiting for queue space.
// Returns ErrPoolShutDown if the pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolShutDown
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolShutDown
	}
}

// TrySubmit adds a task without waiting. Returns ErrPoolFull when the queue
// has no space.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolShutDown
	}

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to drain queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		// Submit holds the read lock while sending, so no send can race the close
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"task": p.taskName, "worker": id}).
				Errorf("PANIC: %v\nStack trace:\n%s", r, string(debug.Stack()))
			p.reportError(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.reportError(err)
	}
}

func (p *WorkerPool) reportError(err error) {
	select {
	case p.errCh <- err:
	default:
		log.WithField("task", p.taskName).WithError(err).Warn("Error channel full, dropping error")
	}
}

// KeyedPool runs tasks on single-worker shards selected by key hash, so
// tasks sharing a key execute sequentially in submission order.
type KeyedPool struct {
	shards []*WorkerPool
}

// NewKeyedPool creates shards single-worker pools, each with queueSize buffered tasks
func NewKeyedPool(ctx context.Context, shards, queueSize int, taskName string, timeout time.Duration) *KeyedPool {
	if shards <= 0 {
		shards = 1
	}
	kp := &KeyedPool{shards: make([]*WorkerPool, shards)}
	for i := range kp.shards {
		kp.shards[i] = NewWorkerPoolWithQueue(ctx, 1, queueSize, fmt.Sprintf("%s[%d]", taskName, i), timeout)
	}
	return kp
}

// Submit queues fn on the shard owning key, waiting for queue space
func (kp *KeyedPool) Submit(key string, fn func(context.Context) error) error {
	return kp.shard(key).Submit(fn)
}

// Shutdown drains every shard, waiting up to timeout in total
func (kp *KeyedPool) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var firstErr error
	for _, s := range kp.shards {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := s.Shutdown(remaining); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (kp *KeyedPool) shard(key string) *WorkerPool {
	h := fnv.New32a()
	h.Write([]byte(key))
	return kp.shards[int(h.Sum32()%uint32(len(kp.shards)))]
}
