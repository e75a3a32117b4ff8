package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop runs posted tasks one at a time, in the order they were posted, on a
// single worker goroutine. Callbacks dispatched through the same Loop never
// run concurrently with each other.
type Loop struct {
	tasks     chan func()
	logger    *zap.Logger
	wg        sync.WaitGroup
	shutdown  chan struct{}
	isRunning bool
	mutex     sync.RWMutex

	processed atomic.Int64
	panics    atomic.Int64
}

type Stats struct {
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
	Processed int64 `json:"processed"`
	Panics    int64 `json:"panics"`
	IsRunning bool  `json:"is_running"`
}

func New(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1
	}

	loop := &Loop{
		tasks:     make(chan func(), queueSize),
		logger:    logger,
		shutdown:  make(chan struct{}),
		isRunning: true,
	}

	loop.wg.Add(1)
	go loop.worker()

	return loop
}

func (l *Loop) worker() {
	defer l.wg.Done()

	for {
		select {
		case task := <-l.tasks:
			l.run(task)
		case <-l.shutdown:
			return
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("Event loop task panicked", zap.Any("panic", r))
		}
	}()

	task()
	l.processed.Add(1)
}

// Post queues task behind every previously posted task. It blocks while the
// queue is full and returns false once the loop has been shut down.
func (l *Loop) Post(task func()) bool {
	if task == nil {
		return false
	}

	l.mutex.RLock()
	if !l.isRunning {
		l.mutex.RUnlock()
		return false
	}
	l.mutex.RUnlock()

	select {
	case l.tasks <- task:
		return true
	case <-l.shutdown:
		return false
	}
}

// Flush waits until every task posted before the call has run. It must not
// be called from a task.
func (l *Loop) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return fmt.Errorf("event loop stopped")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Size() int {
	return len(l.tasks)
}

func (l *Loop) IsRunning() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.isRunning
}

func (l *Loop) GetStats() Stats {
	return Stats{
		Pending:   len(l.tasks),
		Capacity:  cap(l.tasks),
		Processed: l.processed.Load(),
		Panics:    l.panics.Load(),
		IsRunning: l.IsRunning(),
	}
}

// Shutdown stops the worker after the task it is running, if any. Tasks that
// were still queued are discarded.
func (l *Loop) Shutdown(timeout time.Duration) error {
	l.mutex.Lock()
	if !l.isRunning {
		l.mutex.Unlock()
		return nil
	}
	l.isRunning = false
	l.mutex.Unlock()

	close(l.shutdown)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if dropped := l.drain(); dropped > 0 {
			l.logger.Debug("Discarded pending tasks on shutdown", zap.Int("count", dropped))
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event loop shutdown timeout exceeded")
	}
}

func (l *Loop) drain() int {
	drained := 0
	for {
		select {
		case <-l.tasks:
			drained++
		default:
			return drained
		}
	}
}
