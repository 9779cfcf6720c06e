package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

const (
	defaultQueueSize    = 256
	defaultQueueWorkers = 2
)

var queueDrops = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vaultd",
	Subsystem: "engine",
	Name:      "queue_drops_total",
	Help:      "Background tasks dropped because the queue was full",
})

// Queue runs best-effort side effects off the hot path. Enqueue never
// blocks: a full queue drops the task and counts the drop.
type Queue struct {
	tasks  chan func(context.Context)
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts the worker goroutines.
func NewQueue(cfg config.QueueConfig, logger *logging.Logger) *Queue {
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultQueueWorkers
	}

	q := &Queue{
		tasks:  make(chan func(context.Context), size),
		logger: logger.Named("queue"),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(context.Background(), "background task panicked", zap.Any("panic", r))
		}
	}()
	task(context.Background())
}

// Enqueue submits a task. Returns false when the queue is full or closed.
func (q *Queue) Enqueue(task func(context.Context)) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		queueDrops.Inc()
		return false
	}
}

// Close stops intake, drains queued tasks, and waits for the workers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
