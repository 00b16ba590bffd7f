package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/metrics"
	"github.com/swarmshard/blockserver/internal/tensor"
)

var (
	// ErrPoolClosed is returned for submissions after shutdown and applied
	// to tasks still queued when the pool stops.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrExecutorFailure wraps a panic raised inside a batch executor. The
	// whole batch fails with it; the scheduling loop survives.
	ErrExecutorFailure = errors.New("pool: executor failure")
)

// Executor runs one batch and returns one output tensor list per task, in
// task order. An error fails every task in the batch.
type Executor func(tasks []*Task) ([][]*tensor.Tensor, error)

// Config bounds batch formation.
type Config struct {
	// MaxBatchSize caps the number of tasks per batch. Default 1.
	MaxBatchSize int
	// MaxBatchBytes caps the summed payload bytes per batch; 0 means no
	// byte budget. A single oversized task still dispatches alone.
	MaxBatchBytes int64
	// StarvationHorizon promotes tasks waiting longer than this to top
	// priority before the next batch forms. Default 10s.
	StarvationHorizon time.Duration
}

// Pool batches prioritized tasks and feeds them to one executor. Tasks pop
// in ascending (priority, arrival) order; batches execute strictly serially
// relative to each other. Pools are created stopped so inference pools can
// be merged before their loops run.
type Pool struct {
	name string
	exec Executor
	cfg  Config
	log  *logger.Logger

	mu      sync.Mutex
	queue   taskQueue
	seq     uint64
	started bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(name string, exec Executor, cfg Config) *Pool {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.StarvationHorizon <= 0 {
		cfg.StarvationHorizon = 10 * time.Second
	}
	return &Pool{
		name: name,
		exec: exec,
		cfg:  cfg,
		log:  logger.Log.Named("pool").Named(name),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (p *Pool) Name() string { return p.name }

// MaxBatchSize returns the configured per-batch task cap.
func (p *Pool) MaxBatchSize() int { return p.cfg.MaxBatchSize }

// Start launches the scheduling loop. Starting twice or after shutdown is an
// error.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return fmt.Errorf("pool %s already started", p.name)
	}
	p.started = true
	go p.run()
	return nil
}

// IsAlive reports whether the scheduling loop has been started and not shut
// down.
func (p *Pool) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.closed
}

// QueueDepth is the number of tasks waiting for dispatch.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Submit enqueues a task keyed by (priority, arrival) and returns its future
// without blocking. Lower priority values dispatch first; ties break FIFO.
func (p *Pool) Submit(tensors []*tensor.Tensor, metadata any, priority float64) (*Future, error) {
	t := &Task{
		Tensors:   tensors,
		Metadata:  metadata,
		priority:  priority,
		submitted: time.Now(),
		future:    newFuture(),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.seq++
	t.arrival = p.seq
	heap.Push(&p.queue, t)
	depth := p.queue.Len()
	p.mu.Unlock()

	metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(depth))
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return t.future, nil
}

// Shutdown stops the scheduling loop and fails all still-queued tasks with
// ErrPoolClosed. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	wasStarted := p.started
	p.mu.Unlock()

	close(p.stop)
	if wasStarted {
		<-p.done
	}

	p.mu.Lock()
	pending := p.queue.drain()
	p.mu.Unlock()
	for _, t := range pending {
		t.future.resolve(nil, ErrPoolClosed)
	}
	metrics.PoolQueueDepth.WithLabelValues(p.name).Set(0)
	p.log.Info("pool shut down", "dropped", len(pending))
}

func (p *Pool) run() {
	defer close(p.done)
	for {
		batch := p.nextBatch()
		if batch == nil {
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}
		p.dispatch(batch)
		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// nextBatch pops tasks in (priority, arrival) order until the count or byte
// budget would be exceeded. Returns nil when the queue is empty.
func (p *Pool) nextBatch() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return nil
	}

	p.promoteStarvedLocked()

	var batch []*Task
	var batchBytes int64
	for p.queue.Len() > 0 && len(batch) < p.cfg.MaxBatchSize {
		next := p.queue.peek()
		if next.future.cancelled.Load() {
			heap.Pop(&p.queue)
			next.future.resolve(nil, context.Canceled)
			metrics.PoolTasksCancelled.WithLabelValues(p.name).Inc()
			continue
		}
		if p.cfg.MaxBatchBytes > 0 && len(batch) > 0 && batchBytes+next.SizeBytes() > p.cfg.MaxBatchBytes {
			break
		}
		heap.Pop(&p.queue)
		batch = append(batch, next)
		batchBytes += next.SizeBytes()
	}
	metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(p.queue.Len()))
	return batch
}

// promoteStarvedLocked lifts tasks older than the horizon to top priority so
// low-priority work cannot wait forever.
func (p *Pool) promoteStarvedLocked() {
	cutoff := time.Now().Add(-p.cfg.StarvationHorizon)
	changed := false
	for _, t := range p.queue.tasks {
		if t.submitted.Before(cutoff) && !math.IsInf(t.priority, -1) {
			t.priority = math.Inf(-1)
			changed = true
			metrics.PoolStarvationPromotions.WithLabelValues(p.name).Inc()
		}
	}
	if changed {
		heap.Init(&p.queue)
	}
}

func (p *Pool) dispatch(batch []*Task) {
	start := time.Now()
	outputs, err := p.safeExec(batch)
	elapsed := time.Since(start)

	metrics.PoolBatchSize.WithLabelValues(p.name).Observe(float64(len(batch)))
	metrics.PoolBatchDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())

	if err == nil && len(outputs) != len(batch) {
		err = fmt.Errorf("%w: executor returned %d outputs for %d tasks", ErrExecutorFailure, len(outputs), len(batch))
	}
	if err != nil {
		metrics.PoolBatchFailures.WithLabelValues(p.name).Inc()
		p.log.Error("batch failed", "tasks", len(batch), "error", err)
		for _, t := range batch {
			t.future.resolve(nil, err)
		}
		return
	}
	for i, t := range batch {
		t.future.resolve(outputs[i], nil)
	}
}

// safeExec shields the scheduling loop from executor panics: the batch fails,
// subsequent batches still run.
func (p *Pool) safeExec(batch []*Task) (outputs [][]*tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("%w: panic: %v", ErrExecutorFailure, r)
		}
	}()
	return p.exec(batch)
}

// taskQueue is a min-heap over (priority, arrival).
type taskQueue struct {
	tasks []*Task
}

func (q *taskQueue) Len() int { return len(q.tasks) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.tasks[i], q.tasks[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.arrival < b.arrival
}

func (q *taskQueue) Swap(i, j int) { q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i] }

func (q *taskQueue) Push(x any) { q.tasks = append(q.tasks, x.(*Task)) }

func (q *taskQueue) Pop() any {
	n := len(q.tasks)
	t := q.tasks[n-1]
	q.tasks[n-1] = nil
	q.tasks = q.tasks[:n-1]
	return t
}

func (q *taskQueue) peek() *Task { return q.tasks[0] }

func (q *taskQueue) drain() []*Task {
	out := q.tasks
	q.tasks = nil
	return out
}
