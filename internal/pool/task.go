package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmshard/blockserver/internal/tensor"
)

// Task is one caller's pending unit of work. Tasks are created per request
// and resolved exactly once through their future.
type Task struct {
	Tensors  []*tensor.Tensor
	Metadata any

	priority  float64
	arrival   uint64
	submitted time.Time
	future    *Future
}

// Priority returns the task's effective priority (lower runs first).
func (t *Task) Priority() float64 { return t.priority }

// SizeBytes is the task's contribution to a batch's byte budget.
func (t *Task) SizeBytes() int64 {
	var n int64
	for _, ts := range t.Tensors {
		n += ts.SizeBytes()
	}
	return n
}

type outcome struct {
	tensors []*tensor.Tensor
	err     error
}

// Future is the caller's handle on a submitted task. Await is the only
// blocking point; Cancel before dispatch makes the scheduler skip the task.
type Future struct {
	once      sync.Once
	ch        chan outcome
	cancelled atomic.Bool
}

func newFuture() *Future {
	return &Future{ch: make(chan outcome, 1)}
}

// Await blocks until the task resolves or ctx is done. A ctx expiry cancels
// the task if it has not been dispatched yet; a task already dispatched runs
// to completion regardless.
func (f *Future) Await(ctx context.Context) ([]*tensor.Tensor, error) {
	select {
	case out := <-f.ch:
		return out.tensors, out.err
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel marks the task to be skipped when popped, if the scheduler has not
// dispatched it yet.
func (f *Future) Cancel() {
	f.cancelled.Store(true)
}

func (f *Future) resolve(tensors []*tensor.Tensor, err error) {
	f.once.Do(func() {
		f.ch <- outcome{tensors: tensors, err: err}
	})
}
