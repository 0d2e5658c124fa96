// Package swfence provides a software fence timeline: a CPU-advanced
// synchronization primitive whose fences complete when the timeline value
// reaches the point they were created at, independent of GPU execution.
package swfence

import (
	"context"
	"sync"
)

// Timeline is a monotonically advancing counter with attached fences.
type Timeline struct {
	mu      sync.Mutex
	value   uint64
	pending []*Fence
}

// Fence completes once its timeline reaches the value it was created at.
type Fence struct {
	value uint64
	done  chan struct{}
}

// New creates a timeline at value zero.
func New() *Timeline {
	return &Timeline{}
}

// Value returns the current timeline value.
func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// FenceAt creates a fence that signals when the timeline reaches v. A fence at
// or below the current value is born signaled.
func (t *Timeline) FenceAt(v uint64) *Fence {
	f := &Fence{value: v, done: make(chan struct{})}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value >= v {
		close(f.done)
		return f
	}
	t.pending = append(t.pending, f)
	return f
}

// Advance moves the timeline forward by n and signals every fence whose value
// has been reached.
func (t *Timeline) Advance(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.value += n

	live := t.pending[:0]
	for _, f := range t.pending {
		if t.value >= f.value {
			close(f.done)
		} else {
			live = append(live, f)
		}
	}
	t.pending = live
}

// Done returns a channel closed once the fence has signaled.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Signaled reports fence completion without blocking.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the fence signals or the context is cancelled.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
