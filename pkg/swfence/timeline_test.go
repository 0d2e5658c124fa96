package swfence

import (
	"context"
	"testing"
	"time"
)

// TestFenceBornSignaled verifies fences at or below the timeline value
func TestFenceBornSignaled(t *testing.T) {
	tl := New()
	if f := tl.FenceAt(0); !f.Signaled() {
		t.Error("Fence at 0 should be born signaled")
	}

	tl.Advance(5)
	if f := tl.FenceAt(3); !f.Signaled() {
		t.Error("Fence below the timeline value should be born signaled")
	}
	if f := tl.FenceAt(6); f.Signaled() {
		t.Error("Fence above the timeline value should not be signaled")
	}
}

// TestAdvanceSignals verifies that advancing releases exactly the fences reached
func TestAdvanceSignals(t *testing.T) {
	tl := New()
	f1 := tl.FenceAt(1)
	f2 := tl.FenceAt(2)
	f3 := tl.FenceAt(3)

	tl.Advance(2)
	if !f1.Signaled() || !f2.Signaled() {
		t.Error("Fences at 1 and 2 should be signaled after advancing to 2")
	}
	if f3.Signaled() {
		t.Error("Fence at 3 signaled too early")
	}
	if tl.Value() != 2 {
		t.Errorf("Expected timeline value 2, got %d", tl.Value())
	}

	tl.Advance(1)
	if !f3.Signaled() {
		t.Error("Fence at 3 should be signaled after advancing to 3")
	}
}

// TestWaitCancel verifies that Wait honors context cancellation
func TestWaitCancel(t *testing.T) {
	tl := New()
	f := tl.FenceAt(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); err == nil {
		t.Error("Expected context error waiting on unsignaled fence")
	}

	tl.Advance(1)
	if err := f.Wait(context.Background()); err != nil {
		t.Errorf("Wait on signaled fence failed: %v", err)
	}
}

// TestWaitUnblocks verifies that a concurrent advance releases a waiter
func TestWaitUnblocks(t *testing.T) {
	tl := New()
	f := tl.FenceAt(4)

	go func() {
		time.Sleep(5 * time.Millisecond)
		tl.Advance(4)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}
