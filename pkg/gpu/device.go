// Package gpu defines the submission interface the simulator drives, the
// command-buffer builder that fills batches with calibrated no-op work, and a
// simulated device that executes those buffers on per-engine queues.
package gpu

import (
	"context"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// BufferHandle names a GPU buffer object.
type BufferHandle uint32

// ContextHandle names a GPU scheduling context.
type ContextHandle uint32

// Fence is a completion handle. Hardware out-fences and software timeline
// fences both satisfy it.
type Fence interface {
	Done() <-chan struct{}
	Signaled() bool
}

// SubmitRequest describes one batch submission.
type SubmitRequest struct {
	Context ContextHandle
	Engine  engine.Engine // must be physical
	Buffer  BufferHandle
	Start   int // byte offset of the first instruction to execute

	// Reads are buffers the batch consumes; execution waits for their last
	// writer. Writes are buffers the batch produces into, including the
	// implicit output object.
	Reads  []BufferHandle
	Writes []BufferHandle

	InFence  Fence // optional; execution waits for it
	OutFence bool  // request a fence usable as a later in-fence
}

// Submission is the result of a successful submit.
type Submission struct {
	Engine engine.Engine
	Fence  Fence // nil unless OutFence was requested
}

// Device is the GPU submission collaborator. Implementations are safe for
// concurrent use from multiple clients.
type Device interface {
	// Generation reports the hardware generation; telemetry-consuming
	// balancers need generation 8 or newer.
	Generation() int

	// EngineCount reports how many physical engines serve submissions to
	// e: the members of the virtual class for a virtual engine, one for a
	// present physical engine, zero otherwise.
	EngineCount(e engine.Engine) int

	CreateBuffer(size int) (BufferHandle, error)
	WriteBuffer(h BufferHandle, off int, data []byte) error
	DestroyBuffer(h BufferHandle) error

	// CreatePage allocates a CPU/GPU-coherent page of 64-bit words that
	// store instructions inside batches can write through to.
	CreatePage(words int) (*Page, error)

	CreateContext(priority int) (ContextHandle, error)

	Submit(req SubmitRequest) (*Submission, error)

	// WaitBuffer blocks until the last submission referencing h completes.
	WaitBuffer(ctx context.Context, h BufferHandle) error

	// Timestamp reads the engine's monotonic hardware timestamp register,
	// in microseconds of GPU time.
	Timestamp(e engine.Engine) uint64

	Close() error
}

// WaitFence blocks until f signals or the context is cancelled.
func WaitFence(ctx context.Context, f Fence) error {
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
