package gpu

import (
	"sync/atomic"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// Page is a CPU/GPU-shared memory region of 64-bit words. The GPU writes it
// through store instructions; the CPU reads it without synchronizing against
// in-flight work.
type Page struct {
	handle BufferHandle
	words  []atomic.Uint64
}

func newPage(h BufferHandle, words int) *Page {
	return &Page{handle: h, words: make([]atomic.Uint64, words)}
}

// Handle returns the page's buffer handle.
func (p *Page) Handle() BufferHandle { return p.handle }

// Words returns the page size in 64-bit words.
func (p *Page) Words() int { return len(p.words) }

// Load reads word i.
func (p *Page) Load(i int) uint64 { return p.words[i].Load() }

// Store writes word i.
func (p *Page) Store(i int, v uint64) { p.words[i].Store(v) }

// Addr returns the GPU address of word i, suitable for patching into a store
// instruction.
func (p *Page) Addr(i int) uint64 {
	return uint64(p.handle)<<32 | uint64(i*8)
}

// Telemetry page layout: one slot of TelemetryFields words per engine.
const (
	TelemetrySeqnoIssued = iota
	TelemetrySeqnoComplete
	TelemetryTSSubmit
	TelemetryTSComplete
	TelemetryRuntimeEWMA
	TelemetryFields
)

// TelemetryWords is the page size needed for a full per-engine telemetry page.
const TelemetryWords = int(engine.NumEngines) * TelemetryFields

// TelemetrySlot returns the word index of one telemetry field of an engine.
func TelemetrySlot(e engine.Engine, field int) int {
	return int(e)*TelemetryFields + field
}
