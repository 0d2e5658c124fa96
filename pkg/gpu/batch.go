package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// Instruction words of the simulated command stream. Store instructions are a
// fixed four words: opcode, address low, address high, payload.
const (
	miNoop           uint32 = 0x0
	miBatchBufferEnd uint32 = 0xA << 23
	miStoreDwordImm  uint32 = 0x20<<23 | 2
	miStoreTimestamp uint32 = 0x24<<23 | 2
)

const (
	wordBytes  = 4
	storeWords = 4
	// startAlign is the required alignment of a batch start offset.
	startAlign = 2 * wordBytes
)

// telemetryInstrs is the number of store instructions in a batch's telemetry
// block: completed seqno, completion timestamp, seqno echo to scratch.
const telemetryInstrs = 3

// Batch is one pre-built command buffer. The buffer is sized for the step's
// maximum duration; shorter submissions start deeper into the filler. When
// telemetry is enabled a fixed block of store instructions sits in front of
// the end marker and is re-patched at every submission, since the executing
// engine is only known then.
type Batch struct {
	dev    Device
	handle BufferHandle

	calib      uint64 // no-op words per calibration period
	totalWords int
	telStart   int // word index of the telemetry block, -1 when disabled
}

// fillerWords converts a duration to no-op word count, rounded up to the
// instruction width.
func fillerWords(calib uint64, durUS uint32) int {
	w := (uint64(durUS)*calib + engine.CalibrationPeriodUS - 1) / engine.CalibrationPeriodUS
	if w == 0 {
		w = 1
	}
	return int(w)
}

// BuildBatch allocates and fills the command buffer for one batch step.
// The sizing engine's calibration is used; virtual video steps size against
// the virtual engine's inherited calibration.
func BuildBatch(dev Device, e engine.Engine, cal engine.Calibration, maxDurUS uint32, telemetry bool) (*Batch, error) {
	if cal[e] == 0 {
		return nil, fmt.Errorf("no calibration for engine %s", e)
	}

	b := &Batch{dev: dev, calib: cal[e], telStart: -1}

	filler := fillerWords(b.calib, maxDurUS)
	b.totalWords = filler + 1 // end marker
	if telemetry {
		b.telStart = filler
		b.totalWords += telemetryInstrs * storeWords
	}

	words := make([]uint32, b.totalWords)
	for i := 0; i < filler; i++ {
		words[i] = miNoop
	}
	if telemetry {
		// Opcodes laid out now, addresses and payloads patched per
		// submission.
		words[b.telStart] = miStoreDwordImm
		words[b.telStart+storeWords] = miStoreTimestamp
		words[b.telStart+2*storeWords] = miStoreDwordImm
	}
	words[b.totalWords-1] = miBatchBufferEnd

	h, err := dev.CreateBuffer(b.totalWords * wordBytes)
	if err != nil {
		return nil, fmt.Errorf("allocating batch buffer: %w", err)
	}
	b.handle = h

	if err := dev.WriteBuffer(h, 0, encodeWords(words)); err != nil {
		return nil, fmt.Errorf("writing batch buffer: %w", err)
	}
	return b, nil
}

// Handle returns the batch's buffer handle.
func (b *Batch) Handle() BufferHandle { return b.handle }

// Size returns the buffer size in bytes.
func (b *Batch) Size() int { return b.totalWords * wordBytes }

// StartOffset returns the byte offset execution must start at for the drawn
// duration: deeper into the filler for shorter durations.
func (b *Batch) StartOffset(durUS uint32) int {
	used := fillerWords(b.calib, durUS) + 1
	if b.telStart >= 0 {
		used += telemetryInstrs * storeWords
	}
	off := (b.totalWords - used) * wordBytes
	if off < 0 {
		off = 0
	}
	// Round up so the start lands on instruction-pair alignment, trimming
	// at most a word of filler.
	return (off + startAlign - 1) &^ (startAlign - 1)
}

// Patch rewrites the telemetry block for a submission: the completed-seqno
// and completion-timestamp stores target the telemetry slot of the engine the
// batch will execute on, and the seqno echo targets the scratch page.
func (b *Batch) Patch(page, scratch *Page, e engine.Engine, seqno uint64) error {
	if b.telStart < 0 {
		return nil
	}

	words := make([]uint32, telemetryInstrs*storeWords)
	patchStore(words[0:], miStoreDwordImm, page.Addr(TelemetrySlot(e, TelemetrySeqnoComplete)), uint32(seqno))
	patchStore(words[storeWords:], miStoreTimestamp, page.Addr(TelemetrySlot(e, TelemetryTSComplete)), 0)
	patchStore(words[2*storeWords:], miStoreDwordImm, scratch.Addr(int(e)), uint32(seqno))

	off := b.telStart * wordBytes
	if err := b.dev.WriteBuffer(b.handle, off, encodeWords(words)); err != nil {
		return fmt.Errorf("patching telemetry block: %w", err)
	}
	return nil
}

// Destroy releases the batch's buffer.
func (b *Batch) Destroy() error {
	return b.dev.DestroyBuffer(b.handle)
}

func patchStore(dst []uint32, op uint32, addr uint64, payload uint32) {
	dst[0] = op
	dst[1] = uint32(addr)
	dst[2] = uint32(addr >> 32)
	dst[3] = payload
}

func encodeWords(words []uint32) []byte {
	buf := make([]byte, len(words)*wordBytes)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*wordBytes:], w)
	}
	return buf
}
