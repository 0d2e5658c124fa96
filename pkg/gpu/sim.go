package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// SimOptions configures a simulated device.
type SimOptions struct {
	// Generation is the advertised hardware generation.
	Generation int

	// Calibration expresses the simulated engine speed: no-op words
	// executed per calibration period.
	Calibration engine.Calibration

	// TimeScale is wall nanoseconds per microsecond of simulated GPU time.
	// The default of 1000 runs in real time; tests shrink it.
	TimeScale float64

	// QueueLen is the per-engine submission queue depth.
	QueueLen int
}

func (o *SimOptions) withDefaults() SimOptions {
	out := *o
	if out.Generation == 0 {
		out.Generation = 9
	}
	if out.TimeScale == 0 {
		out.TimeScale = 1000
	}
	if out.QueueLen == 0 {
		out.QueueLen = 256
	}
	return out
}

// SimDevice is an in-process Device implementation. Each physical engine is a
// goroutine draining a FIFO submission queue; batches execute by decoding
// their instruction stream, burning scaled wall time for the no-op filler and
// writing store instructions through to coherent pages.
type SimDevice struct {
	opts  SimOptions
	start time.Time

	mu       sync.Mutex
	buffers  map[BufferHandle]*simBuffer
	pages    map[BufferHandle]*Page
	contexts map[ContextHandle]int

	nextHandle uint32
	nextCtx    uint32
	closed     atomic.Bool

	engines map[engine.Engine]*simEngine
	wg      sync.WaitGroup
}

type simBuffer struct {
	mu   sync.Mutex
	data []byte
	last *simFence // fence of the newest submission referencing this buffer
}

type simEngine struct {
	id   engine.Engine
	subq chan *simSub
}

type simSub struct {
	buf   *simBuffer
	start int
	deps  []Fence
	in    Fence
	out   *simFence
}

type simFence struct {
	done chan struct{}
}

func (f *simFence) Done() <-chan struct{} { return f.done }

func (f *simFence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// NewSimDevice opens a simulated device. The calibration describes the
// simulated hardware speed and must cover every physical engine.
func NewSimDevice(opts SimOptions) (*SimDevice, error) {
	o := opts.withDefaults()
	if err := o.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("sim device: %w", err)
	}

	d := &SimDevice{
		opts:     o,
		start:    time.Now(),
		buffers:  make(map[BufferHandle]*simBuffer),
		pages:    make(map[BufferHandle]*Page),
		contexts: make(map[ContextHandle]int),
		engines:  make(map[engine.Engine]*simEngine),
	}

	for _, e := range engine.Physical() {
		se := &simEngine{id: e, subq: make(chan *simSub, o.QueueLen)}
		d.engines[e] = se
		d.wg.Add(1)
		go d.engineLoop(se)
	}
	return d, nil
}

func (d *SimDevice) Generation() int { return d.opts.Generation }

func (d *SimDevice) EngineCount(e engine.Engine) int {
	if e.Virtual() {
		return len(engine.VideoEngines)
	}
	if _, ok := d.engines[e]; ok {
		return 1
	}
	return 0
}

func (d *SimDevice) CreateBuffer(size int) (BufferHandle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid buffer size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	h := BufferHandle(d.nextHandle)
	d.buffers[h] = &simBuffer{data: make([]byte, size)}
	return h, nil
}

func (d *SimDevice) WriteBuffer(h BufferHandle, off int, data []byte) error {
	buf, err := d.buffer(h)
	if err != nil {
		return err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if off < 0 || off+len(data) > len(buf.data) {
		return fmt.Errorf("write outside buffer %d: off %d len %d", h, off, len(data))
	}
	copy(buf.data[off:], data)
	return nil
}

func (d *SimDevice) DestroyBuffer(h BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[h]; !ok {
		return fmt.Errorf("unknown buffer %d", h)
	}
	delete(d.buffers, h)
	delete(d.pages, h)
	return nil
}

func (d *SimDevice) CreatePage(words int) (*Page, error) {
	h, err := d.CreateBuffer(words * 8)
	if err != nil {
		return nil, err
	}
	p := newPage(h, words)
	d.mu.Lock()
	d.pages[h] = p
	d.mu.Unlock()
	return p, nil
}

func (d *SimDevice) CreateContext(priority int) (ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCtx++
	c := ContextHandle(d.nextCtx)
	d.contexts[c] = priority
	return c, nil
}

func (d *SimDevice) Submit(req SubmitRequest) (*Submission, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("device closed")
	}
	se, ok := d.engines[req.Engine]
	if !ok {
		return nil, fmt.Errorf("cannot submit to engine %s", req.Engine)
	}

	d.mu.Lock()
	buf, ok := d.buffers[req.Buffer]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("unknown buffer %d", req.Buffer)
	}
	if _, ok := d.contexts[req.Context]; !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("unknown context %d", req.Context)
	}

	sub := &simSub{
		buf:   buf,
		start: req.Start,
		in:    req.InFence,
		out:   &simFence{done: make(chan struct{})},
	}

	// Implicit sync: wait for the last writer of every read buffer and the
	// previous fence of every written buffer, then take over as the last
	// submission of the batch and written buffers.
	for _, h := range req.Reads {
		if b, ok := d.buffers[h]; ok && b.last != nil {
			sub.deps = append(sub.deps, b.last)
		}
	}
	writes := append([]BufferHandle{req.Buffer}, req.Writes...)
	for _, h := range writes {
		b, ok := d.buffers[h]
		if !ok {
			d.mu.Unlock()
			return nil, fmt.Errorf("unknown buffer %d", h)
		}
		if b.last != nil {
			sub.deps = append(sub.deps, b.last)
		}
	}
	for _, h := range writes {
		d.buffers[h].last = sub.out
	}
	d.mu.Unlock()

	se.subq <- sub

	out := &Submission{Engine: req.Engine}
	if req.OutFence {
		out.Fence = sub.out
	}
	return out, nil
}

func (d *SimDevice) WaitBuffer(ctx context.Context, h BufferHandle) error {
	buf, err := d.buffer(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	last := buf.last
	d.mu.Unlock()
	if last == nil {
		return nil
	}
	return WaitFence(ctx, last)
}

// Timestamp reads the shared monotonic timestamp in simulated microseconds.
func (d *SimDevice) Timestamp(engine.Engine) uint64 {
	return uint64(float64(time.Since(d.start).Nanoseconds()) / d.opts.TimeScale)
}

func (d *SimDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	for _, se := range d.engines {
		close(se.subq)
	}
	d.wg.Wait()
	return nil
}

func (d *SimDevice) buffer(h BufferHandle) (*simBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("unknown buffer %d", h)
	}
	return buf, nil
}

func (d *SimDevice) engineLoop(se *simEngine) {
	defer d.wg.Done()
	for sub := range se.subq {
		for _, f := range sub.deps {
			<-f.Done()
		}
		if sub.in != nil {
			<-sub.in.Done()
		}
		d.execute(se.id, sub)
		close(sub.out.done)
	}
}

// execute decodes the instruction stream from the submission's start offset:
// no-op filler burns scaled time, store instructions write through to pages,
// the end marker terminates.
func (d *SimDevice) execute(e engine.Engine, sub *simSub) {
	sub.buf.mu.Lock()
	stream := make([]byte, len(sub.buf.data)-sub.start)
	copy(stream, sub.buf.data[sub.start:])
	sub.buf.mu.Unlock()

	noops := 0
	type store struct {
		addr    uint64
		val     uint64
		isStamp bool
	}
	var stores []store

decode:
	for i := 0; i+wordBytes <= len(stream); {
		w := binary.LittleEndian.Uint32(stream[i:])
		switch w {
		case miBatchBufferEnd:
			break decode
		case miStoreDwordImm, miStoreTimestamp:
			if i+storeWords*wordBytes > len(stream) {
				break decode
			}
			lo := binary.LittleEndian.Uint32(stream[i+wordBytes:])
			hi := binary.LittleEndian.Uint32(stream[i+2*wordBytes:])
			val := binary.LittleEndian.Uint32(stream[i+3*wordBytes:])
			stores = append(stores, store{
				addr:    uint64(hi)<<32 | uint64(lo),
				val:     uint64(val),
				isStamp: w == miStoreTimestamp,
			})
			i += storeWords * wordBytes
		default:
			// Filler only has to execute for its share of cycles.
			noops++
			i += wordBytes
		}
	}

	if calib := d.opts.Calibration[e]; calib > 0 && noops > 0 {
		durUS := float64(noops) * engine.CalibrationPeriodUS / float64(calib)
		time.Sleep(time.Duration(durUS * d.opts.TimeScale))
	}

	for _, st := range stores {
		h := BufferHandle(st.addr >> 32)
		word := int(uint32(st.addr)) / 8
		d.mu.Lock()
		page := d.pages[h]
		d.mu.Unlock()
		if page == nil || word >= page.Words() {
			continue
		}
		if st.isStamp {
			page.Store(word, d.Timestamp(e))
		} else {
			page.Store(word, st.val)
		}
	}
}
