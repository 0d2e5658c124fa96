// Package workload executes compiled workload programs against a GPU device:
// one concurrent client per workload clone, stepping through batches, syncs,
// delays, throttles and software fences while a balancer resolves virtual
// video engine submissions.
package workload

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/gpu-wsim/internal/logging"
	"github.com/psantana5/gpu-wsim/internal/metrics"
	"github.com/psantana5/gpu-wsim/internal/report"
	"github.com/psantana5/gpu-wsim/pkg/balance"
	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
	"github.com/psantana5/gpu-wsim/pkg/swfence"
)

// Options configures a run.
type Options struct {
	// Repeat is how many iterations the master (or every client, without a
	// master) walks through the program.
	Repeat int

	// Clients clones the single workload this many times.
	Clients int

	// Balancer names the virtual-engine strategy. Defaults to "rr".
	Balancer string

	Calibration engine.Calibration

	// Seed is the master PRNG seed; zero picks a time-based seed.
	Seed int64

	// SyncedClients makes every client draw the same duration sequence.
	SyncedClients bool

	// DepSync waits on data dependencies in userspace before submitting.
	DepSync bool

	// SwapVideo swaps the fixed video engine assignments on every other
	// client.
	SwapVideo bool

	// MaxRate caps batch submissions per second across each client.
	// Zero means unlimited.
	MaxRate float64

	// TimeScale is wall nanoseconds per simulated microsecond for delays
	// and periods; it should match the device's scale. Zero means 1000
	// (real time).
	TimeScale float64

	Verbose int
}

// stepState is the mutable per-client shadow of one compiled step.
type stepState struct {
	s *descriptor.Step

	dataBuf gpu.BufferHandle // output object, target of data deps and waits
	batch   *gpu.Batch

	fence  gpu.Fence     // out-fence emitted this iteration
	engine engine.Engine // engine of the last submission
	queued int           // engine whose in-flight FIFO holds this step, -1 otherwise
}

// Workload is one client's cloned run state. The compiled program is shared
// by reference across clones; everything else is owned exclusively by the
// client's goroutine.
type Workload struct {
	id   int
	prog *descriptor.Program
	prio int

	dev      gpu.Device
	bal      balance.Balancer
	balState *balance.State
	log      *logging.Logger
	met      *metrics.Run

	steps    []stepState
	ctxs     map[int]gpu.ContextHandle
	timeline *swfence.Timeline
	page     *gpu.Page
	scratch  *gpu.Page

	rng       *rand.Rand
	limiter   *rate.Limiter
	timeScale float64

	seqno    [engine.NumEngines]uint64
	requests [engine.NumEngines][]*stepState

	timelineSeq uint64

	repeat     int
	background bool
	depSync    bool
	swapVideo  bool
	running    *atomic.Bool

	stats report.ClientResult
}

// prepare builds one client's workload: contexts are created lazily, batch
// buffers once, and the telemetry pages only when the balancer consumes them.
func prepare(id int, prog *descriptor.Program, prio int, dev gpu.Device, bal balance.Balancer,
	opts Options, running *atomic.Bool, background bool) (*Workload, error) {

	w := &Workload{
		id:         id,
		prog:       prog,
		prio:       prio,
		dev:        dev,
		bal:        bal,
		log:        logging.New(fmt.Sprintf("client %d", id), opts.Verbose),
		ctxs:       make(map[int]gpu.ContextHandle),
		rng:        rand.New(rand.NewSource(durationSeed(opts, id))),
		timeScale:  opts.TimeScale,
		repeat:     opts.Repeat,
		background: background,
		depSync:    opts.DepSync,
		swapVideo:  opts.SwapVideo && id%2 == 1,
		running:    running,
	}
	if w.timeScale == 0 {
		w.timeScale = 1000
	}
	if opts.MaxRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.MaxRate), 1)
	}
	w.stats.ID = id
	w.stats.Master = !background

	telemetry := bal != nil && bal.Telemetry()
	if telemetry {
		var err error
		if w.page, err = dev.CreatePage(gpu.TelemetryWords); err != nil {
			return nil, fmt.Errorf("client %d: telemetry page: %w", id, err)
		}
		if w.scratch, err = dev.CreatePage(int(engine.NumEngines)); err != nil {
			return nil, fmt.Errorf("client %d: scratch page: %w", id, err)
		}
	}
	w.balState = balance.NewState(opts.Seed+int64(id), id, w.page)

	if prog.HasSoftFence() {
		w.timeline = swfence.New()
	}

	w.steps = make([]stepState, len(prog.Steps))
	for i := range prog.Steps {
		st := &w.steps[i]
		st.s = &prog.Steps[i]
		st.queued = -1

		if st.s.Kind != descriptor.Batch {
			continue
		}

		buf, err := dev.CreateBuffer(4096)
		if err != nil {
			return nil, fmt.Errorf("client %d step %d: output buffer: %w", id, i, err)
		}
		st.dataBuf = buf

		st.batch, err = gpu.BuildBatch(dev, st.s.Engine, opts.Calibration, st.s.Dur.Max, telemetry)
		if err != nil {
			return nil, fmt.Errorf("client %d step %d: %w", id, i, err)
		}
	}

	return w, nil
}

func durationSeed(opts Options, id int) int64 {
	if opts.SyncedClients {
		return opts.Seed
	}
	return opts.Seed + int64(id)*7919
}

// contextFor returns the GPU context for a logical context id, creating it on
// first use with the workload's priority applied once.
func (w *Workload) contextFor(id int) (gpu.ContextHandle, error) {
	if c, ok := w.ctxs[id]; ok {
		return c, nil
	}
	c, err := w.dev.CreateContext(w.prio)
	if err != nil {
		return 0, fmt.Errorf("context %d: %w", id, err)
	}
	w.ctxs[id] = c
	return c, nil
}

// duration draws a step's submission duration, uniform over its range.
func (w *Workload) duration(s *descriptor.Step) uint32 {
	if s.Dur.Min == s.Dur.Max {
		return s.Dur.Min
	}
	return s.Dur.Min + uint32(w.rng.Int63n(int64(s.Dur.Max-s.Dur.Min+1)))
}

// sleepUS sleeps a simulated-microsecond count at the run's time scale.
func (w *Workload) sleepUS(us int64) {
	if us > 0 {
		time.Sleep(time.Duration(float64(us) * w.timeScale))
	}
}

func (w *Workload) keepRunning() bool {
	return w.running.Load()
}

// Stats returns the client's result; valid once the run goroutine has exited.
func (w *Workload) Stats() report.ClientResult {
	return w.stats
}

// destroy frees the workload's buffers.
func (w *Workload) destroy() {
	for i := range w.steps {
		st := &w.steps[i]
		if st.s.Kind != descriptor.Batch {
			continue
		}
		if st.batch != nil {
			st.batch.Destroy()
		}
		if st.dataBuf != 0 {
			w.dev.DestroyBuffer(st.dataBuf)
		}
	}
}
