package workload

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/gpu-wsim/pkg/balance"
	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
)

func testDevice(t *testing.T, gen int) (*gpu.SimDevice, engine.Calibration) {
	t.Helper()
	var cal engine.Calibration
	cal.ApplyRaw(1000)
	d, err := gpu.NewSimDevice(gpu.SimOptions{Generation: gen, Calibration: cal, TimeScale: 0.01})
	if err != nil {
		t.Fatalf("NewSimDevice failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, cal
}

func testOptions(cal engine.Calibration) Options {
	return Options{
		Repeat:      1,
		Calibration: cal,
		TimeScale:   0.01,
		Seed:        7,
	}
}

func mustParse(t *testing.T, desc string) *descriptor.Program {
	t.Helper()
	p, err := descriptor.Parse(desc)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", desc, err)
	}
	return p
}

func runOne(t *testing.T, dev gpu.Device, opts Options, desc string) *Workload {
	t.Helper()
	prog := mustParse(t, desc)

	var bal balance.Balancer
	if prog.UsesVirtualEngine() {
		name := opts.Balancer
		if name == "" {
			name = "rr"
		}
		b, err := balance.New(name)
		if err != nil {
			t.Fatalf("New balancer failed: %v", err)
		}
		bal = b
	}

	var running atomic.Bool
	running.Store(true)
	w, err := prepare(0, prog, 0, dev, bal, opts, &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	t.Cleanup(w.destroy)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return w
}

// TestSingleBatch verifies a one-batch program submits exactly once on render
func TestSingleBatch(t *testing.T) {
	dev, cal := testDevice(t, 9)
	w := runOne(t, dev, testOptions(cal), "0.rcs.1000.0.0")

	if w.stats.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", w.stats.Iterations)
	}
	for e := engine.Engine(0); e < engine.NumEngines; e++ {
		want := uint64(0)
		if e == engine.Render {
			want = 1
		}
		if w.stats.Submissions[e] != want {
			t.Errorf("Engine %s: expected %d submissions, got %d", e, want, w.stats.Submissions[e])
		}
	}
}

// TestRepeat verifies the iteration count multiplies submissions
func TestRepeat(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 4
	w := runOne(t, dev, opts, "0.rcs.100.0.0,0.bcs.100.0.0")

	if w.stats.Submissions[engine.Render] != 4 || w.stats.Submissions[engine.Blit] != 4 {
		t.Errorf("Expected 4 submissions per engine, got rcs=%d bcs=%d",
			w.stats.Submissions[engine.Render], w.stats.Submissions[engine.Blit])
	}
}

// TestVirtualEngineBalancing verifies rr splits virtual work evenly
func TestVirtualEngineBalancing(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 8
	w := runOne(t, dev, opts, "0.vcs.100.0.0")

	if w.stats.Submissions[engine.Video] != 0 {
		t.Error("Work submitted to the virtual engine directly")
	}
	if w.stats.Submissions[engine.Video1] != 4 || w.stats.Submissions[engine.Video2] != 4 {
		t.Errorf("Expected a 4/4 split, got vcs1=%d vcs2=%d",
			w.stats.Submissions[engine.Video1], w.stats.Submissions[engine.Video2])
	}
}

// TestSoftFenceRelease verifies a signal releases its fence's dependents
func TestSoftFenceRelease(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 2
	w := runOne(t, dev, opts, "0.rcs.100.0.0,f,a.-1,0.bcs.100.f-2.0")

	if w.stats.Submissions[engine.Blit] != 2 {
		t.Errorf("Fence-gated batch ran %d times, want 2", w.stats.Submissions[engine.Blit])
	}
	// Each iteration tops the timeline up to the step count.
	if got := w.timeline.Value(); got != uint64(2*len(w.steps)) {
		t.Errorf("Expected timeline at %d, got %d", 2*len(w.steps), got)
	}
}

// TestSoftFenceSignalAdvance verifies the signal advances the timeline by the
// target's step index
func TestSoftFenceSignalAdvance(t *testing.T) {
	dev, cal := testDevice(t, 9)
	prog := mustParse(t, "0.vcs.100.0.0,f,a.-1")

	bal, _ := balance.New("rr")
	var running atomic.Bool
	running.Store(true)
	w, err := prepare(0, prog, 0, dev, bal, testOptions(cal), &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer w.destroy()

	// Walk a single iteration by hand up to the signal step.
	ctx := context.Background()
	throttle, qdThrottle := -1, -1
	curSeq := w.timelineSeq

	if err := w.submit(ctx, 0, &w.steps[0], throttle, qdThrottle); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	w.steps[1].fence = w.timeline.FenceAt(curSeq + uint64(w.steps[1].s.Idx))
	if w.steps[1].fence.Signaled() {
		t.Fatal("Fence signaled before the signal step")
	}

	before := w.timeline.Value()
	curSeq += uint64(w.steps[w.steps[2].s.Target].s.Idx)
	w.timeline.Advance(curSeq - w.timelineSeq)

	if got := w.timeline.Value() - before; got != 1 {
		t.Errorf("Signal advanced the timeline by %d, want 1", got)
	}
	if !w.steps[1].fence.Signaled() {
		t.Error("Fence not released by the signal")
	}
	_ = w.drain(ctx)
}

// TestPeriodMissed verifies overruns are counted against the period budget
func TestPeriodMissed(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 2
	w := runOne(t, dev, opts, "0.rcs.1000.0.1,p.1")

	if w.stats.MissedPeriods != 2 {
		t.Errorf("Expected 2 missed periods, got %d", w.stats.MissedPeriods)
	}
	if w.stats.PeriodMax == 0 || w.stats.PeriodMin == 0 {
		t.Error("Period timing not recorded")
	}
}

// TestPeriodMeasuresFromIterationStart verifies a later period in the same
// iteration accounts all time since the iteration began
func TestPeriodMeasuresFromIterationStart(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 3
	opts.TimeScale = 1000
	w := runOne(t, dev, opts, "d.3000,p.10000,d.3000,p.10000")

	// The first period sleeps the iteration out to 10000us, so the second
	// sees at least 13000us elapsed and must miss every iteration.
	if w.stats.MissedPeriods != 3 {
		t.Errorf("Expected 3 missed periods, got %d", w.stats.MissedPeriods)
	}
}

// TestDelayStep verifies a delay-only program still iterates
func TestDelayStep(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 3
	w := runOne(t, dev, opts, "d.100")

	if w.stats.Iterations != 3 {
		t.Errorf("Expected 3 iterations, got %d", w.stats.Iterations)
	}
}

// TestQDThrottle verifies the in-flight FIFO drains below the bound
func TestQDThrottle(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 4
	w := runOne(t, dev, opts, "q.1,0.rcs.500.0.0")

	if w.stats.Submissions[engine.Render] != 4 {
		t.Errorf("Expected 4 submissions, got %d", w.stats.Submissions[engine.Render])
	}
	for e := range w.requests {
		if len(w.requests[e]) != 0 {
			t.Errorf("Engine %s FIFO not drained", engine.Engine(e))
		}
	}
}

// TestThrottle verifies a throttled program completes all submissions
func TestThrottle(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 3
	w := runOne(t, dev, opts, "t.1,0.rcs.100.0.0,0.rcs.100.0.0")

	if w.stats.Submissions[engine.Render] != 6 {
		t.Errorf("Expected 6 submissions, got %d", w.stats.Submissions[engine.Render])
	}
}

// TestDataDeps verifies a dependent chain runs with userspace dep sync
func TestDataDeps(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.Repeat = 2
	opts.DepSync = true
	w := runOne(t, dev, opts, "0.rcs.300.0.0,0.bcs.100.-1.0,s.-1")

	if w.stats.Submissions[engine.Render] != 2 || w.stats.Submissions[engine.Blit] != 2 {
		t.Errorf("Expected 2 submissions per engine, got rcs=%d bcs=%d",
			w.stats.Submissions[engine.Render], w.stats.Submissions[engine.Blit])
	}
}

// TestSwapVideo verifies odd clients swap their fixed video engines
func TestSwapVideo(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.SwapVideo = true
	prog := mustParse(t, "0.vcs1.100.0.0")

	var running atomic.Bool
	running.Store(true)

	even, err := prepare(0, prog, 0, dev, nil, opts, &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer even.destroy()
	odd, err := prepare(1, prog, 0, dev, nil, opts, &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer odd.destroy()

	ctx := context.Background()
	if err := even.run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := odd.run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if even.stats.Submissions[engine.Video1] != 1 || even.stats.Submissions[engine.Video2] != 0 {
		t.Errorf("Even client swapped: %v", even.stats.Submissions)
	}
	if odd.stats.Submissions[engine.Video1] != 0 || odd.stats.Submissions[engine.Video2] != 1 {
		t.Errorf("Odd client did not swap: %v", odd.stats.Submissions)
	}
}

// TestSyncedClientsShareDurations verifies -S makes clients draw identically
func TestSyncedClientsShareDurations(t *testing.T) {
	dev, cal := testDevice(t, 9)
	opts := testOptions(cal)
	opts.SyncedClients = true
	prog := mustParse(t, "0.rcs.100-10000.0.0")

	var running atomic.Bool
	running.Store(true)
	a, err := prepare(0, prog, 0, dev, nil, opts, &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer a.destroy()
	b, err := prepare(1, prog, 0, dev, nil, opts, &running, false)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer b.destroy()

	for i := 0; i < 16; i++ {
		da := a.duration(a.steps[0].s)
		db := b.duration(b.steps[0].s)
		if da != db {
			t.Fatalf("Draw %d diverged: %d vs %d", i, da, db)
		}
	}
}

// inflightDevice records how many submissions are still executing whenever a
// new one is issued.
type inflightDevice struct {
	gpu.Device
	mu     sync.Mutex
	fences []gpu.Fence
	max    int
}

func (d *inflightDevice) Submit(req gpu.SubmitRequest) (*gpu.Submission, error) {
	req.OutFence = true
	sub, err := d.Device.Submit(req)
	if err != nil {
		return sub, err
	}
	d.mu.Lock()
	d.fences = append(d.fences, sub.Fence)
	live := d.fences[:0]
	for _, f := range d.fences {
		if !f.Signaled() {
			live = append(live, f)
		}
	}
	d.fences = live
	if len(live) > d.max {
		d.max = len(live)
	}
	d.mu.Unlock()
	return sub, nil
}

func (d *inflightDevice) maxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.max
}

// pacedDevice executes batches slowly enough for a backlog to build.
func pacedDevice(t *testing.T) (*inflightDevice, engine.Calibration) {
	t.Helper()
	var cal engine.Calibration
	cal.ApplyRaw(1000)
	d, err := gpu.NewSimDevice(gpu.SimOptions{Generation: 9, Calibration: cal, TimeScale: 1})
	if err != nil {
		t.Fatalf("NewSimDevice failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return &inflightDevice{Device: d}, cal
}

// TestThrottleBoundsInFlight verifies throttle N admits at most N+1 batches
func TestThrottleBoundsInFlight(t *testing.T) {
	dev, cal := pacedDevice(t)
	opts := testOptions(cal)
	opts.Repeat = 2
	opts.TimeScale = 1

	w := runOne(t, dev, opts, "t.2"+strings.Repeat(",0.rcs.30000.0.0", 6))

	if got := w.stats.Submissions[engine.Render]; got != 12 {
		t.Errorf("Expected 12 submissions, got %d", got)
	}
	if max := dev.maxInFlight(); max > 3 {
		t.Errorf("Throttle 2 let %d batches in flight", max)
	} else if max < 2 {
		t.Errorf("Expected overlapping batches, peak was %d", max)
	}
}

// TestQDThrottleBoundsInFlight verifies the in-flight FIFO never exceeds the bound
func TestQDThrottleBoundsInFlight(t *testing.T) {
	dev, cal := pacedDevice(t)
	opts := testOptions(cal)
	opts.Repeat = 2
	opts.TimeScale = 1

	w := runOne(t, dev, opts, "q.2"+strings.Repeat(",0.rcs.30000.0.0", 6))

	if got := w.stats.Submissions[engine.Render]; got != 12 {
		t.Errorf("Expected 12 submissions, got %d", got)
	}
	if max := dev.maxInFlight(); max > 2 {
		t.Errorf("QD throttle 2 let %d batches in flight", max)
	} else if max < 2 {
		t.Errorf("Expected a full FIFO, peak was %d", max)
	}
}
