package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
)

// run walks the compiled program until the repeat count is reached or, for
// background clients, until the shared run flag drops. It is the client
// goroutine's body; no state in the workload is touched by anyone else while
// it runs.
func (w *Workload) run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		w.stats.Elapsed = time.Since(start)
	}()

	throttle := -1
	qdThrottle := -1

	count := 0
	for w.keepRunning() && (w.background || count < w.repeat) {
		if err := w.iterate(ctx, &throttle, &qdThrottle); err != nil {
			return err
		}
		count++
		w.stats.Iterations = count
		if w.met != nil {
			w.met.Iterations.Inc()
		}
	}

	if err := w.drain(ctx); err != nil {
		return err
	}
	for e := engine.Engine(0); e < engine.NumEngines; e++ {
		w.stats.AvgQueueDepth[e] = w.balState.AvgQueueDepth(e)
	}
	return nil
}

// iterate executes one pass over the program.
func (w *Workload) iterate(ctx context.Context, throttle, qdThrottle *int) error {
	iterStart := time.Now()
	curSeq := w.timelineSeq

	for i := 0; i < len(w.steps) && w.keepRunning(); i++ {
		st := &w.steps[i]

		switch st.s.Kind {
		case descriptor.Delay:
			w.sleepUS(int64(st.s.DelayUS))

		case descriptor.Period:
			// Periods are measured from the start of the iteration, so a
			// later period in the same pass accounts all time before it.
			w.endPeriod(iterStart, st.s.PeriodUS)

		case descriptor.Sync:
			if err := w.syncTo(ctx, st.s.Target); err != nil {
				return err
			}

		case descriptor.Throttle:
			*throttle = st.s.Depth

		case descriptor.QDThrottle:
			*qdThrottle = st.s.Depth

		case descriptor.SoftFence:
			st.fence = w.timeline.FenceAt(curSeq + uint64(st.s.Idx))

		case descriptor.SoftFenceSignal:
			curSeq += uint64(w.steps[st.s.Target].s.Idx)
			if inc := curSeq - w.timelineSeq; inc > 0 {
				w.timeline.Advance(inc)
			}

		case descriptor.Batch:
			if err := w.submit(ctx, i, st, *throttle, *qdThrottle); err != nil {
				return err
			}
		}
	}

	// Release any fence still waited on and reset per-iteration state so the
	// next pass starts from a signaled timeline.
	if w.timeline != nil {
		w.timelineSeq += uint64(len(w.steps))
		if w.timelineSeq > curSeq {
			w.timeline.Advance(w.timelineSeq - curSeq)
		} else {
			w.timelineSeq = curSeq
		}
	}
	for i := range w.steps {
		w.steps[i].fence = nil
	}
	return nil
}

// submit issues one batch step: resolve the engine, apply throttles, wire
// dependencies, patch telemetry and hand the buffer to the device.
func (w *Workload) submit(ctx context.Context, i int, st *stepState, throttle, qdThrottle int) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if throttle > 0 {
		if err := w.syncTo(ctx, i-throttle); err != nil {
			return err
		}
	}

	e := st.s.Engine
	switch {
	case e.Virtual():
		e = w.bal.Select(w.balState)
	case w.swapVideo && e == engine.Video1:
		e = engine.Video2
	case w.swapVideo && e == engine.Video2:
		e = engine.Video1
	}

	if qdThrottle > 0 {
		if err := w.qdThrottle(ctx, e, qdThrottle); err != nil {
			return err
		}
	}

	if w.depSync {
		for _, dep := range st.s.DataDeps {
			if err := w.dev.WaitBuffer(ctx, w.steps[dep].dataBuf); err != nil {
				return fmt.Errorf("step %d: dep sync on %d: %w", i, dep, err)
			}
		}
	}

	var inFence gpu.Fence
	if st.s.FenceDep >= 0 {
		inFence = w.steps[st.s.FenceDep].fence
		if inFence == nil {
			return fmt.Errorf("step %d: fence dependency %d produced no fence", i, st.s.FenceDep)
		}
	}

	gctx, err := w.contextFor(st.s.Context)
	if err != nil {
		return err
	}

	dur := w.duration(st.s)

	w.seqno[e]++
	seq := w.seqno[e]
	if w.page != nil {
		if err := st.batch.Patch(w.page, w.scratch, e, seq); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		w.page.Store(gpu.TelemetrySlot(e, gpu.TelemetrySeqnoIssued), seq)
		w.page.Store(gpu.TelemetrySlot(e, gpu.TelemetryTSSubmit), w.dev.Timestamp(e))
	}

	reads := make([]gpu.BufferHandle, 0, len(st.s.DataDeps))
	for _, dep := range st.s.DataDeps {
		reads = append(reads, w.steps[dep].dataBuf)
	}

	sub, err := w.dev.Submit(gpu.SubmitRequest{
		Context:  gctx,
		Engine:   e,
		Buffer:   st.batch.Handle(),
		Start:    st.batch.StartOffset(dur),
		Reads:    reads,
		Writes:   []gpu.BufferHandle{st.dataBuf},
		InFence:  inFence,
		OutFence: st.s.EmitsFence,
	})
	if err != nil {
		return fmt.Errorf("step %d: submit on %s: %w", i, e, err)
	}
	st.fence = sub.Fence
	st.engine = sub.Engine

	w.stats.Submissions[sub.Engine]++
	if w.met != nil {
		w.met.Submissions.WithLabelValues(sub.Engine.String()).Inc()
		if w.page != nil {
			w.met.QueueDepth.WithLabelValues(sub.Engine.String()).
				Set(float64(w.balState.QueueDepth(sub.Engine)))
		}
	}
	w.log.Tracef("step %d on %s, %dus, seqno %d", i, sub.Engine, dur, seq)

	w.enqueue(st, sub.Engine)

	if st.s.Block {
		if err := w.dev.WaitBuffer(ctx, st.dataBuf); err != nil {
			return fmt.Errorf("step %d: wait: %w", i, err)
		}
	}
	return nil
}

// enqueue appends the step to its engine's in-flight FIFO, removing it from
// any queue a previous iteration left it on.
func (w *Workload) enqueue(st *stepState, e engine.Engine) {
	if st.queued >= 0 {
		q := w.requests[st.queued]
		for j, other := range q {
			if other == st {
				w.requests[st.queued] = append(q[:j], q[j+1:]...)
				break
			}
		}
	}
	st.queued = int(e)
	w.requests[e] = append(w.requests[e], st)
}

// qdThrottle blocks until the engine's in-flight FIFO is below depth,
// retiring entries oldest first.
func (w *Workload) qdThrottle(ctx context.Context, e engine.Engine, depth int) error {
	for len(w.requests[e]) >= depth {
		head := w.requests[e][0]
		if err := w.dev.WaitBuffer(ctx, head.dataBuf); err != nil {
			return err
		}
		head.queued = -1
		w.requests[e] = w.requests[e][1:]
	}
	return nil
}

// syncTo waits for the completion of the nearest batch at or before target,
// wrapping around the program when the index underflows.
func (w *Workload) syncTo(ctx context.Context, target int) error {
	if target < 0 {
		target += len(w.steps)
	}
	for w.steps[target].s.Kind != descriptor.Batch {
		target--
		if target < 0 {
			target += len(w.steps)
		}
	}
	return w.dev.WaitBuffer(ctx, w.steps[target].dataBuf)
}

// endPeriod accounts the iteration's wall time against the requested period
// and sleeps off the remainder. Overruns count as missed periods.
func (w *Workload) endPeriod(iterStart time.Time, periodUS uint32) {
	elapsed := time.Since(iterStart)
	elapsedUS := int64(float64(elapsed) / w.timeScale)

	w.recordPeriod(elapsed)

	budget := int64(periodUS) - elapsedUS
	if budget < 0 {
		w.stats.MissedPeriods++
		if w.met != nil {
			w.met.DroppedPeriods.Inc()
		}
		w.log.Debugf("period overrun: %dus over %dus budget", elapsedUS-int64(periodUS), periodUS)
		return
	}
	w.sleepUS(budget)
}

func (w *Workload) recordPeriod(elapsed time.Duration) {
	n := w.stats.Iterations
	w.stats.PeriodAvg = (w.stats.PeriodAvg*time.Duration(n) + elapsed) / time.Duration(n+1)
	if w.stats.PeriodMin == 0 || elapsed < w.stats.PeriodMin {
		w.stats.PeriodMin = elapsed
	}
	if elapsed > w.stats.PeriodMax {
		w.stats.PeriodMax = elapsed
	}
}

// drain waits for the youngest in-flight submission on every engine, which
// with in-order engines retires everything before it.
func (w *Workload) drain(ctx context.Context) error {
	for e := range w.requests {
		q := w.requests[e]
		if len(q) == 0 {
			continue
		}
		if err := w.dev.WaitBuffer(ctx, q[len(q)-1].dataBuf); err != nil {
			return err
		}
		for _, st := range q {
			st.queued = -1
		}
		w.requests[e] = nil
	}
	return nil
}
