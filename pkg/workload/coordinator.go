package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/gpu-wsim/internal/logging"
	"github.com/psantana5/gpu-wsim/internal/metrics"
	"github.com/psantana5/gpu-wsim/internal/report"
	"github.com/psantana5/gpu-wsim/pkg/balance"
	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
)

type program struct {
	prog   *descriptor.Program
	prio   int
	master bool
}

// Runner owns a set of compiled workload programs and runs them as
// concurrent clients against one device.
type Runner struct {
	dev   gpu.Device
	opts  Options
	progs []program
	met   *metrics.Run
	log   *logging.Logger
}

// NewRunner validates the options and prepares a runner for the device.
func NewRunner(dev gpu.Device, opts Options) (*Runner, error) {
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}
	if opts.Clients <= 0 {
		opts.Clients = 1
	}
	if err := opts.Calibration.Validate(); err != nil {
		return nil, err
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Runner{
		dev:  dev,
		opts: opts,
		log:  logging.New("runner", opts.Verbose),
	}, nil
}

// AddProgram registers one workload. master marks it as the run's master
// workload; the remaining workloads become background clients.
func (r *Runner) AddProgram(p *descriptor.Program, prio int, master bool) {
	r.progs = append(r.progs, program{prog: p, prio: prio, master: master})
}

// SetMetrics attaches run counters updated live by every client.
func (r *Runner) SetMetrics(m *metrics.Run) { r.met = m }

// Run executes all registered workloads to completion and reports per-client
// results. The first client error aborts the run.
func (r *Runner) Run(ctx context.Context) (*report.RunResult, error) {
	if len(r.progs) == 0 {
		return nil, errors.New("no workloads registered")
	}
	if len(r.progs) > 1 && r.opts.Clients > 1 {
		return nil, errors.New("cloned clients cannot be combined with multiple workloads")
	}
	masters := 0
	for _, p := range r.progs {
		if p.master {
			masters++
		}
	}
	if masters > 1 {
		return nil, errors.New("only one master workload can be given")
	}

	progs := r.progs
	if len(progs) == 1 && r.opts.Clients > 1 {
		for len(progs) < r.opts.Clients {
			progs = append(progs, progs[0])
		}
	}

	// The master only means something when there is someone to background.
	masterIdx := -1
	if len(progs) > 1 {
		for i, p := range progs {
			if p.master {
				masterIdx = i
				break
			}
		}
	}

	bal, err := r.balancerFor(progs)
	if err != nil {
		return nil, err
	}

	balName := "none"
	if bal != nil {
		balName = bal.Name()
	}
	result := report.NewRunResult(balName)

	var running atomic.Bool
	running.Store(true)

	workloads := make([]*Workload, len(progs))
	for i, p := range progs {
		background := masterIdx >= 0 && i != masterIdx
		w, err := prepare(i, p.prog, p.prio, r.dev, bal, r.opts, &running, background)
		if err != nil {
			return nil, err
		}
		w.met = r.met
		workloads[i] = w
		defer w.destroy()
	}

	r.log.Infof("starting %d client(s), balancer %s, %d iteration(s)",
		len(workloads), balName, r.opts.Repeat)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(workloads))
	masterDone := make(chan struct{})

	for i, w := range workloads {
		wg.Add(1)
		go func(i int, w *Workload) {
			defer wg.Done()
			if err := w.run(runCtx); err != nil {
				errCh <- fmt.Errorf("client %d: %w", i, err)
				running.Store(false)
				cancel()
			}
			if i == masterIdx {
				close(masterDone)
			}
		}(i, w)
	}

	if masterIdx >= 0 {
		<-masterDone
		running.Store(false)
	}
	wg.Wait()
	close(errCh)

	result.Elapsed = time.Since(result.Started)
	for _, w := range workloads {
		result.Clients = append(result.Clients, w.Stats())
	}

	if err := <-errCh; err != nil {
		return result, err
	}
	return result, nil
}

// balancerFor resolves and validates the balancer when any workload submits
// to the virtual video engine.
func (r *Runner) balancerFor(progs []program) (balance.Balancer, error) {
	needed := false
	for _, p := range progs {
		if p.prog.UsesVirtualEngine() {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	name := r.opts.Balancer
	if name == "" {
		name = "rr"
	}
	bal, err := balance.New(name)
	if err != nil {
		return nil, err
	}
	if err := balance.Check(bal, r.dev); err != nil {
		return nil, err
	}
	return bal, nil
}
