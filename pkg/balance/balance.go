// Package balance assigns virtual video engine work to one of the physical
// video engines. Strategies range from blind round-robin to policies fed by
// the GPU-written telemetry page.
package balance

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
)

// Balancer picks a physical engine for one virtual-engine submission. A
// Balancer is a stateless strategy shared read-only by all clients; the
// mutable inputs live in the per-client State.
type Balancer interface {
	Name() string

	// Telemetry reports whether the strategy consumes the GPU-written
	// telemetry page. Telemetry strategies need hardware generation >= 8.
	Telemetry() bool

	Select(s *State) engine.Engine
}

// State is the per-client balancing state: the client's PRNG, its telemetry
// page, and the smoothing accumulators. It is owned by one workload and never
// shared across clients.
type State struct {
	rng  *rand.Rand
	page *gpu.Page

	rr        uint32
	avg       [engine.NumEngines]uint64 // fixed-point EWMA accumulator
	lastSeqno [engine.NumEngines]uint64 // completion seqno at last resample
	lastCost  [engine.NumEngines]uint64

	depthSum     [engine.NumEngines]uint64
	depthSamples [engine.NumEngines]uint64
}

// EWMA smoothing: fixed decay shift over 24.8 fixed-point accumulators.
const (
	ewmaShift = 3
	fpShift   = 8
)

// NewState seeds a client's balancing state. The round-robin phase is derived
// from the client id so interleave across clients is reproducible.
func NewState(seed int64, clientID int, page *gpu.Page) *State {
	return &State{
		rng:  rand.New(rand.NewSource(seed)),
		page: page,
		rr:   uint32(clientID) & 1,
	}
}

// Page returns the telemetry page, nil for blind strategies.
func (s *State) Page() *gpu.Page { return s.page }

// QueueDepth reads an engine's backlog from the telemetry page: issued seqno
// minus the last seqno the GPU reported complete.
func (s *State) QueueDepth(e engine.Engine) uint64 {
	issued := uint32(s.page.Load(gpu.TelemetrySlot(e, gpu.TelemetrySeqnoIssued)))
	done := uint32(s.page.Load(gpu.TelemetrySlot(e, gpu.TelemetrySeqnoComplete)))
	depth := uint64(issued - done)

	s.depthSum[e] += depth
	s.depthSamples[e]++
	return depth
}

// AvgQueueDepth reports the mean of the depth samples taken for an engine.
func (s *State) AvgQueueDepth(e engine.Engine) float64 {
	if s.depthSamples[e] == 0 {
		return 0
	}
	return float64(s.depthSum[e]) / float64(s.depthSamples[e])
}

// smoothed feeds one sample through the engine's EWMA accumulator and writes
// the estimate back to the telemetry page.
func (s *State) smoothed(e engine.Engine, sample uint64) uint64 {
	s.avg[e] -= s.avg[e] >> ewmaShift
	s.avg[e] += (sample << fpShift) >> ewmaShift
	est := s.avg[e] >> fpShift
	s.page.Store(gpu.TelemetrySlot(e, gpu.TelemetryRuntimeEWMA), est)
	return s.avg[e]
}

// lastRuntime reads the most recently completed batch's execution cost for an
// engine: completion timestamp minus submit timestamp.
func (s *State) lastRuntime(e engine.Engine) uint64 {
	submit := s.page.Load(gpu.TelemetrySlot(e, gpu.TelemetryTSSubmit))
	complete := s.page.Load(gpu.TelemetrySlot(e, gpu.TelemetryTSComplete))
	if complete <= submit {
		return s.lastCost[e]
	}
	s.lastCost[e] = complete - submit
	return s.lastCost[e]
}

func (s *State) rrNext() engine.Engine {
	e := engine.VideoEngines[s.rr&1]
	s.rr++
	return e
}

func (s *State) flip() engine.Engine {
	return engine.VideoEngines[s.rng.Intn(2)]
}

func (s *State) tieBreak(random bool) engine.Engine {
	if random {
		return s.flip()
	}
	return s.rrNext()
}

type roundRobin struct{}

func (roundRobin) Name() string                  { return "rr" }
func (roundRobin) Telemetry() bool               { return false }
func (roundRobin) Select(s *State) engine.Engine { return s.rrNext() }

type random struct{}

func (random) Name() string                  { return "rand" }
func (random) Telemetry() bool               { return false }
func (random) Select(s *State) engine.Engine { return s.flip() }

// queueDepth picks the engine with the shallower backlog; qdavg compares
// EWMA-smoothed depth samples instead of raw ones.
type queueDepth struct {
	name    string
	avg     bool
	randTie bool
}

func (b queueDepth) Name() string    { return b.name }
func (b queueDepth) Telemetry() bool { return true }

func (b queueDepth) Select(s *State) engine.Engine {
	v1, v2 := engine.VideoEngines[0], engine.VideoEngines[1]
	d1, d2 := s.QueueDepth(v1), s.QueueDepth(v2)
	if b.avg {
		d1 = s.smoothed(v1, d1)
		d2 = s.smoothed(v2, d2)
	}

	switch {
	case d1 < d2:
		return v1
	case d2 < d1:
		return v2
	default:
		return s.tieBreak(b.randTie)
	}
}

// runtimeEstimate projects each engine's remaining work as the last observed
// per-batch cost times its backlog; rtavg smooths the cost samples, only
// resampling once the completion seqno has advanced past the previous sample.
type runtimeEstimate struct {
	name    string
	avg     bool
	randTie bool
}

func (b runtimeEstimate) Name() string    { return b.name }
func (b runtimeEstimate) Telemetry() bool { return true }

func (b runtimeEstimate) Select(s *State) engine.Engine {
	v1, v2 := engine.VideoEngines[0], engine.VideoEngines[1]
	e1 := b.estimate(s, v1)
	e2 := b.estimate(s, v2)

	switch {
	case e1 < e2:
		return v1
	case e2 < e1:
		return v2
	default:
		return s.tieBreak(b.randTie)
	}
}

func (b runtimeEstimate) estimate(s *State, e engine.Engine) uint64 {
	depth := s.QueueDepth(e)
	cost := s.lastRuntime(e)

	if b.avg {
		done := s.page.Load(gpu.TelemetrySlot(e, gpu.TelemetrySeqnoComplete))
		if done != s.lastSeqno[e] {
			// Fresh completion; fold the sample in. A stale seqno
			// would just replay the previous batch's cost.
			s.avg[e] -= s.avg[e] >> ewmaShift
			s.avg[e] += (cost << fpShift) >> ewmaShift
			s.lastSeqno[e] = done
			s.page.Store(gpu.TelemetrySlot(e, gpu.TelemetryRuntimeEWMA), s.avg[e]>>fpShift)
		}
		cost = s.avg[e] >> fpShift
	}

	return cost * (depth + 1)
}

var registry = map[string]Balancer{
	"rr":    roundRobin{},
	"rand":  random{},
	"qd":    queueDepth{name: "qd"},
	"qdr":   queueDepth{name: "qdr", randTie: true},
	"qdavg": queueDepth{name: "qdavg", avg: true},
	"rt":    runtimeEstimate{name: "rt"},
	"rtr":   runtimeEstimate{name: "rtr", randTie: true},
	"rtavg": runtimeEstimate{name: "rtavg", avg: true},
}

// New looks a strategy up by name.
func New(name string) (Balancer, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown balancer %q (have %v)", name, Names())
	}
	return b, nil
}

// Names lists the registered strategies, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check validates a strategy against the device it will run on. Balancing
// needs both members of the video class present, and telemetry strategies are
// a configuration error on hardware older than generation 8.
func Check(b Balancer, dev gpu.Device) error {
	if n := dev.EngineCount(engine.Video); n < len(engine.VideoEngines) {
		return fmt.Errorf("balancing needs %d video engines, device has %d",
			len(engine.VideoEngines), n)
	}
	if b.Telemetry() && dev.Generation() < 8 {
		return fmt.Errorf("balancer %q needs telemetry support (generation >= 8, device is %d)",
			b.Name(), dev.Generation())
	}
	return nil
}
