// Package descriptor compiles the textual workload description language into
// an ordered program of typed steps with fully resolved dependency indices.
package descriptor

import (
	"fmt"
	"strings"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// Kind discriminates the step payload.
type Kind int

const (
	Batch Kind = iota
	Sync
	Delay
	Period
	Throttle
	QDThrottle
	SoftFence
	SoftFenceSignal
)

func (k Kind) String() string {
	switch k {
	case Batch:
		return "batch"
	case Sync:
		return "sync"
	case Delay:
		return "delay"
	case Period:
		return "period"
	case Throttle:
		return "throttle"
	case QDThrottle:
		return "qd-throttle"
	case SoftFence:
		return "sw-fence"
	case SoftFenceSignal:
		return "sw-fence-signal"
	}
	return "unknown"
}

// Duration is an inclusive [Min,Max] microsecond range. A submission draws
// uniformly from the range when Min != Max.
type Duration struct {
	Min, Max uint32
}

// Step is one instruction of a compiled workload program. Dependency indices
// are absolute and always point at strictly earlier steps.
type Step struct {
	Idx  int
	Kind Kind

	// Batch fields.
	Context    int
	Engine     engine.Engine
	Dur        Duration
	DataDeps   []int
	FenceDep   int // -1 when unset
	EmitsFence bool
	Block      bool

	// Control fields. Target is the absolute index for Sync and
	// SoftFenceSignal; Depth for the two throttle kinds.
	Target   int
	DelayUS  uint32
	PeriodUS uint32
	Depth    int
}

// Program is an immutable compiled step array.
type Program struct {
	Steps []Step
}

// record re-serializes one step into descriptor syntax.
func (s *Step) record() string {
	switch s.Kind {
	case Delay:
		return fmt.Sprintf("d.%d", s.DelayUS)
	case Period:
		return fmt.Sprintf("p.%d", s.PeriodUS)
	case Sync:
		return fmt.Sprintf("s.%d", s.Target-s.Idx)
	case Throttle:
		return fmt.Sprintf("t.%d", s.Depth)
	case QDThrottle:
		return fmt.Sprintf("q.%d", s.Depth)
	case SoftFence:
		return "f"
	case SoftFenceSignal:
		return fmt.Sprintf("a.%d", s.Target-s.Idx)
	}

	deps := make([]string, 0, len(s.DataDeps)+1)
	for _, d := range s.DataDeps {
		deps = append(deps, fmt.Sprintf("%d", d-s.Idx))
	}
	if s.FenceDep >= 0 {
		deps = append(deps, fmt.Sprintf("f%d", s.FenceDep-s.Idx))
	}
	depField := "0"
	if len(deps) > 0 {
		depField = strings.Join(deps, "/")
	}

	durField := fmt.Sprintf("%d", s.Dur.Min)
	if s.Dur.Max != s.Dur.Min {
		durField = fmt.Sprintf("%d-%d", s.Dur.Min, s.Dur.Max)
	}

	wait := "0"
	if s.Block {
		wait = "1"
	}

	return fmt.Sprintf("%d.%s.%s.%s.%s", s.Context, s.Engine, durField, depField, wait)
}

// String re-serializes the program. Parsing the result yields an equivalent
// program.
func (p *Program) String() string {
	recs := make([]string, len(p.Steps))
	for i := range p.Steps {
		recs[i] = p.Steps[i].record()
	}
	return strings.Join(recs, ",")
}

// Batches counts the Batch steps of the program.
func (p *Program) Batches() int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Kind == Batch {
			n++
		}
	}
	return n
}

// HasSoftFence reports whether any step needs a software timeline.
func (p *Program) HasSoftFence() bool {
	for i := range p.Steps {
		if p.Steps[i].Kind == SoftFence {
			return true
		}
	}
	return false
}

// UsesVirtualEngine reports whether any batch targets the virtual video
// engine and therefore needs a balancer.
func (p *Program) UsesVirtualEngine() bool {
	for i := range p.Steps {
		if p.Steps[i].Kind == Batch && p.Steps[i].Engine.Virtual() {
			return true
		}
	}
	return false
}
