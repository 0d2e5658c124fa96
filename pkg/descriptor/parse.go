package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// Parse compiles a comma-separated workload description into a program.
// Any malformed record aborts the compile; nothing is returned for partial
// programs.
func Parse(desc string) (*Program, error) {
	var steps []Step

	for _, record := range strings.Split(desc, ",") {
		idx := len(steps)
		step, err := parseRecord(idx, record)
		if err != nil {
			return nil, err
		}
		step.Idx = idx
		steps = append(steps, step)
	}

	p := &Program{Steps: steps}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRecord(idx int, record string) (Step, error) {
	fields := strings.Split(record, ".")
	step := Step{FenceDep: -1}

	// Control records carry a one-letter tag.
	switch fields[0] {
	case "d":
		v, err := controlArg(fields)
		if err != nil || v <= 0 {
			return step, fmt.Errorf("step %d: invalid delay", idx)
		}
		step.Kind = Delay
		step.DelayUS = uint32(v)
		return step, nil
	case "p":
		v, err := controlArg(fields)
		if err != nil || v <= 0 {
			return step, fmt.Errorf("step %d: invalid period", idx)
		}
		step.Kind = Period
		step.PeriodUS = uint32(v)
		return step, nil
	case "s":
		v, err := controlArg(fields)
		if err != nil || v >= 0 || idx+v < 0 {
			return step, fmt.Errorf("step %d: invalid sync target", idx)
		}
		step.Kind = Sync
		step.Target = idx + v
		return step, nil
	case "t":
		v, err := controlArg(fields)
		if err != nil || v < 0 {
			return step, fmt.Errorf("step %d: invalid throttle", idx)
		}
		step.Kind = Throttle
		step.Depth = v
		return step, nil
	case "q":
		v, err := controlArg(fields)
		if err != nil || v < 0 {
			return step, fmt.Errorf("step %d: invalid qd throttle", idx)
		}
		step.Kind = QDThrottle
		step.Depth = v
		return step, nil
	case "a":
		v, err := controlArg(fields)
		if err != nil || v >= 0 || idx+v < 0 {
			return step, fmt.Errorf("step %d: invalid sw fence signal target", idx)
		}
		step.Kind = SoftFenceSignal
		step.Target = idx + v
		return step, nil
	case "f":
		if len(fields) != 1 {
			return step, fmt.Errorf("step %d: sw fence takes no argument", idx)
		}
		step.Kind = SoftFence
		return step, nil
	}

	// Batch record: ctx.engine.duration.deps.wait
	if len(fields) != 5 {
		return step, fmt.Errorf("step %d: invalid record %q", idx, record)
	}
	step.Kind = Batch

	ctx, err := strconv.Atoi(fields[0])
	if err != nil || ctx < 0 {
		return step, fmt.Errorf("step %d: invalid context id %q", idx, fields[0])
	}
	step.Context = ctx

	eng, ok := engine.FromString(fields[1])
	if !ok {
		return step, fmt.Errorf("step %d: invalid engine id %q", idx, fields[1])
	}
	step.Engine = eng

	if step.Dur, err = parseDuration(fields[2]); err != nil {
		return step, fmt.Errorf("step %d: %w", idx, err)
	}

	if err := parseDependencies(idx, &step, fields[3]); err != nil {
		return step, fmt.Errorf("step %d: %w", idx, err)
	}

	switch fields[4] {
	case "0":
	case "1":
		step.Block = true
	default:
		return step, fmt.Errorf("step %d: invalid wait boolean %q", idx, fields[4])
	}

	return step, nil
}

func controlArg(fields []string) (int, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("expected one argument")
	}
	return strconv.Atoi(fields[1])
}

func parseDuration(field string) (Duration, error) {
	var d Duration

	lo, hi, ranged := strings.Cut(field, "-")
	min, err := strconv.ParseInt(lo, 10, 64)
	if err != nil || min <= 0 || min > int64(^uint32(0)) {
		return d, fmt.Errorf("invalid duration %q", field)
	}
	d.Min = uint32(min)
	d.Max = d.Min

	if ranged {
		max, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || max <= min || max > int64(^uint32(0)) {
			return d, fmt.Errorf("invalid duration range %q", field)
		}
		d.Max = uint32(max)
	}
	return d, nil
}

// parseDependencies handles the '/'-separated dependency list of a batch
// record: bare negative integers are data deps, f-prefixed negative integers
// fence deps. At most one fence dep is supported.
func parseDependencies(idx int, step *Step, field string) error {
	if field == "0" {
		return nil
	}

	for _, tok := range strings.Split(field, "/") {
		switch {
		case strings.HasPrefix(tok, "-"):
			v, err := strconv.Atoi(tok)
			if err != nil || v >= 0 || idx+v < 0 {
				return fmt.Errorf("invalid dependency %q", tok)
			}
			step.DataDeps = append(step.DataDeps, idx+v)
		case strings.HasPrefix(tok, "f"):
			if step.FenceDep >= 0 {
				return fmt.Errorf("multiple fence dependencies")
			}
			v, err := strconv.Atoi(tok[1:])
			if err != nil || v >= 0 || idx+v < 0 {
				return fmt.Errorf("invalid fence dependency %q", tok)
			}
			step.FenceDep = idx + v
		default:
			return fmt.Errorf("invalid dependency %q", tok)
		}
	}
	return nil
}

// validate runs the compile-time passes so the execution loop never has to
// re-check references: fence dependency targets are tagged as fence emitters,
// sw fence signals must point at an earlier sw fence, and sync targets must
// name an earlier batch.
func (p *Program) validate() error {
	steps := p.Steps

	for i := range steps {
		s := &steps[i]

		if s.FenceDep >= 0 {
			t := s.FenceDep
			if t >= i || (steps[t].Kind != Batch && steps[t].Kind != SoftFence) {
				return fmt.Errorf("step %d: invalid fence dependency target %d", i, t)
			}
			steps[t].EmitsFence = true
		}

		for _, t := range s.DataDeps {
			if t >= i || steps[t].Kind != Batch {
				return fmt.Errorf("step %d: invalid data dependency target %d", i, t)
			}
		}

		switch s.Kind {
		case SoftFenceSignal:
			if s.Target >= i || steps[s.Target].Kind != SoftFence {
				return fmt.Errorf("step %d: invalid sw fence target %d", i, s.Target)
			}
		case Sync:
			if steps[s.Target].Kind != Batch {
				return fmt.Errorf("step %d: sync target %d is not a batch", i, s.Target)
			}
		}
	}
	return nil
}

// Append concatenates app behind p, shifting all of app's internal indices by
// the length of p. Neither input is modified.
func (p *Program) Append(app *Program) *Program {
	shift := len(p.Steps)
	steps := make([]Step, 0, shift+len(app.Steps))
	steps = append(steps, p.Steps...)

	for _, s := range app.Steps {
		s.Idx += shift
		if s.FenceDep >= 0 {
			s.FenceDep += shift
		}
		if s.Kind == Sync || s.Kind == SoftFenceSignal {
			s.Target += shift
		}
		if len(s.DataDeps) > 0 {
			deps := make([]int, len(s.DataDeps))
			for i, d := range s.DataDeps {
				deps[i] = d + shift
			}
			s.DataDeps = deps
		}
		steps = append(steps, s)
	}

	return &Program{Steps: steps}
}

// LoadDescriptor converts the contents of a workload file into descriptor
// syntax: newlines become record separators and trailing separators are
// dropped. Plain descriptors pass through unchanged.
func LoadDescriptor(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", ",")
	return strings.Trim(text, ",")
}
