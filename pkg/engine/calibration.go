package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// CalibrationPeriodUS is the delay the calibration values are expressed
// against: a calibration of N means N no-op words keep an engine busy for
// CalibrationPeriodUS microseconds.
const CalibrationPeriodUS = 1000

// Calibration holds per-engine nop calibration values. A zero entry means the
// engine has no calibration yet.
type Calibration [NumEngines]uint64

// Set records a calibration for one engine. The virtual video engine cannot be
// calibrated directly; it inherits from the first fixed video engine set.
func (c *Calibration) Set(e Engine, v uint64) error {
	if e == Video {
		return fmt.Errorf("engine %s not allowed in calibrations", e)
	}
	if v == 0 {
		return fmt.Errorf("zero calibration for engine %s", e)
	}
	if c[e] != 0 {
		return fmt.Errorf("repeated calibration of engine %s", e)
	}
	c[e] = v
	if (e == Video1 || e == Video2) && c[Video] == 0 {
		c[Video] = v
	}
	return nil
}

// ApplyRaw fills every unset engine with the given value.
func (c *Calibration) ApplyRaw(v uint64) {
	for i := range c {
		if c[i] == 0 {
			c[i] = v
		}
	}
}

// Validate checks that every engine has a calibration.
func (c *Calibration) Validate() error {
	for i := range c {
		if c[i] == 0 {
			return fmt.Errorf("missing calibration for engine %s", Engine(i))
		}
	}
	return nil
}

// ParseCalibration parses a calibration argument of the form
// "n", "RCS=v1,VCS1=v2", or a mix of both; a bare number fills all engines
// that were not named explicitly.
func ParseCalibration(s string) (Calibration, error) {
	var c Calibration
	raw := uint64(0)

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if name, val, ok := strings.Cut(tok, "="); ok {
			e, found := FromString(name)
			if !found {
				return c, fmt.Errorf("unknown engine %q in calibration", name)
			}
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil || v == 0 {
				return c, fmt.Errorf("invalid calibration value %q for engine %s", val, e)
			}
			if err := c.Set(e, v); err != nil {
				return c, err
			}
			continue
		}

		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil || v == 0 {
			return c, fmt.Errorf("invalid calibration %q", tok)
		}
		if raw != 0 {
			return c, fmt.Errorf("default calibration given more than once")
		}
		raw = v
	}

	if raw != 0 {
		c.ApplyRaw(raw)
	}
	return c, nil
}
