// Package engine defines the logical GPU engine ids used throughout the
// simulator and the per-engine nop calibration table.
package engine

import "strings"

// Engine is a logical GPU engine id. Video is virtual: work submitted to it is
// assigned to one of the two fixed video engines by a balancer.
type Engine int

const (
	Render Engine = iota
	Blit
	Video
	Video1
	Video2
	VideoEnhance
	NumEngines
)

var names = [NumEngines]string{
	Render:       "RCS",
	Blit:         "BCS",
	Video:        "VCS",
	Video1:       "VCS1",
	Video2:       "VCS2",
	VideoEnhance: "VECS",
}

func (e Engine) String() string {
	if e < 0 || e >= NumEngines {
		return "UNKNOWN"
	}
	return names[e]
}

// FromString matches s case-insensitively against the fixed engine name table.
func FromString(s string) (Engine, bool) {
	for i, n := range names {
		if strings.EqualFold(s, n) {
			return Engine(i), true
		}
	}
	return 0, false
}

// Virtual reports whether the engine needs balancer resolution at submit time.
func (e Engine) Virtual() bool {
	return e == Video
}

// VideoEngines are the physical candidates a virtual video submission can
// resolve to.
var VideoEngines = [2]Engine{Video1, Video2}

// Physical returns all submittable engines, in id order.
func Physical() []Engine {
	return []Engine{Render, Blit, Video1, Video2, VideoEnhance}
}
