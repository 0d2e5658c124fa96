package engine

import "testing"

// TestFromString verifies case-insensitive engine name lookup
func TestFromString(t *testing.T) {
	cases := map[string]Engine{
		"rcs":  Render,
		"RCS":  Render,
		"bcs":  Blit,
		"vcs":  Video,
		"Vcs1": Video1,
		"vcs2": Video2,
		"vecs": VideoEnhance,
	}
	for name, want := range cases {
		got, ok := FromString(name)
		if !ok || got != want {
			t.Errorf("FromString(%q) = %s, %v; want %s", name, got, ok, want)
		}
	}
	if _, ok := FromString("xcs"); ok {
		t.Error("Expected lookup failure for unknown engine")
	}
}

// TestVirtual verifies that only the unnumbered video engine is virtual
func TestVirtual(t *testing.T) {
	if !Video.Virtual() {
		t.Error("VCS should be virtual")
	}
	for _, e := range Physical() {
		if e.Virtual() {
			t.Errorf("Engine %s should not be virtual", e)
		}
	}
}

// TestPhysicalExcludesVirtual verifies the physical engine enumeration
func TestPhysicalExcludesVirtual(t *testing.T) {
	phys := Physical()
	if len(phys) != int(NumEngines)-1 {
		t.Errorf("Expected %d physical engines, got %d", int(NumEngines)-1, len(phys))
	}
	for _, e := range phys {
		if e == Video {
			t.Error("Virtual engine listed as physical")
		}
	}
}

// TestCalibrationSet verifies per-engine calibration rules
func TestCalibrationSet(t *testing.T) {
	var c Calibration
	if err := c.Set(Video, 100); err == nil {
		t.Error("Expected error calibrating the virtual engine")
	}
	if err := c.Set(Render, 0); err == nil {
		t.Error("Expected error for zero calibration")
	}
	if err := c.Set(Render, 100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set(Render, 200); err == nil {
		t.Error("Expected error for repeated calibration")
	}

	// The first fixed video engine seeds the virtual one.
	if err := c.Set(Video1, 500); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if c[Video] != 500 {
		t.Errorf("Expected virtual calibration 500, got %d", c[Video])
	}
	if err := c.Set(Video2, 700); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if c[Video] != 500 {
		t.Errorf("Virtual calibration overwritten to %d", c[Video])
	}
}

// TestParseCalibration verifies the calibration argument grammar
func TestParseCalibration(t *testing.T) {
	c, err := ParseCalibration("1000")
	if err != nil {
		t.Fatalf("ParseCalibration failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	for i := range c {
		if c[i] != 1000 {
			t.Errorf("Engine %s calibration %d, want 1000", Engine(i), c[i])
		}
	}

	c, err = ParseCalibration("rcs=5,1000")
	if err != nil {
		t.Fatalf("ParseCalibration failed: %v", err)
	}
	if c[Render] != 5 || c[Blit] != 1000 {
		t.Errorf("Mixed calibration wrong: rcs=%d bcs=%d", c[Render], c[Blit])
	}

	bad := []string{"0", "vcs=100", "rcs=1,rcs=2", "1000,2000", "rcs=x"}
	for _, s := range bad {
		if _, err := ParseCalibration(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

// TestCalibrationValidate verifies detection of missing engines
func TestCalibrationValidate(t *testing.T) {
	var c Calibration
	if err := c.Validate(); err == nil {
		t.Error("Expected error for empty calibration")
	}
	if err := c.Set(Render, 100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Error("Expected error for partial calibration")
	}
	c.ApplyRaw(1000)
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed after ApplyRaw: %v", err)
	}
}
