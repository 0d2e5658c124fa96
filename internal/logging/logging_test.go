package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// TestLevelGating verifies messages respect the verbosity threshold
func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := New("runner", 1)
	l.Errorf("boom: %d", 7)
	l.Infof("starting")
	l.Debugf("hidden")
	l.Tracef("hidden too")

	out := buf.String()
	if !strings.Contains(out, "[runner] ERROR boom: 7") {
		t.Errorf("Error line missing: %s", out)
	}
	if !strings.Contains(out, "[runner] INFO starting") {
		t.Errorf("Info line missing: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("Suppressed levels leaked: %s", out)
	}
}

// TestVerboseLevels verifies debug and trace unlock at higher verbosity
func TestVerboseLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := New("client 0", 3)
	l.Debugf("dbg")
	l.Tracef("trc")

	out := buf.String()
	if !strings.Contains(out, "DEBUG dbg") || !strings.Contains(out, "TRACE trc") {
		t.Errorf("Verbose levels missing: %s", out)
	}
}
