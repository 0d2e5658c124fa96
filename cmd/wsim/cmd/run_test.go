package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// TestLoadDescriptorArgScenario verifies config scenarios resolve by name
func TestLoadDescriptorArgScenario(t *testing.T) {
	viper.Set("scenarios", map[string]string{"spin": "0.rcs.1000.0.0\n0.rcs.500.0.0"})
	defer viper.Set("scenarios", map[string]string{})

	if got := loadDescriptorArg("Spin"); got != "0.rcs.1000.0.0,0.rcs.500.0.0" {
		t.Errorf("Unexpected descriptor %q", got)
	}
	// Unknown names pass through as inline descriptors.
	if got := loadDescriptorArg("d.100"); got != "d.100" {
		t.Errorf("Inline descriptor mangled to %q", got)
	}
}

// TestLoadDescriptorArgFile verifies descriptor files are read and normalized
func TestLoadDescriptorArgFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.wsim")
	if err := os.WriteFile(path, []byte("0.rcs.10.0.0\nd.100\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if got := loadDescriptorArg(path); got != "0.rcs.10.0.0,d.100" {
		t.Errorf("Unexpected descriptor %q", got)
	}
}

// TestResolveCalibration verifies the flag takes precedence over the config
func TestResolveCalibration(t *testing.T) {
	viper.Set("calibration", "rcs=500")
	defer viper.Set("calibration", "")

	if got := resolveCalibration(false); got != "rcs=500" {
		t.Errorf("Expected config calibration, got %q", got)
	}
	if got := resolveCalibration(true); got != "1000" {
		t.Errorf("Expected flag calibration, got %q", got)
	}
}

// TestListScenarios verifies the scenarios listing includes every config entry
func TestListScenarios(t *testing.T) {
	viper.Set("scenarios", map[string]string{
		"spin":  "0.rcs.1000.0.0",
		"video": "0.vcs.100.0.0",
	})
	defer viper.Set("scenarios", map[string]string{})

	var buf bytes.Buffer
	if err := listScenarios(&buf); err != nil {
		t.Fatalf("listScenarios failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"spin", "video", "0.vcs.100.0.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("Listing missing %q:\n%s", want, out)
		}
	}
}
