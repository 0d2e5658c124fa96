package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRunCollectors verifies the run registry serves the expected series
func TestRunCollectors(t *testing.T) {
	m := NewRun()
	m.Submissions.WithLabelValues("RCS").Inc()
	m.Submissions.WithLabelValues("VCS1").Add(3)
	m.Iterations.Inc()
	m.DroppedPeriods.Inc()
	m.QueueDepth.WithLabelValues("VCS1").Set(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`wsim_submissions_total{engine="RCS"} 1`,
		`wsim_submissions_total{engine="VCS1"} 3`,
		"wsim_iterations_total 1",
		"wsim_dropped_periods_total 1",
		`wsim_queue_depth{engine="VCS1"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Exposition missing %q:\n%s", want, out)
		}
	}
}

// TestStatusRoute verifies the JSON status endpoint
func TestStatusRoute(t *testing.T) {
	m := NewRun()
	srv := Serve("127.0.0.1:0", m, func() any {
		return map[string]int{"clients": 2}
	})
	defer srv.Close()

	// Serve binds asynchronously; exercise the handler directly instead.
	hs := httptest.NewServer(srv.Handler)
	defer hs.Close()

	resp, err := hs.Client().Get(hs.URL + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"clients":2`) {
		t.Errorf("Status body wrong: %s", body)
	}

	mresp, err := hs.Client().Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != 200 {
		t.Errorf("Metrics route returned %d", mresp.StatusCode)
	}
}
