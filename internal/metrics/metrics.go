// Package metrics exposes live run counters over Prometheus while a
// simulation is in flight. The endpoint is optional; a run without --listen
// never touches HTTP.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run holds the collectors one simulation run updates.
type Run struct {
	reg *prometheus.Registry

	Submissions    *prometheus.CounterVec
	Iterations     prometheus.Counter
	DroppedPeriods prometheus.Counter
	QueueDepth     *prometheus.GaugeVec
}

// NewRun registers a fresh collector set on its own registry.
func NewRun() *Run {
	m := &Run{
		reg: prometheus.NewRegistry(),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsim_submissions_total",
			Help: "Batches submitted, per physical engine.",
		}, []string{"engine"}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsim_iterations_total",
			Help: "Completed workload iterations across all clients.",
		}),
		DroppedPeriods: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsim_dropped_periods_total",
			Help: "Period steps that missed their deadline.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsim_queue_depth",
			Help: "Last sampled queue depth, per physical engine.",
		}, []string{"engine"}),
	}
	m.reg.MustRegister(m.Submissions, m.Iterations, m.DroppedPeriods, m.QueueDepth)
	return m
}

// Handler serves the run's registry in Prometheus exposition format.
func (m *Run) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint on addr with /metrics and a JSON /status
// route. The caller owns shutdown of the returned server.
func Serve(addr string, m *Run, status func() any) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}
