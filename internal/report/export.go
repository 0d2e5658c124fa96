package report

import (
	"encoding/json"
	"io"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// exportedRun is the machine-readable shape of a run result. Engine names
// replace raw indices so consumers do not depend on internal ordering.
type exportedRun struct {
	RunID       string            `json:"run_id"`
	Balancer    string            `json:"balancer"`
	Started     string            `json:"started"`
	ElapsedSecs float64           `json:"elapsed_seconds"`
	Throughput  float64           `json:"workloads_per_second"`
	Submissions map[string]uint64 `json:"submissions"`
	Clients     []exportedClient  `json:"clients"`
}

type exportedClient struct {
	ID            int                `json:"id"`
	Master        bool               `json:"master"`
	Iterations    int                `json:"iterations"`
	ElapsedSecs   float64            `json:"elapsed_seconds"`
	Throughput    float64            `json:"workloads_per_second"`
	MissedPeriods int                `json:"missed_periods,omitempty"`
	Submissions   map[string]uint64  `json:"submissions"`
	AvgQueueDepth map[string]float64 `json:"avg_queue_depth,omitempty"`
}

// WriteJSON exports the run result as indented JSON.
func (r *RunResult) WriteJSON(w io.Writer) error {
	out := exportedRun{
		RunID:       r.RunID,
		Balancer:    r.Balancer,
		Started:     r.Started.UTC().Format("2006-01-02T15:04:05Z"),
		ElapsedSecs: r.Elapsed.Seconds(),
		Throughput:  r.Throughput(),
		Submissions: engineMap(r.Submissions()),
	}

	for i := range r.Clients {
		c := &r.Clients[i]
		ec := exportedClient{
			ID:            c.ID,
			Master:        c.Master,
			Iterations:    c.Iterations,
			ElapsedSecs:   c.Elapsed.Seconds(),
			Throughput:    c.Throughput(),
			MissedPeriods: c.MissedPeriods,
			Submissions:   engineMap(c.Submissions),
		}
		for _, e := range engine.Physical() {
			if d := c.AvgQueueDepth[e]; d > 0 {
				if ec.AvgQueueDepth == nil {
					ec.AvgQueueDepth = make(map[string]float64)
				}
				ec.AvgQueueDepth[e.String()] = d
			}
		}
		out.Clients = append(out.Clients, ec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func engineMap(subs [engine.NumEngines]uint64) map[string]uint64 {
	m := make(map[string]uint64)
	for _, e := range engine.Physical() {
		if subs[e] > 0 {
			m[e.String()] = subs[e]
		}
	}
	return m
}
