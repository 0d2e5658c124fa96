// Package report aggregates per-client run statistics and renders them as
// plain text tables on standard output. Results are set once by the run
// coordinator and never mutated afterwards.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/gpu-wsim/pkg/engine"
)

// ClientResult is one client's immutable outcome.
type ClientResult struct {
	ID     int
	Master bool

	Iterations int
	Elapsed    time.Duration

	// Submissions counts batches issued per physical engine.
	Submissions [engine.NumEngines]uint64

	// Period bookkeeping, populated only when the program contains Period
	// steps.
	MissedPeriods int
	PeriodAvg     time.Duration
	PeriodMin     time.Duration
	PeriodMax     time.Duration

	// AvgQueueDepth per engine, populated for telemetry balancers.
	AvgQueueDepth [engine.NumEngines]float64
}

// Throughput returns the client's iterations per second.
func (c *ClientResult) Throughput() float64 {
	if c.Elapsed <= 0 {
		return 0
	}
	return float64(c.Iterations) / c.Elapsed.Seconds()
}

// RunResult is the whole run's outcome.
type RunResult struct {
	RunID    string
	Balancer string
	Started  time.Time
	Elapsed  time.Duration
	Clients  []ClientResult
}

// NewRunResult stamps a fresh run id.
func NewRunResult(balancer string) *RunResult {
	return &RunResult{
		RunID:    uuid.New().String(),
		Balancer: balancer,
		Started:  time.Now(),
	}
}

// Throughput returns total iterations per second across clients.
func (r *RunResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	total := 0
	for i := range r.Clients {
		total += r.Clients[i].Iterations
	}
	return float64(total) / r.Elapsed.Seconds()
}

// Submissions sums per-engine submission counts across clients.
func (r *RunResult) Submissions() [engine.NumEngines]uint64 {
	var sum [engine.NumEngines]uint64
	for i := range r.Clients {
		for e, n := range r.Clients[i].Submissions {
			sum[e] += n
		}
	}
	return sum
}

// Render writes the run report: host header, per-client table, per-engine
// submission counts, and queue depth averages when present.
func (r *RunResult) Render(w io.Writer) {
	fmt.Fprintf(w, "Run %s, balancer %s (%s)\n", r.RunID, r.Balancer, hostLine())
	fmt.Fprintf(w, "%.3fs elapsed (%.3f workloads/s)\n", r.Elapsed.Seconds(), r.Throughput())

	table := tablewriter.NewWriter(w)
	table.Header("Client", "Role", "Iterations", "Elapsed", "Workloads/s", "Missed Periods")
	for i := range r.Clients {
		c := &r.Clients[i]
		role := "background"
		if c.Master {
			role = "master"
		}
		table.Append(
			fmt.Sprintf("%d", c.ID),
			role,
			fmt.Sprintf("%d", c.Iterations),
			fmt.Sprintf("%.3fs", c.Elapsed.Seconds()),
			fmt.Sprintf("%.3f", c.Throughput()),
			fmt.Sprintf("%d", c.MissedPeriods),
		)
	}
	table.Render()

	subs := r.Submissions()
	engines := tablewriter.NewWriter(w)
	header := []string{"", "Submissions"}
	hasDepth := false
	for i := range r.Clients {
		for _, d := range r.Clients[i].AvgQueueDepth {
			if d > 0 {
				hasDepth = true
			}
		}
	}
	if hasDepth {
		header = append(header, "Avg Queue Depth")
	}
	engines.Header(asCells(header)...)
	for _, e := range engine.Physical() {
		if subs[e] == 0 {
			continue
		}
		row := []string{e.String(), fmt.Sprintf("%d", subs[e])}
		if hasDepth {
			row = append(row, fmt.Sprintf("%.2f", r.avgDepth(e)))
		}
		engines.Append(asCells(row)...)
	}
	engines.Render()
}

func (r *RunResult) avgDepth(e engine.Engine) float64 {
	sum, n := 0.0, 0
	for i := range r.Clients {
		if d := r.Clients[i].AvgQueueDepth[e]; d > 0 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func asCells(row []string) []any {
	cells := make([]any, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return cells
}

// hostLine snapshots the host for the report header. Failures degrade to an
// empty description rather than failing the report.
func hostLine() string {
	desc := "unknown host"
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		desc = infos[0].ModelName
	}
	if n, err := cpu.Counts(true); err == nil {
		desc = fmt.Sprintf("%s, %d threads", desc, n)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		desc = fmt.Sprintf("%s, %d MiB", desc, vm.Total/(1024*1024))
	}
	return desc
}
