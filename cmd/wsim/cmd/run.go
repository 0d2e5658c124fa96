package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/gpu-wsim/internal/metrics"
	"github.com/psantana5/gpu-wsim/internal/report"
	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
	"github.com/psantana5/gpu-wsim/pkg/workload"
)

var runFlags struct {
	workloads []string
	masters   []string
	appends   []string
	repeat    int
	clients   int
	nop       string
	balancer  string
	priority  int
	synced    bool
	depSync   bool
	swapVCS   bool
	seed      int64
	maxRate   float64
	timeScale float64
	gen       int
	quiet     bool
	output    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run workload descriptors",
	Long: `Run parses one or more workload descriptors, clones them across clients
if requested, and executes them concurrently against the simulated GPU.

A descriptor argument naming an existing file is read from that file;
newlines in the file separate steps like commas do on the command line. An
argument matching a scenario name from the config file uses that scenario's
descriptor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkloads(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&runFlags.workloads, "workload", "w", nil, "workload descriptor, descriptor file or scenario name (repeatable)")
	runCmd.Flags().StringArrayVarP(&runFlags.masters, "master", "W", nil, "master workload descriptor; others run as background clients")
	runCmd.Flags().StringArrayVarP(&runFlags.appends, "append", "a", nil, "append steps to the last workload (repeatable)")
	runCmd.Flags().IntVarP(&runFlags.repeat, "repeat", "r", 1, "iterations per workload")
	runCmd.Flags().IntVarP(&runFlags.clients, "clients", "c", 1, "clone the workload across this many clients")
	runCmd.Flags().StringVarP(&runFlags.nop, "nop-calibration", "n", "1000", "no-op words per engine per calibration period (\"n\" or \"rcs=n,vcs=m,...\")")
	runCmd.Flags().StringVarP(&runFlags.balancer, "balance", "b", "rr", "virtual engine balancer")
	runCmd.Flags().IntVarP(&runFlags.priority, "priority", "p", 0, "GPU context priority for all workloads")
	runCmd.Flags().BoolVarP(&runFlags.synced, "synced", "S", false, "draw identical duration sequences on every client")
	runCmd.Flags().BoolVarP(&runFlags.depSync, "dep-sync", "d", false, "wait on data dependencies in userspace before submitting")
	runCmd.Flags().BoolVarP(&runFlags.swapVCS, "swap-vcs", "x", false, "swap fixed video engine assignments on every other client")
	runCmd.Flags().Int64VarP(&runFlags.seed, "seed", "I", 0, "PRNG seed (0 derives one from the clock)")
	runCmd.Flags().Float64Var(&runFlags.maxRate, "max-rate", 0, "cap submissions per second per client (0 is unlimited)")
	runCmd.Flags().Float64Var(&runFlags.timeScale, "time-scale", 1000, "wall nanoseconds per simulated microsecond")
	runCmd.Flags().IntVar(&runFlags.gen, "gen", 9, "simulated hardware generation")
	runCmd.Flags().BoolVarP(&runFlags.quiet, "quiet", "q", false, "print only the throughput summary")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "table", "report format: table or json")
}

func runWorkloads(cmd *cobra.Command) error {
	if len(runFlags.workloads) == 0 && len(runFlags.masters) == 0 {
		return fmt.Errorf("at least one workload is required (-w or -W)")
	}

	cal, err := engine.ParseCalibration(resolveCalibration(cmd.Flags().Changed("nop-calibration")))
	if err != nil {
		return err
	}

	dev, err := gpu.NewSimDevice(gpu.SimOptions{
		Generation:  runFlags.gen,
		Calibration: cal,
		TimeScale:   runFlags.timeScale,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	runner, err := workload.NewRunner(dev, workload.Options{
		Repeat:        runFlags.repeat,
		Clients:       runFlags.clients,
		Balancer:      runFlags.balancer,
		Calibration:   cal,
		Seed:          runFlags.seed,
		SyncedClients: runFlags.synced,
		DepSync:       runFlags.depSync,
		SwapVideo:     runFlags.swapVCS,
		MaxRate:       runFlags.maxRate,
		TimeScale:     runFlags.timeScale,
		Verbose:       verbose,
	})
	if err != nil {
		return err
	}

	type loaded struct {
		text   string
		master bool
	}
	var descs []loaded
	for _, arg := range runFlags.masters {
		descs = append(descs, loaded{text: loadDescriptorArg(arg), master: true})
	}
	for _, arg := range runFlags.workloads {
		descs = append(descs, loaded{text: loadDescriptorArg(arg)})
	}
	// Appends extend the last given workload before it is compiled, so a
	// fragment may reference steps of the base descriptor.
	for _, arg := range runFlags.appends {
		if len(descs) == 0 {
			return fmt.Errorf("-a requires a preceding workload")
		}
		descs[len(descs)-1].text += "," + loadDescriptorArg(arg)
	}
	for _, d := range descs {
		prog, err := descriptor.Parse(d.text)
		if err != nil {
			return err
		}
		runner.AddProgram(prog, runFlags.priority, d.master)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv interface{ Shutdown(context.Context) error }
	if listenAddr != "" {
		m := metrics.NewRun()
		runner.SetMetrics(m)
		srv = metrics.Serve(listenAddr, m, func() any {
			return map[string]any{
				"balancer": runFlags.balancer,
				"clients":  runFlags.clients,
				"repeat":   runFlags.repeat,
			}
		})
	}

	res, runErr := runner.Run(ctx)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	if res != nil {
		printResult(res)
	}
	return runErr
}

// resolveCalibration falls back to the config file's calibration key when
// the flag was not given explicitly.
func resolveCalibration(changed bool) string {
	if !changed {
		if s := viper.GetString("calibration"); s != "" {
			return s
		}
	}
	return runFlags.nop
}

// loadDescriptorArg normalizes a descriptor given inline, as a file path or
// as a scenario name from the config file.
func loadDescriptorArg(arg string) string {
	if data, err := os.ReadFile(arg); err == nil {
		return descriptor.LoadDescriptor(string(data))
	}
	if text := viper.GetStringMapString("scenarios")[strings.ToLower(arg)]; text != "" {
		return descriptor.LoadDescriptor(text)
	}
	return descriptor.LoadDescriptor(arg)
}

func printResult(res *report.RunResult) {
	if runFlags.quiet {
		fmt.Printf("%.3f workloads/s\n", res.Throughput())
		return
	}
	if runFlags.output == "json" {
		if err := res.WriteJSON(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return
	}
	res.Render(os.Stdout)
}
