package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/gpu-wsim/internal/metrics"
	"github.com/psantana5/gpu-wsim/pkg/descriptor"
	"github.com/psantana5/gpu-wsim/pkg/engine"
	"github.com/psantana5/gpu-wsim/pkg/gpu"
	"github.com/psantana5/gpu-wsim/pkg/workload"
)

// scenarioFile is the YAML shape accepted by the scenario command.
type scenarioFile struct {
	Repeat      int     `yaml:"repeat"`
	Clients     int     `yaml:"clients"`
	Balancer    string  `yaml:"balancer"`
	Calibration string  `yaml:"calibration"`
	Seed        int64   `yaml:"seed"`
	Synced      bool    `yaml:"synced"`
	DepSync     bool    `yaml:"dep_sync"`
	SwapVCS     bool    `yaml:"swap_vcs"`
	MaxRate     float64 `yaml:"max_rate"`
	TimeScale   float64 `yaml:"time_scale"`
	Generation  int     `yaml:"generation"`

	Workloads []scenarioWorkload `yaml:"workloads"`
}

type scenarioWorkload struct {
	Descriptor string `yaml:"descriptor"`
	File       string `yaml:"file"`
	Priority   int    `yaml:"priority"`
	Master     bool   `yaml:"master"`
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario <file.yaml>",
	Short: "Run a scenario file",
	Long: `Scenario runs a YAML file describing a full run: the workloads with their
priorities, the balancer, repeat and client counts, and the calibration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario(args[0])
	},
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List named scenarios from the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listScenarios(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
	rootCmd.AddCommand(scenariosCmd)
}

// listScenarios renders the scenarios defined in the config file. The run
// command accepts these names in place of a descriptor.
func listScenarios(w io.Writer) error {
	named := viper.GetStringMapString("scenarios")
	if len(named) == 0 {
		fmt.Fprintln(w, "No scenarios configured")
		return nil
	}

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Descriptor")
	for _, name := range names {
		table.Append(name, descriptor.LoadDescriptor(named[name]))
	}
	return table.Render()
}

func runScenario(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sc scenarioFile
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if len(sc.Workloads) == 0 {
		return fmt.Errorf("%s: no workloads", path)
	}
	if sc.Calibration == "" {
		sc.Calibration = "1000"
	}

	cal, err := engine.ParseCalibration(sc.Calibration)
	if err != nil {
		return err
	}

	dev, err := gpu.NewSimDevice(gpu.SimOptions{
		Generation:  sc.Generation,
		Calibration: cal,
		TimeScale:   sc.TimeScale,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	runner, err := workload.NewRunner(dev, workload.Options{
		Repeat:        sc.Repeat,
		Clients:       sc.Clients,
		Balancer:      sc.Balancer,
		Calibration:   cal,
		Seed:          sc.Seed,
		SyncedClients: sc.Synced,
		DepSync:       sc.DepSync,
		SwapVideo:     sc.SwapVCS,
		MaxRate:       sc.MaxRate,
		TimeScale:     sc.TimeScale,
		Verbose:       verbose,
	})
	if err != nil {
		return err
	}

	for i, wl := range sc.Workloads {
		text := wl.Descriptor
		if wl.File != "" {
			raw, err := os.ReadFile(wl.File)
			if err != nil {
				return fmt.Errorf("workload %d: %w", i, err)
			}
			text = string(raw)
		}
		prog, err := descriptor.Parse(descriptor.LoadDescriptor(text))
		if err != nil {
			return fmt.Errorf("workload %d: %w", i, err)
		}
		runner.AddProgram(prog, wl.Priority, wl.Master)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listenAddr != "" {
		m := metrics.NewRun()
		runner.SetMetrics(m)
		srv := metrics.Serve(listenAddr, m, func() any { return sc })
		defer srv.Shutdown(context.Background())
	}

	res, runErr := runner.Run(ctx)
	if res != nil {
		res.Render(os.Stdout)
	}
	return runErr
}
