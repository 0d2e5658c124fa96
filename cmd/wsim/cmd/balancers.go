package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/gpu-wsim/pkg/balance"
)

var balancersCmd = &cobra.Command{
	Use:   "balancers",
	Short: "List virtual engine balancers",
	RunE: func(cmd *cobra.Command, args []string) error {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Name", "Telemetry")

		for _, name := range balance.Names() {
			b, err := balance.New(name)
			if err != nil {
				return err
			}
			telemetry := "no"
			if b.Telemetry() {
				telemetry = "yes"
			}
			table.Append(name, telemetry)
		}
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(balancersCmd)
}
