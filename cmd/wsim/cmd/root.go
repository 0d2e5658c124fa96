package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	verbose    int
	listenAddr string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wsim",
	Short: "GPU workload simulator",
	Long: `wsim replays workload descriptors against a simulated multi-engine GPU,
balancing virtual video submissions across the physical video engines.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wsim/config)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "serve metrics and status on this address (e.g. :9100)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".wsim"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("wsim")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if listenAddr == "" {
			listenAddr = viper.GetString("listen")
		}
	}
}
