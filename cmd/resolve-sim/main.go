package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "resolve-sim",
		Short:         "Deterministic incident scenario simulator for observability stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $RESIM_CONFIG)")

	rootCmd.AddCommand(
		newGenerateCmd(),
		newLiveCmd(),
		newActivateCmd(),
		newRecoverCmd(),
		newStopCmd(),
		newStatusCmd(),
		newValidateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
