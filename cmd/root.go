package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/hlock/cmd/bench"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "hlock",
		Short: "hybrid lock table for a log-structured record store",
		Long: fmt.Sprintf(`hlock (v%s)

A concurrent record store with a hybrid lock table: short ephemeral locks live
inline in the hash index, long-lived manual locks overflow into a side table.
Memory is reclaimed safely through epoch protection.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hlock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hlock v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
