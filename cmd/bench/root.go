package bench

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/ValentinKolb/hlock/cmd/util"
	"github.com/ValentinKolb/hlock/lib/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	benchConfig = &common.BenchConfig{}
	BenchCmd    = &cobra.Command{
		Use:   "bench",
		Short: "Run a multi-threaded workload against the record store",
		Long: `Load a key space into the record store and run a read/upsert or RMW workload
from several sessions for a fixed duration. Every operation takes an ephemeral
lock from the lock table; with --lock-impl=manual every session additionally holds
manual locks on sentinel keys for the whole run. The configuration can be set via
command line flags or environment variables. The format of the environment variables
is HLOCK_<flag> (e.g. HLOCK_READ_PERCENT=90)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupBenchFlags(BenchCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	benchConfig = util.GetBenchConfig()
	if err := benchConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	return common.InitLoggers(benchConfig.LogLevel)
}

func run(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Lock table benchmark")
	fmt.Fprintln(out, benchConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := Run(ctx, benchConfig)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, report.String())
	if benchConfig.LogLevel == "debug" {
		report.WriteDetails(out)
	}

	switch benchConfig.MetricsOutput {
	case "":
	case "-":
		report.WritePrometheus(out)
	default:
		f, err := os.Create(benchConfig.MetricsOutput)
		if err != nil {
			return err
		}
		report.WritePrometheus(f)
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "metrics written to %s\n", benchConfig.MetricsOutput)
	}
	return nil
}
