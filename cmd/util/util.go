package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/hlock/lib/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables with the
// HLOCK_ prefix (e.g. HLOCK_READ_PERCENT for --read-percent).
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SetupBenchFlags adds the benchmark flags to a command
func SetupBenchFlags(cmd *cobra.Command) {
	key := "threads"
	cmd.Flags().Int(key, 8, WrapString("Number of worker sessions, each running on its own goroutine"))

	key = "keys"
	cmd.Flags().Uint64(key, 1<<20, WrapString("Number of distinct keys in the workload"))

	key = "read-percent"
	cmd.Flags().Int(key, 50, WrapString("Share of reads in percent, the rest are upserts. -1 runs RMW only"))

	key = "duration"
	cmd.Flags().Duration(key, 10*time.Second, WrapString("How long the workload runs"))

	key = "lock-impl"
	cmd.Flags().String(key, string(common.LockImplNone), WrapString("Manual lock mode: none, or manual to have every session hold manual locks on sentinel keys for the whole run"))

	key = "buckets"
	cmd.Flags().Uint64(key, 1<<20, WrapString("Number of primary hash index buckets (rounded up to a power of two)"))

	key = "refresh-interval"
	cmd.Flags().Int(key, 256, WrapString("Operations between two epoch refreshes of a session"))

	key = "checkpoint-interval"
	cmd.Flags().Duration(key, 0, WrapString("Interval between checkpoints during the run, 0 disables them"))

	key = "io-latency"
	cmd.Flags().Duration(key, 50*time.Microsecond, WrapString("Simulated latency of reading a record below the head address"))

	key = "head-fraction"
	cmd.Flags().Float64(key, 0, WrapString("Share of the loaded records moved below the head address before the run, reads of them go pending"))

	key = "metrics-output"
	cmd.Flags().String(key, "", WrapString("Write Prometheus metrics after the run: - for stdout or a file path"))

	key = "log-level"
	cmd.Flags().String(key, "warning", WrapString("Log level (debug, info, warning, error, none)"))
}

// GetBenchConfig reads the benchmark configuration from viper
func GetBenchConfig() *common.BenchConfig {
	return &common.BenchConfig{
		Threads:            viper.GetInt("threads"),
		Keys:               viper.GetUint64("keys"),
		ReadPercent:        viper.GetInt("read-percent"),
		Duration:           viper.GetDuration("duration"),
		LockImpl:           common.LockImpl(viper.GetString("lock-impl")),
		Buckets:            viper.GetUint64("buckets"),
		RefreshInterval:    viper.GetInt("refresh-interval"),
		CheckpointInterval: viper.GetDuration("checkpoint-interval"),
		IOLatency:          viper.GetDuration("io-latency"),
		HeadFraction:       viper.GetFloat64("head-fraction"),
		MetricsOutput:      viper.GetString("metrics-output"),
		LogLevel:           viper.GetString("log-level"),
	}
}
