package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Benchmark configuration struct
// --------------------------------------------------------------------------

// LockImpl selects how the benchmark exercises manual locks.
type LockImpl string

const (
	// LockImplNone runs operations with ephemeral locks only
	LockImplNone LockImpl = "none"
	// LockImplManual additionally holds manual locks on two sentinel keys per session,
	// one exclusive and one shared, for the whole run
	LockImplManual LockImpl = "manual"
)

// BenchConfig holds all parameters of a benchmark run.
type BenchConfig struct {
	// workload
	Threads     int
	Keys        uint64
	ReadPercent int // r < ReadPercent -> read; otherwise upsert, or RMW when negative
	Duration    time.Duration
	LockImpl    LockImpl

	// store
	Buckets            uint64
	RefreshInterval    int
	CheckpointInterval time.Duration
	IOLatency          time.Duration
	HeadFraction       float64 // share of the loaded keys treated as on disk

	// output
	MetricsOutput string // "" for none, "-" for stdout, otherwise a file path
	LogLevel      string
}

// Validate checks the ranges of all parameters.
func (c *BenchConfig) Validate() error {
	var errs []error
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be >= 1, got %d", c.Threads))
	}
	if c.Keys < 1 {
		errs = append(errs, fmt.Errorf("keys must be >= 1, got %d", c.Keys))
	}
	if c.ReadPercent > 100 || c.ReadPercent < -1 {
		errs = append(errs, fmt.Errorf("read-percent must be in [-1, 100], got %d", c.ReadPercent))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %s", c.Duration))
	}
	if c.LockImpl != LockImplNone && c.LockImpl != LockImplManual {
		errs = append(errs, fmt.Errorf("lock-impl must be %q or %q, got %q", LockImplNone, LockImplManual, c.LockImpl))
	}
	if c.RefreshInterval < 1 {
		errs = append(errs, fmt.Errorf("refresh-interval must be >= 1, got %d", c.RefreshInterval))
	}
	if c.HeadFraction < 0 || c.HeadFraction >= 1 {
		errs = append(errs, fmt.Errorf("head-fraction must be in [0, 1), got %f", c.HeadFraction))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the configuration
func (c *BenchConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Workload")
	addField("Threads", strconv.Itoa(c.Threads))
	addField("Keys", strconv.FormatUint(c.Keys, 10))
	switch {
	case c.ReadPercent >= 0:
		addField("Mix", fmt.Sprintf("%d%% read / %d%% upsert", c.ReadPercent, 100-c.ReadPercent))
	default:
		addField("Mix", "100% rmw")
	}
	addField("Duration", c.Duration.String())
	addField("Lock Impl", string(c.LockImpl))

	addSection("Store")
	addField("Buckets", strconv.FormatUint(c.Buckets, 10))
	addField("Refresh Interval", fmt.Sprintf("%d ops", c.RefreshInterval))
	if c.CheckpointInterval > 0 {
		addField("Checkpoint Interval", c.CheckpointInterval.String())
	} else {
		addField("Checkpoint Interval", "off")
	}
	addField("IO Latency", c.IOLatency.String())
	addField("Head Fraction", strconv.FormatFloat(c.HeadFraction, 'f', 2, 64))

	addSection("Output")
	if c.MetricsOutput == "" {
		addField("Metrics", "off")
	} else {
		addField("Metrics", c.MetricsOutput)
	}
	addField("Log Level", c.LogLevel)

	return sb.String()
}
