package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether surgery statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where surgery statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// StepStats holds timing and size information for one plan step
type StepStats struct {
	Op           string
	Layer        string
	Duration     time.Duration
	ParamsBefore int
	ParamsAfter  int
}

// SurgeryStats holds timing information for a whole plan
type SurgeryStats struct {
	TotalTime time.Duration
	Steps     []StepStats
}

// ParamsRemoved is the net number of weights removed by all steps.
func (s *SurgeryStats) ParamsRemoved() int {
	if len(s.Steps) == 0 {
		return 0
	}
	return s.Steps[0].ParamsBefore - s.Steps[len(s.Steps)-1].ParamsAfter
}

// PrintSurgeryStats prints per-step statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintSurgeryStats(stats *SurgeryStats) {
	if !Verbose || stats == nil {
		return
	}
	fmt.Fprintln(Output, "\n=== SURGERY STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Steps completed: %d\n", len(stats.Steps))
	if len(stats.Steps) > 0 {
		fmt.Fprintf(Output, "Average time per step: %v\n", stats.TotalTime/time.Duration(len(stats.Steps)))
	}
	fmt.Fprintln(Output, "\nBreakdown by step:")
	for i, s := range stats.Steps {
		target := s.Layer
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(Output, "  %d. %s %s: %v (%.1f%%), params %d -> %d\n",
			i+1, s.Op, target, s.Duration, percent(s.Duration, stats.TotalTime), s.ParamsBefore, s.ParamsAfter)
	}
	fmt.Fprintf(Output, "\nParameters removed: %d\n", stats.ParamsRemoved())
}

func percent(part, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
