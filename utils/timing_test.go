package utils

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	got := DurationUS(d)
	if math.Abs(got-1234.567) > 0.001 {
		t.Fatalf("want 1234.567µs, got %.3f", got)
	}
}

func TestPrintSurgeryStats(t *testing.T) {
	var buf bytes.Buffer
	old := Output
	Output = &buf
	defer func() { Output = old }()

	stats := &SurgeryStats{
		TotalTime: 4 * time.Millisecond,
		Steps: []StepStats{
			{Op: OpDeleteChannels, Layer: "conv2d_1", Duration: 3 * time.Millisecond, ParamsBefore: 100, ParamsAfter: 80},
			{Op: OpRebuild, Duration: time.Millisecond, ParamsBefore: 80, ParamsAfter: 80},
		},
	}
	PrintSurgeryStats(stats)
	out := buf.String()
	assert.Contains(t, out, "Steps completed: 2")
	assert.Contains(t, out, "1. delete-channels conv2d_1: 3ms (75.0%), params 100 -> 80")
	assert.Contains(t, out, "2. rebuild -: 1ms (25.0%)")
	assert.Contains(t, out, "Parameters removed: 20")

	buf.Reset()
	Verbose = false
	defer func() { Verbose = true }()
	PrintSurgeryStats(stats)
	assert.Empty(t, buf.String())
}
