// Package freq measures the CPU cycle counter frequency.
//
// The cycle counter has no architecturally defined rate, so it is
// calibrated against the programmable interval timer, whose input clock is
// fixed. Every cycle-to-time conversion in the kernel divides by the value
// produced here.
package freq

import (
	"errors"
	"fmt"
	"time"
)

// MHz is a (possibly fractional) frequency in megahertz.
type MHz float64

// Default is assumed until calibration completes.
const Default MHz = 1000

// Hz returns the frequency in hertz.
func (f MHz) Hz() float64 {
	return float64(f) * 1e6
}

// CyclesToMicros converts a cycle count to microseconds.
func (f MHz) CyclesToMicros(cycles uint64) uint64 {
	if f <= 0 {
		return 0
	}
	return uint64(float64(cycles) / float64(f))
}

// CyclesToDuration converts a cycle count to a duration.
func (f MHz) CyclesToDuration(cycles uint64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(float64(cycles) * 1e3 / float64(f))
}

func (f MHz) String() string {
	return fmt.Sprintf("%.3f MHz", float64(f))
}

// CycleCounter reads a monotonically increasing cycle count.
type CycleCounter interface {
	Cycles() uint64
}

// IntervalTimer is the fixed-rate reference timer.
type IntervalTimer interface {
	// Frequency returns the input clock rate in Hz.
	Frequency() float64
	// WaitTicks blocks until n timer ticks have elapsed.
	WaitTicks(n uint32)
}

// Options tunes calibration.
type Options struct {
	// Samples is the number of measurements averaged.
	Samples int
	// Divider sets the sampling interval to Frequency()/Divider ticks.
	// 1000 gives one millisecond per sample.
	Divider uint32
}

// DefaultOptions samples ten one-millisecond intervals.
var DefaultOptions = Options{Samples: 10, Divider: 1000}

var (
	ErrNoReference = errors.New("freq: reference timer reports no frequency")
	ErrStalled     = errors.New("freq: cycle counter did not advance")
)

// Calibrate measures the cycle counter against pit.
//
// Each sample counts the cycles elapsed while the PIT runs through a fixed
// number of ticks:
//
//	interval_us = ticks / pit_hz * 1e6
//	mhz         = mean(cycles) / interval_us
func Calibrate(cpu CycleCounter, pit IntervalTimer, opts Options) (MHz, error) {
	if opts.Samples <= 0 {
		opts.Samples = DefaultOptions.Samples
	}
	if opts.Divider == 0 {
		opts.Divider = DefaultOptions.Divider
	}

	pitHz := pit.Frequency()
	if pitHz <= 0 {
		return 0, ErrNoReference
	}
	ticks := uint32(pitHz / float64(opts.Divider))
	if ticks == 0 {
		ticks = 1
	}
	intervalMicros := float64(ticks) / pitHz * 1e6

	var total float64
	for range opts.Samples {
		start := cpu.Cycles()
		pit.WaitTicks(ticks)
		end := cpu.Cycles()
		if end <= start {
			return 0, fmt.Errorf("%w: %d -> %d", ErrStalled, start, end)
		}
		total += float64(end - start)
	}
	return MHz(total / float64(opts.Samples) / intervalMicros), nil
}
