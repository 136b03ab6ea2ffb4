package kernel

import (
	"mazos/internal/freq"
	"mazos/internal/memmap"
)

// Layout holds the addresses fixed when the image was linked.
type Layout struct {
	// LoadStart and End bound the ELF image, End inclusive.
	LoadStart uintptr
	End       uintptr

	HeapBegin uintptr

	StatmanStart uintptr
	StatmanEnd   uintptr

	StackBottom uintptr
	StackTop    uintptr

	// MaxMemMiB is the memory ceiling the image was built for.
	MaxMemMiB uint32
}

// DefaultLayout matches the standard x86 linker script.
var DefaultLayout = Layout{
	LoadStart:    0x200000,
	End:          0x2FFFFF,
	HeapBegin:    0x340000,
	StatmanStart: 0x4000,
	StatmanEnd:   0x5FFF,
	StackBottom:  0xA000,
	StackTop:     0x9FBFF,
	MaxMemMiB:    128,
}

// Fixed legacy PC regions.
const (
	EBDAStart    = 0x9FC00
	EBDAEnd      = 0x9FFFF
	VGAROMStart  = 0xA0000
	VGAROMEnd    = 0xFFFFF
	HighMemStart = 0x100000
)

// DefaultVersion is reported when the build did not set one.
const DefaultVersion = "v?.?.?"

// Options configures a Kernel.
type Options struct {
	Layout  Layout
	Version string

	// The stack pointer at entry must lie strictly between these bounds.
	StackMin uintptr
	StackMax uintptr

	Calibration freq.Options

	// HeapMaxHint is reported by HeapMax until the memory map exists.
	HeapMaxHint uintptr

	// SpanMax limits the size of a single memory map range.
	SpanMax uintptr

	// StatsNamespace prefixes the cycle counters, e.g. "cpu0".
	StatsNamespace string
}

// DefaultOptions returns options for a standard build.
func DefaultOptions() Options {
	return Options{
		Layout:         DefaultLayout,
		Version:        DefaultVersion,
		StackMin:       0,
		StackMax:       VGAROMStart,
		Calibration:    freq.DefaultOptions,
		HeapMaxHint:    0xFFFFFFF,
		SpanMax:        memmap.SpanMax,
		StatsNamespace: "cpu0",
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.Layout == (Layout{}) {
		o.Layout = d.Layout
	}
	if o.Version == "" {
		o.Version = d.Version
	}
	if o.StackMax == 0 {
		o.StackMax = d.StackMax
	}
	if o.HeapMaxHint == 0 {
		o.HeapMaxHint = d.HeapMaxHint
	}
	if o.SpanMax == 0 {
		o.SpanMax = d.SpanMax
	}
	if o.StatsNamespace == "" {
		o.StatsNamespace = d.StatsNamespace
	}
}
