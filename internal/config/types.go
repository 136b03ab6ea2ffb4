// Package config loads mazos configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the YAML
// config file, MAZOS_ environment variables, then command-line flags that
// were explicitly set.
package config

import (
	"time"

	"mazos/internal/freq"
	"mazos/internal/kernel"
	"mazos/internal/platform/qemu"
)

// Config holds all configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Machine MachineConfig `koanf:"machine"`
	Layout  LayoutConfig  `koanf:"layout"`
	Kernel  KernelConfig  `koanf:"kernel"`
	Monitor MonitorConfig `koanf:"monitor"`

	// RunFor shuts the kernel down after this long. Zero runs until
	// interrupted.
	RunFor time.Duration `koanf:"run_for"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MachineConfig describes the simulated machine and its bootloader.
type MachineConfig struct {
	MemoryMiB uint32        `koanf:"memory_mib"`
	CPUMHz    float64       `koanf:"cpu_mhz"`
	FirstTick time.Duration `koanf:"first_tick"`
	Multiboot bool          `koanf:"multiboot"`
	Cmdline   string        `koanf:"cmdline"`
}

// LayoutConfig mirrors kernel.Layout. Addresses may be written in hex.
type LayoutConfig struct {
	LoadStart    uint64 `koanf:"load_start"`
	End          uint64 `koanf:"end"`
	HeapBegin    uint64 `koanf:"heap_begin"`
	StatmanStart uint64 `koanf:"statman_start"`
	StatmanEnd   uint64 `koanf:"statman_end"`
	StackBottom  uint64 `koanf:"stack_bottom"`
	StackTop     uint64 `koanf:"stack_top"`
	MaxMemMiB    uint32 `koanf:"max_mem_mib"`
}

type KernelConfig struct {
	Version            string `koanf:"version"`
	StatsNamespace     string `koanf:"stats_namespace"`
	CalibrationSamples int    `koanf:"calibration_samples"`
	CalibrationDivider uint32 `koanf:"calibration_divider"`
}

// MonitorConfig configures the HTTP monitor. An empty Addr disables it.
type MonitorConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
	DefaultCmdline   = ""
)

// defaults returns the flattened default values.
func defaults() map[string]any {
	l := kernel.DefaultLayout
	m := qemu.DefaultConfig()
	o := kernel.DefaultOptions()
	return map[string]any{
		"log.level":                  DefaultLogLevel,
		"log.format":                 DefaultLogFormat,
		"machine.memory_mib":         m.MemoryMiB,
		"machine.cpu_mhz":            float64(m.CPUMHz),
		"machine.first_tick":         m.FirstTick.String(),
		"machine.multiboot":          true,
		"machine.cmdline":            DefaultCmdline,
		"layout.load_start":          uint64(l.LoadStart),
		"layout.end":                 uint64(l.End),
		"layout.heap_begin":          uint64(l.HeapBegin),
		"layout.statman_start":       uint64(l.StatmanStart),
		"layout.statman_end":         uint64(l.StatmanEnd),
		"layout.stack_bottom":        uint64(l.StackBottom),
		"layout.stack_top":           uint64(l.StackTop),
		"layout.max_mem_mib":         l.MaxMemMiB,
		"kernel.version":             o.Version,
		"kernel.stats_namespace":     o.StatsNamespace,
		"kernel.calibration_samples": o.Calibration.Samples,
		"kernel.calibration_divider": o.Calibration.Divider,
		"monitor.addr":               "",
		"run_for":                    "0s",
	}
}

// KernelOptions converts the configuration for kernel.New.
func (c *Config) KernelOptions() kernel.Options {
	o := kernel.DefaultOptions()
	o.Layout = kernel.Layout{
		LoadStart:    uintptr(c.Layout.LoadStart),
		End:          uintptr(c.Layout.End),
		HeapBegin:    uintptr(c.Layout.HeapBegin),
		StatmanStart: uintptr(c.Layout.StatmanStart),
		StatmanEnd:   uintptr(c.Layout.StatmanEnd),
		StackBottom:  uintptr(c.Layout.StackBottom),
		StackTop:     uintptr(c.Layout.StackTop),
		MaxMemMiB:    c.Layout.MaxMemMiB,
	}
	if c.Kernel.Version != "" {
		o.Version = c.Kernel.Version
	}
	if c.Kernel.StatsNamespace != "" {
		o.StatsNamespace = c.Kernel.StatsNamespace
	}
	o.Calibration = freq.Options{
		Samples: c.Kernel.CalibrationSamples,
		Divider: c.Kernel.CalibrationDivider,
	}
	return o
}

// QEMU converts the configuration for qemu.New.
func (c *Config) QEMU() qemu.Config {
	q := qemu.DefaultConfig()
	q.MemoryMiB = c.Machine.MemoryMiB
	q.CPUMHz = freq.MHz(c.Machine.CPUMHz)
	q.HeapBegin = uintptr(c.Layout.HeapBegin)
	if c.Machine.FirstTick > 0 {
		q.FirstTick = c.Machine.FirstTick
	}
	return q
}
